package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/reporting"
)

func (s *Server) routes(r chi.Router) {
	r.Get("/codes/{code}", s.handleResolveCode)
	r.Post("/codes/{id}/recompute", s.handleRecomputeCode)
	r.Post("/users/{id}/codes", s.handleCreateCode)
	r.Post("/users/{id}/recompute", s.handleRecomputeUser)
	r.Get("/users/{id}/metrics", s.handleMetrics)
	r.Get("/users/{id}/hierarchy-performance", s.handleHierarchyPerformance)
	r.Get("/users/{id}/performance-tree", s.handlePerformanceTree)
	r.Post("/donations/{id}/attribution", s.handleAttribute)
	r.Post("/donations/{id}/rollup", s.handleRollup)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

// statusFor maps the engine's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engineerr.ErrNotFound), errors.Is(err, engineerr.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, engineerr.ErrInactive),
		errors.Is(err, engineerr.ErrParentCodeRequired),
		errors.Is(err, engineerr.ErrNotSuccessful),
		errors.Is(err, reporting.ErrInvalidWindow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engineerr.ErrDuplicateActiveCode):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates, which are read as UTC midnight.
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q", v)
	}
	return &t, nil
}

func parseWindow(r *http.Request) (reporting.Window, error) {
	var w reporting.Window
	var err error
	if w.Start, err = parseTime(r.URL.Query().Get("start")); err != nil {
		return w, err
	}
	if w.End, err = parseTime(r.URL.Query().Get("end")); err != nil {
		return w, err
	}
	return w, w.Validate()
}

func (s *Server) handleResolveCode(w http.ResponseWriter, r *http.Request) {
	rc, err := s.cfg.API.ResolveCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleRecomputeCode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	c, err := s.cfg.API.RecomputeOne(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

type createCodeRequest struct {
	ParentCodeID *uuid.UUID `json:"parent_code_id,omitempty"`
}

func (s *Server) handleCreateCode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req createCodeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, "invalid request body")
			return
		}
	}
	rc, err := s.cfg.API.CreateReferralCode(r.Context(), id, req.ParentCodeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rc)
}

func (s *Server) handleRecomputeUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	t, err := s.cfg.API.RecomputeUser(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	subtree := false
	if v := r.URL.Query().Get("subtree"); v != "" {
		if subtree, err = strconv.ParseBool(v); err != nil {
			s.badRequest(w, fmt.Sprintf("invalid subtree %q", v))
			return
		}
	}
	m, err := s.cfg.API.PerformanceMetrics(r.Context(), id, window, subtree)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

type hierarchyPerformanceResponse struct {
	Members []reporting.MemberPerformance `json:"members"`
}

func (s *Server) handleHierarchyPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	rows, err := s.cfg.API.HierarchyPerformance(r.Context(), id, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hierarchyPerformanceResponse{Members: rows})
}

type performanceTreeResponse struct {
	Tree *reporting.TreeNode `json:"tree"`
}

func (s *Server) handlePerformanceTree(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	tree, err := s.cfg.API.BuildPerformanceTree(r.Context(), id, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, performanceTreeResponse{Tree: tree})
}

type attributeRequest struct {
	Code string `json:"code"`
}

type attributeResponse struct {
	Attribution any `json:"attribution"`
}

func (s *Server) handleAttribute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req attributeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, "invalid request body")
			return
		}
	}
	res, err := s.cfg.API.Attribute(r.Context(), id, codes.Canonical(req.Code))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res == nil {
		s.writeJSON(w, http.StatusOK, attributeResponse{})
		return
	}
	s.writeJSON(w, http.StatusOK, attributeResponse{Attribution: res})
}

type rollupResponse struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	outcome, err := s.cfg.API.OnDonationSuccess(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rollupResponse{Outcome: string(outcome)})
}
