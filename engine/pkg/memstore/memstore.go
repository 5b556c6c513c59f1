// Package memstore is an in-memory implementation of every store interface the engine
// consumes. It backs unit tests and local runs without databases.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/rollup"
)

type Store struct {
	mu        sync.RWMutex
	users     map[uuid.UUID]hierarchy.User
	codes     map[uuid.UUID]codes.ReferralCode
	donations map[uuid.UUID]ledger.Donation
	programs  map[uuid.UUID]ledger.Program
}

func New() *Store {
	return &Store{
		users:     make(map[uuid.UUID]hierarchy.User),
		codes:     make(map[uuid.UUID]codes.ReferralCode),
		donations: make(map[uuid.UUID]ledger.Donation),
		programs:  make(map[uuid.UUID]ledger.Program),
	}
}

// clone copies a pointer field so stored rows never alias caller memory.
func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var (
	_ hierarchy.Directory = (*Store)(nil)
	_ codes.Store         = (*Store)(nil)
	_ ledger.Reader       = (*Store)(nil)
	_ rollup.Store        = (*Store)(nil)
	_ rollup.Ledger       = (*Store)(nil)
)

// Users

func (s *Store) InsertUser(_ context.Context, u hierarchy.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	u.ParentID = clone(u.ParentID)
	s.users[u.ID] = u
	return nil
}

// SetParent rewrites a parent pointer without any check, so tests can build corrupt trees.
func (s *Store) SetParent(_ context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, engineerr.ErrUserNotFound)
	}
	u.ParentID = clone(parentID)
	s.users[id] = u
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*hierarchy.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, engineerr.ErrUserNotFound)
	}
	return &u, nil
}

func (s *Store) Children(_ context.Context, id uuid.UUID) ([]hierarchy.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []hierarchy.User
	for _, u := range s.users {
		if u.ParentID != nil && *u.ParentID == id {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b hierarchy.User) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

// Referral codes

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*codes.ReferralCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[id]
	if !ok {
		return nil, fmt.Errorf("referral code %s: %w", id, engineerr.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) GetByCode(_ context.Context, code string) (*codes.ReferralCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonical := codes.Canonical(code)
	for _, c := range s.codes {
		if c.Code == canonical {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("referral code %s: %w", code, engineerr.ErrNotFound)
}

func (s *Store) ActiveForOwner(_ context.Context, ownerID uuid.UUID) (*codes.ReferralCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.codes {
		if c.OwnerID == ownerID && c.Active {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("referral code for owner %s: %w", ownerID, engineerr.ErrNotFound)
}

func (s *Store) ActiveForOwners(_ context.Context, ownerIDs []uuid.UUID) ([]codes.ReferralCode, error) {
	return s.filterCodes(func(c codes.ReferralCode) bool {
		return c.Active && slices.Contains(ownerIDs, c.OwnerID)
	}), nil
}

func (s *Store) ForOwners(_ context.Context, ownerIDs []uuid.UUID) ([]codes.ReferralCode, error) {
	return s.filterCodes(func(c codes.ReferralCode) bool {
		return slices.Contains(ownerIDs, c.OwnerID)
	}), nil
}

func (s *Store) ActiveChildren(_ context.Context, parentID uuid.UUID) ([]codes.ReferralCode, error) {
	return s.filterCodes(func(c codes.ReferralCode) bool {
		return c.Active && c.ParentCodeID != nil && *c.ParentCodeID == parentID
	}), nil
}

func (s *Store) filterCodes(keep func(codes.ReferralCode) bool) []codes.ReferralCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []codes.ReferralCode
	for _, c := range s.codes {
		if keep(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b codes.ReferralCode) int { return cmp.Compare(a.Code, b.Code) })
	return out
}

func (s *Store) Insert(_ context.Context, c codes.ReferralCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Code = codes.Canonical(c.Code)
	c.ParentCodeID = clone(c.ParentCodeID)
	c.LastUsedAt = clone(c.LastUsedAt)
	for _, existing := range s.codes {
		if existing.Code == c.Code {
			return fmt.Errorf("code %s: %w", c.Code, codes.ErrDuplicateCode)
		}
		if c.Active && existing.Active && existing.OwnerID == c.OwnerID {
			return fmt.Errorf("owner %s: %w", c.OwnerID, engineerr.ErrDuplicateActiveCode)
		}
	}
	s.codes[c.ID] = c
	return nil
}

func (s *Store) Deactivate(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return fmt.Errorf("referral code %s: %w", id, engineerr.ErrNotFound)
	}
	c.Active = false
	s.codes[id] = c
	return nil
}

// SetCodeParent rewrites a parent code pointer without any check.
func (s *Store) SetCodeParent(_ context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return fmt.Errorf("referral code %s: %w", id, engineerr.ErrNotFound)
	}
	c.ParentCodeID = clone(parentID)
	s.codes[id] = c
	return nil
}

// Donations

func (s *Store) InsertProgram(_ context.Context, p ledger.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.ID] = p
	return nil
}

func (s *Store) InsertDonation(_ context.Context, d ledger.Donation) error {
	if d.Amount <= 0 {
		return fmt.Errorf("donation amount must be positive, got %d", d.Amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.donations[d.ID]; ok {
		return fmt.Errorf("donation %s already exists", d.ID)
	}
	d.ProgramID = clone(d.ProgramID)
	d.ReferralCodeID = clone(d.ReferralCodeID)
	d.AttributedUserID = clone(d.AttributedUserID)
	d.PaidAt = clone(d.PaidAt)
	s.donations[d.ID] = d
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*ledger.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.donations[id]
	if !ok {
		return nil, fmt.Errorf("donation %s: %w", id, engineerr.ErrNotFound)
	}
	return &d, nil
}

func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, next ledger.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok {
		return fmt.Errorf("donation %s: %w", id, engineerr.ErrNotFound)
	}
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("%s -> %s: %w", d.Status, next, engineerr.ErrInvalidTransition)
	}
	d.Status = next
	if next == ledger.StatusSuccess {
		t := at.UTC()
		d.PaidAt = &t
	}
	s.donations[id] = d
	return nil
}

func (s *Store) SetAttribution(_ context.Context, id uuid.UUID, codeID uuid.UUID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok {
		return false, fmt.Errorf("donation %s: %w", id, engineerr.ErrNotFound)
	}
	if d.AttributedUserID != nil {
		return false, nil
	}
	d.ReferralCodeID = &codeID
	d.AttributedUserID = &userID
	s.donations[id] = d
	return true, nil
}

func (s *Store) ListSuccessful(_ context.Context, after uuid.UUID, limit int) ([]ledger.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Donation
	for _, d := range s.donations {
		if d.Status == ledger.StatusSuccess && cmp.Compare(d.ID.String(), after.String()) > 0 {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Donation) int { return cmp.Compare(a.ID.String(), b.ID.String()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Programs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if p, ok := s.programs[id]; ok {
			out[id] = p.Name
		}
	}
	return out, nil
}

func (s *Store) LastUsed(_ context.Context, codeID uuid.UUID) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *time.Time
	for _, d := range s.donations {
		if d.Status != ledger.StatusSuccess || d.ReferralCodeID == nil || *d.ReferralCodeID != codeID {
			continue
		}
		at := d.CreatedAt
		if d.PaidAt != nil {
			at = *d.PaidAt
		}
		if last == nil || at.After(*last) {
			last = &at
		}
	}
	return last, nil
}

func (s *Store) TotalsByAttributedUsers(_ context.Context, userIDs []uuid.UUID) (ledger.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t ledger.Totals
	for _, d := range s.donations {
		if d.Status == ledger.StatusSuccess && d.AttributedUserID != nil && slices.Contains(userIDs, *d.AttributedUserID) {
			t = t.Add(ledger.Totals{Count: 1, Amount: d.Amount})
		}
	}
	return t, nil
}

func (s *Store) matching(f ledger.Filter) []ledger.Donation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Donation
	for _, d := range s.donations {
		if d.Status != ledger.StatusSuccess || d.ReferralCodeID == nil || !slices.Contains(f.CodeIDs, *d.ReferralCodeID) {
			continue
		}
		if f.Start != nil && d.CreatedAt.Before(*f.Start) {
			continue
		}
		if f.End != nil && !d.CreatedAt.Before(*f.End) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (s *Store) Totals(_ context.Context, f ledger.Filter) (ledger.Totals, error) {
	var t ledger.Totals
	for _, d := range s.matching(f) {
		t = t.Add(ledger.Totals{Count: 1, Amount: d.Amount})
	}
	return t, nil
}

func (s *Store) TotalsByCode(_ context.Context, f ledger.Filter) (map[uuid.UUID]ledger.Totals, error) {
	out := make(map[uuid.UUID]ledger.Totals)
	for _, d := range s.matching(f) {
		out[*d.ReferralCodeID] = out[*d.ReferralCodeID].Add(ledger.Totals{Count: 1, Amount: d.Amount})
	}
	return out, nil
}

func (s *Store) Monthly(_ context.Context, f ledger.Filter, limit int) ([]ledger.MonthBucket, error) {
	if limit <= 0 {
		return nil, nil
	}
	type key struct {
		year  int
		month time.Month
	}
	buckets := make(map[key]*ledger.MonthBucket)
	for _, d := range s.matching(f) {
		at := d.CreatedAt.UTC()
		k := key{at.Year(), at.Month()}
		b, ok := buckets[k]
		if !ok {
			b = &ledger.MonthBucket{Year: k.year, Month: k.month}
			buckets[k] = b
		}
		b.Count++
		b.Amount += d.Amount
	}

	out := make([]ledger.MonthBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b ledger.MonthBucket) int {
		if c := cmp.Compare(a.Year, b.Year); c != 0 {
			return c
		}
		return cmp.Compare(a.Month, b.Month)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) TopPrograms(_ context.Context, f ledger.Filter, limit int) ([]ledger.ProgramTotal, error) {
	if limit <= 0 {
		return nil, nil
	}
	totals := make(map[uuid.UUID]*ledger.ProgramTotal)
	matched := s.matching(f)

	s.mu.RLock()
	for _, d := range matched {
		if d.ProgramID == nil {
			continue
		}
		p, ok := s.programs[*d.ProgramID]
		if !ok {
			continue
		}
		t, ok := totals[p.ID]
		if !ok {
			t = &ledger.ProgramTotal{ProgramID: p.ID, Name: p.Name}
			totals[p.ID] = t
		}
		t.Count++
		t.Amount += d.Amount
	}
	s.mu.RUnlock()

	out := make([]ledger.ProgramTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b ledger.ProgramTotal) int {
		if c := cmp.Compare(b.Amount, a.Amount); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counters

func (s *Store) ApplyRollup(_ context.Context, app rollup.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[app.DonationID]
	if !ok {
		return fmt.Errorf("donation %s: %w", app.DonationID, engineerr.ErrNotFound)
	}
	if d.RolledUp {
		return fmt.Errorf("donation %s: %w", app.DonationID, engineerr.ErrAlreadyRolledUp)
	}
	d.RolledUp = true
	s.donations[d.ID] = d

	if app.CodeID != nil {
		if c, ok := s.codes[*app.CodeID]; ok {
			c.TotalDonations++
			c.TotalAmount += app.Amount
			used := app.UsedAt.UTC()
			if c.LastUsedAt == nil || used.After(*c.LastUsedAt) {
				c.LastUsedAt = &used
			}
			s.codes[c.ID] = c
		}
	}
	for _, id := range app.UserIDs {
		if u, ok := s.users[id]; ok {
			u.TotalDonationsReferred++
			u.TotalAmountReferred += app.Amount
			s.users[id] = u
		}
	}
	return nil
}

func (s *Store) OverwriteCodeCounters(_ context.Context, codeID uuid.UUID, counters codes.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[codeID]
	if !ok {
		return fmt.Errorf("referral code %s: %w", codeID, engineerr.ErrNotFound)
	}
	c.TotalDonations = counters.TotalDonations
	c.TotalAmount = counters.TotalAmount
	c.LastUsedAt = clone(counters.LastUsedAt)
	s.codes[codeID] = c
	return nil
}

func (s *Store) OverwriteUserCounters(_ context.Context, userID uuid.UUID, t ledger.Totals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, engineerr.ErrUserNotFound)
	}
	u.TotalDonationsReferred = t.Count
	u.TotalAmountReferred = t.Amount
	s.users[userID] = u
	return nil
}

func (s *Store) ListCodeIDs(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for id := range s.codes {
		if cmp.Compare(id.String(), after.String()) > 0 {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
