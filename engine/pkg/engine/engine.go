// Package engine is the entry point callers use: it composes the code registry, attribution,
// rollup and reporting over a set of stores and is where hierarchy corruption is surfaced.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/referrals/engine/pkg/alerting"
	"github.com/malbeclabs/referrals/engine/pkg/attribution"
	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/metrics"
	"github.com/malbeclabs/referrals/engine/pkg/reporting"
	"github.com/malbeclabs/referrals/engine/pkg/rollup"
)

// Donations is the ledger the engine reads and annotates.
type Donations interface {
	ledger.Reader
	Get(ctx context.Context, id uuid.UUID) (*ledger.Donation, error)
	SetAttribution(ctx context.Context, id uuid.UUID, codeID uuid.UUID, userID uuid.UUID) (bool, error)
	Programs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	LastUsed(ctx context.Context, codeID uuid.UUID) (*time.Time, error)
	TotalsByAttributedUsers(ctx context.Context, userIDs []uuid.UUID) (ledger.Totals, error)
}

// Mirror receives donations after their rollup is applied.
type Mirror interface {
	Mirror(ctx context.Context, donations []ledger.Donation, programNames map[uuid.UUID]string) error
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Directory hierarchy.Directory
	Codes     codes.Store
	Donations Donations
	Counters  rollup.Store

	// Reports overrides the reader used for reporting, e.g. the ClickHouse analytics store.
	// Defaults to Donations.
	Reports ledger.Reader
	// Analytics is optional.
	Analytics Mirror
	Notifier  alerting.Notifier

	RecomputeConcurrency int
	RecomputeRate        rate.Limit
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	if cfg.Codes == nil {
		return errors.New("codes store is required")
	}
	if cfg.Donations == nil {
		return errors.New("donations store is required")
	}
	if cfg.Counters == nil {
		return errors.New("counters store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Reports == nil {
		cfg.Reports = cfg.Donations
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alerting.Nop{}
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config

	registry    *codes.Registry
	attribution *attribution.Engine
	rollup      *rollup.Maintainer
	reporting   *reporting.Engine
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := codes.NewRegistry(codes.RegistryConfig{
		Logger:    cfg.Logger,
		Store:     cfg.Codes,
		Directory: cfg.Directory,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	attr, err := attribution.New(attribution.Config{
		Logger:    cfg.Logger,
		Registry:  registry,
		Directory: cfg.Directory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create attribution engine: %w", err)
	}

	maintainer, err := rollup.New(rollup.Config{
		Logger:               cfg.Logger,
		Store:                cfg.Counters,
		Directory:            cfg.Directory,
		Ledger:               cfg.Donations,
		Clock:                cfg.Clock,
		RecomputeConcurrency: cfg.RecomputeConcurrency,
		RecomputeRate:        cfg.RecomputeRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rollup maintainer: %w", err)
	}

	reports, err := reporting.New(reporting.Config{
		Logger:    cfg.Logger,
		Directory: cfg.Directory,
		Codes:     registry,
		Ledger:    cfg.Reports,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reporting engine: %w", err)
	}

	return &Engine{
		log:         cfg.Logger,
		cfg:         cfg,
		registry:    registry,
		attribution: attr,
		rollup:      maintainer,
		reporting:   reports,
	}, nil
}

// surface logs, counts and alerts on hierarchy corruption and returns err unchanged.
func (e *Engine) surface(ctx context.Context, op string, err error) error {
	var corrupt *engineerr.CorruptHierarchyError
	if errors.As(err, &corrupt) {
		e.log.Error("engine: corrupt hierarchy", "op", op, "tree", corrupt.Tree, "start", corrupt.Start, "reason", corrupt.Reason, "path_len", len(corrupt.Path))
		metrics.CorruptHierarchyTotal.WithLabelValues(string(corrupt.Tree)).Inc()
		e.cfg.Notifier.CorruptHierarchy(ctx, op, corrupt)
	}
	return err
}

// Attribute credits a successful donation to the owner of code and persists who was
// credited. A donation that arrived linked to a code is credited through that code instead.
// A donation keeps its first attribution: later calls reproduce the result from the stored
// code and ignore the code argument. Nil means a direct donation.
func (e *Engine) Attribute(ctx context.Context, donationID uuid.UUID, code string) (*attribution.Result, error) {
	res, outcome, err := e.attribute(ctx, donationID, code)
	if err != nil {
		metrics.AttributionsTotal.WithLabelValues("error").Inc()
		return nil, e.surface(ctx, "attribute", err)
	}
	metrics.AttributionsTotal.WithLabelValues(outcome).Inc()
	return res, nil
}

func (e *Engine) attribute(ctx context.Context, donationID uuid.UUID, code string) (*attribution.Result, string, error) {
	d, err := e.cfg.Donations.Get(ctx, donationID)
	if err != nil {
		return nil, "", err
	}
	if d.Status != ledger.StatusSuccess {
		return nil, "", fmt.Errorf("donation %s is %s: %w", d.ID, d.Status, engineerr.ErrNotSuccessful)
	}
	if d.AttributedUserID != nil {
		res, err := e.replay(ctx, *d)
		return res, "replayed", err
	}

	var res *attribution.Result
	if d.ReferralCodeID != nil {
		res, err = e.attributeLinked(ctx, *d)
	} else {
		res, err = e.attribution.Attribute(ctx, *d, code)
	}
	if err != nil {
		return nil, "", err
	}
	if res == nil {
		return nil, "none", nil
	}

	written, err := e.cfg.Donations.SetAttribution(ctx, d.ID, res.Code.ID, res.DirectUserID())
	if err != nil {
		return nil, "", fmt.Errorf("failed to persist attribution: %w", err)
	}
	if !written {
		// Lost a race with another attribution of the same donation.
		d, err = e.cfg.Donations.Get(ctx, donationID)
		if err != nil {
			return nil, "", err
		}
		res, err := e.replay(ctx, *d)
		return res, "replayed", err
	}

	e.log.Info("engine: attributed donation", "donation_id", d.ID, "code", res.Code.Code, "user_id", res.DirectUserID(), "splits", len(res.Splits))
	return res, "attributed", nil
}

// attributeLinked attributes a donation that arrived already linked to a code. The linked
// code wins over the code argument; an unknown or inactive linked code is a direct donation.
func (e *Engine) attributeLinked(ctx context.Context, d ledger.Donation) (*attribution.Result, error) {
	rc, err := e.registry.Get(ctx, *d.ReferralCodeID)
	if errors.Is(err, engineerr.ErrNotFound) {
		e.log.Warn("engine: linked code missing, treating as direct donation", "donation_id", d.ID, "code_id", *d.ReferralCodeID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get linked code: %w", err)
	}
	if !rc.Active {
		e.log.Info("engine: linked code inactive, treating as direct donation", "donation_id", d.ID, "code", rc.Code)
		return nil, nil
	}
	return e.attribution.AttributeCode(ctx, d, *rc)
}

func (e *Engine) replay(ctx context.Context, d ledger.Donation) (*attribution.Result, error) {
	if d.ReferralCodeID == nil {
		return nil, nil
	}
	rc, err := e.registry.Get(ctx, *d.ReferralCodeID)
	if errors.Is(err, engineerr.ErrNotFound) {
		e.log.Warn("engine: stored attribution code missing", "donation_id", d.ID, "code_id", *d.ReferralCodeID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.attribution.AttributeCode(ctx, d, *rc)
}

// OnDonationSuccess applies a donation's rollup once. The analytics mirror is refreshed after
// an applied rollup; a mirror failure is logged and does not fail the call.
func (e *Engine) OnDonationSuccess(ctx context.Context, donationID uuid.UUID) (rollup.Outcome, error) {
	d, err := e.cfg.Donations.Get(ctx, donationID)
	if err != nil {
		return "", err
	}
	outcome, err := e.rollup.OnDonationSuccess(ctx, *d)
	if err != nil {
		return "", e.surface(ctx, "on_donation_success", err)
	}
	if outcome == rollup.OutcomeApplied && e.cfg.Analytics != nil {
		e.mirror(ctx, donationID)
	}
	return outcome, nil
}

func (e *Engine) mirror(ctx context.Context, donationID uuid.UUID) {
	d, err := e.cfg.Donations.Get(ctx, donationID)
	if err != nil {
		e.log.Warn("engine: failed to reload donation for mirror", "donation_id", donationID, "error", err)
		return
	}
	var names map[uuid.UUID]string
	if d.ProgramID != nil {
		names, err = e.cfg.Donations.Programs(ctx, []uuid.UUID{*d.ProgramID})
		if err != nil {
			e.log.Warn("engine: failed to load program for mirror", "donation_id", donationID, "error", err)
		}
	}
	if err := e.cfg.Analytics.Mirror(ctx, []ledger.Donation{*d}, names); err != nil {
		e.log.Warn("engine: failed to mirror donation", "donation_id", donationID, "error", err)
	}
}

// ProcessSuccessfulDonation attributes a confirmed donation and then rolls it up.
func (e *Engine) ProcessSuccessfulDonation(ctx context.Context, donationID uuid.UUID, code string) (*attribution.Result, rollup.Outcome, error) {
	res, err := e.Attribute(ctx, donationID, code)
	if err != nil {
		return nil, "", err
	}
	outcome, err := e.OnDonationSuccess(ctx, donationID)
	if err != nil {
		return res, "", err
	}
	return res, outcome, nil
}

func (e *Engine) RecomputeOne(ctx context.Context, codeID uuid.UUID) (codes.Counters, error) {
	return e.rollup.RecomputeOne(ctx, codeID)
}

func (e *Engine) RecomputeUser(ctx context.Context, userID uuid.UUID) (ledger.Totals, error) {
	t, err := e.rollup.RecomputeUser(ctx, userID)
	if err != nil {
		return ledger.Totals{}, e.surface(ctx, "recompute_user", err)
	}
	return t, nil
}

func (e *Engine) RecomputeAll(ctx context.Context) (rollup.Summary, error) {
	return e.rollup.RecomputeAll(ctx)
}

func (e *Engine) HierarchyOf(ctx context.Context, userID uuid.UUID, includeSubtree bool) ([]uuid.UUID, error) {
	ids, err := e.reporting.HierarchyOf(ctx, userID, includeSubtree)
	if err != nil {
		return nil, e.surface(ctx, "hierarchy_of", err)
	}
	return ids, nil
}

func (e *Engine) PerformanceMetrics(ctx context.Context, userID uuid.UUID, window reporting.Window, includeSubtree bool) (*reporting.Metrics, error) {
	m, err := e.reporting.PerformanceMetrics(ctx, userID, window, includeSubtree)
	if err != nil {
		return nil, e.surface(ctx, "performance_metrics", err)
	}
	return m, nil
}

func (e *Engine) HierarchyPerformance(ctx context.Context, userID uuid.UUID, window reporting.Window) ([]reporting.MemberPerformance, error) {
	rows, err := e.reporting.HierarchyPerformance(ctx, userID, window)
	if err != nil {
		return nil, e.surface(ctx, "hierarchy_performance", err)
	}
	return rows, nil
}

func (e *Engine) BuildPerformanceTree(ctx context.Context, rootUserID uuid.UUID, window reporting.Window) (*reporting.TreeNode, error) {
	tree, err := e.reporting.BuildPerformanceTree(ctx, rootUserID, window)
	if err != nil {
		return nil, e.surface(ctx, "performance_tree", err)
	}
	return tree, nil
}

func (e *Engine) CreateReferralCode(ctx context.Context, userID uuid.UUID, parentCodeID *uuid.UUID) (*codes.ReferralCode, error) {
	return e.registry.CreateForUser(ctx, userID, parentCodeID)
}

// ResolveCode returns engineerr.ErrNotFound or engineerr.ErrInactive for codes donors cannot use.
func (e *Engine) ResolveCode(ctx context.Context, code string) (*codes.ReferralCode, error) {
	return e.registry.Resolve(ctx, code)
}

// AncestryOf returns the code chain root first.
func (e *Engine) AncestryOf(ctx context.Context, code codes.ReferralCode) ([]codes.ReferralCode, error) {
	chain, err := e.registry.AncestryOf(ctx, code)
	if err != nil {
		return chain, e.surface(ctx, "ancestry_of", err)
	}
	return chain, nil
}

func (e *Engine) DeactivateCode(ctx context.Context, codeID uuid.UUID) error {
	return e.registry.Deactivate(ctx, codeID)
}
