// Package rollup keeps the denormalized donation counters on referral codes and users.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/metrics"
	"github.com/malbeclabs/referrals/engine/pkg/postgres"
	"github.com/malbeclabs/referrals/utils/pkg/retry"
)

const (
	defaultRecomputeConcurrency = 8
	defaultPageSize             = 500
)

type Config struct {
	Logger    *slog.Logger
	Store     Store
	Directory hierarchy.Directory
	Ledger    Ledger
	Clock     clockwork.Clock

	// Retry governs ApplyRollup retries. Its Retryable defaults to postgres.IsTransient.
	Retry retry.Config

	RecomputeConcurrency int
	// RecomputeRate caps codes recomputed per second; zero means unlimited.
	RecomputeRate rate.Limit
	PageSize      int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.ContentionConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = postgres.IsTransient
	}
	if cfg.RecomputeConcurrency <= 0 {
		cfg.RecomputeConcurrency = defaultRecomputeConcurrency
	}
	if cfg.RecomputeRate <= 0 {
		cfg.RecomputeRate = rate.Inf
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return nil
}

type Maintainer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Maintainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Maintainer{log: cfg.Logger, cfg: cfg}, nil
}

// OnDonationSuccess applies a successful donation's amount to its code and to the attributed
// user and every ancestor of that user. It is safe to call more than once per donation.
func (m *Maintainer) OnDonationSuccess(ctx context.Context, donation ledger.Donation) (Outcome, error) {
	start := m.cfg.Clock.Now()
	outcome, err := m.onDonationSuccess(ctx, donation)
	metrics.RollupDuration.Observe(m.cfg.Clock.Since(start).Seconds())
	if err != nil {
		metrics.RollupsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.RollupsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (m *Maintainer) onDonationSuccess(ctx context.Context, donation ledger.Donation) (Outcome, error) {
	if donation.Status != ledger.StatusSuccess {
		return "", fmt.Errorf("donation %s is %s: %w", donation.ID, donation.Status, engineerr.ErrNotSuccessful)
	}
	if donation.RolledUp {
		return OutcomeAlreadyRolledUp, nil
	}
	if donation.AttributedUserID == nil {
		m.log.Debug("rollup: donation has no attribution", "donation_id", donation.ID)
		return OutcomeNoAttribution, nil
	}

	userID := *donation.AttributedUserID
	app := Application{
		DonationID: donation.ID,
		CodeID:     donation.ReferralCodeID,
		Amount:     donation.Amount,
		UsedAt:     donation.CreatedAt,
	}
	if donation.PaidAt != nil {
		app.UsedAt = *donation.PaidAt
	}

	// The user chain, not the code chain: a code's parent may belong to someone outside the
	// owner's reporting line.
	ancestors, err := hierarchy.Ancestors(ctx, m.log, m.cfg.Directory, userID)
	switch {
	case errors.Is(err, engineerr.ErrUserNotFound):
		m.log.Warn("rollup: attributed user missing, only code counters updated", "donation_id", donation.ID, "user_id", userID)
	case err != nil:
		return "", err
	default:
		app.UserIDs = append(app.UserIDs, userID)
		for _, a := range ancestors {
			app.UserIDs = append(app.UserIDs, a.ID)
		}
	}

	retryCfg := m.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error) {
		metrics.RollupRetriesTotal.Inc()
		m.log.Warn("rollup: retrying after contention", "donation_id", donation.ID, "attempt", attempt, "error", err)
	}

	err = retry.Do(ctx, retryCfg, func() error {
		err := m.cfg.Store.ApplyRollup(ctx, app)
		if engineerr.IsBusiness(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, engineerr.ErrAlreadyRolledUp) {
		m.log.Debug("rollup: donation already rolled up", "donation_id", donation.ID)
		return OutcomeAlreadyRolledUp, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to apply rollup: %w", err)
	}

	m.log.Info("rollup: applied", "donation_id", donation.ID, "amount", donation.Amount, "users", len(app.UserIDs))
	return OutcomeApplied, nil
}

// RecomputeOne overwrites a code's counters from the ledger.
func (m *Maintainer) RecomputeOne(ctx context.Context, codeID uuid.UUID) (codes.Counters, error) {
	start := m.cfg.Clock.Now()
	c, err := m.recomputeOne(ctx, codeID)
	metrics.RecomputeDuration.WithLabelValues("code").Observe(m.cfg.Clock.Since(start).Seconds())
	if err != nil {
		metrics.RecomputeTotal.WithLabelValues("code", "error").Inc()
		return codes.Counters{}, err
	}
	metrics.RecomputeTotal.WithLabelValues("code", "success").Inc()
	return c, nil
}

func (m *Maintainer) recomputeOne(ctx context.Context, codeID uuid.UUID) (codes.Counters, error) {
	totals, err := m.cfg.Ledger.Totals(ctx, ledger.Filter{CodeIDs: []uuid.UUID{codeID}})
	if err != nil {
		return codes.Counters{}, err
	}
	lastUsed, err := m.cfg.Ledger.LastUsed(ctx, codeID)
	if err != nil {
		return codes.Counters{}, err
	}
	c := codes.Counters{
		TotalDonations: totals.Count,
		TotalAmount:    totals.Amount,
		LastUsedAt:     lastUsed,
	}
	if err := m.cfg.Store.OverwriteCodeCounters(ctx, codeID, c); err != nil {
		return codes.Counters{}, err
	}
	m.log.Debug("rollup: recomputed code", "code_id", codeID, "total_donations", c.TotalDonations, "total_amount", c.TotalAmount)
	return c, nil
}

// RecomputeUser overwrites a user's counters with the successful donations attributed to
// anyone in the user's subtree, the user included.
func (m *Maintainer) RecomputeUser(ctx context.Context, userID uuid.UUID) (ledger.Totals, error) {
	start := m.cfg.Clock.Now()
	t, err := m.recomputeUser(ctx, userID)
	metrics.RecomputeDuration.WithLabelValues("user").Observe(m.cfg.Clock.Since(start).Seconds())
	if err != nil {
		metrics.RecomputeTotal.WithLabelValues("user", "error").Inc()
		return ledger.Totals{}, err
	}
	metrics.RecomputeTotal.WithLabelValues("user", "success").Inc()
	return t, nil
}

func (m *Maintainer) recomputeUser(ctx context.Context, userID uuid.UUID) (ledger.Totals, error) {
	members, err := hierarchy.Subtree(ctx, m.cfg.Directory, userID, true)
	if err != nil {
		return ledger.Totals{}, err
	}
	t, err := m.cfg.Ledger.TotalsByAttributedUsers(ctx, members)
	if err != nil {
		return ledger.Totals{}, err
	}
	if err := m.cfg.Store.OverwriteUserCounters(ctx, userID, t); err != nil {
		return ledger.Totals{}, err
	}
	m.log.Debug("rollup: recomputed user", "user_id", userID, "members", len(members), "total_amount", t.Amount)
	return t, nil
}

// RecomputeAll recomputes every code. A failing code is recorded in the summary and does not
// stop the run; only listing errors and cancellation do.
func (m *Maintainer) RecomputeAll(ctx context.Context) (Summary, error) {
	start := m.cfg.Clock.Now()
	limiter := rate.NewLimiter(m.cfg.RecomputeRate, m.cfg.RecomputeConcurrency)

	var (
		mu      sync.Mutex
		summary Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RecomputeConcurrency)

	var after uuid.UUID
	var listErr error
pages:
	for {
		ids, err := m.cfg.Store.ListCodeIDs(gctx, after, m.cfg.PageSize)
		if err != nil {
			listErr = fmt.Errorf("failed to list referral codes: %w", err)
			break
		}
		for _, id := range ids {
			if err := limiter.Wait(gctx); err != nil {
				listErr = err
				break pages
			}
			g.Go(func() error {
				_, err := m.RecomputeOne(gctx, id)
				mu.Lock()
				defer mu.Unlock()
				summary.Total++
				if err != nil {
					m.log.Warn("rollup: failed to recompute code", "code_id", id, "error", err)
					summary.Failures = append(summary.Failures, Failure{CodeID: id, Error: err.Error()})
					return nil
				}
				summary.Succeeded++
				return nil
			})
		}
		if len(ids) < m.cfg.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	_ = g.Wait()
	metrics.RecomputeDuration.WithLabelValues("all").Observe(m.cfg.Clock.Since(start).Seconds())
	if listErr == nil {
		listErr = ctx.Err()
	}
	if listErr != nil {
		metrics.RecomputeTotal.WithLabelValues("all", "error").Inc()
		return summary, listErr
	}

	status := "success"
	if len(summary.Failures) > 0 {
		status = "partial"
	}
	metrics.RecomputeTotal.WithLabelValues("all", status).Inc()
	m.log.Info("rollup: recomputed all codes", "total", summary.Total, "succeeded", summary.Succeeded, "failed", len(summary.Failures))
	return summary, nil
}
