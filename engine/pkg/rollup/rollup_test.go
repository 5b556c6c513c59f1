package rollup_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/memstore"
	"github.com/malbeclabs/referrals/engine/pkg/rollup"
	"github.com/malbeclabs/referrals/utils/pkg/retry"
	referralstesting "github.com/malbeclabs/referrals/utils/pkg/testing"
)

var errContention = errors.New("could not serialize access")

type fixture struct {
	store *memstore.Store

	national, state, field hierarchy.User
	ca, cb, cc             *codes.ReferralCode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New()}
	ctx := t.Context()

	add := func(name string, role hierarchy.Role, parent *uuid.UUID) hierarchy.User {
		u := hierarchy.User{ID: uuid.New(), Name: name, Region: "Mumbai", Role: role, ParentID: parent}
		require.NoError(t, f.store.InsertUser(ctx, u))
		return u
	}
	f.national = add("Chitra Agarwal", hierarchy.RoleNationalCoordinator, nil)
	f.state = add("Suresh Bhat", hierarchy.RoleStateCoordinator, &f.national.ID)
	f.field = add("Kavya Nair", hierarchy.RoleFieldCoordinator, &f.state.ID)

	registry, err := codes.NewRegistry(codes.RegistryConfig{Logger: referralstesting.NewLogger(), Store: f.store, Directory: f.store})
	require.NoError(t, err)
	f.ca, err = registry.CreateForUser(ctx, f.national.ID, nil)
	require.NoError(t, err)
	f.cb, err = registry.CreateForUser(ctx, f.state.ID, &f.ca.ID)
	require.NoError(t, err)
	f.cc, err = registry.CreateForUser(ctx, f.field.ID, &f.cb.ID)
	require.NoError(t, err)
	return f
}

// donate records a successful donation attributed through code.
func (f *fixture) donate(t *testing.T, code *codes.ReferralCode, amount int64, paidAt time.Time) ledger.Donation {
	t.Helper()
	d := ledger.Donation{
		ID:        uuid.New(),
		Amount:    amount,
		Status:    ledger.StatusSuccess,
		CreatedAt: paidAt.Add(-time.Minute),
		PaidAt:    &paidAt,
	}
	if code != nil {
		d.ReferralCodeID = &code.ID
		d.AttributedUserID = &code.OwnerID
	}
	require.NoError(t, f.store.InsertDonation(t.Context(), d))
	return d
}

func (f *fixture) user(t *testing.T, id uuid.UUID) *hierarchy.User {
	t.Helper()
	u, err := f.store.GetUser(t.Context(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) code(t *testing.T, id uuid.UUID) *codes.ReferralCode {
	t.Helper()
	c, err := f.store.GetByID(t.Context(), id)
	require.NoError(t, err)
	return c
}

func newMaintainer(t *testing.T, f *fixture, store rollup.Store, mutate ...func(*rollup.Config)) *rollup.Maintainer {
	t.Helper()
	cfg := rollup.Config{
		Logger:    referralstesting.NewLogger(),
		Store:     store,
		Directory: f.store,
		Ledger:    f.store,
		Retry: retry.Config{
			MaxAttempts: 3,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  2 * time.Millisecond,
			Retryable:   func(err error) bool { return errors.Is(err, errContention) },
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	m, err := rollup.New(cfg)
	require.NoError(t, err)
	return m
}

// flakyStore fails ApplyRollup with err for the first failures calls.
type flakyStore struct {
	*memstore.Store
	err      error
	failures int32
	calls    atomic.Int32
}

func (s *flakyStore) ApplyRollup(ctx context.Context, app rollup.Application) error {
	if s.calls.Add(1) <= s.failures {
		return s.err
	}
	return s.Store.ApplyRollup(ctx, app)
}

// brokenCodeStore refuses to overwrite one code's counters.
type brokenCodeStore struct {
	*memstore.Store
	broken uuid.UUID
}

func (s brokenCodeStore) OverwriteCodeCounters(ctx context.Context, codeID uuid.UUID, c codes.Counters) error {
	if codeID == s.broken {
		return errors.New("disk full")
	}
	return s.Store.OverwriteCodeCounters(ctx, codeID, c)
}

func TestReferrals_Rollup_New(t *testing.T) {
	t.Parallel()

	m, err := rollup.New(rollup.Config{})
	require.Nil(t, m)
	require.ErrorContains(t, err, "logger is required")

	m, err = rollup.New(rollup.Config{Logger: referralstesting.NewLogger()})
	require.Nil(t, m)
	require.ErrorContains(t, err, "store is required")
}

func TestReferrals_Rollup_OnDonationSuccess(t *testing.T) {
	t.Parallel()

	t.Run("increments the code and every ancestor of the credited user", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store)
		paid := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
		d := f.donate(t, f.cb, 10000, paid)

		outcome, err := m.OnDonationSuccess(t.Context(), d)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeApplied, outcome)

		cb := f.code(t, f.cb.ID)
		require.Equal(t, int64(1), cb.TotalDonations)
		require.Equal(t, int64(10000), cb.TotalAmount)
		require.True(t, paid.Equal(*cb.LastUsedAt))
		require.Zero(t, f.code(t, f.ca.ID).TotalAmount)

		require.Equal(t, int64(10000), f.user(t, f.state.ID).TotalAmountReferred)
		require.Equal(t, int64(10000), f.user(t, f.national.ID).TotalAmountReferred)
		require.Equal(t, int64(1), f.user(t, f.national.ID).TotalDonationsReferred)
		require.Zero(t, f.user(t, f.field.ID).TotalAmountReferred)
	})

	t.Run("applies at most once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store)
		d := f.donate(t, f.cc, 2500, time.Now().UTC())

		outcome, err := m.OnDonationSuccess(t.Context(), d)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeApplied, outcome)

		// A stale copy still says rolled_up=false; the store refuses it.
		outcome, err = m.OnDonationSuccess(t.Context(), d)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeAlreadyRolledUp, outcome)

		fresh, err := f.store.Get(t.Context(), d.ID)
		require.NoError(t, err)
		require.True(t, fresh.RolledUp)
		outcome, err = m.OnDonationSuccess(t.Context(), *fresh)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeAlreadyRolledUp, outcome)

		require.Equal(t, int64(2500), f.code(t, f.cc.ID).TotalAmount)
		require.Equal(t, int64(2500), f.user(t, f.national.ID).TotalAmountReferred)
		require.Equal(t, int64(1), f.user(t, f.field.ID).TotalDonationsReferred)
	})

	t.Run("direct donation changes nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store)
		d := f.donate(t, nil, 900, time.Now().UTC())

		outcome, err := m.OnDonationSuccess(t.Context(), d)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeNoAttribution, outcome)

		stored, err := f.store.Get(t.Context(), d.ID)
		require.NoError(t, err)
		require.False(t, stored.RolledUp)
		require.Zero(t, f.user(t, f.national.ID).TotalAmountReferred)
	})

	t.Run("requires a successful donation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store)
		d := f.donate(t, f.cb, 100, time.Now().UTC())
		d.Status = ledger.StatusPending

		_, err := m.OnDonationSuccess(t.Context(), d)
		require.ErrorIs(t, err, engineerr.ErrNotSuccessful)
	})

	t.Run("missing credited user updates only the code", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store)
		d := f.donate(t, f.cb, 4000, time.Now().UTC())
		f.store.DeleteUser(t.Context(), f.state.ID)

		outcome, err := m.OnDonationSuccess(t.Context(), d)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeApplied, outcome)
		require.Equal(t, int64(4000), f.code(t, f.cb.ID).TotalAmount)
		require.Zero(t, f.user(t, f.national.ID).TotalAmountReferred)
	})

	t.Run("corrupt user chain applies nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store)
		d := f.donate(t, f.cc, 4000, time.Now().UTC())
		require.NoError(t, f.store.SetParent(t.Context(), f.national.ID, &f.field.ID))

		_, err := m.OnDonationSuccess(t.Context(), d)
		require.ErrorIs(t, err, engineerr.ErrCorruptHierarchy)
		require.Zero(t, f.code(t, f.cc.ID).TotalAmount)
		stored, err := f.store.Get(t.Context(), d.ID)
		require.NoError(t, err)
		require.False(t, stored.RolledUp)
	})

	t.Run("retries contention", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &flakyStore{Store: f.store, err: errContention, failures: 2}
		m := newMaintainer(t, f, store)
		d := f.donate(t, f.cb, 300, time.Now().UTC())

		outcome, err := m.OnDonationSuccess(t.Context(), d)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeApplied, outcome)
		require.Equal(t, int32(3), store.calls.Load())
		require.Equal(t, int64(300), f.code(t, f.cb.ID).TotalAmount)
	})

	t.Run("never retries business errors", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &flakyStore{Store: f.store, err: engineerr.ErrNotFound, failures: 5}
		m := newMaintainer(t, f, store)
		d := f.donate(t, f.cb, 300, time.Now().UTC())

		_, err := m.OnDonationSuccess(t.Context(), d)
		require.ErrorIs(t, err, engineerr.ErrNotFound)
		require.Equal(t, int32(1), store.calls.Load())
	})

	t.Run("business errors stop even a permissive retry policy", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		store := &flakyStore{Store: f.store, err: fmt.Errorf("connection reset: %w", engineerr.ErrUserNotFound), failures: 5}
		m := newMaintainer(t, f, store, func(cfg *rollup.Config) {
			cfg.Retry.Retryable = func(error) bool { return true }
		})
		d := f.donate(t, f.cb, 300, time.Now().UTC())

		_, err := m.OnDonationSuccess(t.Context(), d)
		require.ErrorIs(t, err, engineerr.ErrUserNotFound)
		require.Equal(t, int32(1), store.calls.Load())
	})
}

func TestReferrals_Rollup_RecomputeOne(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := newMaintainer(t, f, f.store)
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	f.donate(t, f.cb, 1000, early)
	f.donate(t, f.cb, 2500, late)

	require.NoError(t, f.store.OverwriteCodeCounters(t.Context(), f.cb.ID, codes.Counters{TotalDonations: 99, TotalAmount: 1}))

	for i := 0; i < 2; i++ {
		c, err := m.RecomputeOne(t.Context(), f.cb.ID)
		require.NoError(t, err)
		require.Equal(t, int64(2), c.TotalDonations)
		require.Equal(t, int64(3500), c.TotalAmount)
		require.True(t, late.Equal(*c.LastUsedAt))

		stored := f.code(t, f.cb.ID)
		require.Equal(t, int64(3500), stored.TotalAmount)
	}

	c, err := m.RecomputeOne(t.Context(), f.ca.ID)
	require.NoError(t, err)
	require.Zero(t, c.TotalDonations)
	require.Nil(t, c.LastUsedAt)

	_, err = m.RecomputeOne(t.Context(), uuid.New())
	require.ErrorIs(t, err, engineerr.ErrNotFound)
}

func TestReferrals_Rollup_RecomputeUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := newMaintainer(t, f, f.store)
	f.donate(t, f.cb, 10000, time.Now().UTC())
	f.donate(t, f.cc, 500, time.Now().UTC())
	f.donate(t, nil, 700, time.Now().UTC())

	got, err := m.RecomputeUser(t.Context(), f.national.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.Totals{Count: 2, Amount: 10500}, got)
	require.Equal(t, int64(10500), f.user(t, f.national.ID).TotalAmountReferred)

	got, err = m.RecomputeUser(t.Context(), f.field.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.Totals{Count: 1, Amount: 500}, got)

	_, err = m.RecomputeUser(t.Context(), uuid.New())
	require.ErrorIs(t, err, engineerr.ErrUserNotFound)
}

func TestReferrals_Rollup_RecomputeAll(t *testing.T) {
	t.Parallel()

	t.Run("recomputes every code across pages", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store, func(cfg *rollup.Config) {
			cfg.PageSize = 1
			cfg.RecomputeConcurrency = 2
		})
		f.donate(t, f.ca, 100, time.Now().UTC())
		f.donate(t, f.cc, 200, time.Now().UTC())

		summary, err := m.RecomputeAll(t.Context())
		require.NoError(t, err)
		require.Equal(t, 3, summary.Total)
		require.Equal(t, 3, summary.Succeeded)
		require.Empty(t, summary.Failures)
		require.Equal(t, int64(100), f.code(t, f.ca.ID).TotalAmount)
		require.Equal(t, int64(200), f.code(t, f.cc.ID).TotalAmount)
	})

	t.Run("one failing code does not stop the run", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, brokenCodeStore{Store: f.store, broken: f.cb.ID})
		f.donate(t, f.ca, 100, time.Now().UTC())

		summary, err := m.RecomputeAll(t.Context())
		require.NoError(t, err)
		require.Equal(t, 3, summary.Total)
		require.Equal(t, 2, summary.Succeeded)
		require.Len(t, summary.Failures, 1)
		require.Equal(t, f.cb.ID, summary.Failures[0].CodeID)
		require.Contains(t, summary.Failures[0].Error, "disk full")
		require.Equal(t, int64(100), f.code(t, f.ca.ID).TotalAmount)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		m := newMaintainer(t, f, f.store)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := m.RecomputeAll(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}
