package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/referrals/engine/pkg/attribution"
	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engine"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/memstore"
	"github.com/malbeclabs/referrals/engine/pkg/reporting"
	"github.com/malbeclabs/referrals/engine/pkg/rollup"
	referralstesting "github.com/malbeclabs/referrals/utils/pkg/testing"
)

type notifier struct {
	mu  sync.Mutex
	ops []string
}

func (n *notifier) CorruptHierarchy(_ context.Context, op string, _ *engineerr.CorruptHierarchyError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ops = append(n.ops, op)
}

func (n *notifier) Flush(time.Duration) bool { return true }

func (n *notifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ops...)
}

type mirror struct {
	mu    sync.Mutex
	err   error
	got   []ledger.Donation
	names map[uuid.UUID]string
}

func (m *mirror) Mirror(_ context.Context, donations []ledger.Donation, names map[uuid.UUID]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, donations...)
	m.names = names
	return m.err
}

type fixture struct {
	store    *memstore.Store
	engine   *engine.Engine
	notifier *notifier
	mirror   *mirror

	national, state hierarchy.User
	ca, sb          *codes.ReferralCode
	program         ledger.Program
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := t.Context()
	f := &fixture{store: memstore.New(), notifier: &notifier{}, mirror: &mirror{}}

	var err error
	f.engine, err = engine.New(engine.Config{
		Logger:    referralstesting.NewLogger(),
		Directory: f.store,
		Codes:     f.store,
		Donations: f.store,
		Counters:  f.store,
		Analytics: f.mirror,
		Notifier:  f.notifier,
	})
	require.NoError(t, err)

	f.national = hierarchy.User{ID: uuid.New(), Name: "Chitra Agarwal", Region: "Mumbai", Role: hierarchy.RoleNationalCoordinator}
	require.NoError(t, f.store.InsertUser(ctx, f.national))
	f.state = hierarchy.User{ID: uuid.New(), Name: "Suresh Bhat", Region: "Mumbai", Role: hierarchy.RoleStateCoordinator, ParentID: &f.national.ID}
	require.NoError(t, f.store.InsertUser(ctx, f.state))

	f.ca, err = f.engine.CreateReferralCode(ctx, f.national.ID, nil)
	require.NoError(t, err)
	f.sb, err = f.engine.CreateReferralCode(ctx, f.state.ID, &f.ca.ID)
	require.NoError(t, err)

	f.program = ledger.Program{ID: uuid.New(), Name: "Education"}
	require.NoError(t, f.store.InsertProgram(ctx, f.program))
	return f
}

func (f *fixture) donation(t *testing.T, amount int64, status ledger.Status) uuid.UUID {
	t.Helper()
	d := ledger.Donation{ID: uuid.New(), Amount: amount, Status: status, ProgramID: &f.program.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.store.InsertDonation(t.Context(), d))
	return d.ID
}

func splitAmounts(res *attribution.Result) []int64 {
	out := make([]int64, len(res.Splits))
	for i, s := range res.Splits {
		out[i] = s.Amount
	}
	return out
}

func TestReferrals_Engine_New(t *testing.T) {
	t.Parallel()

	e, err := engine.New(engine.Config{})
	require.Nil(t, e)
	require.ErrorContains(t, err, "logger is required")

	store := memstore.New()
	e, err = engine.New(engine.Config{Logger: referralstesting.NewLogger(), Directory: store, Codes: store, Donations: store})
	require.Nil(t, e)
	require.ErrorContains(t, err, "counters store is required")
}

func TestReferrals_Engine_Attribute(t *testing.T) {
	t.Parallel()

	t.Run("persists the first attribution and replays it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()
		id := f.donation(t, 10000, ledger.StatusSuccess)

		res, err := f.engine.Attribute(ctx, id, " sb-mum-01 ")
		require.NoError(t, err)
		require.Equal(t, f.sb.ID, res.Code.ID)
		require.Equal(t, []int64{7000, 2000, 1000}, splitAmounts(res))

		d, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, f.sb.ID, *d.ReferralCodeID)
		require.Equal(t, f.state.ID, *d.AttributedUserID)

		again, err := f.engine.Attribute(ctx, id, "CA-MUM-01")
		require.NoError(t, err)
		require.Equal(t, f.sb.ID, again.Code.ID)
		require.Equal(t, res.Splits, again.Splits)
	})

	t.Run("donation linked to a code is credited through that code", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()
		d := ledger.Donation{ID: uuid.New(), Amount: 10000, Status: ledger.StatusSuccess, ReferralCodeID: &f.sb.ID, CreatedAt: time.Now().UTC()}
		require.NoError(t, f.store.InsertDonation(ctx, d))

		res, outcome, err := f.engine.ProcessSuccessfulDonation(ctx, d.ID, f.ca.Code)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeApplied, outcome)
		require.Equal(t, f.sb.ID, res.Code.ID)
		require.Equal(t, []int64{7000, 2000, 1000}, splitAmounts(res))

		stored, err := f.store.Get(ctx, d.ID)
		require.NoError(t, err)
		require.Equal(t, f.sb.ID, *stored.ReferralCodeID)
		require.Equal(t, f.state.ID, *stored.AttributedUserID)

		state, err := f.store.GetUser(ctx, f.state.ID)
		require.NoError(t, err)
		require.Equal(t, int64(10000), state.TotalAmountReferred)
		sb, err := f.store.GetByID(ctx, f.sb.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), sb.TotalDonations)
	})

	t.Run("donation linked to an inactive code is a direct donation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()
		require.NoError(t, f.engine.DeactivateCode(ctx, f.sb.ID))
		d := ledger.Donation{ID: uuid.New(), Amount: 500, Status: ledger.StatusSuccess, ReferralCodeID: &f.sb.ID, CreatedAt: time.Now().UTC()}
		require.NoError(t, f.store.InsertDonation(ctx, d))

		res, err := f.engine.Attribute(ctx, d.ID, f.ca.Code)
		require.NoError(t, err)
		require.Nil(t, res)

		stored, err := f.store.Get(ctx, d.ID)
		require.NoError(t, err)
		require.Nil(t, stored.AttributedUserID)
	})

	t.Run("unusable code is a direct donation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()
		require.NoError(t, f.engine.DeactivateCode(ctx, f.sb.ID))

		for _, code := range []string{"", "NOPE-01", f.sb.Code} {
			id := f.donation(t, 500, ledger.StatusSuccess)
			res, err := f.engine.Attribute(ctx, id, code)
			require.NoError(t, err)
			require.Nil(t, res)

			d, err := f.store.Get(ctx, id)
			require.NoError(t, err)
			require.Nil(t, d.AttributedUserID)
		}
	})

	t.Run("requires a successful donation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.engine.Attribute(t.Context(), f.donation(t, 500, ledger.StatusPending), f.sb.Code)
		require.ErrorIs(t, err, engineerr.ErrNotSuccessful)

		_, err = f.engine.Attribute(t.Context(), uuid.New(), f.sb.Code)
		require.ErrorIs(t, err, engineerr.ErrNotFound)
	})

	t.Run("surfaces a corrupt code chain", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.store.SetCodeParent(t.Context(), f.ca.ID, &f.sb.ID))

		_, err := f.engine.Attribute(t.Context(), f.donation(t, 500, ledger.StatusSuccess), f.sb.Code)
		require.ErrorIs(t, err, engineerr.ErrCorruptHierarchy)
		require.Equal(t, []string{"attribute"}, f.notifier.seen())
	})
}

func TestReferrals_Engine_ProcessSuccessfulDonation(t *testing.T) {
	t.Parallel()

	t.Run("attributes, rolls up and mirrors once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()
		id := f.donation(t, 10000, ledger.StatusSuccess)

		res, outcome, err := f.engine.ProcessSuccessfulDonation(ctx, id, f.sb.Code)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeApplied, outcome)
		require.Equal(t, f.state.ID, res.DirectUserID())

		national, err := f.store.GetUser(ctx, f.national.ID)
		require.NoError(t, err)
		require.Equal(t, int64(10000), national.TotalAmountReferred)
		sb, err := f.store.GetByID(ctx, f.sb.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), sb.TotalDonations)

		require.Len(t, f.mirror.got, 1)
		require.True(t, f.mirror.got[0].RolledUp)
		require.Equal(t, "Education", f.mirror.names[f.program.ID])

		_, outcome, err = f.engine.ProcessSuccessfulDonation(ctx, id, f.sb.Code)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeAlreadyRolledUp, outcome)
		require.Len(t, f.mirror.got, 1)

		national, err = f.store.GetUser(ctx, f.national.ID)
		require.NoError(t, err)
		require.Equal(t, int64(10000), national.TotalAmountReferred)
	})

	t.Run("direct donation is not rolled up", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		res, outcome, err := f.engine.ProcessSuccessfulDonation(t.Context(), f.donation(t, 800, ledger.StatusSuccess), "")
		require.NoError(t, err)
		require.Nil(t, res)
		require.Equal(t, rollup.OutcomeNoAttribution, outcome)
		require.Empty(t, f.mirror.got)
	})

	t.Run("mirror failure does not fail the rollup", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.mirror.err = errors.New("clickhouse unavailable")

		_, outcome, err := f.engine.ProcessSuccessfulDonation(t.Context(), f.donation(t, 800, ledger.StatusSuccess), f.ca.Code)
		require.NoError(t, err)
		require.Equal(t, rollup.OutcomeApplied, outcome)
	})

	t.Run("surfaces a corrupt user chain", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()
		id := f.donation(t, 800, ledger.StatusSuccess)
		_, err := f.engine.Attribute(ctx, id, f.sb.Code)
		require.NoError(t, err)
		require.NoError(t, f.store.SetParent(ctx, f.national.ID, &f.state.ID))

		_, err = f.engine.OnDonationSuccess(ctx, id)
		require.ErrorIs(t, err, engineerr.ErrCorruptHierarchy)
		require.Equal(t, []string{"on_donation_success"}, f.notifier.seen())
	})
}

func TestReferrals_Engine_Reporting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	_, _, err := f.engine.ProcessSuccessfulDonation(ctx, f.donation(t, 4000, ledger.StatusSuccess), f.sb.Code)
	require.NoError(t, err)

	tree, err := f.engine.BuildPerformanceTree(ctx, f.national.ID, reporting.Window{})
	require.NoError(t, err)
	require.Equal(t, int64(4000), tree.TotalAmount)

	m, err := f.engine.PerformanceMetrics(ctx, f.national.ID, reporting.Window{}, true)
	require.NoError(t, err)
	require.Equal(t, int64(4000), m.TotalAmount)

	rows, err := f.engine.HierarchyPerformance(ctx, f.national.ID, reporting.Window{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	chain, err := f.engine.AncestryOf(ctx, *f.sb)
	require.NoError(t, err)
	require.Len(t, chain, 2)

	resolved, err := f.engine.ResolveCode(ctx, "sb-mum-01")
	require.NoError(t, err)
	require.Equal(t, f.sb.ID, resolved.ID)

	// A user cycle is reported once per failing call.
	require.NoError(t, f.store.SetParent(ctx, f.national.ID, &f.state.ID))
	_, err = f.engine.HierarchyOf(ctx, f.national.ID, true)
	require.ErrorIs(t, err, engineerr.ErrCorruptHierarchy)
	_, err = f.engine.RecomputeUser(ctx, f.state.ID)
	require.ErrorIs(t, err, engineerr.ErrCorruptHierarchy)
	require.Equal(t, []string{"hierarchy_of", "recompute_user"}, f.notifier.seen())
}
