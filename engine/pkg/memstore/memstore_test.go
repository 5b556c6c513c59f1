package memstore_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/memstore"
)

func TestReferrals_Memstore_Store_CopiesPointers(t *testing.T) {
	t.Parallel()

	t.Run("user parent", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		ctx := t.Context()

		parent := uuid.New()
		u := hierarchy.User{ID: uuid.New(), Name: "Kavya Nair", Role: hierarchy.RoleCoordinator, ParentID: &parent}
		require.NoError(t, s.InsertUser(ctx, u))
		want := parent
		parent = uuid.New()

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, want, *got.ParentID)

		next := uuid.New()
		require.NoError(t, s.SetParent(ctx, u.ID, &next))
		want = next
		next = uuid.New()

		got, err = s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, want, *got.ParentID)
	})

	t.Run("code parent", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		ctx := t.Context()

		parent := uuid.New()
		c := codes.ReferralCode{ID: uuid.New(), Code: "KN-MUM-01", OwnerID: uuid.New(), ParentCodeID: &parent, Active: true}
		require.NoError(t, s.Insert(ctx, c))
		want := parent
		parent = uuid.New()

		got, err := s.GetByID(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, want, *got.ParentCodeID)

		next := uuid.New()
		require.NoError(t, s.SetCodeParent(ctx, c.ID, &next))
		want = next
		next = uuid.New()

		got, err = s.GetByID(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, want, *got.ParentCodeID)
	})

	t.Run("donation links", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		ctx := t.Context()

		codeID := uuid.New()
		d := ledger.Donation{ID: uuid.New(), Amount: 100, Status: ledger.StatusSuccess, ReferralCodeID: &codeID, CreatedAt: time.Now().UTC()}
		require.NoError(t, s.InsertDonation(ctx, d))
		want := codeID
		codeID = uuid.New()

		got, err := s.Get(ctx, d.ID)
		require.NoError(t, err)
		require.Equal(t, want, *got.ReferralCodeID)
	})
}
