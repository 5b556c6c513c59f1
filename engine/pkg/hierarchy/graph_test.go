package hierarchy_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	referralstesting "github.com/malbeclabs/referrals/utils/pkg/testing"
)

func TestReferrals_Hierarchy_Graph_NewGraph(t *testing.T) {
	t.Parallel()

	g, err := hierarchy.NewGraph(hierarchy.GraphConfig{})
	require.Nil(t, g)
	require.ErrorContains(t, err, "logger is required")

	g, err = hierarchy.NewGraph(hierarchy.GraphConfig{Logger: referralstesting.NewLogger()})
	require.Nil(t, g)
	require.Error(t, err)
}

func TestReferrals_Hierarchy_Graph_SyncUsers(t *testing.T) {
	t.Parallel()

	g, err := hierarchy.NewGraph(hierarchy.GraphConfig{Logger: referralstesting.NewLogger(), Neo4j: testNeo4j(t)})
	require.NoError(t, err)
	ctx := t.Context()
	require.NoError(t, g.InitializeSchema(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	root := hierarchy.User{ID: uuid.New(), Name: "Chitra Agarwal", Region: "Mumbai", Role: hierarchy.RoleNationalCoordinator, CreatedAt: now, UpdatedAt: now}
	b := hierarchy.User{ID: uuid.New(), Name: "Bala Pillai", Region: "Mumbai", Role: hierarchy.RoleStateCoordinator, ParentID: &root.ID, TotalAmountReferred: 5000, CreatedAt: now, UpdatedAt: now}
	a := hierarchy.User{ID: uuid.New(), Name: "Anita Rao", Region: "Mumbai", Role: hierarchy.RoleStateCoordinator, ParentID: &root.ID, CreatedAt: now, UpdatedAt: now}

	// Children before their parent: the parent arrives as a placeholder first.
	require.NoError(t, g.SyncUsers(ctx, []hierarchy.User{b, a}))
	require.NoError(t, g.SyncUsers(ctx, []hierarchy.User{root}))

	got, err := g.GetUser(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "Bala Pillai", got.Name)
	require.Equal(t, hierarchy.RoleStateCoordinator, got.Role)
	require.Equal(t, int64(5000), got.TotalAmountReferred)
	require.Equal(t, root.ID, *got.ParentID)
	require.True(t, now.Equal(got.CreatedAt))

	children, err := g.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a.ID, b.ID}, ids(children))

	sub, err := hierarchy.Subtree(ctx, g, root.ID, true)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{root.ID, a.ID, b.ID}, sub)

	t.Run("resync replaces the parent edge", func(t *testing.T) {
		b.ParentID = &a.ID
		require.NoError(t, g.SyncUsers(ctx, []hierarchy.User{b}))

		chain, err := hierarchy.Ancestors(ctx, referralstesting.NewLogger(), g, b.ID)
		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{a.ID, root.ID}, ids(chain))

		children, err := g.Children(ctx, root.ID)
		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{a.ID}, ids(children))
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := g.GetUser(ctx, uuid.New())
		require.ErrorIs(t, err, engineerr.ErrUserNotFound)
	})
}
