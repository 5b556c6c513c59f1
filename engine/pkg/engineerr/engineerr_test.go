package engineerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestReferrals_EngineErr_CorruptHierarchyError(t *testing.T) {
	t.Parallel()

	a, b := uuid.New(), uuid.New()

	t.Run("cycle unwraps to sentinel and names the path", func(t *testing.T) {
		t.Parallel()
		err := fmt.Errorf("failed to walk: %w", NewCycle(TreeCodes, a, []uuid.UUID{a, b}, a))
		require.ErrorIs(t, err, ErrCorruptHierarchy)

		var che *CorruptHierarchyError
		require.ErrorAs(t, err, &che)
		require.Equal(t, TreeCodes, che.Tree)
		require.Equal(t, []uuid.UUID{a, b}, che.Path)
		require.Contains(t, err.Error(), "cycle detected at "+a.String())
	})

	t.Run("path is copied", func(t *testing.T) {
		t.Parallel()
		path := []uuid.UUID{a}
		err := NewTooDeep(TreeUsers, a, path, 64)
		path[0] = b
		require.Equal(t, a, err.Path[0])
		require.Contains(t, err.Error(), "depth exceeds 64")
	})
}

func TestReferrals_EngineErr_IsBusiness(t *testing.T) {
	t.Parallel()

	require.True(t, IsBusiness(ErrAlreadyRolledUp))
	require.True(t, IsBusiness(fmt.Errorf("wrapped: %w", ErrDuplicateActiveCode)))
	require.True(t, IsBusiness(NewCycle(TreeUsers, uuid.New(), nil, uuid.New())))
	require.False(t, IsBusiness(errors.New("connection reset")))
	require.False(t, IsBusiness(nil))
}
