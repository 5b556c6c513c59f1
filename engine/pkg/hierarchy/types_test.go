package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReferrals_Hierarchy_Role(t *testing.T) {
	t.Parallel()

	t.Run("levels follow the hierarchy", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, 0, RoleOrgAdmin.Level())
		require.Equal(t, len(Roles)-1, RoleVolunteer.Level())
		require.Less(t, RoleStateCoordinator.Level(), RoleDistrictCoordinator.Level())
		require.Equal(t, len(Roles), Role("mascot").Level())
	})

	t.Run("entry roles require a parent code", func(t *testing.T) {
		t.Parallel()
		require.False(t, RoleNationalCoordinator.RequiresParentCode())
		require.False(t, RoleCoordinator.RequiresParentCode())
		require.True(t, RoleSubCoordinator.RequiresParentCode())
		require.True(t, RoleFieldCoordinator.RequiresParentCode())
		require.True(t, RoleVolunteer.RequiresParentCode())
	})

	t.Run("parse", func(t *testing.T) {
		t.Parallel()
		r, err := ParseRole("district_coordinator")
		require.NoError(t, err)
		require.Equal(t, RoleDistrictCoordinator, r)

		_, err = ParseRole("District Coordinator")
		require.ErrorContains(t, err, "unknown role")
	})
}
