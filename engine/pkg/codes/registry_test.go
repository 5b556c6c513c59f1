package codes_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/memstore"
	referralstesting "github.com/malbeclabs/referrals/utils/pkg/testing"
)

func addUser(t *testing.T, s *memstore.Store, name, region string, role hierarchy.Role, parent *uuid.UUID) hierarchy.User {
	t.Helper()
	u := hierarchy.User{ID: uuid.New(), Name: name, Region: region, Role: role, ParentID: parent}
	require.NoError(t, s.InsertUser(t.Context(), u))
	return u
}

func newRegistry(t *testing.T, store codes.Store, dir hierarchy.Directory) *codes.Registry {
	t.Helper()
	r, err := codes.NewRegistry(codes.RegistryConfig{
		Logger:    referralstesting.NewLogger(),
		Store:     store,
		Directory: dir,
	})
	require.NoError(t, err)
	return r
}

// takenStore reports every code string as already issued.
type takenStore struct {
	*memstore.Store
}

func (s takenStore) GetByCode(_ context.Context, code string) (*codes.ReferralCode, error) {
	return &codes.ReferralCode{ID: uuid.New(), Code: code, Active: true}, nil
}

// racingStore fails the first insert as if another writer took the candidate.
type racingStore struct {
	*memstore.Store
	failed bool
}

func (s *racingStore) Insert(ctx context.Context, c codes.ReferralCode) error {
	if !s.failed {
		s.failed = true
		return codes.ErrDuplicateCode
	}
	return s.Store.Insert(ctx, c)
}

func TestReferrals_Codes_Registry_NewRegistry(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		r, err := codes.NewRegistry(codes.RegistryConfig{})
		require.Nil(t, r)
		require.ErrorContains(t, err, "logger is required")
	})

	t.Run("missing store", func(t *testing.T) {
		t.Parallel()
		r, err := codes.NewRegistry(codes.RegistryConfig{Logger: referralstesting.NewLogger()})
		require.Nil(t, r)
		require.ErrorContains(t, err, "store is required")
	})

	t.Run("missing directory", func(t *testing.T) {
		t.Parallel()
		r, err := codes.NewRegistry(codes.RegistryConfig{Logger: referralstesting.NewLogger(), Store: memstore.New()})
		require.Nil(t, r)
		require.ErrorContains(t, err, "directory is required")
	})
}

func TestReferrals_Codes_Registry_CreateForUser(t *testing.T) {
	t.Parallel()

	t.Run("generates sequential suffixes per prefix", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, s, s)
		chitra := addUser(t, s, "Chitra Agarwal", "Mumbai", hierarchy.RoleNationalCoordinator, nil)
		chandra := addUser(t, s, "Chandra Arora", "Mumbai", hierarchy.RoleStateCoordinator, &chitra.ID)

		first, err := r.CreateForUser(t.Context(), chitra.ID, nil)
		require.NoError(t, err)
		require.Equal(t, "CA-MUM-01", first.Code)
		require.True(t, first.Active)
		require.Equal(t, chitra.ID, first.OwnerID)
		require.Nil(t, first.ParentCodeID)

		second, err := r.CreateForUser(t.Context(), chandra.ID, &first.ID)
		require.NoError(t, err)
		require.Equal(t, "CA-MUM-02", second.Code)
		require.Equal(t, first.ID, *second.ParentCodeID)
	})

	t.Run("rejects a second active code", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, s, s)
		u := addUser(t, s, "Ravi Menon", "Kochi", hierarchy.RoleCoordinator, nil)

		_, err := r.CreateForUser(t.Context(), u.ID, nil)
		require.NoError(t, err)
		_, err = r.CreateForUser(t.Context(), u.ID, nil)
		require.ErrorIs(t, err, engineerr.ErrDuplicateActiveCode)
	})

	t.Run("allows a new code after deactivation", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, s, s)
		u := addUser(t, s, "Ravi Menon", "Kochi", hierarchy.RoleCoordinator, nil)

		old, err := r.CreateForUser(t.Context(), u.ID, nil)
		require.NoError(t, err)
		require.NoError(t, r.Deactivate(t.Context(), old.ID))

		fresh, err := r.CreateForUser(t.Context(), u.ID, nil)
		require.NoError(t, err)
		require.Equal(t, "RM-KOC-02", fresh.Code)

		kept, err := r.Get(t.Context(), old.ID)
		require.NoError(t, err)
		require.False(t, kept.Active)
	})

	t.Run("entry roles need a parent code", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, s, s)
		v := addUser(t, s, "Meena Das", "Pune", hierarchy.RoleVolunteer, nil)

		_, err := r.CreateForUser(t.Context(), v.ID, nil)
		require.ErrorIs(t, err, engineerr.ErrParentCodeRequired)
	})

	t.Run("parent code must exist and be active", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, s, s)
		lead := addUser(t, s, "Arjun Iyer", "Pune", hierarchy.RoleCoordinator, nil)
		v := addUser(t, s, "Meena Das", "Pune", hierarchy.RoleVolunteer, &lead.ID)

		missing := uuid.New()
		_, err := r.CreateForUser(t.Context(), v.ID, &missing)
		require.ErrorIs(t, err, engineerr.ErrNotFound)

		parent, err := r.CreateForUser(t.Context(), lead.ID, nil)
		require.NoError(t, err)
		require.NoError(t, r.Deactivate(t.Context(), parent.ID))
		_, err = r.CreateForUser(t.Context(), v.ID, &parent.ID)
		require.ErrorIs(t, err, engineerr.ErrInactive)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, s, s)
		_, err := r.CreateForUser(t.Context(), uuid.New(), nil)
		require.ErrorIs(t, err, engineerr.ErrUserNotFound)
	})

	t.Run("gives up after the attempt cap", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, takenStore{s}, s)
		u := addUser(t, s, "Chitra Agarwal", "Mumbai", hierarchy.RoleCoordinator, nil)

		_, err := r.CreateForUser(t.Context(), u.ID, nil)
		require.ErrorIs(t, err, engineerr.ErrGenerationExhausted)
	})

	t.Run("moves to the next candidate when an insert races", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, &racingStore{Store: s}, s)
		u := addUser(t, s, "Chitra Agarwal", "Mumbai", hierarchy.RoleCoordinator, nil)

		rc, err := r.CreateForUser(t.Context(), u.ID, nil)
		require.NoError(t, err)
		require.Equal(t, "CA-MUM-02", rc.Code)
	})
}

func TestReferrals_Codes_Registry_Resolve(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	r := newRegistry(t, s, s)
	u := addUser(t, s, "Chitra Agarwal", "Mumbai", hierarchy.RoleCoordinator, nil)
	rc, err := r.CreateForUser(t.Context(), u.ID, nil)
	require.NoError(t, err)

	t.Run("case insensitive", func(t *testing.T) {
		t.Parallel()
		got, err := r.Resolve(t.Context(), "ca-mum-01")
		require.NoError(t, err)
		require.Equal(t, rc.ID, got.ID)

		got, err = r.Resolve(t.Context(), "  Ca-Mum-01\t")
		require.NoError(t, err)
		require.Equal(t, rc.ID, got.ID)
	})

	t.Run("blank and unknown codes are not found", func(t *testing.T) {
		t.Parallel()
		_, err := r.Resolve(t.Context(), "   ")
		require.ErrorIs(t, err, engineerr.ErrNotFound)
		_, err = r.Resolve(t.Context(), "ZZ-NOP-01")
		require.ErrorIs(t, err, engineerr.ErrNotFound)
	})

	t.Run("inactive code", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		r := newRegistry(t, s, s)
		u := addUser(t, s, "Ravi Menon", "Kochi", hierarchy.RoleCoordinator, nil)
		rc, err := r.CreateForUser(t.Context(), u.ID, nil)
		require.NoError(t, err)
		require.NoError(t, r.Deactivate(t.Context(), rc.ID))

		_, err = r.Resolve(t.Context(), "rm-koc-01")
		require.ErrorIs(t, err, engineerr.ErrInactive)
	})
}

func TestReferrals_Codes_Registry_AncestryOf(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*memstore.Store, *codes.Registry, []*codes.ReferralCode) {
		s := memstore.New()
		r := newRegistry(t, s, s)
		national := addUser(t, s, "Chitra Agarwal", "Mumbai", hierarchy.RoleNationalCoordinator, nil)
		state := addUser(t, s, "Suresh Bhat", "Mumbai", hierarchy.RoleStateCoordinator, &national.ID)
		field := addUser(t, s, "Kavya Nair", "Mumbai", hierarchy.RoleFieldCoordinator, &state.ID)

		a, err := r.CreateForUser(t.Context(), national.ID, nil)
		require.NoError(t, err)
		b, err := r.CreateForUser(t.Context(), state.ID, &a.ID)
		require.NoError(t, err)
		c, err := r.CreateForUser(t.Context(), field.ID, &b.ID)
		require.NoError(t, err)
		return s, r, []*codes.ReferralCode{a, b, c}
	}

	t.Run("returns the chain root first", func(t *testing.T) {
		t.Parallel()
		_, r, cs := setup(t)
		chain, err := r.AncestryOf(t.Context(), *cs[2])
		require.NoError(t, err)
		require.Len(t, chain, 3)
		require.Equal(t, cs[0].ID, chain[0].ID)
		require.Equal(t, cs[1].ID, chain[1].ID)
		require.Equal(t, cs[2].ID, chain[2].ID)
	})

	t.Run("root code alone", func(t *testing.T) {
		t.Parallel()
		_, r, cs := setup(t)
		chain, err := r.AncestryOf(t.Context(), *cs[0])
		require.NoError(t, err)
		require.Len(t, chain, 1)
	})

	t.Run("dangling parent ends the chain", func(t *testing.T) {
		t.Parallel()
		s, r, cs := setup(t)
		gone := uuid.New()
		require.NoError(t, s.SetCodeParent(t.Context(), cs[1].ID, &gone))
		b, err := r.Get(t.Context(), cs[1].ID)
		require.NoError(t, err)

		chain, err := r.AncestryOf(t.Context(), *b)
		require.NoError(t, err)
		require.Len(t, chain, 1)
		require.Equal(t, cs[1].ID, chain[0].ID)
	})

	t.Run("cycle is reported with the partial chain", func(t *testing.T) {
		t.Parallel()
		s, r, cs := setup(t)
		require.NoError(t, s.SetCodeParent(t.Context(), cs[0].ID, &cs[2].ID))

		chain, err := r.AncestryOf(t.Context(), *cs[2])
		require.ErrorIs(t, err, engineerr.ErrCorruptHierarchy)
		var che *engineerr.CorruptHierarchyError
		require.ErrorAs(t, err, &che)
		require.Equal(t, engineerr.TreeCodes, che.Tree)
		require.Equal(t, cs[2].ID, che.Start)
		require.Len(t, chain, 3)
	})
}

func TestReferrals_Codes_Registry_ChildrenOf(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	r := newRegistry(t, s, s)
	lead := addUser(t, s, "Arjun Iyer", "Pune", hierarchy.RoleCoordinator, nil)
	a := addUser(t, s, "Meena Das", "Pune", hierarchy.RoleVolunteer, &lead.ID)
	b := addUser(t, s, "Nikhil Joshi", "Pune", hierarchy.RoleVolunteer, &lead.ID)

	parent, err := r.CreateForUser(t.Context(), lead.ID, nil)
	require.NoError(t, err)
	ca, err := r.CreateForUser(t.Context(), a.ID, &parent.ID)
	require.NoError(t, err)
	cb, err := r.CreateForUser(t.Context(), b.ID, &parent.ID)
	require.NoError(t, err)
	require.NoError(t, r.Deactivate(t.Context(), cb.ID))

	children, err := r.ChildrenOf(t.Context(), parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, ca.ID, children[0].ID)
}

// staticDirectory is a fixed set of users with no children.
type staticDirectory map[uuid.UUID]hierarchy.User

func (d staticDirectory) GetUser(_ context.Context, id uuid.UUID) (*hierarchy.User, error) {
	u, ok := d[id]
	if !ok {
		return nil, engineerr.ErrUserNotFound
	}
	return &u, nil
}

func (d staticDirectory) Children(context.Context, uuid.UUID) ([]hierarchy.User, error) {
	return nil, nil
}
