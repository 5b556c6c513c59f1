package codes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
)

// MaxChainDepth bounds ancestry walks over parent codes.
const MaxChainDepth = 32

// ErrDuplicateCode means the code string is already taken. It is internal to generation and
// never escapes CreateForUser.
var ErrDuplicateCode = errors.New("referral code string already exists")

// Store is the persistence interface the registry needs.
type Store interface {
	// GetByID and GetByCode return engineerr.ErrNotFound when absent. GetByCode expects the
	// canonical form.
	GetByID(ctx context.Context, id uuid.UUID) (*ReferralCode, error)
	GetByCode(ctx context.Context, code string) (*ReferralCode, error)
	// ActiveForOwner returns engineerr.ErrNotFound when the owner has no active code.
	ActiveForOwner(ctx context.Context, ownerID uuid.UUID) (*ReferralCode, error)
	ActiveForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]ReferralCode, error)
	// ForOwners includes inactive codes.
	ForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]ReferralCode, error)
	ActiveChildren(ctx context.Context, parentID uuid.UUID) ([]ReferralCode, error)
	// Insert returns ErrDuplicateCode or engineerr.ErrDuplicateActiveCode on conflicts.
	Insert(ctx context.Context, code ReferralCode) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type RegistryConfig struct {
	Logger    *slog.Logger
	Store     Store
	Directory hierarchy.Directory
	Clock     clockwork.Clock
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Registry struct {
	log *slog.Logger
	cfg RegistryConfig
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg}, nil
}

// Resolve looks a code up case-insensitively. Blank and unknown codes return
// engineerr.ErrNotFound; deactivated codes return engineerr.ErrInactive.
func (r *Registry) Resolve(ctx context.Context, code string) (*ReferralCode, error) {
	canonical := Canonical(code)
	if canonical == "" {
		return nil, fmt.Errorf("blank code: %w", engineerr.ErrNotFound)
	}
	rc, err := r.cfg.Store.GetByCode(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if !rc.Active {
		return nil, fmt.Errorf("code %s: %w", rc.Code, engineerr.ErrInactive)
	}
	return rc, nil
}

// Get returns a code by id regardless of its active flag.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*ReferralCode, error) {
	return r.cfg.Store.GetByID(ctx, id)
}

// AncestryOf returns the chain of codes from the root down to code. On corruption the chain
// built so far is returned along with a CorruptHierarchyError.
func (r *Registry) AncestryOf(ctx context.Context, code ReferralCode) ([]ReferralCode, error) {
	chain := []ReferralCode{code}
	path := []uuid.UUID{code.ID}
	visited := map[uuid.UUID]struct{}{code.ID: {}}

	var walkErr error
	next := code.ParentCodeID
	for next != nil {
		if _, ok := visited[*next]; ok {
			walkErr = engineerr.NewCycle(engineerr.TreeCodes, code.ID, path, *next)
			break
		}
		if len(chain) >= MaxChainDepth {
			walkErr = engineerr.NewTooDeep(engineerr.TreeCodes, code.ID, path, MaxChainDepth)
			break
		}

		parent, err := r.cfg.Store.GetByID(ctx, *next)
		if errors.Is(err, engineerr.ErrNotFound) {
			r.log.Warn("codes: dangling parent code reference", "code_id", path[len(path)-1], "parent_code_id", *next)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get parent code %s: %w", *next, err)
		}

		visited[parent.ID] = struct{}{}
		path = append(path, parent.ID)
		chain = append(chain, *parent)
		next = parent.ParentCodeID
	}

	slices.Reverse(chain)
	return chain, walkErr
}

// ChildrenOf returns the active codes directly under codeID.
func (r *Registry) ChildrenOf(ctx context.Context, codeID uuid.UUID) ([]ReferralCode, error) {
	return r.cfg.Store.ActiveChildren(ctx, codeID)
}

// ActiveForOwner returns the owner's active code or engineerr.ErrNotFound.
func (r *Registry) ActiveForOwner(ctx context.Context, ownerID uuid.UUID) (*ReferralCode, error) {
	return r.cfg.Store.ActiveForOwner(ctx, ownerID)
}

// ActiveForOwners returns the active codes of any of ownerIDs.
func (r *Registry) ActiveForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]ReferralCode, error) {
	return r.cfg.Store.ActiveForOwners(ctx, ownerIDs)
}

// ForOwners returns every code, active or not, owned by any of ownerIDs.
func (r *Registry) ForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]ReferralCode, error) {
	return r.cfg.Store.ForOwners(ctx, ownerIDs)
}

// CreateForUser issues a new active code for userID, optionally chained to parentCodeID.
func (r *Registry) CreateForUser(ctx context.Context, userID uuid.UUID, parentCodeID *uuid.UUID) (*ReferralCode, error) {
	owner, err := r.cfg.Directory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := r.cfg.Store.ActiveForOwner(ctx, userID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("user %s owns %s: %w", userID, existing.Code, engineerr.ErrDuplicateActiveCode)
	case !errors.Is(err, engineerr.ErrNotFound):
		return nil, fmt.Errorf("failed to check active code: %w", err)
	}

	if parentCodeID == nil && owner.Role.RequiresParentCode() {
		return nil, fmt.Errorf("role %s: %w", owner.Role, engineerr.ErrParentCodeRequired)
	}
	if parentCodeID != nil {
		parent, err := r.cfg.Store.GetByID(ctx, *parentCodeID)
		if err != nil {
			return nil, fmt.Errorf("parent code %s: %w", *parentCodeID, err)
		}
		if !parent.Active {
			return nil, fmt.Errorf("parent code %s: %w", parent.Code, engineerr.ErrInactive)
		}
	}

	prefix := Prefix(owner.Name, owner.Region)
	for attempt := 1; attempt <= MaxGenerationAttempts; attempt++ {
		candidate := Candidate(prefix, attempt)

		_, err := r.cfg.Store.GetByCode(ctx, candidate)
		if err == nil {
			continue
		}
		if !errors.Is(err, engineerr.ErrNotFound) {
			return nil, fmt.Errorf("failed to check code %s: %w", candidate, err)
		}

		now := r.cfg.Clock.Now().UTC()
		rc := ReferralCode{
			ID:           uuid.New(),
			Code:         candidate,
			OwnerID:      userID,
			ParentCodeID: parentCodeID,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = r.cfg.Store.Insert(ctx, rc)
		if errors.Is(err, ErrDuplicateCode) {
			r.log.Debug("codes: candidate taken concurrently", "code", candidate)
			continue
		}
		if err != nil {
			return nil, err
		}

		r.log.Info("codes: created referral code", "code", rc.Code, "owner_id", userID, "attempt", attempt)
		return &rc, nil
	}

	return nil, fmt.Errorf("prefix %s after %d attempts: %w", prefix, MaxGenerationAttempts, engineerr.ErrGenerationExhausted)
}

// Deactivate marks a code inactive. Its history stays attached to it.
func (r *Registry) Deactivate(ctx context.Context, codeID uuid.UUID) error {
	if err := r.cfg.Store.Deactivate(ctx, codeID); err != nil {
		return err
	}
	r.log.Info("codes: deactivated referral code", "code_id", codeID)
	return nil
}
