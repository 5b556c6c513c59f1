// Package attribution decides who is credited for a donation and how its amount splits
// across the referral chain. It reads the registry and directory and never writes.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
)

// OrganizationID is the house account credited with the organization share. It never
// matches a user row.
var OrganizationID = uuid.MustParse("00000000-0000-0000-0000-00000000000f")

// Split percentages.
const (
	DirectPercent           = 70
	ParentPercent           = 20
	OrganizationPercent     = 10
	OrganizationSoloPercent = 30
)

type SplitKind string

const (
	SplitDirect       SplitKind = "direct"
	SplitParent       SplitKind = "parent"
	SplitOrganization SplitKind = "organization"
)

type Split struct {
	Kind       SplitKind      `json:"kind"`
	UserID     uuid.UUID      `json:"user_id"`
	Role       hierarchy.Role `json:"role,omitempty"`
	Percentage int            `json:"percentage"`
	Amount     int64          `json:"amount"`
}

// CountsTowardHierarchy reports whether the split belongs to a real user and should be
// included in hierarchy totals. The organization share never is.
func (s Split) CountsTowardHierarchy() bool {
	return s.Kind != SplitOrganization && s.UserID != OrganizationID
}

// Result is the transient outcome of attributing one donation.
type Result struct {
	DonationID uuid.UUID            `json:"donation_id"`
	Amount     int64                `json:"amount"`
	Code       codes.ReferralCode   `json:"code"`
	Chain      []codes.ReferralCode `json:"chain"`
	Splits     []Split              `json:"splits"`
}

// DirectUserID is the owner of the code actually used.
func (r *Result) DirectUserID() uuid.UUID {
	return r.Code.OwnerID
}

// Registry is the part of codes.Registry attribution reads.
type Registry interface {
	Resolve(ctx context.Context, code string) (*codes.ReferralCode, error)
	AncestryOf(ctx context.Context, code codes.ReferralCode) ([]codes.ReferralCode, error)
}

type Config struct {
	Logger    *slog.Logger
	Registry  Registry
	Directory hierarchy.Directory
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Attribute resolves code and splits the donation's amount. It returns nil without error
// when the donation is not attributable: blank, unknown or inactive code, or a code whose
// owner no longer exists. Only hierarchy corruption and store failures are errors.
func (e *Engine) Attribute(ctx context.Context, donation ledger.Donation, code string) (*Result, error) {
	rc, err := e.cfg.Registry.Resolve(ctx, code)
	switch {
	case errors.Is(err, engineerr.ErrNotFound):
		e.log.Debug("attribution: no attributable code", "donation_id", donation.ID, "code", code)
		return nil, nil
	case errors.Is(err, engineerr.ErrInactive):
		e.log.Info("attribution: inactive code used, treating as direct donation", "donation_id", donation.ID, "code", code)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to resolve code: %w", err)
	}
	return e.AttributeCode(ctx, donation, *rc)
}

// AttributeCode splits the donation for an already resolved code.
func (e *Engine) AttributeCode(ctx context.Context, donation ledger.Donation, rc codes.ReferralCode) (*Result, error) {
	chain, err := e.cfg.Registry.AncestryOf(ctx, rc)
	if err != nil {
		return nil, err
	}

	direct, err := e.cfg.Directory.GetUser(ctx, rc.OwnerID)
	if errors.Is(err, engineerr.ErrUserNotFound) {
		e.log.Warn("attribution: code owner missing, treating as direct donation", "donation_id", donation.ID, "code", rc.Code, "owner_id", rc.OwnerID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get code owner: %w", err)
	}

	var parent *hierarchy.User
	if len(chain) >= 2 {
		parentCode := chain[len(chain)-2]
		parent, err = e.cfg.Directory.GetUser(ctx, parentCode.OwnerID)
		if errors.Is(err, engineerr.ErrUserNotFound) {
			e.log.Warn("attribution: parent code owner missing, organization takes the parent share", "donation_id", donation.ID, "parent_code", parentCode.Code)
			parent = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to get parent code owner: %w", err)
		}
	}

	return &Result{
		DonationID: donation.ID,
		Amount:     donation.Amount,
		Code:       rc,
		Chain:      chain,
		Splits:     Splits(donation.Amount, direct, parent),
	}, nil
}

// Splits computes the fixed percentage split. Each share is rounded independently, so the
// shares may differ from amount by a unit or two.
func Splits(amount int64, direct *hierarchy.User, parent *hierarchy.User) []Split {
	splits := []Split{{
		Kind:       SplitDirect,
		UserID:     direct.ID,
		Role:       direct.Role,
		Percentage: DirectPercent,
		Amount:     share(amount, DirectPercent),
	}}

	orgPercent := OrganizationSoloPercent
	if parent != nil {
		splits = append(splits, Split{
			Kind:       SplitParent,
			UserID:     parent.ID,
			Role:       parent.Role,
			Percentage: ParentPercent,
			Amount:     share(amount, ParentPercent),
		})
		orgPercent = OrganizationPercent
	}

	return append(splits, Split{
		Kind:       SplitOrganization,
		UserID:     OrganizationID,
		Percentage: orgPercent,
		Amount:     share(amount, orgPercent),
	})
}

func share(amount int64, percent int) int64 {
	return int64(math.Round(float64(amount) * float64(percent) / 100))
}
