package reporting

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
)

const (
	// MaxMonths is the number of most recent monthly buckets in Metrics.
	MaxMonths = 12
	// MaxTopPrograms is the number of programs in Metrics.
	MaxTopPrograms = 10
	// MaxTreeDepth bounds BuildPerformanceTree's descent below the root code.
	MaxTreeDepth = 32
)

var ErrInvalidWindow = errors.New("window start is after end")

// Window bounds donations by creation time. Start is inclusive, End exclusive, and nil
// bounds are open.
type Window struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func (w Window) Validate() error {
	if w.Start != nil && w.End != nil && w.Start.After(*w.End) {
		return ErrInvalidWindow
	}
	return nil
}

func (w Window) filter(codeIDs []uuid.UUID) ledger.Filter {
	return ledger.Filter{CodeIDs: codeIDs, Start: w.Start, End: w.End}
}

// Codes is the part of the referral code registry reporting reads.
type Codes interface {
	ActiveForOwner(ctx context.Context, ownerID uuid.UUID) (*codes.ReferralCode, error)
	ActiveForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]codes.ReferralCode, error)
	ForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]codes.ReferralCode, error)
	ChildrenOf(ctx context.Context, codeID uuid.UUID) ([]codes.ReferralCode, error)
}

type ProgramShare struct {
	ledger.ProgramTotal
	// Percentage of Metrics.TotalAmount, two decimals.
	Percentage float64 `json:"percentage"`
}

type Metrics struct {
	UserID          uuid.UUID            `json:"user_id"`
	IncludeSubtree  bool                 `json:"include_subtree"`
	Window          Window               `json:"window"`
	Members         int                  `json:"members"`
	Codes           int                  `json:"codes"`
	ActiveCodes     int                  `json:"active_codes"`
	TotalDonations  int64                `json:"total_donations"`
	TotalAmount     int64                `json:"total_amount"`
	AverageDonation float64              `json:"average_donation"`
	ConversionRate  float64              `json:"conversion_rate"`
	Monthly         []ledger.MonthBucket `json:"monthly"`
	TopPrograms     []ProgramShare       `json:"top_programs"`
}

// MemberPerformance is one row of HierarchyPerformance. Direct counts donations through the
// member's own active code; Hierarchy adds the active codes of the member's direct children.
type MemberPerformance struct {
	UserID         uuid.UUID      `json:"user_id"`
	Name           string         `json:"name"`
	Role           hierarchy.Role `json:"role"`
	Code           string         `json:"code,omitempty"`
	Direct         ledger.Totals  `json:"direct"`
	Hierarchy      ledger.Totals  `json:"hierarchy"`
	DirectChildren int            `json:"direct_children"`
}

// TreeNode is one code in a performance tree. Own values cover the code alone; Total values
// add every descendant.
type TreeNode struct {
	CodeID      uuid.UUID   `json:"code_id"`
	Code        string      `json:"code"`
	OwnerID     uuid.UUID   `json:"owner_id"`
	Depth       int         `json:"depth"`
	OwnCount    int64       `json:"own_count"`
	OwnAmount   int64       `json:"own_amount"`
	TotalCount  int64       `json:"total_count"`
	TotalAmount int64       `json:"total_amount"`
	Children    []*TreeNode `json:"children,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
