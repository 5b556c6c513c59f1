package rollup

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
)

// Outcome is what OnDonationSuccess did with a donation.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeNoAttribution   Outcome = "no_attribution"
	OutcomeAlreadyRolledUp Outcome = "already_rolled_up"
)

// Application is one donation's increments. UserIDs holds the attributed user followed by
// every ancestor; each id appears once.
type Application struct {
	DonationID uuid.UUID
	CodeID     *uuid.UUID
	UserIDs    []uuid.UUID
	Amount     int64
	UsedAt     time.Time
}

// Store applies and overwrites denormalized counters.
type Store interface {
	// ApplyRollup marks the donation rolled up and applies every increment in one
	// transaction. It returns engineerr.ErrAlreadyRolledUp and changes nothing when the
	// donation was already marked.
	ApplyRollup(ctx context.Context, app Application) error
	OverwriteCodeCounters(ctx context.Context, codeID uuid.UUID, c codes.Counters) error
	OverwriteUserCounters(ctx context.Context, userID uuid.UUID, t ledger.Totals) error
	// ListCodeIDs pages through every referral code id in ascending order.
	ListCodeIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// Ledger is the read side of the donation ledger recomputation needs.
type Ledger interface {
	Totals(ctx context.Context, f ledger.Filter) (ledger.Totals, error)
	LastUsed(ctx context.Context, codeID uuid.UUID) (*time.Time, error)
	TotalsByAttributedUsers(ctx context.Context, userIDs []uuid.UUID) (ledger.Totals, error)
}

// Failure is one code that could not be recomputed.
type Failure struct {
	CodeID uuid.UUID `json:"code_id"`
	Error  string    `json:"error"`
}

// Summary reports a RecomputeAll run.
type Summary struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failures  []Failure `json:"failures,omitempty"`
}
