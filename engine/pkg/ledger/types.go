package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a donation's payment outcome as reported by the payment flow.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether a donation may move from s to next. Success is terminal
// for attribution; only a refund may follow it.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSuccess || next == StatusFailed
	case StatusSuccess:
		return next == StatusRefunded
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown donation status %q", s)
	}
	return st, nil
}

type Donation struct {
	ID               uuid.UUID  `json:"id"`
	Amount           int64      `json:"amount"`
	Status           Status     `json:"status"`
	ProgramID        *uuid.UUID `json:"program_id,omitempty"`
	ReferralCodeID   *uuid.UUID `json:"referral_code_id,omitempty"`
	AttributedUserID *uuid.UUID `json:"attributed_user_id,omitempty"`
	RolledUp         bool       `json:"rolled_up"`
	DonorName        string     `json:"donor_name,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
}

type Program struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Filter selects successful donations. Start is inclusive and End exclusive; nil bounds are
// open. An empty CodeIDs slice matches nothing.
type Filter struct {
	CodeIDs []uuid.UUID
	Start   *time.Time
	End     *time.Time
}

type Totals struct {
	Count  int64 `json:"count"`
	Amount int64 `json:"amount"`
}

func (t Totals) Add(o Totals) Totals {
	return Totals{Count: t.Count + o.Count, Amount: t.Amount + o.Amount}
}

// MonthBucket is one calendar month (UTC) of successful donations.
type MonthBucket struct {
	Year   int        `json:"year"`
	Month  time.Month `json:"month"`
	Count  int64      `json:"count"`
	Amount int64      `json:"amount"`
}

type ProgramTotal struct {
	ProgramID uuid.UUID `json:"program_id"`
	Name      string    `json:"name"`
	Count     int64     `json:"count"`
	Amount    int64     `json:"amount"`
}

// Reader is the aggregation interface reporting runs against. Every method only counts
// donations in success status.
type Reader interface {
	Totals(ctx context.Context, f Filter) (Totals, error)
	TotalsByCode(ctx context.Context, f Filter) (map[uuid.UUID]Totals, error)
	// Monthly returns at most limit of the most recent months, oldest first.
	Monthly(ctx context.Context, f Filter, limit int) ([]MonthBucket, error)
	// TopPrograms returns at most limit programs by amount, largest first. Donations
	// without a program are ignored.
	TopPrograms(ctx context.Context, f Filter, limit int) ([]ProgramTotal, error)
}
