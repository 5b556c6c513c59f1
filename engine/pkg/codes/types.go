package codes

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferralCode is owned by one user and optionally chained to a parent code.
type ReferralCode struct {
	ID             uuid.UUID  `json:"id"`
	Code           string     `json:"code"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	ParentCodeID   *uuid.UUID `json:"parent_code_id,omitempty"`
	Active         bool       `json:"active"`
	TotalDonations int64      `json:"total_donations"`
	TotalAmount    int64      `json:"total_amount"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Counters are the denormalized usage totals kept on a code.
type Counters struct {
	TotalDonations int64      `json:"total_donations"`
	TotalAmount    int64      `json:"total_amount"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// Canonical returns the stored form of a code string.
func Canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
