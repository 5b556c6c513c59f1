// Package engineerr defines the error taxonomy shared by the attribution engine packages.
package engineerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means a code, user or donation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInactive means a referral code exists but has been deactivated.
	ErrInactive = errors.New("referral code is inactive")
	// ErrCorruptHierarchy means a walk found a cycle or exceeded its depth bound.
	ErrCorruptHierarchy = errors.New("corrupt hierarchy")
	// ErrDuplicateActiveCode means the user already owns an active referral code.
	ErrDuplicateActiveCode = errors.New("user already has an active referral code")
	// ErrGenerationExhausted means no free code string was found within the attempt cap.
	ErrGenerationExhausted = errors.New("referral code generation exhausted")
	// ErrAlreadyRolledUp means the donation's counters were already applied.
	ErrAlreadyRolledUp = errors.New("donation already rolled up")
	// ErrUserNotFound means the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrParentCodeRequired means the owner's role needs a parent code.
	ErrParentCodeRequired = errors.New("parent referral code required for role")
	// ErrInvalidTransition means a donation status change is not allowed.
	ErrInvalidTransition = errors.New("invalid donation status transition")
	// ErrNotSuccessful means an operation needed a donation in success status.
	ErrNotSuccessful = errors.New("donation is not successful")
)

// Tree names the structure a corrupt walk was traversing.
type Tree string

const (
	TreeUsers Tree = "users"
	TreeCodes Tree = "referral_codes"
)

// CorruptHierarchyError describes where a walk stopped. Path holds the ids visited so far in
// walk order.
type CorruptHierarchyError struct {
	Tree   Tree
	Start  uuid.UUID
	Path   []uuid.UUID
	Reason string
}

func (e *CorruptHierarchyError) Error() string {
	ids := make([]string, len(e.Path))
	for i, id := range e.Path {
		ids[i] = id.String()
	}
	return fmt.Sprintf("corrupt hierarchy in %s starting at %s: %s (path %s)", e.Tree, e.Start, e.Reason, strings.Join(ids, " -> "))
}

func (e *CorruptHierarchyError) Unwrap() error {
	return ErrCorruptHierarchy
}

// NewCycle returns a CorruptHierarchyError for a revisited node.
func NewCycle(tree Tree, start uuid.UUID, path []uuid.UUID, repeated uuid.UUID) *CorruptHierarchyError {
	return &CorruptHierarchyError{
		Tree:   tree,
		Start:  start,
		Path:   append([]uuid.UUID(nil), path...),
		Reason: fmt.Sprintf("cycle detected at %s", repeated),
	}
}

// NewTooDeep returns a CorruptHierarchyError for a walk that passed its depth bound.
func NewTooDeep(tree Tree, start uuid.UUID, path []uuid.UUID, limit int) *CorruptHierarchyError {
	return &CorruptHierarchyError{
		Tree:   tree,
		Start:  start,
		Path:   append([]uuid.UUID(nil), path...),
		Reason: fmt.Sprintf("depth exceeds %d", limit),
	}
}

// IsBusiness reports whether err is a domain outcome rather than an infrastructure failure.
// Business outcomes are never retried.
func IsBusiness(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrInactive,
		ErrCorruptHierarchy,
		ErrDuplicateActiveCode,
		ErrGenerationExhausted,
		ErrAlreadyRolledUp,
		ErrUserNotFound,
		ErrParentCodeRequired,
		ErrInvalidTransition,
		ErrNotSuccessful,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
