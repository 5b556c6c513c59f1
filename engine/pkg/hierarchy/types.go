package hierarchy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is a level in the coordinator hierarchy.
type Role string

const (
	RoleOrgAdmin            Role = "org_admin"
	RoleNationalCoordinator Role = "national_coordinator"
	RoleStateCoordinator    Role = "state_coordinator"
	RoleRegionalCoordinator Role = "regional_coordinator"
	RoleDistrictCoordinator Role = "district_coordinator"
	RoleCoordinator         Role = "coordinator"
	RoleSubCoordinator      Role = "sub_coordinator"
	RoleFieldCoordinator    Role = "field_coordinator"
	RoleVolunteer           Role = "volunteer"
)

// Roles lists every role from the top of the hierarchy down.
var Roles = []Role{
	RoleOrgAdmin,
	RoleNationalCoordinator,
	RoleStateCoordinator,
	RoleRegionalCoordinator,
	RoleDistrictCoordinator,
	RoleCoordinator,
	RoleSubCoordinator,
	RoleFieldCoordinator,
	RoleVolunteer,
}

// Level returns the role's rank, 0 for the top. Unknown roles rank below every known role.
func (r Role) Level() int {
	for i, role := range Roles {
		if role == r {
			return i
		}
	}
	return len(Roles)
}

func (r Role) Valid() bool {
	return r.Level() < len(Roles)
}

// RequiresParentCode reports whether a referral code owned by this role must chain to a
// parent code. Entry-level roles always work under someone else's code.
func (r Role) RequiresParentCode() bool {
	return r.Level() >= RoleSubCoordinator.Level()
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// User is a member of the coordinator hierarchy. ParentID is a weak reference.
type User struct {
	ID                     uuid.UUID  `json:"id"`
	Name                   string     `json:"name"`
	Region                 string     `json:"region"`
	Role                   Role       `json:"role"`
	ParentID               *uuid.UUID `json:"parent_id,omitempty"`
	TotalDonationsReferred int64      `json:"total_donations_referred"`
	TotalAmountReferred    int64      `json:"total_amount_referred"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}
