// Package auth verifies connection credentials and derives the caller's identity.
package auth

import (
	"fmt"
	"strings"
)

// Role is the product role of an authenticated caller.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleBusiness Role = "business"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// Roles lists every known role.
var Roles = []Role{RoleCustomer, RoleBusiness, RoleDriver, RoleAdmin}

// ParseRole converts a claim value to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleBusiness, RoleDriver, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the verified caller: a role plus the ids scoped to it.
type Identity struct {
	Role       Role   `json:"role"`
	UserID     string `json:"userId"`
	BusinessID string `json:"businessId,omitempty"`
	DriverID   string `json:"driverId,omitempty"`
}

// ScopedID returns the id the role's topics are keyed on: the business id for
// businesses, the driver id for drivers and the user id otherwise.
func (i Identity) ScopedID() string {
	switch i.Role {
	case RoleBusiness:
		return i.BusinessID
	case RoleDriver:
		return i.DriverID
	default:
		return i.UserID
	}
}

// Validate checks that the role-specific id is present.
func (i Identity) Validate() error {
	switch i.Role {
	case RoleBusiness:
		if i.BusinessID == "" {
			return fmt.Errorf("business identity without business id")
		}
	case RoleDriver:
		if i.DriverID == "" {
			return fmt.Errorf("driver identity without driver id")
		}
	case RoleCustomer:
		if i.UserID == "" {
			return fmt.Errorf("customer identity without user id")
		}
	case RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", i.Role)
	}
	return nil
}

func (i Identity) String() string {
	if id := i.ScopedID(); id != "" {
		return string(i.Role) + ":" + id
	}
	return string(i.Role)
}
