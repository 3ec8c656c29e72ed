package tenants

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a membership role. RoleSuperAdmin is never stored; it is the
// effective role of a registry-elevated caller.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleOwner      Role = "owner"
	RoleSuperAdmin Role = "super_admin"
)

// Rank orders roles: member < admin < owner < super_admin. Unknown roles rank 0.
func (r Role) Rank() int {
	switch r {
	case RoleMember:
		return 1
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 3
	case RoleSuperAdmin:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether r meets the threshold min. An unknown role never
// meets any threshold.
func (r Role) AtLeast(min Role) bool {
	return r.Rank() > 0 && r.Rank() >= min.Rank()
}

// Storable reports whether r may appear on a membership row
func (r Role) Storable() bool {
	return r == RoleMember || r == RoleAdmin || r == RoleOwner
}

// ParseRole parses a role name, including super_admin
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.Rank() == 0 {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// MembershipStatus is the lifecycle state of a membership row
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipPending  MembershipStatus = "pending"
	MembershipInactive MembershipStatus = "inactive"
)

// Valid reports whether s is a known membership status
func (s MembershipStatus) Valid() bool {
	return s == MembershipActive || s == MembershipPending || s == MembershipInactive
}

// TenantStatus is the lifecycle state of a tenant
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDeleted   TenantStatus = "deleted"
)

// Valid reports whether s is a known tenant status
func (s TenantStatus) Valid() bool {
	return s == TenantActive || s == TenantSuspended || s == TenantDeleted
}

// Tenant is an isolated customer organization
type Tenant struct {
	ID     string       `json:"id"`
	Slug   string       `json:"slug"`
	Name   string       `json:"name"`
	Status TenantStatus `json:"status"`
}

// Active reports whether normal members may reach the tenant
func (t *Tenant) Active() bool {
	return t != nil && t.Status == TenantActive
}

// Membership grants a subject a role within one tenant. At most one row
// exists per (TenantID, SubjectID).
type Membership struct {
	TenantID   string           `json:"tenant_id"`
	TenantSlug string           `json:"tenant_slug"`
	TenantName string           `json:"tenant_name,omitempty"`
	SubjectID  string           `json:"subject_id"`
	Role       Role             `json:"role"`
	Status     MembershipStatus `json:"status"`
}

var (
	// ErrNotFound is returned when a tenant or an active membership does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a tenant slug is already taken or a
	// conditional status change finds the tenant in another status
	ErrConflict = errors.New("conflict")
)

// NormalizeSlug lower-cases and trims a tenant slug
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

func validateMembership(m Membership) error {
	if NormalizeSlug(m.TenantSlug) == "" {
		return fmt.Errorf("tenant slug is required")
	}
	if strings.TrimSpace(m.SubjectID) == "" {
		return fmt.Errorf("subject id is required")
	}
	if !m.Role.Storable() {
		return fmt.Errorf("invalid membership role %q", m.Role)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid membership status %q", m.Status)
	}
	return nil
}
