package authz

import (
	"github.com/platinummonkey/tenantguard/pkg/identity"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
)

// Grant is the immutable result of a successful decision. Only the engine
// constructs one; handlers read it through accessors.
type Grant struct {
	identity   identity.Identity
	tenantID   string
	tenantSlug string
	role       tenants.Role
	superAdmin bool
	capability string
}

// SubjectID returns the caller's subject identifier
func (g *Grant) SubjectID() string { return g.identity.SubjectID }

// Email returns the caller's email, which may be empty
func (g *Grant) Email() string { return g.identity.Email }

// TenantID returns the resolved tenant. ok is false for cross-tenant
// super-admin grants.
func (g *Grant) TenantID() (id string, ok bool) {
	return g.tenantID, g.tenantID != ""
}

// TenantSlug returns the resolved tenant slug, or "" when none
func (g *Grant) TenantSlug() string { return g.tenantSlug }

// Role returns the effective role
func (g *Grant) Role() tenants.Role { return g.role }

// IsSuperAdmin reports whether the grant came from registry elevation
func (g *Grant) IsSuperAdmin() bool { return g.superAdmin }

// Capability returns the capability the grant was issued for
func (g *Grant) Capability() string { return g.capability }

// Caller returns the grant as a tagged variant
func (g *Grant) Caller() Caller {
	if g.superAdmin {
		return SuperAdminCaller{Identity: g.identity}
	}
	return MemberCaller{Identity: g.identity, TenantID: g.tenantID, Role: g.role}
}

// Caller is either SuperAdminCaller or MemberCaller. Consumers switch on
// the concrete type:
//
//	switch c := grant.Caller().(type) {
//	case authz.SuperAdminCaller:
//	case authz.MemberCaller:
//	}
type Caller interface {
	caller()
}

// SuperAdminCaller is a registry-elevated caller
type SuperAdminCaller struct {
	Identity identity.Identity
}

// MemberCaller acts through an active membership in one tenant
type MemberCaller struct {
	Identity identity.Identity
	TenantID string
	Role     tenants.Role
}

func (SuperAdminCaller) caller() {}
func (MemberCaller) caller()     {}
