package tenants

import "context"

// Reader is the query contract the authorization engine consumes.
type Reader interface {
	// FindTenant returns a non-deleted tenant by slug.
	FindTenant(ctx context.Context, slug string) (*Tenant, error)
	// FindAnyTenant returns a tenant in any status, deleted included.
	FindAnyTenant(ctx context.Context, slug string) (*Tenant, error)
	// FindActiveMembership returns the subject's membership in the tenant
	// only if its status is active.
	FindActiveMembership(ctx context.Context, subjectID, slug string) (*Membership, error)
}

// Store runs a group of reads against one consistent snapshot, so a tenant
// cannot change status between the tenant check and the membership check.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
}

// Admin is the write side used by tenant lifecycle and member management
// endpoints, plus the per-subject directory. The authorization engine
// never calls it.
type Admin interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	// UpdateTenant renames a non-deleted tenant
	UpdateTenant(ctx context.Context, slug, name string) (*Tenant, error)
	// SetTenantStatus moves a tenant to status. When from is non-empty the
	// change only applies if the current status is one of from; otherwise
	// it fails with ErrConflict and nothing is written.
	SetTenantStatus(ctx context.Context, slug string, status TenantStatus, from ...TenantStatus) (*Tenant, error)

	// FindMembership returns the subject's membership in any status
	FindMembership(ctx context.Context, subjectID, slug string) (*Membership, error)
	UpsertMembership(ctx context.Context, m Membership) (*Membership, error)
	// ListMemberships returns the subject's active memberships in active
	// tenants, ordered by slug
	ListMemberships(ctx context.Context, subjectID string) ([]*Membership, error)

	ListTenants(ctx context.Context, includeDeleted bool) ([]*Tenant, error)

	// GetPolicies returns the settings of a non-deleted tenant
	GetPolicies(ctx context.Context, slug string) (*TenantPolicies, error)
	// UpdatePolicies merges patch into the stored settings and returns the result
	UpdatePolicies(ctx context.Context, slug string, patch TenantPolicies) (*TenantPolicies, error)
}

// Backend is a store that serves both sides
type Backend interface {
	Store
	Reader
	Admin
}
