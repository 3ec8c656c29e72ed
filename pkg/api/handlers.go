package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/superadmin"
	"github.com/platinummonkey/tenantguard/pkg/tenantctx"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
)

// AuditReader reads back recent audit events
type AuditReader interface {
	Recent(ctx context.Context, count int64) ([]*audit.AuditEvent, error)
}

// Handlers serves the tenant and admin API
type Handlers struct {
	store      tenants.Backend
	registry   *superadmin.Registry
	authorizer *middleware.Authorizer
	auditor    audit.Logger
	auditLog   AuditReader
	logger     *observability.Logger
}

// Option configures Handlers
type Option func(*Handlers)

// WithAuditor sets the sink for admin events
func WithAuditor(a audit.Logger) Option {
	return func(h *Handlers) {
		if a != nil {
			h.auditor = a
		}
	}
}

// WithAuditReader enables GET /api/admin/audit
func WithAuditReader(r AuditReader) Option {
	return func(h *Handlers) { h.auditLog = r }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandlers creates the API handlers
func NewHandlers(store tenants.Backend, registry *superadmin.Registry, authorizer *middleware.Authorizer, opts ...Option) *Handlers {
	h := &Handlers{
		store:      store,
		registry:   registry,
		authorizer: authorizer,
		auditor:    audit.NopLogger{},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the API routes. The router must already run
// the Authenticator middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	require := func(capability string, fn http.HandlerFunc) http.Handler {
		return h.authorizer.Require(capability)(fn)
	}

	router.Handle("/api/whoami", middleware.RequireIdentity(http.HandlerFunc(h.WhoAmI))).Methods("GET")
	router.Handle("/api/me/tenants", middleware.RequireIdentity(http.HandlerFunc(h.MyTenants))).Methods("GET")

	// Cross-tenant administration
	router.Handle("/api/admin/tenants", require(authz.CapTenantsList, h.ListTenants)).Methods("GET")
	router.Handle("/api/admin/tenants", require(authz.CapTenantLifecycle, h.CreateTenant)).Methods("POST")
	router.Handle("/api/admin/audit", require(authz.CapAuditRead, h.RecentAudit)).Methods("GET")

	// Tenant-scoped
	router.Handle("/api/tenants/{tenant_slug}", require(authz.CapTenantRead, h.GetTenant)).Methods("GET")
	router.Handle("/api/tenants/{tenant_slug}", require(authz.CapTenantWrite, h.UpdateTenant)).Methods("PUT")
	router.Handle("/api/tenants/{tenant_slug}/policies", require(authz.CapTenantRead, h.GetPolicies)).Methods("GET")
	router.Handle("/api/tenants/{tenant_slug}/policies", require(authz.CapPolicyManage, h.UpdatePolicies)).Methods("PUT")
	router.Handle("/api/tenants/{tenant_slug}/members/{subject_id}", require(authz.CapMembersManage, h.UpsertMember)).Methods("PUT")
	router.Handle("/api/tenants/{tenant_slug}/lifecycle/{action}", require(authz.CapTenantLifecycle, h.TenantLifecycle)).Methods("POST")
}

// auditAdmin records an admin operation performed under grant
func (h *Handlers) auditAdmin(r *http.Request, eventType audit.EventType, status audit.EventStatus, message string, metadata map[string]interface{}) {
	event := audit.NewEvent(r.Context(), eventType, status)
	if grant, ok := tenantctx.From(r.Context()); ok {
		event.SubjectID = grant.SubjectID()
		event.Email = grant.Email()
		event.EffectiveRole = string(grant.Role())
		event.Capability = grant.Capability()
		event.TenantSlug = grant.TenantSlug()
		event.TenantID, _ = grant.TenantID()
	}
	event.Method = r.Method
	event.Path = r.URL.Path
	event.Message = message
	event.Metadata = metadata

	if err := h.auditor.Log(r.Context(), event); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("Failed to record admin audit event")
	}
}
