package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
)

const (
	defaultAuditCount = 50
	maxAuditCount     = 1000
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// CreateTenantRequest is the body of POST /api/admin/tenants
type CreateTenantRequest struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// ListTenants lists tenants across the deployment. Deleted tenants are
// included with ?include_deleted=true.
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := httputil.ParseQueryBool(r, "include_deleted", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	list, err := h.store.ListTenants(r.Context(), includeDeleted)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if list == nil {
		list = []*tenants.Tenant{}
	}
	httputil.WriteSuccess(w, list)
}

// CreateTenant creates an active tenant
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	slug := tenants.NormalizeSlug(req.Slug)
	if !slugPattern.MatchString(slug) {
		httputil.WriteBadRequest(w, fmt.Sprintf("invalid slug %q", req.Slug))
		return
	}

	tenant := &tenants.Tenant{Slug: slug, Name: req.Name, Status: tenants.TenantActive}
	err := h.store.CreateTenant(r.Context(), tenant)
	if errors.Is(err, tenants.ErrConflict) {
		httputil.WriteConflict(w, fmt.Sprintf("tenant %q already exists", slug))
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.auditAdmin(r, audit.EventTypeAdminTenantCreate, audit.EventStatusSuccess, "Tenant created", map[string]interface{}{
		"created_tenant_id":   tenant.ID,
		"created_tenant_slug": tenant.Slug,
	})
	httputil.WriteCreated(w, tenant)
}

// RecentAudit returns the newest audit events, newest first
func (h *Handlers) RecentAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditLog == nil {
		httputil.WriteServiceUnavailable(w, "audit stream is not configured")
		return
	}

	count, err := httputil.ParseQueryInt64(r, "count", defaultAuditCount)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if count <= 0 || count > maxAuditCount {
		httputil.WriteBadRequest(w, fmt.Sprintf("count must be between 1 and %d", maxAuditCount))
		return
	}

	events, err := h.auditLog.Recent(r.Context(), count)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	httputil.WriteSuccess(w, events)
}
