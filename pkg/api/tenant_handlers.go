package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/identity"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/tenantctx"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
)

// WhoAmIResponse describes the resolved caller
type WhoAmIResponse struct {
	SubjectID  string `json:"subject_id"`
	Email      string `json:"email,omitempty"`
	Source     string `json:"source"`
	SuperAdmin bool   `json:"super_admin"`
}

// TenantResponse is a tenant as seen by the caller
type TenantResponse struct {
	ID         string               `json:"id"`
	Slug       string               `json:"slug"`
	Name       string               `json:"name"`
	Status     tenants.TenantStatus `json:"status"`
	Role       tenants.Role         `json:"role"`
	SuperAdmin bool                 `json:"super_admin"`
}

// UpdateTenantRequest is the body of PUT /api/tenants/{tenant_slug}
type UpdateTenantRequest struct {
	Name string `json:"name"`
}

// MyTenant is one tenant the caller may act within
type MyTenant struct {
	Slug string       `json:"slug"`
	Name string       `json:"name"`
	Role tenants.Role `json:"role"`
}

// MyTenantsResponse lists the caller's tenants
type MyTenantsResponse struct {
	SuperAdmin bool       `json:"super_admin"`
	Tenants    []MyTenant `json:"tenants"`
}

// UpsertMemberRequest is the body of PUT .../members/{subject_id}
type UpsertMemberRequest struct {
	Role   tenants.Role             `json:"role"`
	Status tenants.MembershipStatus `json:"status,omitempty"`
}

// WhoAmI returns the resolved identity
func (h *Handlers) WhoAmI(w http.ResponseWriter, r *http.Request) {
	res := identity.FromContext(r.Context())
	id := res.Identity

	httputil.WriteSuccess(w, WhoAmIResponse{
		SubjectID:  id.SubjectID,
		Email:      id.Email,
		Source:     id.Source.String(),
		SuperAdmin: id.Verified() && h.registry.IsSuperAdmin(*id),
	})
}

// MyTenants lists the tenants the caller holds an active membership in.
// Super-admins are flagged but still only see their own memberships.
func (h *Handlers) MyTenants(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context()).Identity

	memberships, err := h.store.ListMemberships(r.Context(), id.SubjectID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	resp := MyTenantsResponse{
		SuperAdmin: id.Verified() && h.registry.IsSuperAdmin(*id),
		Tenants:    make([]MyTenant, 0, len(memberships)),
	}
	for _, m := range memberships {
		resp.Tenants = append(resp.Tenants, MyTenant{Slug: m.TenantSlug, Name: m.TenantName, Role: m.Role})
	}
	httputil.WriteSuccess(w, resp)
}

// GetTenant returns the tenant named in the path with the caller's role
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	grant, err := tenantctx.FromRequest(r)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	tenant, err := h.store.FindTenant(r.Context(), grant.TenantSlug())
	if errors.Is(err, tenants.ErrNotFound) {
		httputil.WriteNotFoundError(w, "tenant not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, TenantResponse{
		ID:         tenant.ID,
		Slug:       tenant.Slug,
		Name:       tenant.Name,
		Status:     tenant.Status,
		Role:       grant.Role(),
		SuperAdmin: grant.IsSuperAdmin(),
	})
}

// UpsertMember creates or replaces a membership. Callers cannot grant a
// role above their own or change a member who outranks them; super-admins
// are exempt.
func (h *Handlers) UpsertMember(w http.ResponseWriter, r *http.Request) {
	grant, err := tenantctx.FromRequest(r)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	subjectID, ok := httputil.ParsePathStringOrError(w, r, "subject_id")
	if !ok {
		return
	}

	var req UpsertMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = tenants.MembershipActive
	}
	if !req.Role.Storable() {
		httputil.WriteBadRequest(w, fmt.Sprintf("invalid role %q", req.Role))
		return
	}
	if !req.Status.Valid() {
		httputil.WriteBadRequest(w, fmt.Sprintf("invalid status %q", req.Status))
		return
	}
	if !grant.IsSuperAdmin() {
		if !grant.Role().AtLeast(req.Role) {
			httputil.WriteErrorReason(w, http.StatusForbidden, "cannot grant a role above your own", string(authz.ReasonInsufficientRole))
			return
		}
		existing, err := h.store.FindMembership(r.Context(), subjectID, grant.TenantSlug())
		switch {
		case errors.Is(err, tenants.ErrNotFound):
		case err != nil:
			h.internalError(w, r, err)
			return
		case !grant.Role().AtLeast(existing.Role):
			httputil.WriteErrorReason(w, http.StatusForbidden, "cannot change a member whose role is above your own", string(authz.ReasonInsufficientRole))
			return
		}
	}

	m, err := h.store.UpsertMembership(r.Context(), tenants.Membership{
		TenantSlug: grant.TenantSlug(),
		SubjectID:  subjectID,
		Role:       req.Role,
		Status:     req.Status,
	})
	if errors.Is(err, tenants.ErrNotFound) {
		httputil.WriteNotFoundError(w, "tenant not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.auditAdmin(r, audit.EventTypeAdminMembershipUpsert, audit.EventStatusSuccess, "Membership updated", map[string]interface{}{
		"member_subject_id": m.SubjectID,
		"member_role":       string(m.Role),
		"member_status":     string(m.Status),
	})
	httputil.WriteSuccess(w, m)
}

// UpdateTenant renames the tenant
func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	grant, err := tenantctx.FromRequest(r)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	var req UpdateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	tenant, err := h.store.UpdateTenant(r.Context(), grant.TenantSlug(), name)
	if errors.Is(err, tenants.ErrNotFound) {
		httputil.WriteNotFoundError(w, "tenant not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.auditAdmin(r, audit.EventTypeAdminTenantUpdate, audit.EventStatusSuccess, "Tenant renamed", map[string]interface{}{
		"name": tenant.Name,
	})
	httputil.WriteSuccess(w, tenant)
}

// GetPolicies returns the tenant's settings
func (h *Handlers) GetPolicies(w http.ResponseWriter, r *http.Request) {
	grant, err := tenantctx.FromRequest(r)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	policies, err := h.store.GetPolicies(r.Context(), grant.TenantSlug())
	if errors.Is(err, tenants.ErrNotFound) {
		httputil.WriteNotFoundError(w, "tenant not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, policies)
}

// UpdatePolicies merges the fields present in the body into the tenant's
// settings
func (h *Handlers) UpdatePolicies(w http.ResponseWriter, r *http.Request) {
	grant, err := tenantctx.FromRequest(r)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	var patch tenants.TenantPolicies
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}
	if patch.Empty() {
		httputil.WriteBadRequest(w, "no policy fields provided")
		return
	}
	if err := patch.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	policies, err := h.store.UpdatePolicies(r.Context(), grant.TenantSlug(), patch)
	if errors.Is(err, tenants.ErrNotFound) {
		httputil.WriteNotFoundError(w, "tenant not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.auditAdmin(r, audit.EventTypeAdminPoliciesUpdate, audit.EventStatusSuccess, "Tenant policies updated", map[string]interface{}{
		"fields": policyFields(patch),
	})
	httputil.WriteSuccess(w, policies)
}

// policyFields names the fields set in patch, for the audit trail
func policyFields(patch tenants.TenantPolicies) []string {
	var fields []string
	set := []struct {
		name string
		ok   bool
	}{
		{"rate_limit_per_minute", patch.RateLimitPerMinute != nil},
		{"max_context_length", patch.MaxContextLength != nil},
		{"allowed_file_types", patch.AllowedFileTypes != nil},
		{"max_file_size_mb", patch.MaxFileSizeMB != nil},
		{"message_retention_days", patch.MessageRetentionDays != nil},
		{"hot_ttl_days", patch.HotTTLDays != nil},
		{"inbox_scope", patch.InboxScope != nil},
		{"catalog_enabled", patch.CatalogEnabled != nil},
	}
	for _, f := range set {
		if f.ok {
			fields = append(fields, f.name)
		}
	}
	return fields
}

// lifecycleTransitions maps an action to the statuses it may start from
// and the status it produces
var lifecycleTransitions = map[string]struct {
	from []tenants.TenantStatus
	to   tenants.TenantStatus
}{
	"suspend":     {from: []tenants.TenantStatus{tenants.TenantActive}, to: tenants.TenantSuspended},
	"reactivate":  {from: []tenants.TenantStatus{tenants.TenantSuspended}, to: tenants.TenantActive},
	"soft-delete": {from: []tenants.TenantStatus{tenants.TenantActive, tenants.TenantSuspended}, to: tenants.TenantDeleted},
	"restore":     {from: []tenants.TenantStatus{tenants.TenantDeleted}, to: tenants.TenantActive},
}

// TenantLifecycle changes a tenant's status
func (h *Handlers) TenantLifecycle(w http.ResponseWriter, r *http.Request) {
	grant, err := tenantctx.FromRequest(r)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	action, ok := httputil.ParsePathStringOrError(w, r, "action")
	if !ok {
		return
	}
	transition, ok := lifecycleTransitions[action]
	if !ok {
		httputil.WriteBadRequest(w, fmt.Sprintf("unknown lifecycle action %q", action))
		return
	}

	current, err := h.store.FindAnyTenant(r.Context(), grant.TenantSlug())
	if errors.Is(err, tenants.ErrNotFound) {
		httputil.WriteNotFoundError(w, "tenant not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	if !slices.Contains(transition.from, current.Status) {
		httputil.WriteConflict(w, fmt.Sprintf("cannot %s a tenant that is %s", action, current.Status))
		return
	}

	// The store repeats the from check atomically; a concurrent transition
	// that got there first surfaces as a conflict.
	updated, err := h.store.SetTenantStatus(r.Context(), current.Slug, transition.to, transition.from...)
	if errors.Is(err, tenants.ErrConflict) {
		httputil.WriteConflict(w, fmt.Sprintf("cannot %s: %v", action, err))
		return
	}
	if err != nil {
		h.auditAdmin(r, audit.EventTypeAdminTenantStatusChange, audit.EventStatusFailure, "Tenant status change failed", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
		h.internalError(w, r, err)
		return
	}

	h.auditAdmin(r, audit.EventTypeAdminTenantStatusChange, audit.EventStatusSuccess, "Tenant status changed", map[string]interface{}{
		"action":      action,
		"from_status": string(current.Status),
		"to_status":   string(updated.Status),
	})
	httputil.WriteSuccess(w, updated)
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	httputil.WriteInternalError(w, err)
}
