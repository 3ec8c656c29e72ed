package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/identity"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/tenantctx"
)

// Tenant slug carriers, checked in this order
const (
	TenantSlugVar    = "tenant_slug"
	TenantSlugHeader = "X-Tenant-Slug"
	TenantSlugQuery  = "tenant_slug"
)

// TenantSlug returns the tenant the request names: the route variable,
// then the X-Tenant-Slug header, then the tenant_slug query parameter.
func TenantSlug(r *http.Request) string {
	if slug := mux.Vars(r)[TenantSlugVar]; slug != "" {
		return strings.ToLower(strings.TrimSpace(slug))
	}
	if slug := r.Header.Get(TenantSlugHeader); slug != "" {
		return strings.ToLower(strings.TrimSpace(slug))
	}
	return strings.ToLower(strings.TrimSpace(r.URL.Query().Get(TenantSlugQuery)))
}

// Authorizer gates routes on a capability
type Authorizer struct {
	engine *authz.Engine
}

// NewAuthorizer creates the authorization middleware
func NewAuthorizer(engine *authz.Engine) *Authorizer {
	return &Authorizer{engine: engine}
}

// Require returns middleware that authorizes capability for the caller
// stored by the Authenticator and binds the grant to the request.
//
// Must run after Authenticator.Handler.
func (a *Authorizer) Require(capability string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := identity.FromContext(r.Context())
			grant, err := a.engine.Authorize(r.Context(), authz.Request{
				Identity:    res.Identity,
				IdentityErr: res.Err,
				TenantSlug:  TenantSlug(r),
				Capability:  capability,
				Method:      r.Method,
				Path:        r.URL.Path,
			})
			if err != nil {
				WriteAuthzError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenantctx.With(r.Context(), grant)))
		})
	}
}

// WriteAuthzError translates an Authorize error into a response:
// unauthenticated is 401, every other denial is 403, anything else is 500.
func WriteAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	reason, denied := authz.ReasonOf(err)
	switch {
	case !denied:
		observability.FromContext(r.Context()).WithError(err).Error("Authorization failed")
		httputil.WriteInternalError(w, err)
	case reason == authz.ReasonUnauthenticated:
		writeUnauthenticated(w)
	default:
		httputil.WriteErrorReason(w, http.StatusForbidden, "forbidden", string(reason))
	}
}

func writeUnauthenticated(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tenantguard"`)
	httputil.WriteErrorReason(w, http.StatusUnauthorized, "authentication required", string(authz.ReasonUnauthenticated))
}
