// Package tenantctx carries the authorization grant through a request.
//
// Only middleware.Authorizer stores a grant; business handlers read it
// back and never construct one themselves.
package tenantctx

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
)

// ErrNoGrant is returned when a handler runs without a prior authorization
var ErrNoGrant = errors.New("no authorization grant on request")

// With returns a copy of ctx carrying grant
func With(ctx context.Context, grant *authz.Grant) context.Context {
	return contextkeys.WithGrant(ctx, grant)
}

// From returns the grant stored on ctx
func From(ctx context.Context) (*authz.Grant, bool) {
	grant, ok := ctx.Value(contextkeys.GrantKey).(*authz.Grant)
	return grant, ok && grant != nil
}

// FromRequest returns the grant for r or ErrNoGrant
func FromRequest(r *http.Request) (*authz.Grant, error) {
	grant, ok := From(r.Context())
	if !ok {
		return nil, ErrNoGrant
	}
	return grant, nil
}

// TenantID returns the resolved tenant id on ctx. It is false for requests
// without a grant and for cross-tenant super-admin grants.
func TenantID(ctx context.Context) (string, bool) {
	grant, ok := From(ctx)
	if !ok {
		return "", false
	}
	return grant.TenantID()
}
