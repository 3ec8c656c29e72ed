// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tenantguard/pkg/contextkeys"
//	ctx = contextkeys.WithGrant(ctx, grant)
//	grant, ok := ctx.Value(contextkeys.GrantKey).(*authz.Grant)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains identity.Result
	// Set by: middleware.Authenticator (pkg/middleware/authn.go)
	// Required by: middleware.Authorizer, whoami handler
	// Type: identity.Result
	IdentityKey Key = "identity"

	// GrantKey contains *authz.Grant
	// Set by: tenantctx.With, called from middleware.Authorizer
	// Required by: All tenant-scoped business handlers
	// Type: *authz.Grant
	GrantKey Key = "tenant_grant"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.RequestIDMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// Helper functions for type-safe context operations

// WithIdentity adds an identity resolution result to the context
func WithIdentity(ctx context.Context, res interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, res)
}

// WithGrant adds an authorization grant to the context
func WithGrant(ctx context.Context, grant interface{}) context.Context {
	return context.WithValue(ctx, GrantKey, grant)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
