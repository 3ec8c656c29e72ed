// Package middleware provides HTTP middleware for authentication and
// tenant-scoped authorization.
//
// # Middleware Components
//
// Authenticator: resolves the caller and stores identity.Result
//
//	authn := middleware.NewAuthenticator(resolver,
//		middleware.WithAuthMetrics(metrics),
//		middleware.WithFailureLimiter(limiter),
//	)
//	router.Use(authn.Handler)
//
// Authorizer: checks a capability and binds the grant
//
//	authorizer := middleware.NewAuthorizer(engine)
//	tenant := router.PathPrefix("/api/tenants/{tenant_slug}").Subrouter()
//	tenant.Use(authorizer.Require(authz.CapTenantRead))
//
// Handlers behind Require read the grant with tenantctx.FromRequest.
//
// # Status Codes
//
//	unauthenticated        401 {"error":"authentication required","reason":"unauthenticated"}
//	any other denial       403 {"error":"forbidden","reason":"not_a_member"}
//	store failure          500 {"error":"internal server error"}
//	throttled client       429
//
// # Failure Throttling
//
// Clients that present bad credentials repeatedly are refused with 429
// until their window expires. Counters live in process memory
// (MemoryFailureLimiter) or in Redis (RedisFailureLimiter) when several
// instances must share them. Missing credentials are not counted.
//
// # Related Packages
//
//   - pkg/identity: credential resolution
//   - pkg/authz: decisions
//   - pkg/tenantctx: grant access in handlers
package middleware
