// Package api provides the HTTP API in front of the authorization core.
//
// # Routes
//
//	GET  /api/whoami                                   any resolved identity
//	GET  /api/me/tenants                               any resolved identity
//	GET  /api/admin/tenants                            tenants:list
//	POST /api/admin/tenants                            tenant:lifecycle
//	GET  /api/admin/audit                              audit:read
//	GET  /api/tenants/{tenant_slug}                    tenant:read
//	PUT  /api/tenants/{tenant_slug}                    tenant:write
//	GET  /api/tenants/{tenant_slug}/policies           tenant:read
//	PUT  /api/tenants/{tenant_slug}/policies           policy:manage
//	PUT  /api/tenants/{tenant_slug}/members/{subject}  members:manage
//	POST /api/tenants/{tenant_slug}/lifecycle/{action} tenant:lifecycle
//
// Lifecycle actions are suspend, reactivate, soft-delete and restore. An
// action that does not apply to the tenant's current status is a 409, also
// when a concurrent transition moved the tenant first. Member management
// cannot grant a role above the caller's own or touch a member who
// outranks the caller.
//
// Tenant and admin routes run behind middleware.Authorizer, so handlers read the
// caller from tenantctx and never repeat the authorization decision.
// Admin operations write audit events.
//
// # Usage
//
//	router := mux.NewRouter()
//	router.Use(authenticator.Handler)
//	api.NewHandlers(store, registry, middleware.NewAuthorizer(engine),
//		api.WithAuditor(auditLogger),
//		api.WithAuditReader(redisSink),
//	).RegisterRoutes(router)
package api
