// Package authz decides whether a resolved identity may perform a
// capability within a tenant.
//
// A decision runs in a fixed order. A missing identity is unauthenticated.
// A token-verified identity listed in the super-admin registry skips the
// membership requirement; it still needs the named tenant to exist, and to
// be active unless the capability is a lifecycle operation. Everyone else
// must name an active tenant, hold an active membership in it, and hold a
// role at or above the capability's minimum.
//
// Every denial and every super-admin bypass is written to the audit sink.
//
// Basic usage:
//
//	engine := authz.NewEngine(store, registry,
//		authz.WithAuditor(auditLogger),
//		authz.WithMetrics(metrics),
//	)
//
//	grant, err := engine.Authorize(ctx, authz.Request{
//		Identity:   &id,
//		TenantSlug: "acme",
//		Capability: authz.CapTenantRead,
//	})
//	if authz.IsDenied(err) {
//		// 401 or 403
//	}
//
// A Grant is read-only. Handlers that need to branch on who is acting
// switch on Grant.Caller().
package authz
