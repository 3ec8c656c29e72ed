// Package tenants is the tenant membership store.
//
// The authorization engine reads through Store.View so that the tenant
// status check and the membership check see the same snapshot. Writes
// (tenant lifecycle, renames, member upserts, tenant policies) go through
// Admin and are never made during an authorization decision. Admin also
// answers which tenants a subject may act within (ListMemberships).
//
// Two implementations are provided: PostgresStore over database/sql
// (lib/pq in production, mattn/go-sqlite3 for local development) and
// MemoryStore for tests and demos.
package tenants
