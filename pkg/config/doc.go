// Package config loads and validates configuration from environment variables.
//
// Everything is read once at startup; changing a value, including the
// super-admin lists, requires a restart. Invalid values produce a
// *ConfigurationError and the process must exit before listening.
//
// Server settings:
//
//	TENANTGUARD_HOST="0.0.0.0"
//	TENANTGUARD_PORT="8080"
//
// Identity settings:
//
//	AUTH_ISSUER_URL="https://clerk.example.com"
//	AUTH_JWKS_URL="https://clerk.example.com/.well-known/jwks.json"
//	AUTH_AUDIENCE=""
//	AUTH_JWKS_CACHE_TTL="1h"
//	AUTH_USERINFO_ENABLED="false"
//	AUTH_TRUSTED_HEADER_FALLBACK="false"
//	AUTH_TRUSTED_HEADER_CIDRS="10.0.0.0/8"
//	TENANTGUARD_KEY_REFRESH_SCHEDULE="@every 30m"
//
// Privileged identities:
//
//	SUPER_ADMIN_IDS="user_2abc,user_2def"
//	SUPER_ADMIN_EMAILS="ops@example.com"
//
// Store, policy and audit:
//
//	TENANTGUARD_DATABASE_DRIVER="postgres"  # postgres, sqlite3, memory
//	TENANTGUARD_DATABASE_URL="postgres://localhost/tenantguard?sslmode=disable"
//	TENANTGUARD_POLICY_FILE="/etc/tenantguard/policy.yaml"
//	TENANTGUARD_AUDIT_REDIS_URL="redis://localhost:6379/0"
//	TENANTGUARD_AUDIT_STREAM="tenantguard:audit"
package config
