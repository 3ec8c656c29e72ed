package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// PostgresStore implements Backend over database/sql. It targets
// PostgreSQL; the same queries also run on SQLite for local development.
// SQLite binds placeholders by first appearance, so they must appear in
// ascending order.
type PostgresStore struct {
	db     *sql.DB
	txOpts *sql.TxOptions
}

// StoreOption configures a PostgresStore
type StoreOption func(*PostgresStore)

// WithTxOptions overrides the snapshot transaction options
func WithTxOptions(opts *sql.TxOptions) StoreOption {
	return func(s *PostgresStore) { s.txOpts = opts }
}

// NewPostgresStore creates a store. Snapshots default to read-only
// REPEATABLE READ transactions.
func NewPostgresStore(db *sql.DB, opts ...StoreOption) *PostgresStore {
	s := &PostgresStore{
		db:     db,
		txOpts: &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// View runs fn inside one read-only transaction
func (s *PostgresStore) View(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.db.BeginTx(ctx, s.txOpts)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if err := fn(sqlReader{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	return nil
}

// FindTenant implements Reader outside of a snapshot
func (s *PostgresStore) FindTenant(ctx context.Context, slug string) (*Tenant, error) {
	return sqlReader{q: s.db}.FindTenant(ctx, slug)
}

// FindAnyTenant implements Reader outside of a snapshot
func (s *PostgresStore) FindAnyTenant(ctx context.Context, slug string) (*Tenant, error) {
	return sqlReader{q: s.db}.FindAnyTenant(ctx, slug)
}

// FindActiveMembership implements Reader outside of a snapshot
func (s *PostgresStore) FindActiveMembership(ctx context.Context, subjectID, slug string) (*Membership, error) {
	return sqlReader{q: s.db}.FindActiveMembership(ctx, subjectID, slug)
}

// CreateTenant inserts a tenant, assigning an id and the active status when unset
func (s *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	t.Slug = NormalizeSlug(t.Slug)
	if t.Slug == "" {
		return fmt.Errorf("tenant slug is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid tenant status %q", t.Status)
	}

	query := `
		INSERT INTO tenants (id, slug, name, status)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.ExecContext(ctx, query, t.ID, t.Slug, t.Name, t.Status); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tenant %q: %w", t.Slug, ErrConflict)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// UpdateTenant renames a non-deleted tenant
func (s *PostgresStore) UpdateTenant(ctx context.Context, slug, name string) (*Tenant, error) {
	query := `
		UPDATE tenants
		SET name = $1, updated_at = CURRENT_TIMESTAMP
		WHERE slug = $2 AND status <> 'deleted'
		RETURNING id, slug, name, status
	`
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, name, NormalizeSlug(slug)))
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	return t, nil
}

// SetTenantStatus moves a tenant to status and returns the updated row. The
// from check is part of the UPDATE, so two racing transitions cannot both
// apply.
func (s *PostgresStore) SetTenantStatus(ctx context.Context, slug string, status TenantStatus, from ...TenantStatus) (*Tenant, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid tenant status %q", status)
	}
	slug = NormalizeSlug(slug)

	args := []interface{}{status, slug}
	query := `
		UPDATE tenants
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE slug = $2`
	if len(from) > 0 {
		placeholders := make([]string, len(from))
		for i, f := range from {
			if !f.Valid() {
				return nil, fmt.Errorf("invalid tenant status %q", f)
			}
			placeholders[i] = fmt.Sprintf("$%d", i+3)
			args = append(args, f)
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += `
		RETURNING id, slug, name, status
	`

	t, err := scanTenant(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) && len(from) > 0 {
		current, findErr := s.FindAnyTenant(ctx, slug)
		if findErr == nil {
			return nil, fmt.Errorf("tenant %q is %s: %w", slug, current.Status, ErrConflict)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant status: %w", err)
	}
	return t, nil
}

// FindMembership returns the (tenant, subject) row in any status
func (s *PostgresStore) FindMembership(ctx context.Context, subjectID, slug string) (*Membership, error) {
	return sqlReader{q: s.db}.findMembership(ctx, subjectID, slug, false)
}

// ListMemberships returns the subject's usable memberships
func (s *PostgresStore) ListMemberships(ctx context.Context, subjectID string) ([]*Membership, error) {
	query := `
		SELECT m.tenant_id, t.slug, t.name, m.subject_id, m.role, m.status
		FROM tenant_memberships m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.subject_id = $1 AND m.status = 'active' AND t.status = 'active'
		ORDER BY t.slug
	`
	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m := &Membership{}
		if err := rows.Scan(&m.TenantID, &m.TenantSlug, &m.TenantName, &m.SubjectID, &m.Role, &m.Status); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	return out, nil
}

// GetPolicies returns the stored settings of a non-deleted tenant
func (s *PostgresStore) GetPolicies(ctx context.Context, slug string) (*TenantPolicies, error) {
	query := `
		SELECT p.document
		FROM tenants t
		LEFT JOIN tenant_policies p ON p.tenant_id = t.id
		WHERE t.slug = $1 AND t.status <> 'deleted'
	`
	var document sql.NullString
	err := s.db.QueryRowContext(ctx, query, NormalizeSlug(slug)).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant policies: %w", err)
	}
	p, err := decodePolicies(document.String)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePolicies merges patch into the stored settings. Touching the tenant
// row first locks it, so concurrent patches apply one after another.
func (s *PostgresStore) UpdatePolicies(ctx context.Context, slug string, patch TenantPolicies) (*TenantPolicies, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin policy update: %w", err)
	}
	defer tx.Rollback()

	var tenantID string
	err = tx.QueryRowContext(ctx, `
		UPDATE tenants
		SET updated_at = CURRENT_TIMESTAMP
		WHERE slug = $1 AND status <> 'deleted'
		RETURNING id
	`, NormalizeSlug(slug)).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock tenant: %w", err)
	}

	var document string
	err = tx.QueryRowContext(ctx, `SELECT document FROM tenant_policies WHERE tenant_id = $1`, tenantID).Scan(&document)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get tenant policies: %w", err)
	}
	current, err := decodePolicies(document)
	if err != nil {
		return nil, err
	}

	merged := current.Merge(patch)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tenant policies: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_policies (tenant_id, document, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (tenant_id) DO UPDATE
		SET document = excluded.document, updated_at = excluded.updated_at
	`, tenantID, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to store tenant policies: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit policy update: %w", err)
	}
	return &merged, nil
}

// UpsertMembership inserts or replaces the (tenant, subject) row
func (s *PostgresStore) UpsertMembership(ctx context.Context, m Membership) (*Membership, error) {
	if err := validateMembership(m); err != nil {
		return nil, err
	}
	m.TenantSlug = NormalizeSlug(m.TenantSlug)

	query := `
		INSERT INTO tenant_memberships (tenant_id, subject_id, role, status, updated_at)
		SELECT id, CAST($1 AS VARCHAR(255)), CAST($2 AS VARCHAR(32)), CAST($3 AS VARCHAR(32)), CURRENT_TIMESTAMP
		FROM tenants WHERE slug = $4
		ON CONFLICT (tenant_id, subject_id) DO UPDATE
		SET role = excluded.role, status = excluded.status, updated_at = excluded.updated_at
		RETURNING tenant_id
	`
	err := s.db.QueryRowContext(ctx, query, m.SubjectID, m.Role, m.Status, m.TenantSlug).Scan(&m.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %q: %w", m.TenantSlug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert membership: %w", err)
	}
	return &m, nil
}

// ListTenants lists tenants ordered by slug
func (s *PostgresStore) ListTenants(ctx context.Context, includeDeleted bool) ([]*Tenant, error) {
	query := `
		SELECT id, slug, name, status
		FROM tenants
		WHERE $1 OR status <> 'deleted'
		ORDER BY slug
	`
	rows, err := s.db.QueryContext(ctx, query, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t := &Tenant{}
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.Status); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqlReader struct {
	q queryer
}

func (r sqlReader) FindTenant(ctx context.Context, slug string) (*Tenant, error) {
	query := `
		SELECT id, slug, name, status
		FROM tenants
		WHERE slug = $1 AND status <> 'deleted'
	`
	return scanTenant(r.q.QueryRowContext(ctx, query, NormalizeSlug(slug)))
}

func (r sqlReader) FindAnyTenant(ctx context.Context, slug string) (*Tenant, error) {
	query := `
		SELECT id, slug, name, status
		FROM tenants
		WHERE slug = $1
	`
	return scanTenant(r.q.QueryRowContext(ctx, query, NormalizeSlug(slug)))
}

func (r sqlReader) FindActiveMembership(ctx context.Context, subjectID, slug string) (*Membership, error) {
	return r.findMembership(ctx, subjectID, slug, true)
}

func (r sqlReader) findMembership(ctx context.Context, subjectID, slug string, activeOnly bool) (*Membership, error) {
	query := `
		SELECT m.tenant_id, t.slug, m.subject_id, m.role, m.status
		FROM tenant_memberships m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE t.slug = $1 AND m.subject_id = $2`
	if activeOnly {
		query += ` AND m.status = 'active'`
	}
	m := &Membership{}
	err := r.q.QueryRowContext(ctx, query, NormalizeSlug(slug), subjectID).
		Scan(&m.TenantID, &m.TenantSlug, &m.SubjectID, &m.Role, &m.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
