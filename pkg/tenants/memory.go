package tenants

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type membershipKey struct {
	tenantID  string
	subjectID string
}

// MemoryStore is an in-process Backend for tests and demos
type MemoryStore struct {
	mu          sync.RWMutex
	tenants     map[string]*Tenant // by slug
	memberships map[membershipKey]Membership
	policies    map[string]TenantPolicies // by tenant id
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]*Tenant),
		memberships: make(map[membershipKey]Membership),
		policies:    make(map[string]TenantPolicies),
	}
}

// View holds the read lock for the duration of fn
func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(memoryReader{s: s})
}

func (s *MemoryStore) FindTenant(ctx context.Context, slug string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memoryReader{s: s}.FindTenant(ctx, slug)
}

func (s *MemoryStore) FindAnyTenant(ctx context.Context, slug string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memoryReader{s: s}.FindAnyTenant(ctx, slug)
}

func (s *MemoryStore) FindActiveMembership(ctx context.Context, subjectID, slug string) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memoryReader{s: s}.FindActiveMembership(ctx, subjectID, slug)
}

func (s *MemoryStore) CreateTenant(ctx context.Context, t *Tenant) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.Slug]; ok {
		return fmt.Errorf("tenant %q: %w", t.Slug, ErrConflict)
	}
	stored := *t
	s.tenants[t.Slug] = &stored
	return nil
}

func (s *MemoryStore) UpdateTenant(ctx context.Context, slug, name string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[NormalizeSlug(slug)]
	if !ok || t.Status == TenantDeleted {
		return nil, fmt.Errorf("failed to update tenant: %w", ErrNotFound)
	}
	t.Name = name
	out := *t
	return &out, nil
}

func (s *MemoryStore) SetTenantStatus(ctx context.Context, slug string, status TenantStatus, from ...TenantStatus) (*Tenant, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid tenant status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[NormalizeSlug(slug)]
	if !ok {
		return nil, fmt.Errorf("failed to update tenant status: %w", ErrNotFound)
	}
	if len(from) > 0 && !slices.Contains(from, t.Status) {
		return nil, fmt.Errorf("tenant %q is %s: %w", t.Slug, t.Status, ErrConflict)
	}
	t.Status = status
	out := *t
	return &out, nil
}

func (s *MemoryStore) FindMembership(ctx context.Context, subjectID, slug string) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[NormalizeSlug(slug)]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := s.memberships[membershipKey{tenantID: t.ID, subjectID: subjectID}]
	if !ok {
		return nil, ErrNotFound
	}
	m.TenantSlug = t.Slug
	return &m, nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, subjectID string) ([]*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Membership
	for _, t := range s.tenants {
		if !t.Active() {
			continue
		}
		m, ok := s.memberships[membershipKey{tenantID: t.ID, subjectID: subjectID}]
		if !ok || m.Status != MembershipActive {
			continue
		}
		m.TenantSlug = t.Slug
		m.TenantName = t.Name
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantSlug < out[j].TenantSlug })
	return out, nil
}

func (s *MemoryStore) GetPolicies(ctx context.Context, slug string) (*TenantPolicies, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[NormalizeSlug(slug)]
	if !ok || t.Status == TenantDeleted {
		return nil, ErrNotFound
	}
	p := s.policies[t.ID].clone()
	return &p, nil
}

func (s *MemoryStore) UpdatePolicies(ctx context.Context, slug string, patch TenantPolicies) (*TenantPolicies, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[NormalizeSlug(slug)]
	if !ok || t.Status == TenantDeleted {
		return nil, ErrNotFound
	}
	merged := s.policies[t.ID].Merge(patch)
	s.policies[t.ID] = merged
	out := merged.clone()
	return &out, nil
}

func (s *MemoryStore) UpsertMembership(ctx context.Context, m Membership) (*Membership, error) {
	if err := validateMembership(m); err != nil {
		return nil, err
	}
	m.TenantSlug = NormalizeSlug(m.TenantSlug)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[m.TenantSlug]
	if !ok {
		return nil, fmt.Errorf("tenant %q: %w", m.TenantSlug, ErrNotFound)
	}
	m.TenantID = t.ID
	s.memberships[membershipKey{tenantID: t.ID, subjectID: m.SubjectID}] = m
	return &m, nil
}

func (s *MemoryStore) ListTenants(ctx context.Context, includeDeleted bool) ([]*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Tenant
	for _, t := range s.tenants {
		if !includeDeleted && t.Status == TenantDeleted {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// memoryReader reads without locking; callers hold s.mu
type memoryReader struct {
	s *MemoryStore
}

func (r memoryReader) FindTenant(ctx context.Context, slug string) (*Tenant, error) {
	t, err := r.FindAnyTenant(ctx, slug)
	if err != nil {
		return nil, err
	}
	if t.Status == TenantDeleted {
		return nil, ErrNotFound
	}
	return t, nil
}

func (r memoryReader) FindAnyTenant(ctx context.Context, slug string) (*Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := r.s.tenants[NormalizeSlug(slug)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (r memoryReader) FindActiveMembership(ctx context.Context, subjectID, slug string) (*Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := r.s.tenants[NormalizeSlug(slug)]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := r.s.memberships[membershipKey{tenantID: t.ID, subjectID: subjectID}]
	if !ok || m.Status != MembershipActive {
		return nil, ErrNotFound
	}
	m.TenantSlug = t.Slug
	return &m, nil
}
