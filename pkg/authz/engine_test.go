package authz

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/identity"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/superadmin"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
)

// recordingAuditor keeps every event it receives
type recordingAuditor struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
	err    error
}

func (r *recordingAuditor) Log(ctx context.Context, event *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingAuditor) Close() error { return nil }

func (r *recordingAuditor) all() []*audit.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*audit.AuditEvent(nil), r.events...)
}

type fixture struct {
	store   *tenants.MemoryStore
	auditor *recordingAuditor
	metrics *observability.Metrics
	engine  *Engine
}

// newFixture seeds acme (active), globex (suspended) and initech (deleted).
// In acme: u1 member, u2 owner, u3 admin, u4 admin pending, u5 owner
// inactive. In globex: u1 owner.
func newFixture(t *testing.T, registry *superadmin.Registry, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := tenants.NewMemoryStore()

	for _, tenant := range []*tenants.Tenant{
		{ID: "t-acme", Slug: "acme", Name: "Acme"},
		{ID: "t-globex", Slug: "globex", Name: "Globex", Status: tenants.TenantSuspended},
		{ID: "t-initech", Slug: "initech", Name: "Initech", Status: tenants.TenantDeleted},
	} {
		require.NoError(t, store.CreateTenant(ctx, tenant))
	}
	for _, m := range []tenants.Membership{
		{TenantSlug: "acme", SubjectID: "u1", Role: tenants.RoleMember, Status: tenants.MembershipActive},
		{TenantSlug: "acme", SubjectID: "u2", Role: tenants.RoleOwner, Status: tenants.MembershipActive},
		{TenantSlug: "acme", SubjectID: "u3", Role: tenants.RoleAdmin, Status: tenants.MembershipActive},
		{TenantSlug: "acme", SubjectID: "u4", Role: tenants.RoleAdmin, Status: tenants.MembershipPending},
		{TenantSlug: "acme", SubjectID: "u5", Role: tenants.RoleOwner, Status: tenants.MembershipInactive},
		{TenantSlug: "globex", SubjectID: "u1", Role: tenants.RoleOwner, Status: tenants.MembershipActive},
	} {
		_, err := store.UpsertMembership(ctx, m)
		require.NoError(t, err)
	}

	f := &fixture{
		store:   store,
		auditor: &recordingAuditor{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	opts = append([]Option{WithAuditor(f.auditor), WithMetrics(f.metrics)}, opts...)
	f.engine = NewEngine(store, registry, opts...)
	return f
}

func tokenID(subject, email string) *identity.Identity {
	return &identity.Identity{SubjectID: subject, Email: email, Source: identity.SourceToken}
}

func headerID(subject, email string) *identity.Identity {
	return &identity.Identity{SubjectID: subject, Email: email, Source: identity.SourceTrustedHeader}
}

func requireDenied(t *testing.T, err error, want Reason) {
	t.Helper()
	require.Error(t, err)
	require.True(t, IsDenied(err), "expected denial, got %v", err)
	got, _ := ReasonOf(err)
	assert.Equal(t, want, got)
}

func mustRegistry(t *testing.T, ids, emails []string) *superadmin.Registry {
	t.Helper()
	r, err := superadmin.New(ids, emails)
	require.NoError(t, err)
	return r
}

func TestAuthorize_MemberScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	grant, err := f.engine.Authorize(ctx, Request{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapTenantRead})
	require.NoError(t, err)
	assert.Equal(t, tenants.RoleMember, grant.Role())
	assert.Equal(t, "u1", grant.SubjectID())
	assert.Equal(t, "acme", grant.TenantSlug())
	assert.False(t, grant.IsSuperAdmin())
	id, ok := grant.TenantID()
	assert.True(t, ok)
	assert.Equal(t, "t-acme", id)

	_, err = f.engine.Authorize(ctx, Request{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapPolicyManage})
	requireDenied(t, err, ReasonInsufficientRole)
}

func TestAuthorize_SuspendedTenant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.SetTenantStatus(ctx, "acme", tenants.TenantSuspended)
	require.NoError(t, err)

	_, err = f.engine.Authorize(ctx, Request{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapTenantRead})
	requireDenied(t, err, ReasonTenantUnavailable)

	// globex is suspended even though u1 owns it
	_, err = f.engine.Authorize(ctx, Request{Identity: tokenID("u1", ""), TenantSlug: "globex", Capability: CapTenantRead})
	requireDenied(t, err, ReasonTenantUnavailable)
}

func TestAuthorize_DenialReasons(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  Request
		want Reason
	}{
		{
			name: "no identity",
			req:  Request{TenantSlug: "acme", Capability: CapTenantRead},
			want: ReasonUnauthenticated,
		},
		{
			name: "no tenant",
			req:  Request{Identity: tokenID("u2", ""), Capability: CapTenantRead},
			want: ReasonTenantRequired,
		},
		{
			name: "unknown tenant",
			req:  Request{Identity: tokenID("u1", ""), TenantSlug: "nope", Capability: CapTenantRead},
			want: ReasonTenantUnavailable,
		},
		{
			name: "deleted tenant",
			req:  Request{Identity: tokenID("u1", ""), TenantSlug: "initech", Capability: CapTenantRead},
			want: ReasonTenantUnavailable,
		},
		{
			name: "no membership row",
			req:  Request{Identity: tokenID("stranger", ""), TenantSlug: "acme", Capability: CapTenantRead},
			want: ReasonNotAMember,
		},
		{
			name: "pending membership",
			req:  Request{Identity: tokenID("u4", ""), TenantSlug: "acme", Capability: CapTenantRead},
			want: ReasonNotAMember,
		},
		{
			name: "inactive membership",
			req:  Request{Identity: tokenID("u5", ""), TenantSlug: "acme", Capability: CapTenantRead},
			want: ReasonNotAMember,
		},
		{
			name: "member managing members",
			req:  Request{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapMembersManage},
			want: ReasonInsufficientRole,
		},
		{
			name: "owner requesting super-admin capability",
			req:  Request{Identity: tokenID("u2", ""), TenantSlug: "acme", Capability: CapTenantLifecycle},
			want: ReasonInsufficientRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, err := f.engine.Authorize(context.Background(), tt.req)
			assert.Nil(t, grant)
			requireDenied(t, err, tt.want)
		})
	}
}

func TestAuthorize_UnauthenticatedKeepsCause(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Authorize(context.Background(), Request{
		IdentityErr: identity.ErrExpiredCredential,
		Capability:  CapTenantRead,
	})
	requireDenied(t, err, ReasonUnauthenticated)
	assert.ErrorIs(t, err, identity.ErrExpiredCredential)

	_, err = f.engine.Authorize(context.Background(), Request{Capability: CapTenantRead})
	assert.ErrorIs(t, err, identity.ErrMissingCredential)
}

func TestAuthorize_NoTenantAlwaysRequiresTenant(t *testing.T) {
	registry := mustRegistry(t, []string{"root"}, nil)
	f := newFixture(t, registry)

	callers := []*identity.Identity{
		tokenID("u1", ""),
		tokenID("u2", "owner@acme.com"),
		tokenID("stranger", ""),
		headerID("root", ""),
	}
	for _, caller := range callers {
		for _, capability := range f.engine.Policy().Names() {
			_, err := f.engine.Authorize(context.Background(), Request{Identity: caller, Capability: capability})
			requireDenied(t, err, ReasonTenantRequired)
		}
	}
}

func TestAuthorize_RoleOrdering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		subject    string
		capability string
		allowed    bool
	}{
		{"u1", CapTenantRead, true},
		{"u1", CapTenantWrite, false},
		{"u1", CapMembersManage, false},
		{"u1", CapPolicyManage, false},
		{"u3", CapTenantWrite, true},
		{"u3", CapMembersManage, true},
		{"u3", CapPolicyManage, false},
		{"u2", CapTenantRead, true},
		{"u2", CapMembersManage, true},
		{"u2", CapPolicyManage, true},
	}
	for _, tt := range tests {
		grant, err := f.engine.Authorize(ctx, Request{Identity: tokenID(tt.subject, ""), TenantSlug: "acme", Capability: tt.capability})
		if tt.allowed {
			require.NoError(t, err, "%s %s", tt.subject, tt.capability)
			assert.NotEqual(t, tenants.RoleSuperAdmin, grant.Role())
		} else {
			requireDenied(t, err, ReasonInsufficientRole)
		}
	}
}

func TestAuthorize_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	requests := []Request{
		{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapTenantRead},
		{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapPolicyManage},
		{Identity: tokenID("u4", ""), TenantSlug: "acme", Capability: CapTenantRead},
	}
	for _, req := range requests {
		g1, err1 := f.engine.Authorize(ctx, req)
		g2, err2 := f.engine.Authorize(ctx, req)
		assert.Equal(t, g1, g2)
		assert.Equal(t, err1, err2)
	}
}

func TestAuthorize_SlugIsNormalized(t *testing.T) {
	f := newFixture(t, nil)

	grant, err := f.engine.Authorize(context.Background(), Request{Identity: tokenID("u1", ""), TenantSlug: "  ACME ", Capability: CapTenantRead})
	require.NoError(t, err)
	assert.Equal(t, "acme", grant.TenantSlug())
}

func TestAuthorize_SuperAdminBypass(t *testing.T) {
	registry := mustRegistry(t, []string{"root"}, []string{"Admin1@Co.com"})
	f := newFixture(t, registry)
	ctx := context.Background()

	// no membership row anywhere
	grant, err := f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), TenantSlug: "acme", Capability: CapPolicyManage})
	require.NoError(t, err)
	assert.True(t, grant.IsSuperAdmin())
	assert.Equal(t, tenants.RoleSuperAdmin, grant.Role())
	id, ok := grant.TenantID()
	assert.True(t, ok)
	assert.Equal(t, "t-acme", id)

	// email match is case-insensitive
	grant, err = f.engine.Authorize(ctx, Request{Identity: tokenID("someone", "admin1@co.com"), TenantSlug: "acme", Capability: CapTenantRead})
	require.NoError(t, err)
	assert.True(t, grant.IsSuperAdmin())

	// cross-tenant listing
	grant, err = f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), Capability: CapTenantsList})
	require.NoError(t, err)
	_, ok = grant.TenantID()
	assert.False(t, ok)
	assert.Equal(t, "", grant.TenantSlug())
	assert.Equal(t, tenants.RoleSuperAdmin, grant.Role())

	// a super-admin still needs the tenant to exist
	_, err = f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), TenantSlug: "nope", Capability: CapTenantRead})
	requireDenied(t, err, ReasonTenantUnavailable)
}

func TestAuthorize_SuperAdminLifecycle(t *testing.T) {
	registry := mustRegistry(t, []string{"root"}, nil)
	f := newFixture(t, registry)
	ctx := context.Background()

	for _, slug := range []string{"globex", "initech"} {
		_, err := f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), TenantSlug: slug, Capability: CapTenantRead})
		requireDenied(t, err, ReasonTenantUnavailable)

		grant, err := f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), TenantSlug: slug, Capability: CapTenantLifecycle})
		require.NoError(t, err, slug)
		assert.Equal(t, slug, grant.TenantSlug())
	}

	_, err := f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), TenantSlug: "nope", Capability: CapTenantLifecycle})
	requireDenied(t, err, ReasonTenantUnavailable)
}

func TestAuthorize_RegistryRemovalFallsBackToMembership(t *testing.T) {
	withRoot := newFixture(t, mustRegistry(t, []string{"root"}, nil))
	without := newFixture(t, mustRegistry(t, nil, nil))
	req := Request{Identity: tokenID("root", ""), TenantSlug: "acme", Capability: CapTenantRead}

	_, err := withRoot.engine.Authorize(context.Background(), req)
	require.NoError(t, err)

	_, err = without.engine.Authorize(context.Background(), req)
	requireDenied(t, err, ReasonNotAMember)
}

func TestAuthorize_HeaderIdentityNeverElevated(t *testing.T) {
	registry := mustRegistry(t, []string{"root"}, []string{"ops@co.com"})
	f := newFixture(t, registry)
	ctx := context.Background()

	_, err := f.engine.Authorize(ctx, Request{Identity: headerID("ops@co.com", "ops@co.com"), TenantSlug: "acme", Capability: CapTenantRead})
	requireDenied(t, err, ReasonNotAMember)

	// a header identity that happens to be a member is treated as one
	grant, err := f.engine.Authorize(ctx, Request{Identity: headerID("u2", ""), TenantSlug: "acme", Capability: CapPolicyManage})
	require.NoError(t, err)
	assert.False(t, grant.IsSuperAdmin())
	assert.Equal(t, tenants.RoleOwner, grant.Role())
}

func TestAuthorize_EmptyRegistryFailsClosed(t *testing.T) {
	for _, registry := range []*superadmin.Registry{nil, mustRegistry(t, nil, nil)} {
		f := newFixture(t, registry)
		_, err := f.engine.Authorize(context.Background(), Request{Identity: tokenID("", ""), Capability: CapTenantsList})
		requireDenied(t, err, ReasonTenantRequired)
	}
}

func TestAuthorize_UnknownCapability(t *testing.T) {
	f := newFixture(t, nil)

	grant, err := f.engine.Authorize(context.Background(), Request{Identity: tokenID("u2", ""), TenantSlug: "acme", Capability: "billing:refund"})
	assert.Nil(t, grant)
	assert.ErrorIs(t, err, ErrUnknownCapability)
	assert.False(t, IsDenied(err))
}

func TestAuthorize_AuditsDenialsAndBypasses(t *testing.T) {
	registry := mustRegistry(t, []string{"root"}, nil)
	f := newFixture(t, registry)
	ctx := context.Background()

	_, err := f.engine.Authorize(ctx, Request{Identity: tokenID("u1", "u1@acme.com"), TenantSlug: "acme", Capability: CapTenantRead})
	require.NoError(t, err)
	assert.Empty(t, f.auditor.all(), "ordinary grants are not audited")

	_, err = f.engine.Authorize(ctx, Request{
		Identity:   tokenID("u1", "u1@acme.com"),
		TenantSlug: "acme",
		Capability: CapPolicyManage,
		Method:     "PUT",
		Path:       "/api/tenants/acme/policy",
	})
	require.Error(t, err)

	_, err = f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), TenantSlug: "globex", Capability: CapTenantLifecycle})
	require.NoError(t, err)

	events := f.auditor.all()
	require.Len(t, events, 2)

	denied := events[0]
	assert.Equal(t, audit.EventTypeAuthzDenied, denied.EventType)
	assert.Equal(t, audit.EventStatusDenied, denied.Status)
	assert.Equal(t, "u1", denied.SubjectID)
	assert.Equal(t, "u1@acme.com", denied.Email)
	assert.Equal(t, "token", denied.IdentitySource)
	assert.Equal(t, "acme", denied.TenantSlug)
	assert.Equal(t, CapPolicyManage, denied.Capability)
	assert.Equal(t, string(ReasonInsufficientRole), denied.Reason)
	assert.Equal(t, "PUT", denied.Method)

	bypass := events[1]
	assert.Equal(t, audit.EventTypeAuthzSuperAdminBypass, bypass.EventType)
	assert.Equal(t, "root", bypass.SubjectID)
	assert.Equal(t, "globex", bypass.TenantSlug)
	assert.Equal(t, "t-globex", bypass.TenantID)
	assert.Equal(t, string(tenants.RoleSuperAdmin), bypass.EffectiveRole)
}

func TestAuthorize_AuditFailureDoesNotChangeDecision(t *testing.T) {
	registry := mustRegistry(t, []string{"root"}, nil)
	f := newFixture(t, registry)
	f.auditor.err = errors.New("sink down")

	grant, err := f.engine.Authorize(context.Background(), Request{Identity: tokenID("root", ""), Capability: CapTenantsList})
	require.NoError(t, err)
	assert.True(t, grant.IsSuperAdmin())

	_, err = f.engine.Authorize(context.Background(), Request{Identity: tokenID("u1", ""), Capability: CapTenantRead})
	requireDenied(t, err, ReasonTenantRequired)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuditErrorsTotal.WithLabelValues(string(audit.EventTypeAuthzSuperAdminBypass))))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuditErrorsTotal.WithLabelValues(string(audit.EventTypeAuthzDenied))))
}

func TestAuthorize_Metrics(t *testing.T) {
	registry := mustRegistry(t, []string{"root"}, nil)
	f := newFixture(t, registry)
	ctx := context.Background()

	_, _ = f.engine.Authorize(ctx, Request{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapTenantRead})
	_, _ = f.engine.Authorize(ctx, Request{Identity: tokenID("stranger", ""), TenantSlug: "acme", Capability: CapTenantRead})
	_, _ = f.engine.Authorize(ctx, Request{Identity: tokenID("root", ""), TenantSlug: "acme", Capability: CapTenantRead})

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues(CapTenantRead, OutcomeAllow, "")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues(CapTenantRead, OutcomeDeny, string(ReasonNotAMember))))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SuperAdminBypassTotal.WithLabelValues(CapTenantRead)))
}

// failingStore hands out a reader whose lookups fail
type failingStore struct {
	err error
}

func (s failingStore) View(ctx context.Context, fn func(tenants.Reader) error) error {
	return fn(s)
}

func (s failingStore) FindTenant(ctx context.Context, slug string) (*tenants.Tenant, error) {
	return nil, s.err
}

func (s failingStore) FindAnyTenant(ctx context.Context, slug string) (*tenants.Tenant, error) {
	return nil, s.err
}

func (s failingStore) FindActiveMembership(ctx context.Context, subjectID, slug string) (*tenants.Membership, error) {
	return nil, s.err
}

func TestAuthorize_StoreErrorIsNotADenial(t *testing.T) {
	storeErr := errors.New("connection refused")
	auditor := &recordingAuditor{}
	engine := NewEngine(failingStore{err: storeErr}, mustRegistry(t, []string{"root"}, nil), WithAuditor(auditor))

	for _, id := range []*identity.Identity{tokenID("u1", ""), tokenID("root", "")} {
		grant, err := engine.Authorize(context.Background(), Request{Identity: id, TenantSlug: "acme", Capability: CapTenantRead})
		assert.Nil(t, grant)
		require.Error(t, err)
		assert.ErrorIs(t, err, storeErr)
		assert.False(t, IsDenied(err))
	}
	assert.Empty(t, auditor.all())
}

func TestAuthorize_Span(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newFixture(t, nil, WithTracerProvider(tp))

	_, err := f.engine.Authorize(context.Background(), Request{Identity: tokenID("u1", ""), TenantSlug: "acme", Capability: CapPolicyManage})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "authz.Authorize", spans[0].Name())

	attrs := make(map[attribute.Key]string)
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, CapPolicyManage, attrs["authz.capability"])
	assert.Equal(t, "acme", attrs["authz.tenant_slug"])
	assert.Equal(t, OutcomeDeny, attrs["authz.outcome"])
	assert.Equal(t, string(ReasonInsufficientRole), attrs["authz.reason"])
}

func TestAuthorize_Concurrent(t *testing.T) {
	f := newFixture(t, mustRegistry(t, []string{"root"}, nil))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subject := "u1"
			if i%2 == 0 {
				subject = "root"
			}
			_, err := f.engine.Authorize(context.Background(), Request{Identity: tokenID(subject, ""), TenantSlug: "acme", Capability: CapTenantRead})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
