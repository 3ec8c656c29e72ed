package authz

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/identity"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/superadmin"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
)

const tracerName = "github.com/platinummonkey/tenantguard/pkg/authz"

// Decision outcomes used for metrics and span attributes
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeError = "error"
)

// Request is one authorization question
type Request struct {
	// Identity is nil when resolution failed upstream
	Identity *identity.Identity
	// IdentityErr is the resolution failure, if any
	IdentityErr error

	TenantSlug string
	Capability string

	// Method and Path are copied onto audit events
	Method string
	Path   string
}

// Engine decides whether a caller may perform a capability in a tenant.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	store    tenants.Store
	registry *superadmin.Registry
	policy   atomic.Pointer[Policy]
	auditor  audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithPolicy replaces the default capability table
func WithPolicy(p *Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy.Store(p)
		}
	}
}

// WithAuditor sets the sink for denial and bypass events
func WithAuditor(a audit.Logger) Option {
	return func(e *Engine) {
		if a != nil {
			e.auditor = a
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics enables decision metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider sets where decision spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock overrides time.Now for latency measurement
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over store. A nil registry grants nobody.
func NewEngine(store tenants.Store, registry *superadmin.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		auditor:  audit.NopLogger{},
		logger:   observability.NopLogger(),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		now:      time.Now,
	}
	e.policy.Store(DefaultPolicy())
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("component", "authz")
	return e
}

// Policy returns the capability table in use
func (e *Engine) Policy() *Policy {
	return e.policy.Load()
}

// SetPolicy swaps the capability table. Decisions already running keep
// the table they started with.
func (e *Engine) SetPolicy(p *Policy) {
	if p == nil {
		return
	}
	e.policy.Store(p)
	e.logger.WithField("capabilities", len(p.Names())).Info("Capability policy replaced")
}

// Authorize runs one decision. It returns a Grant, a *Denial, or a wrapped
// store error; it never returns a partial grant.
func (e *Engine) Authorize(ctx context.Context, req Request) (*Grant, error) {
	start := e.now()
	req.TenantSlug = tenants.NormalizeSlug(req.TenantSlug)

	ctx, span := e.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("authz.capability", req.Capability),
		attribute.String("authz.tenant_slug", req.TenantSlug),
	))
	defer span.End()

	grant, err := e.decide(ctx, req)

	outcome, reason := OutcomeAllow, ""
	var denial *Denial
	switch {
	case errors.As(err, &denial):
		outcome, reason = OutcomeDeny, string(denial.Reason)
		span.SetAttributes(attribute.String("authz.reason", reason))
		e.auditDenial(ctx, req, denial)
	case err != nil:
		outcome = OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WithError(err).WithField("capability", req.Capability).Error("Authorization lookup failed")
	default:
		span.SetAttributes(
			attribute.String("authz.effective_role", string(grant.Role())),
			attribute.Bool("authz.super_admin", grant.IsSuperAdmin()),
		)
		if grant.IsSuperAdmin() {
			e.metrics.RecordBypass(req.Capability)
			e.auditBypass(ctx, req, grant)
		}
	}
	span.SetAttributes(attribute.String("authz.outcome", outcome))
	e.metrics.RecordDecision(req.Capability, outcome, reason, e.now().Sub(start))

	return grant, err
}

func (e *Engine) decide(ctx context.Context, req Request) (*Grant, error) {
	deny := func(r Reason) error {
		return &Denial{Reason: r, Capability: req.Capability, TenantSlug: req.TenantSlug}
	}

	if req.Identity == nil {
		d := &Denial{Reason: ReasonUnauthenticated, Capability: req.Capability, TenantSlug: req.TenantSlug, Cause: req.IdentityErr}
		if d.Cause == nil {
			d.Cause = identity.ErrMissingCredential
		}
		return nil, d
	}
	id := *req.Identity

	capability, ok := e.Policy().Lookup(req.Capability)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, req.Capability)
	}

	if e.registry.IsSuperAdmin(id) {
		if id.Verified() {
			return e.decideSuperAdmin(ctx, id, capability, req.TenantSlug, deny)
		}
		// Unverified identities never elevate; they take the member path.
		e.logger.WithFields(map[string]interface{}{
			"subject_id":      id.SubjectID,
			"identity_source": id.Source.String(),
		}).Warn("Refusing super-admin elevation for unverified identity")
	}

	if req.TenantSlug == "" {
		return nil, deny(ReasonTenantRequired)
	}

	var grant *Grant
	err := e.store.View(ctx, func(r tenants.Reader) error {
		tenant, err := r.FindTenant(ctx, req.TenantSlug)
		if errors.Is(err, tenants.ErrNotFound) {
			return deny(ReasonTenantUnavailable)
		}
		if err != nil {
			return fmt.Errorf("failed to load tenant: %w", err)
		}
		if !tenant.Active() {
			return deny(ReasonTenantUnavailable)
		}

		m, err := r.FindActiveMembership(ctx, id.SubjectID, req.TenantSlug)
		if errors.Is(err, tenants.ErrNotFound) {
			return deny(ReasonNotAMember)
		}
		if err != nil {
			return fmt.Errorf("failed to load membership: %w", err)
		}
		if m.Status != tenants.MembershipActive {
			return deny(ReasonNotAMember)
		}

		if capability.SuperAdminOnly || !m.Role.AtLeast(capability.MinRole) {
			return deny(ReasonInsufficientRole)
		}

		grant = &Grant{
			identity:   id,
			tenantID:   tenant.ID,
			tenantSlug: tenant.Slug,
			role:       m.Role,
			capability: capability.Name,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (e *Engine) decideSuperAdmin(ctx context.Context, id identity.Identity, capability Capability, slug string, deny func(Reason) error) (*Grant, error) {
	grant := &Grant{
		identity:   id,
		role:       tenants.RoleSuperAdmin,
		superAdmin: true,
		capability: capability.Name,
	}
	if slug == "" {
		return grant, nil
	}

	err := e.store.View(ctx, func(r tenants.Reader) error {
		var (
			tenant *tenants.Tenant
			err    error
		)
		if capability.Lifecycle {
			tenant, err = r.FindAnyTenant(ctx, slug)
		} else {
			tenant, err = r.FindTenant(ctx, slug)
		}
		if errors.Is(err, tenants.ErrNotFound) {
			return deny(ReasonTenantUnavailable)
		}
		if err != nil {
			return fmt.Errorf("failed to load tenant: %w", err)
		}
		if !capability.Lifecycle && !tenant.Active() {
			return deny(ReasonTenantUnavailable)
		}
		grant.tenantID = tenant.ID
		grant.tenantSlug = tenant.Slug
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (e *Engine) auditDenial(ctx context.Context, req Request, d *Denial) {
	event := audit.NewEvent(ctx, audit.EventTypeAuthzDenied, audit.EventStatusDenied)
	if req.Identity != nil {
		event.SubjectID = req.Identity.SubjectID
		event.Email = req.Identity.Email
		event.IdentitySource = req.Identity.Source.String()
	}
	event.TenantSlug = req.TenantSlug
	event.Capability = req.Capability
	event.Reason = string(d.Reason)
	event.Method = req.Method
	event.Path = req.Path
	event.Message = "Authorization denied"
	e.emit(ctx, event)
}

func (e *Engine) auditBypass(ctx context.Context, req Request, g *Grant) {
	event := audit.NewEvent(ctx, audit.EventTypeAuthzSuperAdminBypass, audit.EventStatusSuccess)
	event.SubjectID = g.SubjectID()
	event.Email = g.Email()
	event.IdentitySource = req.Identity.Source.String()
	event.TenantSlug = g.TenantSlug()
	event.TenantID, _ = g.TenantID()
	event.Capability = req.Capability
	event.EffectiveRole = string(g.Role())
	event.Method = req.Method
	event.Path = req.Path
	event.Message = "Super-admin bypass"
	e.emit(ctx, event)
}

// emit never fails the decision; a sink failure is logged and counted.
func (e *Engine) emit(ctx context.Context, event *audit.AuditEvent) {
	if err := e.auditor.Log(ctx, event); err != nil {
		e.metrics.RecordAuditError(string(event.EventType))
		e.logger.WithError(err).WithField("event_type", string(event.EventType)).Warn("Failed to record audit event")
	}
}
