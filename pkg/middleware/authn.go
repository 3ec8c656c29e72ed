package middleware

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/identity"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// Authenticator resolves the caller once per request and stores the
// result on the request context. It does not reject requests itself; the
// authorizer turns a failed resolution into a 401.
type Authenticator struct {
	resolver identity.Resolver
	limiter  FailureLimiter
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// AuthenticatorOption configures an Authenticator
type AuthenticatorOption func(*Authenticator)

// WithFailureLimiter throttles clients that keep presenting bad credentials
func WithFailureLimiter(l FailureLimiter) AuthenticatorOption {
	return func(a *Authenticator) { a.limiter = l }
}

// WithAuthLogger sets the logger
func WithAuthLogger(l *observability.Logger) AuthenticatorOption {
	return func(a *Authenticator) { a.logger = l }
}

// WithAuthMetrics enables identity resolution metrics
func WithAuthMetrics(m *observability.Metrics) AuthenticatorOption {
	return func(a *Authenticator) { a.metrics = m }
}

// NewAuthenticator creates the authentication middleware
func NewAuthenticator(resolver identity.Resolver, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		resolver: resolver,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler wraps an HTTP handler with identity resolution
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := clientKey(r)

		if a.limiter != nil {
			blocked, err := a.limiter.Blocked(ctx, key)
			if err != nil {
				// Fail open: a limiter outage must not take authentication down
				a.logger.WithError(err).Warn("Failure limiter unavailable")
			} else if blocked {
				a.metrics.RecordIdentity("none", "throttled")
				w.Header().Set("Retry-After", "60")
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "too many failed authentication attempts")
				return
			}
		}

		id, err := a.resolver.Resolve(ctx, r)
		res := identity.Result{Err: err}
		if err == nil {
			res.Identity = &id
			a.metrics.RecordIdentity(id.Source.String(), "success")
		} else {
			a.metrics.RecordIdentity("none", resultLabel(err))
			observability.FromContext(ctx).WithError(err).Debug("Identity resolution failed")
			if a.limiter != nil && !errors.Is(err, identity.ErrMissingCredential) {
				if lerr := a.limiter.RecordFailure(ctx, key); lerr != nil {
					a.logger.WithError(lerr).Warn("Failed to record authentication failure")
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(identity.NewContext(ctx, res)))
	})
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, identity.ErrMissingCredential):
		return "missing"
	case errors.Is(err, identity.ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, identity.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, identity.ErrExpiredCredential):
		return "expired"
	default:
		return "error"
	}
}

// RequireIdentity rejects requests whose identity did not resolve. Use it
// on routes that need a caller but no capability check.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if res := identity.FromContext(r.Context()); res.Err != nil {
			writeUnauthenticated(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
