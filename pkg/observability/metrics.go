package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Identity metrics
	IdentityResolutionsTotal *prometheus.CounterVec
	KeyRefreshTotal          *prometheus.CounterVec
	KeySetSize               prometheus.Gauge

	// Authorization metrics
	AuthzDecisionsTotal   *prometheus.CounterVec
	AuthzDecisionDuration *prometheus.HistogramVec
	SuperAdminBypassTotal *prometheus.CounterVec

	// Audit metrics
	AuditErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		IdentityResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_identity_resolutions_total",
				Help: "Identity resolutions by credential source and result",
			},
			[]string{"source", "result"},
		),
		KeyRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_jwks_refresh_total",
				Help: "Verification key set fetches by status",
			},
			[]string{"status"},
		),
		KeySetSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_jwks_keys",
				Help: "Number of usable keys in the current verification key set",
			},
		),

		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_authz_decisions_total",
				Help: "Authorization decisions by capability, outcome and denial reason",
			},
			[]string{"capability", "outcome", "reason"},
		),
		AuthzDecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantguard_authz_decision_duration_seconds",
				Help:    "Authorization decision latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"capability"},
		),
		SuperAdminBypassTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_superadmin_bypass_total",
				Help: "Grants issued through the super-admin path",
			},
			[]string{"capability"},
		),

		AuditErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_audit_errors_total",
				Help: "Audit events that could not be written",
			},
			[]string{"event_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.IdentityResolutionsTotal,
		m.KeyRefreshTotal,
		m.KeySetSize,
		m.AuthzDecisionsTotal,
		m.AuthzDecisionDuration,
		m.SuperAdminBypassTotal,
		m.AuditErrorsTotal,
	)

	return m
}

// RecordDecision records one authorization outcome. reason is empty on allow.
func (m *Metrics) RecordDecision(capability, outcome, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(capability, outcome, reason).Inc()
	m.AuthzDecisionDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// RecordBypass counts a super-admin grant
func (m *Metrics) RecordBypass(capability string) {
	if m == nil {
		return
	}
	m.SuperAdminBypassTotal.WithLabelValues(capability).Inc()
}

// RecordIdentity counts an identity resolution attempt
func (m *Metrics) RecordIdentity(source, result string) {
	if m == nil {
		return
	}
	m.IdentityResolutionsTotal.WithLabelValues(source, result).Inc()
}

// RecordKeyRefresh records a key set fetch and, on success, its size
func (m *Metrics) RecordKeyRefresh(keys int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.KeyRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	m.KeyRefreshTotal.WithLabelValues("success").Inc()
	m.KeySetSize.Set(float64(keys))
}

// RecordAuditError counts an audit event that failed to reach its sink
func (m *Metrics) RecordAuditError(eventType string) {
	if m == nil {
		return
	}
	m.AuditErrorsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel returns the matched mux route template so path parameters
// such as tenant slugs do not explode label cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
