// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
// Logger is backed by logrus with the JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant", slug).Info("grant issued")
//
// Request-scoped loggers carry the request ID:
//
//	observability.FromContext(r.Context()).Warn("denied")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("tenant:read", "deny", "not_a_member", elapsed)
//
// HTTPMetricsMiddleware labels requests by mux route template, never by the
// raw path, so tenant slugs do not create new series.
//
// # Health Checks
//
// HealthChecker reports the membership database, the verification key set
// and the optional Redis audit sink. Only the first two make the service
// unready.
package observability
