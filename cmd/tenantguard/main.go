package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantguard/pkg/api"
	"github.com/platinummonkey/tenantguard/pkg/async"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/identity"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/superadmin"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
)

const maxRequestBytes = 1 << 20

var checkConfig = flag.Bool("check-config", false, "Validate configuration, warm the key set and exit")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantguard: %v\n", err)
		os.Exit(2)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.ServiceName)

	if err := run(context.Background(), cfg, logger); err != nil {
		entry := logger.WithError(err)
		if config.IsConfigurationError(err) {
			entry.Error("Invalid configuration, refusing to start")
			os.Exit(2)
		}
		entry.Error("Server exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SampleRatio:    cfg.Observability.TraceSampleRatio,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Startup resources are released on early return; once serving, the
	// shutdown manager owns them.
	type cleanup struct {
		name string
		fn   observability.ShutdownFunc
	}
	var cleanups []cleanup
	release := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			_ = cleanups[i].fn(context.Background())
		}
	}
	if tp != nil {
		cleanups = append(cleanups, cleanup{"tracer provider", tp.Shutdown})
	}

	resolver, keys, err := buildResolver(ctx, cfg.Auth, logger, metrics)
	if err != nil {
		release()
		return err
	}

	registryAdmins, err := buildRegistry(cfg.SuperAdmin, logger)
	if err != nil {
		release()
		return err
	}

	policy, err := authz.LoadPolicy(cfg.Policy.File)
	if err != nil {
		release()
		return err
	}

	var db *sql.DB
	if cfg.Database.Driver != "memory" {
		db, err = tenants.Open(ctx, cfg.Database, logger)
		if err != nil {
			release()
			return fmt.Errorf("failed to open membership store: %w", err)
		}
		cleanups = append(cleanups, cleanup{"database", func(context.Context) error { return db.Close() }})
	} else {
		logger.Warn("Using the in-memory membership store; data is lost on restart")
	}
	store, err := tenants.NewBackend(cfg.Database.Driver, db)
	if err != nil {
		release()
		return &config.ConfigurationError{Key: "TENANTGUARD_DATABASE_DRIVER", Reason: "unsupported driver", Err: err}
	}

	auditLogger, auditStream, err := buildAudit(ctx, cfg.Audit, logger)
	if err != nil {
		release()
		return err
	}
	cleanups = append(cleanups, cleanup{"audit", func(context.Context) error { return auditLogger.Close() }})

	if *checkConfig {
		logger.Info("Configuration is valid")
		release()
		return nil
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	cleanups = append(cleanups, cleanup{"background tasks", func(context.Context) error { stopBackground(); return nil }})
	authnOpts := []middleware.AuthenticatorOption{
		middleware.WithAuthLogger(logger.WithField("component", "authn")),
		middleware.WithAuthMetrics(metrics),
	}
	if cfg.Auth.FailureLimit > 0 {
		throttle := middleware.ThrottleConfig{Limit: cfg.Auth.FailureLimit, Window: cfg.Auth.FailureWindow}
		if auditStream != nil {
			authnOpts = append(authnOpts, middleware.WithFailureLimiter(
				middleware.NewRedisFailureLimiter(auditStream.Client(), throttle, "")))
		} else {
			limiter := middleware.NewMemoryFailureLimiter(throttle)
			limiter.StartCleanup(bgCtx)
			authnOpts = append(authnOpts, middleware.WithFailureLimiter(limiter))
		}
	}

	engine := authz.NewEngine(store, registryAdmins,
		authz.WithPolicy(policy),
		authz.WithAuditor(auditLogger),
		authz.WithLogger(logger),
		authz.WithMetrics(metrics),
	)
	if cfg.Policy.File != "" && cfg.Policy.Watch {
		if _, err := authz.WatchPolicy(bgCtx, cfg.Policy.File, engine, logger); err != nil {
			release()
			return &config.ConfigurationError{Key: "TENANTGUARD_POLICY_WATCH", Reason: "cannot watch policy file", Err: err}
		}
	}

	handlerOpts := []api.Option{api.WithAuditor(auditLogger), api.WithLogger(logger)}
	if auditStream != nil {
		handlerOpts = append(handlerOpts, api.WithAuditReader(auditStream))
	}

	var redisClient *redis.Client
	if auditStream != nil {
		redisClient = auditStream.Client()
	}
	health := observability.NewHealthChecker(db, redisClient, keys)

	// Operational endpoints stay outside authentication and throttling.
	router := mux.NewRouter()
	router.HandleFunc("/healthz", health.Liveness).Methods("GET")
	router.HandleFunc("/readyz", health.Readiness).Methods("GET")
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	}

	apiRouter := mux.NewRouter()
	apiRouter.Use(
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(maxRequestBytes),
		observability.HTTPMetricsMiddleware(metrics),
		middleware.NewAuthenticator(resolver, authnOpts...).Handler,
	)
	api.NewHandlers(store, registryAdmins, middleware.NewAuthorizer(engine), handlerOpts...).RegisterRoutes(apiRouter)
	router.PathPrefix("/api/").Handler(apiRouter)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(router, "tenantguard"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Auth.KeyRefreshSchedule, func() {
		if err := async.Run(context.Background(), logger, cfg.Auth.JWKSFetchTimeout, "jwks refresh", keys.Refresh); err != nil {
			logger.WithError(err).Warn("Scheduled key set refresh failed; keeping previous keys")
		}
	}); err != nil {
		release()
		return &config.ConfigurationError{Key: "TENANTGUARD_KEY_REFRESH_SCHEDULE", Reason: "invalid cron schedule", Err: err}
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	for _, c := range cleanups {
		shutdown.Register(c.name, c.fn)
	}
	shutdown.Register("key refresh scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var serveErr error
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	async.SafeGo(ctx, logger, 0, "http server", func(context.Context) error {
		logger.WithField("addr", server.Addr).Info("tenantguard listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			cancelWait()
			return err
		}
		return nil
	})

	if err := shutdown.Wait(waitCtx); err != nil {
		return err
	}
	return serveErr
}

// buildResolver wires token verification and, when enabled, the trusted
// header fallback. The key set is fetched once before returning.
func buildResolver(ctx context.Context, cfg config.AuthConfig, logger *observability.Logger, metrics *observability.Metrics) (identity.Resolver, *identity.KeyCache, error) {
	httpClient := &http.Client{Timeout: cfg.JWKSFetchTimeout}

	jwksURL := cfg.JWKSURL
	var emails identity.EmailLookup
	if cfg.IssuerURL != "" {
		provider, discovered, err := identity.Discover(ctx, cfg.IssuerURL, httpClient)
		if err != nil {
			return nil, nil, err
		}
		if jwksURL == "" {
			jwksURL = discovered
		}
		if cfg.UserInfoEnabled {
			emails = identity.NewUserInfoClient(provider, httpClient, cfg.UserInfoCacheSize, cfg.UserInfoCacheTTL)
		}
	}

	keys := identity.NewKeyCache(jwksURL,
		identity.WithHTTPClient(httpClient),
		identity.WithTTL(cfg.JWKSCacheTTL),
		identity.WithMinRefreshInterval(cfg.JWKSMinRefresh),
		identity.WithFetchTimeout(cfg.JWKSFetchTimeout),
		identity.WithKeyLogger(logger.WithField("component", "jwks")),
		identity.WithRefreshHook(metrics.RecordKeyRefresh),
	)
	if err := keys.Warm(ctx); err != nil {
		return nil, nil, err
	}
	logger.WithField("jwks_url", jwksURL).Info("Signing keys loaded")

	tokenOpts := []identity.TokenOption{identity.WithTokenLogger(logger.WithField("component", "token"))}
	if emails != nil {
		tokenOpts = append(tokenOpts, identity.WithEmailLookup(emails))
	}
	token := identity.NewTokenResolver(keys, identity.TokenConfig{
		Issuer:   cfg.IssuerURL,
		Audience: cfg.Audience,
	}, tokenOpts...)

	if !cfg.TrustedHeaderFallback {
		return identity.NewChain(token, nil), keys, nil
	}

	fallback, err := identity.NewHeaderResolver(cfg.TrustedHeaderCIDRs)
	if err != nil {
		return nil, nil, &config.ConfigurationError{Key: "AUTH_TRUSTED_HEADER_CIDRS", Reason: "invalid trusted network", Err: err}
	}
	logger.WithField("networks", cfg.TrustedHeaderCIDRs).
		Warn("Trusted header fallback is enabled; header identities never receive super-admin access")
	return identity.NewChain(token, fallback), keys, nil
}

// buildRegistry returns superadmin.Parse errors unwrapped so the offending
// variable is reported.
func buildRegistry(cfg config.SuperAdminConfig, logger *observability.Logger) (*superadmin.Registry, error) {
	registry, err := superadmin.Parse(cfg.IDs, cfg.Emails)
	if err != nil {
		return nil, err
	}
	if registry.Empty() {
		logger.Warn("No super-admins configured; cross-tenant operations are unavailable")
	} else {
		ids, emails := registry.Size()
		logger.WithFields(map[string]interface{}{"ids": ids, "emails": emails}).Info("Super-admin registry loaded")
	}
	return registry, nil
}

// buildAudit always logs audit events; a Redis stream is added when
// configured and is returned so it can be read back.
func buildAudit(ctx context.Context, cfg config.AuditConfig, logger *observability.Logger) (audit.Logger, *audit.RedisStreamLogger, error) {
	logSink := audit.NewLogrusLogger(logger.WithField("component", "audit"))
	if cfg.RedisURL == "" {
		return logSink, nil, nil
	}

	stream, err := audit.NewRedisStreamLogger(ctx, cfg.RedisURL, cfg.Stream, cfg.StreamMaxLen)
	if err != nil {
		return nil, nil, &config.ConfigurationError{Key: "TENANTGUARD_AUDIT_REDIS_URL", Reason: "audit stream unavailable", Err: err}
	}
	logger.WithField("stream", cfg.Stream).Info("Audit events are also written to Redis")

	return audit.NewMultiLogger(logSink, stream), stream, nil
}
