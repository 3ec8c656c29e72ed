package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/robfig/cron/v3"
)

// ConfigurationError reports startup configuration that cannot be used.
// It is fatal: the process must exit before accepting traffic.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	SuperAdmin    SuperAdminConfig
	Database      DatabaseConfig
	Policy        PolicyConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns host:port for the listener
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// AuthConfig holds identity resolution settings
type AuthConfig struct {
	IssuerURL string
	JWKSURL   string
	Audience  string

	JWKSCacheTTL       time.Duration
	JWKSMinRefresh     time.Duration
	JWKSFetchTimeout   time.Duration
	KeyRefreshSchedule string

	UserInfoEnabled   bool
	UserInfoCacheSize int
	UserInfoCacheTTL  time.Duration

	// Deprecated header/query fallback; off unless explicitly enabled.
	TrustedHeaderFallback bool
	TrustedHeaderCIDRs    []string

	// Repeated credential failures from one peer are throttled with 429.
	// A zero limit disables throttling.
	FailureLimit  int
	FailureWindow time.Duration
}

// SuperAdminConfig holds the raw privileged identity lists
type SuperAdminConfig struct {
	IDs    string
	Emails string
}

// DatabaseConfig holds membership store settings
type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// PolicyConfig points at an optional capability override file
type PolicyConfig struct {
	File string
	// Watch reloads File when it changes
	Watch bool
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	RedisURL     string
	Stream       string
	StreamMaxLen int64
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel         observability.LogLevel
	MetricsEnabled   bool
	TracingEnabled   bool
	TraceSampleRatio float64
	OTLPEndpoint     string
	OTLPInsecure     bool
	ServiceName      string
	ServiceVersion   string
}

// LoadConfig loads configuration from environment variables. Any returned
// error is a *ConfigurationError.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Auth:          loadAuthConfig(),
		SuperAdmin:    loadSuperAdminConfig(),
		Database:      loadDatabaseConfig(),
		Policy:        PolicyConfig{File: getEnv("TENANTGUARD_POLICY_FILE", ""), Watch: getEnvBool("TENANTGUARD_POLICY_WATCH", true)},
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TENANTGUARD_HOST", "0.0.0.0"),
		Port:            getEnv("TENANTGUARD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TENANTGUARD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TENANTGUARD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TENANTGUARD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TENANTGUARD_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		IssuerURL:             getEnv("AUTH_ISSUER_URL", ""),
		JWKSURL:               getEnv("AUTH_JWKS_URL", ""),
		Audience:              getEnv("AUTH_AUDIENCE", ""),
		JWKSCacheTTL:          getEnvDuration("AUTH_JWKS_CACHE_TTL", time.Hour),
		JWKSMinRefresh:        getEnvDuration("AUTH_JWKS_MIN_REFRESH", time.Minute),
		JWKSFetchTimeout:      getEnvDuration("AUTH_JWKS_FETCH_TIMEOUT", 10*time.Second),
		KeyRefreshSchedule:    getEnv("TENANTGUARD_KEY_REFRESH_SCHEDULE", "@every 30m"),
		UserInfoEnabled:       getEnvBool("AUTH_USERINFO_ENABLED", false),
		UserInfoCacheSize:     getEnvInt("AUTH_USERINFO_CACHE_SIZE", 1024),
		UserInfoCacheTTL:      getEnvDuration("AUTH_USERINFO_CACHE_TTL", 10*time.Minute),
		TrustedHeaderFallback: getEnvBool("AUTH_TRUSTED_HEADER_FALLBACK", false),
		TrustedHeaderCIDRs:    getEnvList("AUTH_TRUSTED_HEADER_CIDRS"),
		FailureLimit:          getEnvInt("AUTH_FAILURE_LIMIT", 20),
		FailureWindow:         getEnvDuration("AUTH_FAILURE_WINDOW", 5*time.Minute),
	}
}

func loadSuperAdminConfig() SuperAdminConfig {
	return SuperAdminConfig{
		IDs:    os.Getenv("SUPER_ADMIN_IDS"),
		Emails: os.Getenv("SUPER_ADMIN_EMAILS"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          strings.ToLower(getEnv("TENANTGUARD_DATABASE_DRIVER", "postgres")),
		URL:             getEnv("TENANTGUARD_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("TENANTGUARD_DATABASE_MAX_OPEN_CONNS", 20),
		ConnMaxLifetime: getEnvDuration("TENANTGUARD_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		AutoMigrate:     getEnvBool("TENANTGUARD_DATABASE_AUTO_MIGRATE", false),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		RedisURL:     getEnv("TENANTGUARD_AUDIT_REDIS_URL", ""),
		Stream:       getEnv("TENANTGUARD_AUDIT_STREAM", "tenantguard:audit"),
		StreamMaxLen: getEnvInt64("TENANTGUARD_AUDIT_STREAM_MAXLEN", 100000),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:         observability.ParseLogLevel(getEnv("TENANTGUARD_LOG_LEVEL", "info")),
		MetricsEnabled:   getEnvBool("TENANTGUARD_METRICS_ENABLED", true),
		TracingEnabled:   getEnvBool("TENANTGUARD_TRACING_ENABLED", false),
		TraceSampleRatio: getEnvFloat("TENANTGUARD_TRACE_SAMPLE_RATIO", 1.0),
		OTLPEndpoint:     getEnv("TENANTGUARD_OTLP_ENDPOINT", ""),
		OTLPInsecure:     getEnvBool("TENANTGUARD_OTLP_INSECURE", false),
		ServiceName:      getEnv("TENANTGUARD_SERVICE_NAME", "tenantguard"),
		ServiceVersion:   getEnv("TENANTGUARD_SERVICE_VERSION", "dev"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return &ConfigurationError{Key: "TENANTGUARD_PORT", Reason: "server port is required"}
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
		if c.Database.URL == "" {
			return &ConfigurationError{
				Key:    "TENANTGUARD_DATABASE_URL",
				Reason: fmt.Sprintf("database URL is required for driver %s", c.Database.Driver),
			}
		}
	case "memory":
	default:
		return &ConfigurationError{
			Key:    "TENANTGUARD_DATABASE_DRIVER",
			Reason: fmt.Sprintf("invalid driver %q (must be postgres, sqlite3, or memory)", c.Database.Driver),
		}
	}

	if c.Audit.RedisURL != "" && c.Audit.Stream == "" {
		return &ConfigurationError{Key: "TENANTGUARD_AUDIT_STREAM", Reason: "stream name is required when Redis audit is enabled"}
	}

	return nil
}

func (a AuthConfig) validate() error {
	if a.JWKSURL == "" && a.IssuerURL == "" {
		return &ConfigurationError{
			Key:    "AUTH_JWKS_URL",
			Reason: "a key set location is required: set AUTH_JWKS_URL or AUTH_ISSUER_URL",
		}
	}
	for key, raw := range map[string]string{"AUTH_JWKS_URL": a.JWKSURL, "AUTH_ISSUER_URL": a.IssuerURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return &ConfigurationError{Key: key, Err: err}
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return &ConfigurationError{Key: key, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
		}
	}
	if a.JWKSCacheTTL <= 0 {
		return &ConfigurationError{Key: "AUTH_JWKS_CACHE_TTL", Reason: "must be positive"}
	}
	if a.FailureLimit < 0 {
		return &ConfigurationError{Key: "AUTH_FAILURE_LIMIT", Reason: "must not be negative"}
	}
	if a.FailureLimit > 0 && a.FailureWindow <= 0 {
		return &ConfigurationError{Key: "AUTH_FAILURE_WINDOW", Reason: "must be positive"}
	}
	if a.UserInfoEnabled && a.IssuerURL == "" {
		return &ConfigurationError{Key: "AUTH_USERINFO_ENABLED", Reason: "UserInfo lookup requires AUTH_ISSUER_URL"}
	}
	if a.KeyRefreshSchedule != "" {
		if _, err := cron.ParseStandard(a.KeyRefreshSchedule); err != nil {
			return &ConfigurationError{Key: "TENANTGUARD_KEY_REFRESH_SCHEDULE", Err: err}
		}
	}
	if a.TrustedHeaderFallback {
		if len(a.TrustedHeaderCIDRs) == 0 {
			return &ConfigurationError{
				Key:    "AUTH_TRUSTED_HEADER_CIDRS",
				Reason: "the trusted-header fallback requires an explicit network allow-list",
			}
		}
		for _, cidr := range a.TrustedHeaderCIDRs {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return &ConfigurationError{Key: "AUTH_TRUSTED_HEADER_CIDRS", Err: err}
			}
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	return SplitList(os.Getenv(key))
}

// SplitList splits a comma-separated list, trimming entries and dropping
// empty ones.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
