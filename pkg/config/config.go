package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/storage"
)

// Config is the full process configuration, assembled from GATEHOUSE_*
// environment variables at startup. Per-provider identity provider
// settings are not here; they live in the YAML file SSOConfig points at.
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	SSO           SSOConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig sizes the public HTTP listener and its timeouts. Health
// probes and metrics scrapes bind their own port so they stay off the
// public surface.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	HealthPort      string
}

// SSOConfig holds the identity bridge settings that are not per-provider.
// Per-provider settings live in the YAML providers file.
type SSOConfig struct {
	// ServerName is the domain accounts are provisioned under
	// (the part after the colon in @localpart:domain).
	ServerName string

	// PublicBaseURL is the externally visible base URL, used to build
	// callback URLs and SP metadata.
	PublicBaseURL string

	// ProvidersFile is the path to the YAML provider definitions.
	ProvidersFile string

	// SessionLifetime bounds how long an outstanding login redirect stays
	// valid before the pending session expires.
	SessionLifetime time.Duration

	// LoginTokenSecret signs the short-lived login tokens handed to
	// clients after a successful login.
	LoginTokenSecret string

	// LoginTokenLifetime caps the mint-to-exchange window.
	LoginTokenLifetime time.Duration

	// RedirectWhitelist lists allowed client redirect URL prefixes.
	// Empty allows any absolute http or https URL.
	RedirectWhitelist []string

	// Rate limit applied per client IP on the SSO endpoints.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// AuditConfig selects the audit trail sinks and how long events stay.
type AuditConfig struct {
	// Enabled records login-flow audit events. Events go to the database
	// on postgres storage, to rotated files when LogDir is set, or to
	// both.
	Enabled bool

	// LogDir writes audit events to rotated files under this directory.
	// Empty disables the file sink.
	LogDir string

	// RetentionDays is how long the sweeper keeps audit rows.
	RetentionDays int

	// ArchiveEnabled archives expired rows to S3 before deletion.
	ArchiveEnabled bool

	// ArchivePrefix is the S3 key prefix for archived batches.
	ArchivePrefix string
}

// ObservabilityConfig sets the log level and switches the metrics and
// trace exports.
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // plaintext gRPC to the collector
}

// LoadConfig reads every GATEHOUSE_* variable, fills defaults, and
// validates the result, so missing required settings fail here instead of
// after a listener has bound.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		SSO:           loadSSOConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
		Port:            getEnv("GATEHOUSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEHOUSE_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig overlays GATEHOUSE_* variables on the storage
// defaults, touching only what the environment actually sets.
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("GATEHOUSE_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	if sqlitePath := getEnv("GATEHOUSE_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	if pgURL := getEnv("GATEHOUSE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("GATEHOUSE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("GATEHOUSE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config (optional; enables the shared rate limit)
	if redisURL := getEnv("GATEHOUSE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("GATEHOUSE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("GATEHOUSE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("GATEHOUSE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("GATEHOUSE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// S3 config (optional; enables audit archiving)
	if s3Endpoint := getEnv("GATEHOUSE_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("GATEHOUSE_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("GATEHOUSE_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3AccessKey := getEnv("GATEHOUSE_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("GATEHOUSE_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	if s3UsePathStyle := getEnv("GATEHOUSE_S3_USE_PATH_STYLE", ""); s3UsePathStyle != "" {
		cfg.S3UsePathStyle = strings.ToLower(s3UsePathStyle) == "true"
	}

	return cfg
}

func loadSSOConfig() SSOConfig {
	return SSOConfig{
		ServerName:         getEnv("GATEHOUSE_SERVER_NAME", ""),
		PublicBaseURL:      getEnv("GATEHOUSE_PUBLIC_BASE_URL", ""),
		ProvidersFile:      getEnv("GATEHOUSE_PROVIDERS_FILE", ""),
		SessionLifetime:    getEnvDuration("GATEHOUSE_SESSION_LIFETIME", 15*time.Minute),
		LoginTokenSecret:   getEnv("GATEHOUSE_LOGIN_TOKEN_SECRET", ""),
		LoginTokenLifetime: getEnvDuration("GATEHOUSE_LOGIN_TOKEN_LIFETIME", 2*time.Minute),
		RedirectWhitelist:  getEnvList("GATEHOUSE_REDIRECT_WHITELIST"),
		RateLimitRequests:  getEnvInt("GATEHOUSE_RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:    getEnvDuration("GATEHOUSE_RATE_LIMIT_WINDOW", time.Minute),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:        getEnvBool("GATEHOUSE_AUDIT_ENABLED", true),
		LogDir:         getEnv("GATEHOUSE_AUDIT_LOG_DIR", ""),
		RetentionDays:  getEnvInt("GATEHOUSE_AUDIT_RETENTION_DAYS", 90),
		ArchiveEnabled: getEnvBool("GATEHOUSE_AUDIT_ARCHIVE_ENABLED", false),
		ArchivePrefix:  getEnv("GATEHOUSE_AUDIT_ARCHIVE_PREFIX", "audit"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEHOUSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEHOUSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEHOUSE_OTEL_SERVICE_NAME", "gatehouse"),
		OTelServiceVersion: getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEHOUSE_OTEL_INSECURE", true),
	}
}

// Validate rejects configurations the service cannot run on. Rules that
// span sections live here too, like archiving requiring postgres.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.SSO.ServerName == "" {
		return fmt.Errorf("server name is required")
	}
	if c.SSO.PublicBaseURL == "" {
		return fmt.Errorf("public base URL is required")
	}
	if c.SSO.ProvidersFile == "" {
		return fmt.Errorf("providers file is required")
	}
	if c.SSO.LoginTokenSecret == "" {
		return fmt.Errorf("login token secret is required")
	}
	if c.SSO.SessionLifetime <= 0 {
		return fmt.Errorf("session lifetime must be positive")
	}
	if c.SSO.LoginTokenLifetime <= 0 {
		return fmt.Errorf("login token lifetime must be positive")
	}
	if c.SSO.RateLimitRequests <= 0 || c.SSO.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit requests and window must be positive")
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
		// Nothing to check; accounts and bindings live in process memory.
	case storage.TypeSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or postgres)", c.Storage.Type)
	}

	// Audit events degrade to file or log sinks without a database, but
	// archiving reads back from the postgres audit table and has no such
	// fallback.
	if c.Audit.ArchiveEnabled && c.Storage.Type != storage.TypePostgres {
		return fmt.Errorf("audit archiving requires postgres storage")
	}
	if c.Audit.ArchiveEnabled && c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required when audit archiving is enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string, defaulting to info
func parseLogLevel(level string) observability.LogLevel {
	parsed, err := observability.ParseLevel(level)
	if err != nil {
		return observability.InfoLevel
	}
	return parsed
}

// The getEnv* helpers read one variable each and fall back to the default
// when it is unset or does not parse.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice,
// with empty entries dropped
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
