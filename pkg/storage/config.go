package storage

import "time"

// Backend selects where accounts and bindings live.
const (
	// TypeMemory keeps everything in process memory. Suited to development
	// and tests; contents do not survive a restart.
	TypeMemory = "memory"

	// TypeSQLite persists accounts and bindings in a single-file SQLite
	// database, for single-instance deployments.
	TypeSQLite = "sqlite"

	// TypePostgres persists accounts, bindings, and the audit trail in
	// PostgreSQL.
	TypePostgres = "postgres"
)

// Config holds the connection settings for every storage backend the
// service can use. Redis and S3 are optional: without Redis the rate
// limiter runs per instance, without S3 audit archiving is disabled.
type Config struct {
	Type string // "memory", "sqlite", or "postgres"

	// SQLite
	SQLitePath string

	// PostgreSQL
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// Redis
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 (audit archive)
	S3Endpoint     string // empty for AWS; set for MinIO and friends
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig is the baseline the environment overlay starts from:
// in-memory storage, with pool sizes that suit a small deployment.
func DefaultConfig() Config {
	return Config{
		Type:             TypeMemory,
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		S3Region:         "us-east-1",
	}
}
