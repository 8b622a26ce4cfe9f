// Command gatehouse-sweeper runs the scheduled maintenance jobs for a
// gatehouse deployment: audit retention (optionally archiving expired
// events to S3 before deletion) and a report of accounts that no provider
// binding points at anymore.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gatehouselabs/gatehouse/pkg/audit"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/storage/postgres"
)

var (
	dbURL         = flag.String("db-url", getEnv("GATEHOUSE_POSTGRES_URL", "postgres://localhost/gatehouse?sslmode=disable"), "PostgreSQL connection URL")
	serverName    = flag.String("server-name", getEnv("GATEHOUSE_SERVER_NAME", ""), "Server name local user IDs belong to")
	schedule      = flag.String("schedule", "30 1 * * *", "Cron schedule for the sweep (default: 01:30 UTC)")
	retentionDays = flag.Int("retention-days", getEnvInt("GATEHOUSE_AUDIT_RETENTION_DAYS", 90), "Days to keep audit events")
	archive       = flag.Bool("archive", getEnvBool("GATEHOUSE_AUDIT_ARCHIVE_ENABLED"), "Archive expired audit events to S3 before deletion")
	archivePrefix = flag.String("archive-prefix", getEnv("GATEHOUSE_AUDIT_ARCHIVE_PREFIX", "audit"), "S3 key prefix for archived batches")
	s3Bucket      = flag.String("s3-bucket", getEnv("GATEHOUSE_S3_BUCKET", ""), "S3 bucket for audit archives")
	s3Region      = flag.String("s3-region", getEnv("GATEHOUSE_S3_REGION", "us-east-1"), "S3 region")
	s3Endpoint    = flag.String("s3-endpoint", getEnv("GATEHOUSE_S3_ENDPOINT", ""), "S3 endpoint override, for MinIO")
	s3AccessKey   = flag.String("s3-access-key", getEnv("GATEHOUSE_S3_ACCESS_KEY", ""), "S3 access key")
	s3SecretKey   = flag.String("s3-secret-key", getEnv("GATEHOUSE_S3_SECRET_KEY", ""), "S3 secret key")
	s3PathStyle   = flag.Bool("s3-path-style", getEnvBool("GATEHOUSE_S3_USE_PATH_STYLE"), "Use path-style S3 addressing")
	otelEndpoint  = flag.String("otel-endpoint", getEnv("GATEHOUSE_OTEL_ENDPOINT", ""), "OTLP gRPC endpoint for archive metrics; empty disables export")
	runOnce       = flag.Bool("run-once", false, "Run the sweep once and exit")
	logLevel      = flag.String("log-level", getEnv("GATEHOUSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)

	if *serverName == "" {
		logger.Fatal("--server-name (or GATEHOUSE_SERVER_NAME) is required")
	}
	if *archive && *s3Bucket == "" {
		logger.Fatal("--s3-bucket (or GATEHOUSE_S3_BUCKET) is required when archiving is enabled")
	}

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("Failed to ping database")
	}

	// A batch job has no scrape endpoint, so archive metrics ride the OTLP
	// push pipeline when a collector is configured. The collector is assumed
	// cluster-local.
	var otelProviders *observability.OTelProviders
	if *otelEndpoint != "" {
		otelProviders, err = observability.InitOTel(context.Background(), observability.OTelConfig{
			Enabled:     true,
			Endpoint:    *otelEndpoint,
			ServiceName: "gatehouse-sweeper",
			Insecure:    true,
		}, observability.NewNopLogger())
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize OpenTelemetry")
		}
		logger.WithField("endpoint", *otelEndpoint).Info("OTLP metrics export enabled")
	}

	sw, err := newSweeper(context.Background(), db, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize sweeper")
	}

	// One-shot mode, for Kubernetes CronJobs and manual backfills.
	if *runOnce {
		err := sw.sweep(context.Background())
		flushOTel(otelProviders, logger)
		if err != nil {
			logger.WithError(err).Fatal("Sweep failed")
		}
		logger.Info("Sweep completed successfully")
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		if err := sw.sweep(context.Background()); err != nil {
			logger.WithError(err).Error("Sweep failed")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule sweep")
	}

	c.Start()
	logger.WithFields(logrus.Fields{
		"schedule":       *schedule,
		"retention_days": *retentionDays,
		"archive":        *archive,
	}).Info("Gatehouse sweeper started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Signal received, shutting down")

	// Let an in-flight sweep finish before exiting
	ctx := c.Stop()
	<-ctx.Done()

	flushOTel(otelProviders, logger)
	logger.Info("Sweeper stopped")
}

// flushOTel drains buffered metrics before exit. Without this a run-once
// sweep would finish before the periodic reader ever exported.
func flushOTel(providers *observability.OTelProviders, logger *logrus.Logger) {
	if providers == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := observability.ShutdownOTel(ctx, providers, observability.NewNopLogger()); err != nil {
		logger.WithError(err).Warn("Failed to flush metrics")
	}
}

// sweeper bundles the two maintenance jobs that share one database
// connection.
type sweeper struct {
	auditStore *audit.DBStore
	accounts   *postgres.Store
	policy     audit.RetentionPolicy
	logger     *logrus.Logger
}

func newSweeper(ctx context.Context, db *sql.DB, logger *logrus.Logger) (*sweeper, error) {
	dbLogger, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	store := audit.NewDBStore(dbLogger)
	if *archive {
		archiver, err := audit.NewS3Archiver(audit.S3ArchiverConfig{
			Bucket:       *s3Bucket,
			Region:       *s3Region,
			Endpoint:     *s3Endpoint,
			AccessKey:    *s3AccessKey,
			SecretKey:    *s3SecretKey,
			UsePathStyle: *s3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("audit archiver: %w", err)
		}
		if m, err := observability.NewOTelMetrics(); err != nil {
			logger.WithError(err).Warn("Archive upload metrics disabled")
		} else {
			archiver.SetMetrics(m)
		}
		store.SetArchiver(archiver)
	}

	accountStore, err := postgres.NewStore(ctx, db, *serverName)
	if err != nil {
		return nil, fmt.Errorf("account store: %w", err)
	}

	return &sweeper{
		auditStore: store,
		accounts:   accountStore,
		policy: audit.RetentionPolicy{
			RetentionDays:  *retentionDays,
			ArchiveEnabled: *archive,
			ArchivePrefix:  *archivePrefix,
		},
		logger: logger,
	}, nil
}

func (s *sweeper) sweep(ctx context.Context) error {
	deleted, err := s.auditStore.Cleanup(ctx, s.policy)
	if err != nil {
		return fmt.Errorf("audit retention: %w", err)
	}
	s.logger.WithField("deleted", deleted).Info("Audit retention sweep complete")

	// Orphaned accounts are reported, never deleted: an account with no
	// binding may still be reachable by password login, and adoption via a
	// grandfathered attribute can re-bind it on the next SSO login.
	orphans, err := s.accounts.FindOrphanedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("orphan scan: %w", err)
	}
	if len(orphans) == 0 {
		s.logger.Info("No orphaned accounts found")
		return nil
	}

	s.logger.WithField("count", len(orphans)).Warn("Found accounts without provider bindings")
	for _, account := range orphans {
		s.logger.WithFields(logrus.Fields{
			"user_id":    account.UserID.String(),
			"created_at": account.CreatedAt.Format(time.RFC3339),
		}).Warn("Orphaned account")
	}
	return nil
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
