// Command gatehouse runs the SSO identity bridge: it terminates SAML and
// OIDC login flows from the configured identity providers, resolves each
// verified assertion to a local account, and hands the result back to the
// client as a short-lived login token.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gatehouselabs/gatehouse/pkg/accounts"
	"github.com/gatehouselabs/gatehouse/pkg/audit"
	"github.com/gatehouselabs/gatehouse/pkg/config"
	"github.com/gatehouselabs/gatehouse/pkg/httputil"
	"github.com/gatehouselabs/gatehouse/pkg/logintoken"
	"github.com/gatehouselabs/gatehouse/pkg/middleware"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/oidc"
	"github.com/gatehouselabs/gatehouse/pkg/saml"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
	"github.com/gatehouselabs/gatehouse/pkg/storage"
	"github.com/gatehouselabs/gatehouse/pkg/storage/postgres"
	"github.com/gatehouselabs/gatehouse/pkg/storage/sqlite"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"version": cfg.Observability.OTelServiceVersion,
		"storage": cfg.Storage.Type,
	}).Info("Starting gatehouse")

	// Cancelling this context stops the providers watcher, the pending
	// session sweeper, and the rate limiter cleanup loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	accountStore, registrar, db, err := openAccountStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open account store: %v", err)
	}
	if otelProviders != nil && db != nil {
		if err := observability.ObserveDBPool(db); err != nil {
			logger.WithError(err).Warn("Failed to register database pool gauges")
		}
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = storage.OpenRedis(cfg.Storage)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
	}

	auditLogger, auditStore, err := buildAuditTrail(cfg, db, logger)
	if err != nil {
		log.Fatalf("Failed to initialize audit logging: %v", err)
	}

	completer, err := logintoken.NewCompleter(logintoken.Config{
		Secret:            cfg.SSO.LoginTokenSecret,
		TokenLifetime:     cfg.SSO.LoginTokenLifetime,
		RedirectWhitelist: cfg.SSO.RedirectWhitelist,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize login completer: %v", err)
	}
	completer.SetAuditLogger(auditLogger)

	resolver := sso.NewResolver(accountStore, registrar, cfg.SSO.ServerName, logger, metrics)
	handler := sso.NewHandler(resolver, completer, cfg.SSO.SessionLifetime, logger, metrics, auditLogger)

	fetcher := saml.NewMetadataFetcher(saml.DefaultMetadataTTL, logger, metrics)

	pf, err := config.LoadProviders(cfg.SSO.ProvidersFile)
	if err != nil {
		log.Fatalf("Failed to load providers: %v", err)
	}
	if err := applyProviders(ctx, handler, pf, cfg, fetcher, logger, true); err != nil {
		log.Fatalf("Failed to configure providers: %v", err)
	}
	logger.WithField("providers", len(handler.ProviderIDs())).Info("SSO providers configured")

	watcher, err := config.NewProvidersWatcher(cfg.SSO.ProvidersFile, func(pf *config.ProvidersFile) {
		before := handler.ProviderIDs()
		// Reload failures keep the previous provider set; a misconfigured
		// entry must not take working logins down with it.
		if err := applyProviders(ctx, handler, pf, cfg, fetcher, logger, false); err != nil {
			logger.WithError(err).Error("Provider reload failed")
			return
		}
		auditProviderReload(ctx, auditLogger, logger, before, handler.ProviderIDs())
	}, logger)
	if err != nil {
		log.Fatalf("Failed to watch providers file: %v", err)
	}
	go func() {
		defer observability.RecoverPanic(logger, "providers watcher")
		watcher.Run(ctx)
	}()

	// Callbacks sweep on arrival; the ticker covers quiet periods so
	// abandoned attempts do not sit in memory until the next login.
	go func() {
		defer observability.RecoverPanic(logger, "pending session sweep")
		ticker := time.NewTicker(cfg.SSO.SessionLifetime)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				handler.SweepPending()
			case <-ctx.Done():
				return
			}
		}
	}()

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	completer.RegisterRoutes(router)

	middlewares := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		// Web clients exchange login tokens cross-origin, so the login
		// surface answers any origin, like every client-server API.
		httputil.CORSMiddleware([]string{"*"}),
		// SAML assertions run tens of kilobytes; a megabyte of headroom
		// stops abusive posts without touching legitimate ones.
		httputil.MaxBytesMiddleware(1 << 20),
		httputil.ContentTypeMiddleware,
	}
	if cfg.Observability.MetricsEnabled {
		middlewares = append(middlewares, observability.HTTPMetricsMiddleware(metrics))
	}
	rateLimiter := buildRateLimiter(ctx, cfg, redisClient, logger, metrics)
	// Rejections land in the audit trail too; /audit/stats counts them.
	rateLimiter.SetAuditLogger(auditLogger)
	middlewares = append(middlewares, rateLimiter.Handler)

	var rootHandler http.Handler = httputil.Chain(middlewares...)(router)
	if otelProviders != nil {
		rootHandler = otelhttp.NewHandler(rootHandler, "gatehouse")
	}

	// Health, metrics, and the audit query API bind a separate port so they
	// stay cluster-internal while the login surface is public.
	healthChecker := observability.NewHealthChecker(db, redisClient)
	healthChecker.SetVersion(cfg.Observability.OTelServiceVersion)
	internalMux := http.NewServeMux()
	observability.RegisterHealthRoutes(internalMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(internalMux, registry)
	}
	if auditStore != nil {
		auditRouter := mux.NewRouter()
		audit.NewHandlers(auditStore).RegisterRoutes(auditRouter)
		internalMux.Handle("/audit/", auditRouter)
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      rootHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	internalServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      internalMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("internal_server", internalServer.Shutdown)
	shutdown.RegisterShutdownFunc("background_tasks", func(context.Context) error {
		cancel()
		return nil
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc("opentelemetry", func(sctx context.Context) error {
			return observability.ShutdownOTel(sctx, otelProviders, logger)
		})
	}
	if db != nil {
		shutdown.RegisterShutdownFunc("database", func(context.Context) error {
			return db.Close()
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	go func() {
		logger.WithField("addr", internalServer.Addr).Info("Internal server listening")
		if err := internalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Internal server failed")
		}
	}()
	go func() {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// openAccountStore opens the account storage backend named by the
// configuration. The returned store and registrar are the same value for
// every backend; the *sql.DB is nil for the in-memory store.
func openAccountStore(ctx context.Context, cfg *config.Config) (sso.AccountStore, sso.Registrar, *sql.DB, error) {
	switch cfg.Storage.Type {
	case storage.TypeMemory:
		store := accounts.NewInMemoryStore(cfg.SSO.ServerName)
		return store, store, nil, nil

	case storage.TypeSQLite:
		db, err := storage.OpenSQLite(cfg.Storage)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := sqlite.NewStore(ctx, db, cfg.SSO.ServerName)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return store, store, db, nil

	case storage.TypePostgres:
		db, err := storage.OpenPostgres(cfg.Storage)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := postgres.NewStore(ctx, db, cfg.SSO.ServerName)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return store, store, db, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}
}

// buildAuditTrail assembles the audit sinks: the database logger on
// postgres, the file logger when a log directory is configured, both fanned
// out through a multi logger. The returned store is non-nil only when the
// database sink is active; it backs the audit query API and the sweeper.
func buildAuditTrail(cfg *config.Config, db *sql.DB, logger *observability.Logger) (audit.Logger, *audit.DBStore, error) {
	if !cfg.Audit.Enabled {
		return audit.NewNopLogger(), nil, nil
	}

	var sinks []audit.Logger
	var store *audit.DBStore

	// The database logger speaks PostgreSQL; SQLite deployments use the
	// file sink instead.
	if db != nil && cfg.Storage.Type == storage.TypePostgres {
		dbLogger, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, nil, fmt.Errorf("audit database logger: %w", err)
		}
		sinks = append(sinks, dbLogger)
		store = audit.NewDBStore(dbLogger)
	}
	if cfg.Audit.LogDir != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.Audit.LogDir
		fileLogger, err := audit.NewFileLogger(fileCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("audit file logger: %w", err)
		}
		sinks = append(sinks, fileLogger)
	}

	switch len(sinks) {
	case 0:
		logger.Warn("Audit logging is enabled but neither postgres storage nor a log directory is configured; audit events will be dropped")
		return audit.NewNopLogger(), nil, nil
	case 1:
		return sinks[0], store, nil
	default:
		return audit.NewMultiLogger(sinks...), store, nil
	}
}

// buildRateLimiter picks the limiter backing the per-IP login limit: Redis
// when configured, so replicas share one budget per address, otherwise an
// in-process limiter.
func buildRateLimiter(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *middleware.RateLimitMiddleware {
	rlCfg := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.SSO.RateLimitRequests,
		WindowDuration:    cfg.SSO.RateLimitWindow,
	}

	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = middleware.NewRedisLimiter(redisClient, rlCfg, "")
	} else {
		memLimiter := middleware.NewMemoryLimiter(rlCfg)
		memLimiter.StartCleanup(ctx)
		limiter = memLimiter
	}
	return middleware.NewRateLimitMiddleware(limiter, "sso_login", logger, metrics)
}

// applyProviders builds clients for the given provider entries and swaps
// them into the handler's registry. In strict mode (startup) the first
// failure aborts; on reload a failing entry keeps its previous
// registration, if any, and entries removed from the file are deregistered.
func applyProviders(ctx context.Context, handler *sso.Handler, pf *config.ProvidersFile, cfg *config.Config, fetcher *saml.MetadataFetcher, logger *observability.Logger, strict bool) error {
	keep := make(map[string]bool, len(pf.Providers))
	for i := range pf.Providers {
		entry := &pf.Providers[i]
		p, err := buildProvider(ctx, entry, cfg.SSO.PublicBaseURL, fetcher, logger)
		if err == nil {
			err = handler.RegisterProvider(p)
		}
		if err != nil {
			if strict {
				return fmt.Errorf("provider %q: %w", entry.ID, err)
			}
			logger.WithError(err).WithField("provider", entry.ID).Error("Keeping previous configuration for provider that failed to build")
			keep[entry.ID] = true
			continue
		}
		keep[entry.ID] = true
	}

	for _, id := range handler.ProviderIDs() {
		if !keep[id] {
			handler.RemoveProvider(id)
			logger.WithField("provider", id).Info("SSO provider removed")
		}
	}
	return nil
}

// auditProviderReload records a configuration change in the audit trail:
// one event per provider that appeared or disappeared, then a reload event
// carrying the resulting count. Only live reloads land here; the startup
// set is not a change.
func auditProviderReload(ctx context.Context, sink audit.Logger, logger *observability.Logger, before, after []string) {
	record := func(eventType audit.EventType, fill func(*audit.Event)) {
		event := audit.NewEvent(nil, eventType, audit.StatusSuccess)
		fill(event)
		if err := sink.Log(ctx, event); err != nil {
			logger.WithError(err).Warn("Failed to record audit event")
		}
	}

	prev := make(map[string]bool, len(before))
	for _, id := range before {
		prev[id] = true
	}
	next := make(map[string]bool, len(after))
	for _, id := range after {
		next[id] = true
	}
	for _, id := range after {
		if !prev[id] {
			record(audit.EventProviderRegistered, func(e *audit.Event) { e.Provider = id })
		}
	}
	for _, id := range before {
		if !next[id] {
			record(audit.EventProviderRemoved, func(e *audit.Event) { e.Provider = id })
		}
	}
	record(audit.EventProviderReloaded, func(e *audit.Event) {
		e.Message = fmt.Sprintf("%d providers active", len(after))
	})
}

// buildProvider turns one validated file entry into a registered provider:
// a protocol client plus the attribute mapper that derives local identity
// material from its assertions.
func buildProvider(ctx context.Context, entry *config.ProviderConfig, publicBaseURL string, fetcher *saml.MetadataFetcher, logger *observability.Logger) (*sso.Provider, error) {
	switch entry.Type {
	case config.ProviderTypeSAML:
		mapper, err := sso.NewDefaultMapper(sso.MapperConfig{
			SourceAttribute: entry.MXIDSourceAttribute,
			MappingPolicy:   entry.MXIDMapping,
		})
		if err != nil {
			return nil, err
		}
		client, err := saml.NewClient(saml.Config{
			ProviderID:        entry.ID,
			PublicBaseURL:     publicBaseURL,
			EntityID:          entry.SAML.EntityID,
			IdPMetadataURL:    entry.SAML.IdPMetadataURL,
			IdPEntityID:       entry.SAML.IdPEntityID,
			IdPSSOURL:         entry.SAML.IdPSSOURL,
			IdPCertificate:    entry.SAML.IdPCertificate,
			Certificate:       entry.SAML.Certificate,
			PrivateKey:        entry.SAML.PrivateKey,
			SignRequests:      entry.SAML.SignRequests,
			NameIDFormat:      entry.SAML.NameIDFormat,
			AllowIDPInitiated: entry.SAML.AllowIDPInitiated,
			ServiceName:       entry.SAML.ServiceName,
		}, mapper, fetcher, logger)
		if err != nil {
			return nil, err
		}
		return &sso.Provider{
			ID:                     entry.ID,
			Client:                 client,
			Mapper:                 mapper,
			GrandfatheredAttribute: entry.GrandfatheredMXIDSourceAttribute,
		}, nil

	case config.ProviderTypeOIDC:
		mapper, err := oidc.NewClaimsMapper(entry.OIDC.SubjectClaim, entry.MXIDSourceAttribute, entry.MXIDMapping)
		if err != nil {
			return nil, err
		}
		client, err := oidc.NewClient(ctx, oidc.Config{
			ProviderID:    entry.ID,
			PublicBaseURL: publicBaseURL,
			IssuerURL:     entry.OIDC.IssuerURL,
			ClientID:      entry.OIDC.ClientID,
			ClientSecret:  entry.OIDC.ClientSecret,
			Scopes:        entry.OIDC.Scopes,
			FetchUserInfo: entry.OIDC.FetchUserInfo,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &sso.Provider{
			ID:                     entry.ID,
			Client:                 client,
			Mapper:                 mapper,
			GrandfatheredAttribute: entry.GrandfatheredMXIDSourceAttribute,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported provider type %q", entry.Type)
	}
}
