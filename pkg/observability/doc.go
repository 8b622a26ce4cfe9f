// Package observability carries the service's operational surface: structured
// JSON logging, Prometheus metrics for the login flow, health probes, and
// OpenTelemetry export.
//
// # Structured Logging
//
// Logger wraps log/slog with the derivation helpers the rest of the codebase
// leans on:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider", providerID).WithError(err).Error("Login failed")
//
// Loggers travel by constructor injection. The context carries only the
// request correlation ID, which audit events and access logs read back
// through GetRequestID.
//
// # Prometheus Metrics
//
// Metrics collects every gatehouse_* series. One instance is built at startup
// against the process registry and shared the same way loggers are:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.SSOLoginsTotal.WithLabelValues("corp-idp", "success").Inc()
//	metrics.PendingSessions.Set(float64(pending.Len()))
//
// # Health Probes
//
// HealthChecker answers liveness and readiness on the internal listener.
// Database trouble makes the instance unhealthy; losing Redis only degrades
// it, because logins still work on per-instance rate limits:
//
//	hc := observability.NewHealthChecker(db, redisClient)
//	status := hc.Check(r.Context())
//
// # OpenTelemetry
//
// InitOTel exports traces and metrics to an OTLP collector over gRPC. When
// disabled it returns nil providers and the instrumentation all becomes
// no-ops:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:        true,
//		ServiceName:    "gatehouse",
//		ServiceVersion: "1.0.0",
//		Endpoint:       "otel-collector:4317",
//	}, logger)
//
// # Shutdown
//
// ShutdownManager drains the process on SIGINT or SIGTERM: the HTTP listener
// stops first, then each registered component in registration order, under
// one deadline.
//
// # Related Packages
//
//   - pkg/config: Log level, metrics toggle, and OTel endpoint settings
//   - pkg/httputil: Request ID and access logging middleware
package observability
