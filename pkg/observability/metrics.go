package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is every Prometheus series the service exposes, grouped by
// subsystem. One instance is built at startup and handed to whatever
// records into it.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Login flow metrics
	SSOLoginsTotal   *prometheus.CounterVec
	SSOLoginDuration *prometheus.HistogramVec

	// Pending session metrics
	PendingSessions        prometheus.Gauge
	PendingSessionsExpired prometheus.Counter

	// Resolution metrics
	AccountsProvisioned *prometheus.CounterVec
	BindingsCreated     *prometheus.CounterVec
	MappingCollisions   *prometheus.CounterVec

	// Provider metrics
	MetadataRefreshTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitRejections *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

func histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.DefBuckets,
	}, labels)
}

// NewMetrics builds the full metric set and registers it on the given
// registry. Registration panics when a name is already taken, so a process
// builds the set exactly once.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: counterVec("gatehouse_http_requests_total",
			"Total number of HTTP requests", "method", "path", "status"),
		HTTPRequestDuration: histogramVec("gatehouse_http_request_duration_seconds",
			"HTTP request duration in seconds", "method", "path"),
		HTTPRequestsInFlight: gauge("gatehouse_http_requests_in_flight",
			"Number of HTTP requests currently being served"),

		SSOLoginsTotal: counterVec("gatehouse_sso_logins_total",
			"Total number of SSO login attempts by outcome", "provider", "result"),
		SSOLoginDuration: histogramVec("gatehouse_sso_login_duration_seconds",
			"Assertion handling duration in seconds", "provider"),

		PendingSessions: gauge("gatehouse_pending_sessions",
			"Number of outstanding login attempts"),
		PendingSessionsExpired: counter("gatehouse_pending_sessions_expired_total",
			"Total number of pending sessions removed by the expiry sweep"),

		AccountsProvisioned: counterVec("gatehouse_accounts_provisioned_total",
			"Total number of accounts provisioned through SSO", "provider"),
		BindingsCreated: counterVec("gatehouse_bindings_created_total",
			"Total number of external identity bindings created", "provider", "reason"),
		MappingCollisions: counterVec("gatehouse_mapping_collisions_total",
			"Total number of localpart candidates rejected as taken", "provider"),

		MetadataRefreshTotal: counterVec("gatehouse_idp_metadata_refresh_total",
			"Total number of IdP metadata fetches by status", "provider", "status"),

		RateLimitRejections: counterVec("gatehouse_ratelimit_rejections_total",
			"Total number of requests rejected by rate limiting", "limit_type"),

		DBConnectionsActive: gauge("gatehouse_db_connections_active",
			"Number of active database connections"),
		DBConnectionsIdle: gauge("gatehouse_db_connections_idle",
			"Number of idle database connections"),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SSOLoginsTotal,
		m.SSOLoginDuration,
		m.PendingSessions,
		m.PendingSessionsExpired,
		m.AccountsProvisioned,
		m.BindingsCreated,
		m.MappingCollisions,
		m.MetadataRefreshTotal,
		m.RateLimitRejections,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter records the status code and body size on their way out.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware counts and times every request by method, path,
// and status.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			metrics.HTTPRequestsInFlight.Inc()
			defer metrics.HTTPRequestsInFlight.Dec()

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint mounts the exposition handler on the internal mux.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// MetricsHandler returns the /metrics handler for mounting on any router.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
