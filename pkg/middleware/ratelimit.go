package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gatehouselabs/gatehouse/pkg/audit"
	"github.com/gatehouselabs/gatehouse/pkg/httputil"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

// RateLimitConfig defines one fixed-window rate limit.
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window.
	RequestsPerWindow int
	// WindowDuration is the length of the window.
	WindowDuration time.Duration
}

// DefaultRateLimitConfig returns the default per-IP limit for the login
// endpoints. Login flows involve a handful of redirects, so this leaves
// plenty of room for retries without letting one address hammer the IdP
// round trip.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
	}
}

// Result is a limiter's decision for one request.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// resultFor builds the decision for the count-th request in a window.
func (c *RateLimitConfig) resultFor(count int64, resetAfter time.Duration) Result {
	remaining := int64(c.RequestsPerWindow) - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    count <= int64(c.RequestsPerWindow),
		Limit:      c.RequestsPerWindow,
		Remaining:  int(remaining),
		ResetAfter: resetAfter,
	}
}

// Limiter counts a request against a key's window and decides. The
// in-memory and Redis implementations share this interface so the
// middleware does not care which one a deployment runs.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

type memoryWindow struct {
	start time.Time
	count int64
}

// MemoryLimiter is a single-process fixed-window limiter. It serves
// deployments without Redis; limits then apply per instance.
type MemoryLimiter struct {
	cfg *RateLimitConfig

	mu      sync.Mutex
	windows map[string]*memoryWindow
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(cfg *RateLimitConfig) *MemoryLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	return &MemoryLimiter{
		cfg:     cfg,
		windows: make(map[string]*memoryWindow),
	}
}

var _ Limiter = (*MemoryLimiter)(nil)

// Allow counts the request into the key's current window, opening a fresh
// one when the previous window has ended.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.cfg.WindowDuration {
		w = &memoryWindow{start: now}
		l.windows[key] = w
	}
	w.count++

	return l.cfg.resultFor(w.count, l.cfg.WindowDuration-now.Sub(w.start)), nil
}

// Cleanup drops windows that have ended. Idle keys otherwise accumulate
// one entry each.
func (l *MemoryLimiter) Cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.WindowDuration {
			delete(l.windows, key)
		}
	}
}

// StartCleanup runs Cleanup on a ticker until ctx is done.
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware applies a per-client-IP limit to the routes it
// wraps. limitType labels rejections in the metrics.
type RateLimitMiddleware struct {
	limiter   Limiter
	limitType string
	logger    *observability.Logger
	metrics   *observability.Metrics
	audit     audit.Logger
}

// NewRateLimitMiddleware creates the middleware. metrics may be nil.
func NewRateLimitMiddleware(limiter Limiter, limitType string, logger *observability.Logger, metrics *observability.Metrics) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RateLimitMiddleware{
		limiter:   limiter,
		limitType: limitType,
		logger:    logger,
		metrics:   metrics,
	}
}

// SetAuditLogger records rejections as audit events. They carry status
// denied, which is what the rate_limited stat counts.
func (m *RateLimitMiddleware) SetAuditLogger(sink audit.Logger) {
	m.audit = sink
}

// Handler wraps next with the rate limit check.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := m.limiter.Allow(r.Context(), "ip:"+httputil.ClientIP(r))
		if err != nil {
			// Fail open: a limiter outage must not take logins down with it.
			m.logger.WithError(err).WithField("limit_type", m.limitType).Warn("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if result.ResetAfter > 0 {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(result.ResetAfter).Unix(), 10))
		}

		if !result.Allowed {
			if m.metrics != nil {
				m.metrics.RateLimitRejections.WithLabelValues(m.limitType).Inc()
			}
			if m.audit != nil {
				event := audit.NewEvent(r, audit.EventRateLimited, audit.StatusDenied)
				event.Message = "rate limit exceeded for " + m.limitType
				if err := m.audit.Log(r.Context(), event); err != nil {
					m.logger.WithError(err).Warn("failed to audit rate limit rejection")
				}
			}
			retryAfter := int(result.ResetAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
