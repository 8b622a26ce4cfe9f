// Package middleware provides per-client-IP rate limiting for the login
// endpoints.
//
// # Overview
//
// The limit is a fixed window: the first request for a key opens a window
// of WindowDuration, every request in that window counts against
// RequestsPerWindow, and the counter resets when the window expires. Two
// backends implement the Limiter interface. MemoryLimiter keeps windows
// in a process-local map and suits single-instance deployments.
// RedisLimiter shares counters through Redis so a fleet behind a load
// balancer enforces one limit together; the window's expiry is pinned
// with SetNX when it opens and later hits never extend it.
//
// The middleware fails open. When the limiter backend errors, the request
// is served and the failure logged; an unavailable Redis must not take
// the login flow down with it. Rejected requests get a 429 with
// Retry-After, and every response carries the X-RateLimit-* headers.
//
// # Usage Example
//
//	limiter := middleware.NewRedisLimiter(redisClient, nil, "")
//	rl := middleware.NewRateLimitMiddleware(limiter, "sso_login", logger, metrics)
//	router.PathPrefix("/auth/sso/").Handler(rl.Handler(ssoRoutes))
package middleware
