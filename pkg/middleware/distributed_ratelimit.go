package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is a fixed-window limiter shared across instances through
// Redis. All instances behind a load balancer see the same counters, so
// the configured limit holds for the fleet rather than per process.
type RedisLimiter struct {
	client *redis.Client
	cfg    *RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. prefix namespaces the
// keys; it defaults to "gatehouse:ratelimit".
func NewRedisLimiter(client *redis.Client, cfg *RateLimitConfig, prefix string) *RedisLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "gatehouse:ratelimit"
	}
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		prefix: prefix,
	}
}

var _ Limiter = (*RedisLimiter)(nil)

// Allow counts the request into the key's window. SetNX pins the window's
// expiry when the window opens; later requests in the same window must not
// extend it, or a steady trickle of traffic would keep a blocked key
// blocked forever.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := l.prefix + ":" + key

	pipe := l.client.Pipeline()
	pipe.SetNX(ctx, redisKey, 0, l.cfg.WindowDuration)
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	resetAfter := ttl.Val()
	if resetAfter < 0 {
		resetAfter = l.cfg.WindowDuration
	}

	return l.cfg.resultFor(incr.Val(), resetAfter), nil
}

// Reset clears the key's window, unblocking it immediately.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+":"+key).Err(); err != nil {
		return fmt.Errorf("rate limit reset failed: %w", err)
	}
	return nil
}
