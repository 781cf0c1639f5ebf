package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/hub/pkg/httputil"
)

// DistributedRateLimiter implements rate limiting using Redis so the limit
// is shared across hub replicas
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string

	// Fail open on Redis errors: a broken limiter must not lock every
	// user out of login
	failOpen bool
}

// NewDistributedRateLimiter creates a Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = LoginRateLimitConfig()
	}
	if prefix == "" {
		prefix = "hub:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:    redisClient,
		config:   config,
		prefix:   prefix,
		failOpen: true,
	}
}

// Allow checks if a request is allowed using a Redis fixed-window counter
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return rl.failOpen, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// TTL returns the time until the rate limit window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Result()
}

// Reset clears the rate limit for a key (for testing or admin purposes)
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Err()
}

// SetFailOpen controls whether Redis errors allow (true) or reject (false)
// requests
func (rl *DistributedRateLimiter) SetFailOpen(enabled bool) {
	rl.failOpen = enabled
}

// Handler wraps an HTTP handler with distributed rate limiting keyed by
// client IP
func (rl *DistributedRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := httputil.ClientIP(r)

		allowed, err := rl.Allow(r.Context(), key)
		if err != nil && allowed {
			// Redis is down and we fail open
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			if ttl, err := rl.TTL(r.Context(), key); err == nil && ttl > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", ttl.Seconds()))
			}
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
