package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/platinummonkey/hub/pkg/httputil"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// LoginRateLimitConfig returns the login-surface limit. Logins are rare per
// client; a low ceiling blunts credential stuffing without hurting users.
func LoginRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
	}
}

// RateLimiter implements rate limiting using a fixed window counter.
// In-memory, so per-replica; use DistributedRateLimiter when the hub runs
// more than one replica.
type RateLimiter struct {
	config  *RateLimitConfig
	windows map[string]*window
	mu      sync.Mutex
}

type window struct {
	count   int
	started time.Time
}

// NewRateLimiter creates a new in-memory rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = LoginRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		windows: make(map[string]*window),
	}
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, exists := rl.windows[key]
	if !exists || now.Sub(w.started) >= rl.config.WindowDuration {
		rl.windows[key] = &window{count: 1, started: now}
		return true
	}

	w.count++
	return w.count <= rl.config.RequestsPerWindow
}

// Handler wraps an HTTP handler with rate limiting keyed by client IP
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(httputil.ClientIP(r)) {
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
