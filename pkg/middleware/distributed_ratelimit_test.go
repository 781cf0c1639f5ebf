package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestDistributedLimiter(t *testing.T, config *RateLimitConfig) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewDistributedRateLimiter(client, config, "test:ratelimit"), mr
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	limiter, _ := newTestDistributedLimiterWithWindow(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("Request over the limit should be rejected")
	}

	// Other keys have their own counters
	allowed, err = limiter.Allow(ctx, "10.0.0.2")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Error("Different key should be allowed")
	}
}

func newTestDistributedLimiterWithWindow(t *testing.T, limit int, window time.Duration) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	return newTestDistributedLimiter(t, &RateLimitConfig{
		RequestsPerWindow: limit,
		WindowDuration:    window,
	})
}

func TestDistributedRateLimiter_WindowExpiry(t *testing.T) {
	limiter, mr := newTestDistributedLimiterWithWindow(t, 1, time.Second)
	ctx := context.Background()

	if allowed, _ := limiter.Allow(ctx, "10.0.0.1"); !allowed {
		t.Fatal("First request should be allowed")
	}
	if allowed, _ := limiter.Allow(ctx, "10.0.0.1"); allowed {
		t.Fatal("Second request should be rejected")
	}

	// miniredis advances TTLs manually
	mr.FastForward(2 * time.Second)

	if allowed, _ := limiter.Allow(ctx, "10.0.0.1"); !allowed {
		t.Error("Request after window expiry should be allowed")
	}
}

func TestDistributedRateLimiter_Reset(t *testing.T) {
	limiter, _ := newTestDistributedLimiterWithWindow(t, 1, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "10.0.0.1")
	if allowed, _ := limiter.Allow(ctx, "10.0.0.1"); allowed {
		t.Fatal("Should be limited before reset")
	}

	if err := limiter.Reset(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if allowed, _ := limiter.Allow(ctx, "10.0.0.1"); !allowed {
		t.Error("Should be allowed after reset")
	}
}

func TestDistributedRateLimiter_FailOpen(t *testing.T) {
	limiter, mr := newTestDistributedLimiterWithWindow(t, 1, time.Minute)
	ctx := context.Background()

	// Kill Redis; fail-open lets requests through, fail-closed rejects
	mr.Close()

	allowed, err := limiter.Allow(ctx, "10.0.0.1")
	if err == nil {
		t.Fatal("Allow() should report the Redis error")
	}
	if !allowed {
		t.Error("Fail-open limiter should allow on Redis error")
	}

	limiter.SetFailOpen(false)
	allowed, err = limiter.Allow(ctx, "10.0.0.1")
	if err == nil {
		t.Fatal("Allow() should report the Redis error")
	}
	if allowed {
		t.Error("Fail-closed limiter should reject on Redis error")
	}
}

func TestDistributedRateLimiter_Handler(t *testing.T) {
	limiter, _ := newTestDistributedLimiterWithWindow(t, 1, time.Minute)

	handler := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("First request status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("POST", "/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Rejected response should carry Retry-After")
	}
}
