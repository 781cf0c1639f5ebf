package async

import (
	"context"
	"log"
	"runtime/debug"
	"time"
)

// SafeGo executes a function in a goroutine with:
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// The goroutine runs on a context detached from the caller's: a client
// abandoning the surrounding HTTP request must not cancel the task.
//
// Example:
//
//	SafeGo(30*time.Second, "proxy route registration", func(ctx context.Context) error {
//	    return proxyClient.Register(ctx, path, target, user)
//	})
func SafeGo(timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			// Log error but don't crash; the caller decides if this is critical
			log.Printf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}
