package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	readinessPollInterval = 100 * time.Millisecond
	readinessDialTimeout  = 1 * time.Second
)

// PingServer reports whether the server at ip:port currently accepts TCP
// connections. One dial, no polling.
func PingServer(ip string, port int) bool {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, readinessDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitForServer polls ip:port until it accepts TCP connections or the
// context expires. A server is never announced to the proxy before this
// succeeds.
func WaitForServer(ctx context.Context, ip string, port int) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, readinessDialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: server at %s never became ready: %v", ErrServerNotReady, addr, err)
		case <-ticker.C:
		}
	}
}
