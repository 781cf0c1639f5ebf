package orchestrator

import "errors"

var (
	// ErrServerNotReady indicates the spawned server never accepted
	// connections within the readiness deadline
	ErrServerNotReady = errors.New("single-user server not ready")

	// ErrLoginFailed indicates bad credentials; surfaced to users only as
	// a generic invalid-credentials message
	ErrLoginFailed = errors.New("invalid username or password")
)
