package auth

import "errors"

var (
	// ErrTokenNotFound indicates the presented token matches no stored
	// credential. Verification does not distinguish unknown from stale.
	ErrTokenNotFound = errors.New("token not found")

	// ErrNoAuthenticator indicates no authenticator is configured; the hub
	// fails closed and every login attempt is rejected
	ErrNoAuthenticator = errors.New("no authenticator configured, login is impossible")

	// ErrAuthenticationFailed indicates bad credentials. Callers surface
	// this to users only as a generic invalid-credentials message.
	ErrAuthenticationFailed = errors.New("authentication failed")
)
