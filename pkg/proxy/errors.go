package proxy

import "errors"

// ErrRegistration indicates a route registration or removal failed. It is
// non-fatal to login; the reconciler retries until the route lands.
var ErrRegistration = errors.New("proxy route registration failed")
