// Package spawner starts and stops per-user single-user servers. The hub
// core consumes the Spawner interface; deployment targets (local process,
// docker container) plug in behind it.
package spawner

import (
	"context"
	"time"
)

// Spawner manages the lifecycle of one user's backend process. Start may be
// slow (process start plus service boot); callers bound it with a context.
type Spawner interface {
	// Start launches the backend and reports the address it listens on
	Start(ctx context.Context) (ip string, port int, err error)

	// GetState returns an opaque blob the hub persists so the backend can
	// be found again after a hub restart
	GetState() map[string]any

	// LoadState restores a previously persisted state blob
	LoadState(state map[string]any)

	// Stop terminates the backend
	Stop(ctx context.Context) error
}

// Options carries everything a spawner needs to launch one user's server
type Options struct {
	// Username of the server's owner
	Username string

	// APIToken is the capability credential the backend uses to
	// authenticate back to the hub
	APIToken string

	// HubAPIURL is where the backend reaches the hub
	HubAPIURL string

	// BaseURL is the public path the backend is served under
	BaseURL string

	// CookieName and CookieSecret scope the backend's session validation
	CookieName   string
	CookieSecret string

	// Env is extra environment for the backend process
	Env map[string]string

	// StartTimeout bounds Start
	StartTimeout time.Duration
}

// Factory constructs a Spawner for one user. The hub holds a Factory and
// builds a fresh Spawner per spawn cycle.
type Factory func(opts Options) (Spawner, error)

const (
	// DefaultStartTimeout bounds process start when Options doesn't say
	DefaultStartTimeout = 60 * time.Second
)

// Environ renders the standard backend environment from Options
func (o Options) Environ() []string {
	env := []string{
		"HUB_USER=" + o.Username,
		"HUB_API_TOKEN=" + o.APIToken,
		"HUB_API_URL=" + o.HubAPIURL,
		"HUB_BASE_URL=" + o.BaseURL,
		"HUB_COOKIE_NAME=" + o.CookieName,
		"HUB_COOKIE_SECRET=" + o.CookieSecret,
	}
	for k, v := range o.Env {
		env = append(env, k+"="+v)
	}
	return env
}
