// Package orchestrator drives the end-to-end login flow: authenticate
// credentials, find or create the user's single-user server, wait for
// readiness, register the route with the reverse proxy, and issue session
// cookies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/hub/pkg/async"
	"github.com/platinummonkey/hub/pkg/auth"
	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/proxy"
	"github.com/platinummonkey/hub/pkg/spawner"
	"github.com/platinummonkey/hub/pkg/storage"
)

// Config carries the orchestrator's derivation inputs and timeouts
type Config struct {
	// HubBasePath is the hub's own public path prefix, usually "/"
	HubBasePath string

	// HubCookieName is the hub's session cookie name
	HubCookieName string

	// HubCookieSecret is shared with every user's server record; cookie
	// path is the per-user scoping mechanism
	HubCookieSecret string

	// HubAPIURL is where spawned backends reach the hub
	HubAPIURL string

	// SpawnTimeout bounds Spawner.Start
	SpawnTimeout time.Duration

	// ReadyTimeout bounds the post-spawn readiness poll
	ReadyTimeout time.Duration
}

// SessionCookie is one cookie the caller should set on the login response
type SessionCookie struct {
	Name  string
	Value string
	Path  string
}

// LoginResult is a successful login: the user, the cookies to set, and the
// spawn outcome
type LoginResult struct {
	User    *storage.User
	Cookies []SessionCookie
}

// Orchestrator composes the token store, spawner, proxy client and record
// store into the login state machine
type Orchestrator struct {
	config        Config
	store         storage.RecordStore
	tokens        *auth.TokenService
	authenticator auth.Authenticator
	spawnerFor    spawner.Factory
	proxyClient   proxy.Client
	logger        *observability.Logger
	metrics       *observability.Metrics

	// At most one spawn in flight per username; a concurrent second login
	// for the same user awaits the same flight instead of starting a
	// second backend
	spawns singleflight.Group
}

// New creates an orchestrator. authenticator may be nil, in which case every
// login fails closed. metrics may be nil.
func New(config Config, store storage.RecordStore, tokens *auth.TokenService,
	authenticator auth.Authenticator, spawnerFor spawner.Factory,
	proxyClient proxy.Client, logger *observability.Logger,
	metrics *observability.Metrics) *Orchestrator {
	if config.SpawnTimeout == 0 {
		config.SpawnTimeout = spawner.DefaultStartTimeout
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 30 * time.Second
	}
	return &Orchestrator{
		config:        config,
		store:         store,
		tokens:        tokens,
		authenticator: authenticator,
		spawnerFor:    spawnerFor,
		proxyClient:   proxyClient,
		logger:        logger.WithField("component", "orchestrator"),
		metrics:       metrics,
	}
}

// Authenticate validates login credentials. With no authenticator configured
// login is impossible and every attempt fails.
func (o *Orchestrator) Authenticate(ctx context.Context, data map[string]string) (bool, error) {
	if o.authenticator == nil {
		o.logger.Error("no authenticator configured, login is impossible")
		return false, auth.ErrNoAuthenticator
	}
	return o.authenticator.Authenticate(ctx, data)
}

// Login runs the full flow. On bad credentials it returns ErrLoginFailed;
// any other error is an internal failure the handler reports generically.
func (o *Orchestrator) Login(ctx context.Context, data map[string]string) (*LoginResult, error) {
	username := data["username"]

	authorized, err := o.Authenticate(ctx, data)
	if err != nil && !errors.Is(err, auth.ErrNoAuthenticator) {
		return nil, fmt.Errorf("authentication check failed: %w", err)
	}
	if !authorized {
		o.logger.WithField("username", username).Debug("failed login")
		if o.metrics != nil {
			o.metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
		}
		return nil, ErrLoginFailed
	}

	user, err := o.EnsureUser(ctx, username)
	if err != nil {
		if o.metrics != nil {
			o.metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	cookies, err := o.issueSessionCookies(ctx, user)
	if err != nil {
		if o.metrics != nil {
			o.metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	}
	return &LoginResult{User: user, Cookies: cookies}, nil
}

// EnsureUser looks up a user by name, provisioning the user, their server
// record, and a running backend on first login
func (o *Orchestrator) EnsureUser(ctx context.Context, username string) (*storage.User, error) {
	user, err := o.store.GetUser(ctx, username)
	if err == nil {
		if !user.Server.Running {
			return o.SpawnUser(ctx, username)
		}
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	user = &storage.User{
		Name: username,
		Server: &storage.Server{
			BaseURL:      storage.DeriveBaseURL(o.config.HubBasePath, username),
			CookieName:   storage.DeriveCookieName(o.config.HubCookieName, username),
			CookieSecret: o.config.HubCookieSecret,
		},
	}
	if err := o.store.CreateUserWithServer(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			// Lost the race to a concurrent login; the flight below
			// still collapses the spawn to one backend
			if user, err = o.store.GetUser(ctx, username); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	return o.SpawnUser(ctx, username)
}

// GetUser returns the stored user record without spawning anything.
func (o *Orchestrator) GetUser(ctx context.Context, username string) (*storage.User, error) {
	return o.store.GetUser(ctx, username)
}

// SpawnUser starts the user's backend if it is not already running. All
// concurrent callers for the same username share one spawn.
func (o *Orchestrator) SpawnUser(ctx context.Context, username string) (*storage.User, error) {
	result, err, _ := o.spawns.Do(username, func() (any, error) {
		// The spawn must run to completion even if the surrounding
		// request is aborted: a half-started backend must not be
		// orphaned, and its address must be persisted
		spawnCtx, cancel := context.WithTimeout(context.Background(), o.config.SpawnTimeout)
		defer cancel()
		return o.spawnServer(spawnCtx, username)
	})
	if err != nil {
		return nil, err
	}
	return result.(*storage.User), nil
}

// spawnServer issues the backend's API token, starts the backend, persists
// its address and spawner state, and kicks off async route registration
func (o *Orchestrator) spawnServer(ctx context.Context, username string) (*storage.User, error) {
	user, err := o.store.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	log := o.logger.WithField("username", username)

	if user.Server.Running {
		if PingServer(user.Server.IP, user.Server.Port) {
			return user, nil
		}
		// Recorded as running but unreachable: stale state from before a
		// hub restart or a crashed backend. Stop whatever the persisted
		// state still points at, then spawn fresh.
		log.Warn("recorded backend is unreachable, replacing it")
		o.stopRecordedBackend(ctx, user)
		user.Server.Running = false
	}

	// The token row commits before the backend starts, so the backend's
	// first authenticated callback can succeed
	apiToken, err := o.tokens.IssueAPIToken(ctx, user)
	if err != nil {
		return nil, err
	}

	sp, err := o.spawnerFor(spawner.Options{
		Username:     username,
		APIToken:     apiToken,
		HubAPIURL:    o.config.HubAPIURL,
		BaseURL:      user.Server.BaseURL,
		CookieName:   user.Server.CookieName,
		CookieSecret: user.Server.CookieSecret,
		StartTimeout: o.config.SpawnTimeout,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ip, port, err := sp.Start(ctx)
	if err != nil {
		if o.metrics != nil {
			o.metrics.SpawnsTotal.WithLabelValues(spawnerLabel(sp), "error").Inc()
		}
		log.WithError(err).Error("failed to spawn single-user server")
		return nil, fmt.Errorf("%w: %v", spawner.ErrSpawnFailed, err)
	}

	user.Server.IP = ip
	user.Server.Port = port
	user.Server.State = sp.GetState()
	user.Server.Running = true
	user.Server.RouteSynced = false
	if err := o.store.UpdateServer(ctx, user.Server); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.SpawnsTotal.WithLabelValues(spawnerLabel(sp), "ok").Inc()
		o.metrics.SpawnDuration.WithLabelValues(spawnerLabel(sp)).Observe(time.Since(start).Seconds())
	}
	log.WithFields(map[string]interface{}{"ip": ip, "port": port}).Info("single-user server spawned")

	// Registration failure must not fail the login; the reconciler
	// retries any route that never lands
	server := *user.Server
	async.SafeGo(o.config.ReadyTimeout+30*time.Second, "proxy route registration",
		func(taskCtx context.Context) error {
			return o.registerRoute(taskCtx, username, &server)
		})

	return user, nil
}

// registerRoute waits for the backend to accept connections, then announces
// the route to the proxy and persists the synced flag
func (o *Orchestrator) registerRoute(ctx context.Context, username string, server *storage.Server) error {
	log := o.logger.WithField("username", username)

	readyCtx, cancel := context.WithTimeout(ctx, o.config.ReadyTimeout)
	defer cancel()
	if err := WaitForServer(readyCtx, server.IP, server.Port); err != nil {
		if o.metrics != nil {
			o.metrics.ProxyRegistrationsTotal.WithLabelValues("error").Inc()
		}
		log.WithError(err).Error("single-user server never became ready, route not registered")
		return err
	}

	if err := o.proxyClient.Register(ctx, server.BaseURL, server.URL(), username); err != nil {
		if o.metrics != nil {
			o.metrics.ProxyRegistrationsTotal.WithLabelValues("error").Inc()
		}
		log.WithError(err).Error("proxy route registration failed, queued for reconciliation")
		return err
	}

	server.RouteSynced = true
	if err := o.store.UpdateServer(ctx, server); err != nil {
		log.WithError(err).Error("failed to persist route sync state")
		return err
	}

	if o.metrics != nil {
		o.metrics.ProxyRegistrationsTotal.WithLabelValues("ok").Inc()
	}
	log.Info("proxy route registered")
	return nil
}

// rebuildSpawner reconstructs a spawner for a stored server from its
// persisted state blob, so stop and cleanup work across hub restarts
func (o *Orchestrator) rebuildSpawner(user *storage.User) (spawner.Spawner, error) {
	sp, err := o.spawnerFor(spawner.Options{
		Username:     user.Name,
		HubAPIURL:    o.config.HubAPIURL,
		BaseURL:      user.Server.BaseURL,
		CookieName:   user.Server.CookieName,
		CookieSecret: user.Server.CookieSecret,
		StartTimeout: o.config.SpawnTimeout,
	})
	if err != nil {
		return nil, err
	}
	sp.LoadState(user.Server.State)
	return sp, nil
}

// stopRecordedBackend best-effort stops whatever the persisted state still
// points at, so a replaced backend is not leaked
func (o *Orchestrator) stopRecordedBackend(ctx context.Context, user *storage.User) {
	log := o.logger.WithField("username", user.Name)
	sp, err := o.rebuildSpawner(user)
	if err != nil {
		log.WithError(err).Warn("could not rebuild spawner for stale backend")
		return
	}
	if err := sp.Stop(ctx); err != nil && !errors.Is(err, spawner.ErrNotRunning) {
		log.WithError(err).Warn("failed to stop stale backend")
	}
}

// StopServer shuts down a user's backend and records the user as having no
// server. The proxy route is withdrawn first so traffic stops landing on a
// dying backend. Returns spawner.ErrNotRunning when there is no backend.
func (o *Orchestrator) StopServer(ctx context.Context, username string) error {
	user, err := o.store.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if !user.Server.Running {
		return spawner.ErrNotRunning
	}

	log := o.logger.WithField("username", username)
	if err := o.proxyClient.Deregister(ctx, user.Server.BaseURL); err != nil {
		log.WithError(err).Warn("failed to withdraw proxy route")
	}

	sp, err := o.rebuildSpawner(user)
	if err != nil {
		return err
	}
	if err := sp.Stop(ctx); err != nil && !errors.Is(err, spawner.ErrNotRunning) {
		return err
	}

	user.Server.Running = false
	user.Server.RouteSynced = false
	user.Server.State = nil
	if err := o.store.UpdateServer(ctx, user.Server); err != nil {
		return err
	}
	log.Info("single-user server stopped")
	return nil
}

// issueSessionCookies issues the two session cookies: one scoped to the
// user's server path and one scoped to the hub's own path
func (o *Orchestrator) issueSessionCookies(ctx context.Context, user *storage.User) ([]SessionCookie, error) {
	serverToken, err := o.tokens.IssueCookieToken(ctx, user)
	if err != nil {
		return nil, err
	}
	hubToken, err := o.tokens.IssueCookieToken(ctx, user)
	if err != nil {
		return nil, err
	}

	return []SessionCookie{
		{Name: user.Server.CookieName, Value: serverToken, Path: user.Server.BaseURL},
		{Name: o.config.HubCookieName, Value: hubToken, Path: o.config.HubBasePath},
	}, nil
}

// CurrentUser resolves a hub session cookie to a username
func (o *Orchestrator) CurrentUser(ctx context.Context, cookieToken string) (string, error) {
	return o.tokens.VerifyCookieToken(ctx, cookieToken)
}

// Logout revokes a session cookie token
func (o *Orchestrator) Logout(ctx context.Context, cookieToken string) error {
	return o.tokens.Revoke(ctx, cookieToken)
}

// DefaultRedirectURL is where a user lands after login when no explicit
// next target was requested
func (o *Orchestrator) DefaultRedirectURL(username string) string {
	return storage.DeriveBaseURL(o.config.HubBasePath, username) + "/"
}

func spawnerLabel(sp spawner.Spawner) string {
	switch sp.(type) {
	case *spawner.LocalProcessSpawner:
		return "local"
	case *spawner.DockerSpawner:
		return "docker"
	default:
		return "custom"
	}
}
