package api

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hub/pkg/auth"
	"github.com/platinummonkey/hub/pkg/middleware"
	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/orchestrator"
	"github.com/platinummonkey/hub/pkg/spawner"
	"github.com/platinummonkey/hub/pkg/storage"
)

type testSpawner struct {
	listener net.Listener
}

func (s *testSpawner) Start(_ context.Context) (string, int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", 0, err
	}
	s.listener = ln
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, nil
}

func (s *testSpawner) GetState() map[string]any   { return nil }
func (s *testSpawner) LoadState(map[string]any)   {}
func (s *testSpawner) Stop(context.Context) error { return nil }

type noopProxy struct{}

func (noopProxy) Register(context.Context, string, string, string) error { return nil }
func (noopProxy) Deregister(context.Context, string) error               { return nil }

func newTestServer(t *testing.T, opts ...Option) (*Server, *auth.TokenService, *storage.SQLiteStore) {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := auth.NewTokenService(store, nil)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	authenticator := auth.NewStaticAuthenticator(map[string]string{"alice": "wonderland"})
	factory := func(spawner.Options) (spawner.Spawner, error) {
		return &testSpawner{}, nil
	}

	orch := orchestrator.New(orchestrator.Config{
		HubBasePath:     "/",
		HubCookieName:   "hub",
		HubCookieSecret: "secret",
		HubAPIURL:       "http://127.0.0.1:8000/api",
		SpawnTimeout:    10 * time.Second,
		ReadyTimeout:    5 * time.Second,
	}, store, tokens, authenticator, factory, noopProxy{}, logger, nil)

	return NewServer(orch, tokens, logger, nil, "hub", "/", opts...), tokens, store
}

func postLogin(server *Server, form url.Values, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func loginAlice(t *testing.T, server *Server) []*http.Cookie {
	t.Helper()
	rec := postLogin(server, url.Values{
		"username": {"alice"},
		"password": {"wonderland"},
	}, "/login")
	require.Equal(t, http.StatusFound, rec.Code)
	return rec.Result().Cookies()
}

func TestLoginForm_Render(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/login?username=alice", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="username"`)
	assert.Contains(t, body, `name="password"`)
	assert.Contains(t, body, `value="alice"`, "submitted username should be prefilled")
	assert.NotContains(t, body, "Invalid username or password")
}

func TestLoginPost_Success(t *testing.T) {
	server, tokens, _ := newTestServer(t)

	rec := postLogin(server, url.Values{
		"username": {"alice"},
		"password": {"wonderland"},
	}, "/login")

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/alice/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	byName := make(map[string]*http.Cookie)
	for _, c := range cookies {
		byName[c.Name] = c
	}

	hub := byName["hub"]
	require.NotNil(t, hub, "hub session cookie should be set")
	assert.Equal(t, "/", hub.Path)
	assert.True(t, hub.HttpOnly)

	serverCookie := byName["hub-alice"]
	require.NotNil(t, serverCookie, "server-scoped cookie should be set")
	assert.Equal(t, "/user/alice", serverCookie.Path)

	// The hub cookie is a live session token
	name, err := tokens.VerifyCookieToken(context.Background(), hub.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestLoginPost_NextRedirect(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := postLogin(server, url.Values{
		"username": {"alice"},
		"password": {"wonderland"},
	}, "/login?next=/user/alice/notebooks/intro")

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/alice/notebooks/intro", rec.Header().Get("Location"))
}

func TestLoginPost_BadCredentials(t *testing.T) {
	server, _, store := newTestServer(t)

	rec := postLogin(server, url.Values{
		"username": {"alice"},
		"password": {"rabbit"},
	}, "/login")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Invalid username or password")
	assert.Contains(t, body, `value="alice"`, "submitted username should be preserved")
	assert.Empty(t, rec.Result().Cookies(), "failed login should not set cookies")

	// A failed login must not provision anything
	_, err := store.GetUser(context.Background(), "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoginForm_SkipsWhenAuthenticated(t *testing.T) {
	server, _, _ := newTestServer(t)
	cookies := loginAlice(t, server)

	req := httptest.NewRequest("GET", "/login", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/alice/", rec.Header().Get("Location"))
}

func TestRoot_RedirectsToLogin(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestRoot_RedirectsAuthenticatedUserToServer(t *testing.T) {
	server, _, _ := newTestServer(t)
	cookies := loginAlice(t, server)

	req := httptest.NewRequest("GET", "/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/alice/", rec.Header().Get("Location"))
}

func TestUserHandler_MismatchRedirectsToLogin(t *testing.T) {
	server, _, _ := newTestServer(t)
	cookies := loginAlice(t, server)

	req := httptest.NewRequest("GET", "/user/bob/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, "/user/bob/", loc.Query().Get("next"))
}

func TestUserHandler_OwnerRespawns(t *testing.T) {
	server, _, _ := newTestServer(t)
	cookies := loginAlice(t, server)

	req := httptest.NewRequest("GET", "/user/alice/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/alice/", rec.Header().Get("Location"))
}

func TestLogout(t *testing.T) {
	server, tokens, _ := newTestServer(t)
	cookies := loginAlice(t, server)

	var hubCookie *http.Cookie
	for _, c := range cookies {
		if c.Name == "hub" {
			hubCookie = c
		}
	}
	require.NotNil(t, hubCookie)

	req := httptest.NewRequest("GET", "/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	// The session token is revoked and the cookies are cleared
	_, err := tokens.VerifyCookieToken(context.Background(), hubCookie.Value)
	assert.ErrorIs(t, err, auth.ErrTokenNotFound)

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "hub" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "hub cookie should be cleared")
}

func TestAuthorizations_RequiresAPIToken(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/authorizations/hub_whatever", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest("GET", "/api/authorizations/hub_whatever", nil)
	req.Header.Set("Authorization", "Bearer something")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthorizations_ResolvesCookieToken(t *testing.T) {
	server, tokens, store := newTestServer(t)
	cookies := loginAlice(t, server)

	user, err := store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	apiToken, err := tokens.IssueAPIToken(context.Background(), user)
	require.NoError(t, err)

	var hubCookie *http.Cookie
	for _, c := range cookies {
		if c.Name == "hub" {
			hubCookie = c
		}
	}
	require.NotNil(t, hubCookie)

	req := httptest.NewRequest("GET", "/api/authorizations/"+hubCookie.Value, nil)
	req.Header.Set("Authorization", "token "+apiToken)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"alice"}`, rec.Body.String())
}

func TestAuthorizations_UnknownCookieToken(t *testing.T) {
	server, tokens, store := newTestServer(t)
	loginAlice(t, server)

	user, err := store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	apiToken, err := tokens.IssueAPIToken(context.Background(), user)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/authorizations/hub_unknown", nil)
	req.Header.Set("Authorization", "token "+apiToken)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// waitForRouteSync lets the async route registration finish so later
// assertions do not race its server-row write
func waitForRouteSync(t *testing.T, store *storage.SQLiteStore, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		user, err := store.GetUser(context.Background(), name)
		require.NoError(t, err)
		if user.Server.RouteSynced {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Route never synced")
}

func TestRoot_ClearsStaleSessionCookie(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: "hub", Value: "hub_stale"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "hub" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "a session cookie that no longer resolves should be cleared")
}

func TestLoginForm_ClearsStaleSessionCookie(t *testing.T) {
	server, tokens, _ := newTestServer(t)
	cookies := loginAlice(t, server)

	var hubCookie *http.Cookie
	for _, c := range cookies {
		if c.Name == "hub" {
			hubCookie = c
		}
	}
	require.NotNil(t, hubCookie)
	require.NoError(t, tokens.Revoke(context.Background(), hubCookie.Value))

	req := httptest.NewRequest("GET", "/login", nil)
	req.AddCookie(hubCookie)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	// The revoked session falls back to the form and the cookie goes away
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="password"`)

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "hub" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "a revoked session cookie should be cleared")
}

func TestStopServerEndpoint(t *testing.T) {
	server, tokens, store := newTestServer(t)
	loginAlice(t, server)
	waitForRouteSync(t, store, "alice")

	user, err := store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, user.Server.Running)
	apiToken, err := tokens.IssueAPIToken(context.Background(), user)
	require.NoError(t, err)

	req := httptest.NewRequest("DELETE", "/api/users/alice/server", nil)
	req.Header.Set("Authorization", "token "+apiToken)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	user, err = store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, user.Server.Running)
	assert.False(t, user.Server.RouteSynced)

	// Stopping an already stopped server is a client error
	req = httptest.NewRequest("DELETE", "/api/users/alice/server", nil)
	req.Header.Set("Authorization", "token "+apiToken)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopServerEndpoint_OwnerOnly(t *testing.T) {
	server, tokens, store := newTestServer(t)
	loginAlice(t, server)
	waitForRouteSync(t, store, "alice")

	user, err := store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	apiToken, err := tokens.IssueAPIToken(context.Background(), user)
	require.NoError(t, err)

	req := httptest.NewRequest("DELETE", "/api/users/bob/server", nil)
	req.Header.Set("Authorization", "token "+apiToken)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Alice's server is untouched
	user, err = store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, user.Server.Running)
}

func TestLogin_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
	})
	server, _, _ := newTestServer(t, WithLoginRateLimit(limiter))

	form := url.Values{"username": {"alice"}, "password": {"rabbit"}}
	for i := 0; i < 2; i++ {
		rec := postLogin(server, form, "/login")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := postLogin(server, form, "/login")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
