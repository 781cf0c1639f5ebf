//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/hub/pkg/storage"
)

// setupPostgresStore starts a PostgreSQL container and opens a store on it
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("hub_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.Type = "postgres"
	cfg.PostgresURL = connStr

	store, err := NewPostgresStore(cfg)
	require.NoError(t, err, "Failed to open store")
	t.Cleanup(func() { store.Close() })

	return store
}

func TestPostgresStore_Integration_UserLifecycle(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	user := &storage.User{
		Name: "alice",
		Server: &storage.Server{
			BaseURL:      "/user/alice",
			CookieName:   "hub-alice",
			CookieSecret: "secret",
		},
	}
	require.NoError(t, store.CreateUserWithServer(ctx, user))
	assert.NotZero(t, user.ID)
	assert.NotZero(t, user.Server.ID)

	err := store.CreateUserWithServer(ctx, &storage.User{
		Name:   "alice",
		Server: &storage.Server{BaseURL: "/user/alice2"},
	})
	assert.True(t, errors.Is(err, storage.ErrUserExists))

	user.Server.IP = "10.0.0.5"
	user.Server.Port = 8888
	user.Server.Running = true
	user.Server.State = map[string]any{"container_id": "abc123"}
	require.NoError(t, store.UpdateServer(ctx, user.Server))

	got, err := store.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.Server.IP)
	assert.Equal(t, 8888, got.Server.Port)
	assert.True(t, got.Server.Running)
	assert.Equal(t, "abc123", got.Server.State["container_id"])
}

func TestPostgresStore_Integration_TokensAndProxy(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	user := &storage.User{
		Name: "bob",
		Server: &storage.Server{
			BaseURL:    "/user/bob",
			CookieName: "hub-bob",
		},
	}
	require.NoError(t, store.CreateUserWithServer(ctx, user))

	token := &storage.Token{UserID: user.ID, Kind: storage.TokenKindAPI, Hash: "h1", Prefix: "hub_h1"}
	require.NoError(t, store.CreateToken(ctx, token))

	name, err := store.GetTokenUser(ctx, storage.TokenKindAPI, "h1")
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	require.NoError(t, store.DeleteToken(ctx, "h1"))
	_, err = store.GetTokenUser(ctx, storage.TokenKindAPI, "h1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, store.SetProxy(ctx, &storage.Proxy{APIURL: "http://proxy:8001", AuthToken: "tok"}))
	proxy, err := store.GetProxy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://proxy:8001", proxy.APIURL)
}
