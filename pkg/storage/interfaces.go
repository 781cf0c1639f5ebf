package storage

import (
	"context"
	"database/sql"
	"time"
)

// RecordStore is the transactional persistence boundary for hub state.
// Every mutation commits before the caller proceeds, so a token handed to a
// spawned backend is always visible to verification by the time the backend
// can call back.
type RecordStore interface {
	// Users and servers
	GetUser(ctx context.Context, name string) (*User, error)
	CreateUserWithServer(ctx context.Context, user *User) error
	UpdateServer(ctx context.Context, server *Server) error
	ListUsers(ctx context.Context) ([]*User, error)

	// Tokens
	CreateToken(ctx context.Context, token *Token) error
	GetTokenUser(ctx context.Context, kind TokenKind, hash string) (string, error)
	DeleteToken(ctx context.Context, hash string) error

	// Proxy singleton
	GetProxy(ctx context.Context) (*Proxy, error)
	SetProxy(ctx context.Context, proxy *Proxy) error

	// DB exposes the underlying pool for health checks and metrics
	DB() *sql.DB

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config for the record store backend
type Config struct {
	Type string // "sqlite" or "postgres"

	// SQLite config
	SQLitePath string

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "sqlite",
		SQLitePath:       "/var/lib/hub/hub.db",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
	}
}
