package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/hub/pkg/storage"
)

const pqUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS servers (
	id            BIGSERIAL PRIMARY KEY,
	user_id       BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
	base_url      TEXT NOT NULL UNIQUE,
	ip            TEXT NOT NULL DEFAULT '',
	port          INTEGER NOT NULL DEFAULT 0,
	cookie_name   TEXT NOT NULL,
	cookie_secret TEXT NOT NULL,
	state         JSONB NOT NULL DEFAULT '{}',
	running       BOOLEAN NOT NULL DEFAULT FALSE,
	route_synced  BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tokens (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	hash       TEXT NOT NULL UNIQUE,
	prefix     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tokens_kind_hash ON tokens (kind, hash);

CREATE TABLE IF NOT EXISTS proxy (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	api_url    TEXT NOT NULL,
	auth_token TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore implements storage.RecordStore using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	config storage.Config
}

// NewPostgresStore creates a new PostgreSQL-backed record store
func NewPostgresStore(config storage.Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(config.PostgresMaxConns)
	db.SetMaxIdleConns(config.PostgresMinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), config.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStore{db: db, config: config}, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetUser fetches a user and their server by name
func (s *PostgresStore) GetUser(ctx context.Context, name string) (*storage.User, error) {
	user := &storage.User{Server: &storage.Server{}}
	var stateJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.created_at,
		       s.id, s.user_id, s.base_url, s.ip, s.port, s.cookie_name,
		       s.cookie_secret, s.state, s.running, s.route_synced, s.updated_at
		FROM users u
		JOIN servers s ON s.user_id = u.id
		WHERE u.name = $1
	`, name).Scan(
		&user.ID, &user.Name, &user.CreatedAt,
		&user.Server.ID, &user.Server.UserID, &user.Server.BaseURL,
		&user.Server.IP, &user.Server.Port, &user.Server.CookieName,
		&user.Server.CookieSecret, &stateJSON, &user.Server.Running,
		&user.Server.RouteSynced, &user.Server.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %q: %w", name, err)
	}

	if err := json.Unmarshal(stateJSON, &user.Server.State); err != nil {
		return nil, fmt.Errorf("failed to decode server state for %q: %w", name, err)
	}
	return user, nil
}

// CreateUserWithServer inserts a user and their server in one transaction
func (s *PostgresStore) CreateUserWithServer(ctx context.Context, user *storage.User) error {
	stateJSON, err := json.Marshal(stateOrEmpty(user.Server.State))
	if err != nil {
		return fmt.Errorf("failed to encode server state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (name) VALUES ($1) RETURNING id
	`, user.Name).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO servers (user_id, base_url, ip, port, cookie_name, cookie_secret, state, running, route_synced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, user.ID, user.Server.BaseURL, user.Server.IP, user.Server.Port,
		user.Server.CookieName, user.Server.CookieSecret, stateJSON,
		user.Server.Running, user.Server.RouteSynced).Scan(&user.Server.ID)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	user.Server.UserID = user.ID
	return nil
}

// UpdateServer rewrites the mutable fields of a server row
func (s *PostgresStore) UpdateServer(ctx context.Context, server *storage.Server) error {
	stateJSON, err := json.Marshal(stateOrEmpty(server.State))
	if err != nil {
		return fmt.Errorf("failed to encode server state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers
		SET ip = $1, port = $2, state = $3, running = $4, route_synced = $5, updated_at = NOW()
		WHERE id = $6
	`, server.IP, server.Port, stateJSON, server.Running, server.RouteSynced, server.ID)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUsers returns all users with their servers
func (s *PostgresStore) ListUsers(ctx context.Context) ([]*storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.created_at,
		       s.id, s.user_id, s.base_url, s.ip, s.port, s.cookie_name,
		       s.cookie_secret, s.state, s.running, s.route_synced, s.updated_at
		FROM users u
		JOIN servers s ON s.user_id = u.id
		ORDER BY u.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*storage.User
	for rows.Next() {
		user := &storage.User{Server: &storage.Server{}}
		var stateJSON []byte
		if err := rows.Scan(
			&user.ID, &user.Name, &user.CreatedAt,
			&user.Server.ID, &user.Server.UserID, &user.Server.BaseURL,
			&user.Server.IP, &user.Server.Port, &user.Server.CookieName,
			&user.Server.CookieSecret, &stateJSON, &user.Server.Running,
			&user.Server.RouteSynced, &user.Server.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		if err := json.Unmarshal(stateJSON, &user.Server.State); err != nil {
			return nil, fmt.Errorf("failed to decode server state for %q: %w", user.Name, err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// CreateToken inserts a token row
func (s *PostgresStore) CreateToken(ctx context.Context, token *storage.Token) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tokens (user_id, kind, hash, prefix)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, token.UserID, token.Kind, token.Hash, token.Prefix).Scan(&token.ID)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetTokenUser resolves a token hash of the given kind to its owner's name
func (s *PostgresStore) GetTokenUser(ctx context.Context, kind storage.TokenKind, hash string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT u.name
		FROM tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.kind = $1 AND t.hash = $2
	`, kind, hash).Scan(&name)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	return name, nil
}

// DeleteToken removes a token row by hash
func (s *PostgresStore) DeleteToken(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// GetProxy fetches the proxy singleton
func (s *PostgresStore) GetProxy(ctx context.Context) (*storage.Proxy, error) {
	proxy := &storage.Proxy{}
	err := s.db.QueryRowContext(ctx,
		`SELECT api_url, auth_token, updated_at FROM proxy WHERE id = 1`,
	).Scan(&proxy.APIURL, &proxy.AuthToken, &proxy.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNoProxy
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy record: %w", err)
	}
	return proxy, nil
}

// SetProxy upserts the proxy singleton
func (s *PostgresStore) SetProxy(ctx context.Context, proxy *storage.Proxy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy (id, api_url, auth_token) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET api_url = EXCLUDED.api_url,
			auth_token = EXCLUDED.auth_token, updated_at = NOW()
	`, proxy.APIURL, proxy.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to set proxy record: %w", err)
	}
	return nil
}

// DB exposes the underlying pool
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func stateOrEmpty(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	return state
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return false
}
