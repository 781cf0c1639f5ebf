package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS servers (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       INTEGER NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
	base_url      TEXT NOT NULL UNIQUE,
	ip            TEXT NOT NULL DEFAULT '',
	port          INTEGER NOT NULL DEFAULT 0,
	cookie_name   TEXT NOT NULL,
	cookie_secret TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT '{}',
	running       BOOLEAN NOT NULL DEFAULT 0,
	route_synced  BOOLEAN NOT NULL DEFAULT 0,
	updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tokens (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	hash       TEXT NOT NULL UNIQUE,
	prefix     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS proxy (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	api_url    TEXT NOT NULL,
	auth_token TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements RecordStore on an embedded SQLite database. It is
// the default backend for single-node deployments and the store unit tests
// run against it in-memory.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary creates) a SQLite-backed store
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent logins
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetUser fetches a user and their server by name
func (s *SQLiteStore) GetUser(ctx context.Context, name string) (*User, error) {
	user := &User{Server: &Server{}}
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.created_at,
		       s.id, s.user_id, s.base_url, s.ip, s.port, s.cookie_name,
		       s.cookie_secret, s.state, s.running, s.route_synced, s.updated_at
		FROM users u
		JOIN servers s ON s.user_id = u.id
		WHERE u.name = ?
	`, name).Scan(
		&user.ID, &user.Name, &user.CreatedAt,
		&user.Server.ID, &user.Server.UserID, &user.Server.BaseURL,
		&user.Server.IP, &user.Server.Port, &user.Server.CookieName,
		&user.Server.CookieSecret, &stateJSON, &user.Server.Running,
		&user.Server.RouteSynced, &user.Server.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %q: %w", name, err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &user.Server.State); err != nil {
		return nil, fmt.Errorf("failed to decode server state for %q: %w", name, err)
	}
	return user, nil
}

// CreateUserWithServer inserts a user and their server in one transaction
func (s *SQLiteStore) CreateUserWithServer(ctx context.Context, user *User) error {
	stateJSON, err := encodeState(user.Server.State)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (name) VALUES (?)`, user.Name)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read user id: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO servers (user_id, base_url, ip, port, cookie_name, cookie_secret, state, running, route_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, user.Server.BaseURL, user.Server.IP, user.Server.Port,
		user.Server.CookieName, user.Server.CookieSecret, stateJSON,
		user.Server.Running, user.Server.RouteSynced)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	serverID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read server id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	user.ID = userID
	user.Server.ID = serverID
	user.Server.UserID = userID
	return nil
}

// UpdateServer rewrites the mutable fields of a server row
func (s *SQLiteStore) UpdateServer(ctx context.Context, server *Server) error {
	stateJSON, err := encodeState(server.State)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers
		SET ip = ?, port = ?, state = ?, running = ?, route_synced = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, server.IP, server.Port, stateJSON, server.Running, server.RouteSynced, server.ID)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns all users with their servers
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
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

	var users []*User
	for rows.Next() {
		user := &User{Server: &Server{}}
		var stateJSON string
		if err := rows.Scan(
			&user.ID, &user.Name, &user.CreatedAt,
			&user.Server.ID, &user.Server.UserID, &user.Server.BaseURL,
			&user.Server.IP, &user.Server.Port, &user.Server.CookieName,
			&user.Server.CookieSecret, &stateJSON, &user.Server.Running,
			&user.Server.RouteSynced, &user.Server.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &user.Server.State); err != nil {
			return nil, fmt.Errorf("failed to decode server state for %q: %w", user.Name, err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// CreateToken inserts a token row. The insert commits before this returns,
// so a freshly issued token is immediately visible to verification.
func (s *SQLiteStore) CreateToken(ctx context.Context, token *Token) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (user_id, kind, hash, prefix) VALUES (?, ?, ?, ?)
	`, token.UserID, token.Kind, token.Hash, token.Prefix)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	token.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read token id: %w", err)
	}
	return nil
}

// GetTokenUser resolves a token hash of the given kind to its owner's name
func (s *SQLiteStore) GetTokenUser(ctx context.Context, kind TokenKind, hash string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT u.name
		FROM tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.kind = ? AND t.hash = ?
	`, kind, hash).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	return name, nil
}

// DeleteToken removes a token row by hash
func (s *SQLiteStore) DeleteToken(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// GetProxy fetches the proxy singleton
func (s *SQLiteStore) GetProxy(ctx context.Context) (*Proxy, error) {
	proxy := &Proxy{}
	err := s.db.QueryRowContext(ctx,
		`SELECT api_url, auth_token, updated_at FROM proxy WHERE id = 1`,
	).Scan(&proxy.APIURL, &proxy.AuthToken, &proxy.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoProxy
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy record: %w", err)
	}
	return proxy, nil
}

// SetProxy upserts the proxy singleton
func (s *SQLiteStore) SetProxy(ctx context.Context, proxy *Proxy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy (id, api_url, auth_token) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET api_url = excluded.api_url,
			auth_token = excluded.auth_token, updated_at = CURRENT_TIMESTAMP
	`, proxy.APIURL, proxy.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to set proxy record: %w", err)
	}
	return nil
}

// DB exposes the underlying pool
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeState(state map[string]any) (string, error) {
	if state == nil {
		return "{}", nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode server state: %w", err)
	}
	return string(b), nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
