package storage

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrUserExists indicates a user with that name was already created,
	// possibly by a concurrent request
	ErrUserExists = errors.New("user already exists")

	// ErrNoProxy indicates the proxy singleton has not been configured
	ErrNoProxy = errors.New("no proxy record configured")
)
