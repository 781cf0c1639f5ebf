package auth

import (
	"context"
	"crypto/subtle"
)

// Authenticator validates login credentials. The login form posts an
// arbitrary field set; "username" is always present, the rest is
// authenticator-defined.
type Authenticator interface {
	// Authenticate returns true if the credentials are valid. An error
	// means the check itself failed, not that the credentials were bad.
	Authenticate(ctx context.Context, data map[string]string) (bool, error)
}

// StaticAuthenticator validates against a fixed username/password map.
// Intended for development and tests.
type StaticAuthenticator struct {
	passwords map[string]string
}

// NewStaticAuthenticator creates an authenticator from a username→password map
func NewStaticAuthenticator(passwords map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{passwords: passwords}
}

// Authenticate checks the submitted password against the configured one
func (a *StaticAuthenticator) Authenticate(_ context.Context, data map[string]string) (bool, error) {
	username := data["username"]
	password := data["password"]
	expected, ok := a.passwords[username]
	if !ok {
		// Burn a comparison anyway so unknown usernames cost the same
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1, nil
}
