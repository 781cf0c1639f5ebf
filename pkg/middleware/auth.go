// Package middleware provides HTTP middleware guarding the hub's
// administrative API and throttling the login surface.
package middleware

import (
	"net/http"
	"regexp"

	"github.com/platinummonkey/hub/pkg/auth"
	"github.com/platinummonkey/hub/pkg/contextkeys"
	"github.com/platinummonkey/hub/pkg/httputil"
)

// authHeaderPattern is the exact shape of the API authentication header:
// "token <value>", nothing before, nothing after, scheme case-sensitive
var authHeaderPattern = regexp.MustCompile(`^token\s+(\S+)$`)

// TokenAuth guards administrative API operations with API token
// verification. It is the sole guard on the hub's programmatic surface.
type TokenAuth struct {
	tokens *auth.TokenService
}

// NewTokenAuth creates the API token middleware
func NewTokenAuth(tokens *auth.TokenService) *TokenAuth {
	return &TokenAuth{tokens: tokens}
}

// Handler wraps an HTTP handler with token authorization. A missing,
// malformed or unknown token is rejected with 403 before the wrapped
// handler runs; a malformed header never reaches the store. On success the
// verified username is placed in the request context.
func (m *TokenAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		match := authHeaderPattern.FindStringSubmatch(r.Header.Get("Authorization"))
		if match == nil {
			httputil.WriteForbidden(w, "missing or malformed authorization header")
			return
		}

		username, err := m.tokens.VerifyAPIToken(r.Context(), match[1])
		if err != nil {
			httputil.WriteForbidden(w, "invalid token")
			return
		}

		ctx := contextkeys.WithUsername(r.Context(), username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
