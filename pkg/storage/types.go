package storage

import (
	"fmt"
	"strings"
	"time"
)

// User is a hub account. Each user owns exactly one Server record, created
// together with the user on first login.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Server    *Server   `json:"server,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Server describes a user's single-user backend instance. IP, Port and State
// are rewritten on every spawn cycle; BaseURL and the cookie fields are
// derived once from the username and never change.
type Server struct {
	ID           int64          `json:"id"`
	UserID       int64          `json:"user_id"`
	BaseURL      string         `json:"base_url"`
	IP           string         `json:"ip"`
	Port         int            `json:"port"`
	CookieName   string         `json:"cookie_name"`
	CookieSecret string         `json:"-"`
	State        map[string]any `json:"state,omitempty"`
	Running      bool           `json:"running"`
	RouteSynced  bool           `json:"route_synced"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// URL returns the network address the proxy should target
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s:%d", s.IP, s.Port)
}

// TokenKind distinguishes session cookies from API capability tokens
type TokenKind string

const (
	// TokenKindCookie is a browser session credential
	TokenKindCookie TokenKind = "cookie"
	// TokenKindAPI is a service-to-service capability credential
	TokenKindAPI TokenKind = "api"
)

// Token is a stored credential. Only the SHA256 hash of the raw token is
// persisted; the raw value is returned to the caller exactly once at issuance.
type Token struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      TokenKind `json:"kind"`
	Hash      string    `json:"-"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// Proxy is the singleton record describing the external reverse proxy
type Proxy struct {
	APIURL    string    `json:"api_url"`
	AuthToken string    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeriveBaseURL computes the public path for a user's server. The mapping is
// deterministic from the username, so distinct users always get distinct paths.
func DeriveBaseURL(hubBasePath, name string) string {
	return JoinPath(hubBasePath, "user", name)
}

// DeriveCookieName computes the per-user session cookie name
func DeriveCookieName(hubCookieName, name string) string {
	return hubCookieName + "-" + name
}

// JoinPath joins URL path segments into a single absolute path
func JoinPath(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return "/" + strings.Join(segs, "/")
}
