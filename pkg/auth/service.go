package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/storage"
)

const (
	cookieCacheSize = 4096

	// cookieCacheTTL bounds how long a hub replica can keep serving a
	// token another replica revoked. Within one process revocation is
	// immediate; across replicas it lands within one TTL.
	cookieCacheTTL = 30 * time.Second
)

// TokenService issues, verifies and revokes the hub's two token kinds:
// session cookies and API capability tokens. Tokens are stored hashed; the
// raw value is returned exactly once at issuance and is the full credential.
type TokenService struct {
	store     storage.RecordStore
	generator *TokenGenerator
	metrics   *observability.Metrics

	// Read-through cache for cookie verification, keyed by token hash.
	// Cookie lookups happen on every page load; API token lookups are rare
	// enough to always hit the store. Entries expire so a revocation on
	// another replica cannot be outlived.
	cookieCache *expirable.LRU[string, string]
	cacheTTL    time.Duration

	// mu serializes Revoke against the cache-miss fill in
	// VerifyCookieToken: the row must be gone before anything can
	// re-read it into the cache
	mu sync.Mutex
}

// ServiceOption customizes a TokenService
type ServiceOption func(*TokenService)

// WithCookieCacheTTL overrides the cookie cache entry lifetime
func WithCookieCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *TokenService) {
		s.cacheTTL = ttl
	}
}

// NewTokenService creates a token service backed by the given record store.
// metrics may be nil.
func NewTokenService(store storage.RecordStore, metrics *observability.Metrics, opts ...ServiceOption) (*TokenService, error) {
	s := &TokenService{
		store:     store,
		generator: NewTokenGenerator(),
		metrics:   metrics,
		cacheTTL:  cookieCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cookieCache = expirable.NewLRU[string, string](cookieCacheSize, nil, s.cacheTTL)
	return s, nil
}

// IssueCookieToken creates a session cookie token for a user and returns the
// raw value
func (s *TokenService) IssueCookieToken(ctx context.Context, user *storage.User) (string, error) {
	return s.issue(ctx, user, storage.TokenKindCookie)
}

// IssueAPIToken creates an API capability token for a user and returns the
// raw value
func (s *TokenService) IssueAPIToken(ctx context.Context, user *storage.User) (string, error) {
	return s.issue(ctx, user, storage.TokenKindAPI)
}

func (s *TokenService) issue(ctx context.Context, user *storage.User, kind storage.TokenKind) (string, error) {
	token, hash, prefix, err := s.generator.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	record := &storage.Token{
		UserID: user.ID,
		Kind:   kind,
		Hash:   hash,
		Prefix: prefix,
	}
	if err := s.store.CreateToken(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist token: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues(string(kind)).Inc()
	}
	return token, nil
}

// VerifyCookieToken resolves a session cookie token to a username.
// Returns ErrTokenNotFound on any miss; callers clear the stale cookie.
func (s *TokenService) VerifyCookieToken(ctx context.Context, token string) (string, error) {
	hash := s.generator.HashToken(token)

	if name, ok := s.cookieCache.Get(hash); ok {
		if s.metrics != nil {
			s.metrics.CookieCacheHitsTotal.Inc()
			s.metrics.TokenVerificationsTotal.WithLabelValues(string(storage.TokenKindCookie), "ok").Inc()
		}
		return name, nil
	}
	if s.metrics != nil {
		s.metrics.CookieCacheMissesTotal.Inc()
	}

	// The store read and the cache fill happen under the revocation
	// mutex, so a token whose row a concurrent Revoke is deleting can
	// never be read back into the cache
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.cookieCache.Get(hash); ok {
		return name, nil
	}
	name, err := s.verify(ctx, storage.TokenKindCookie, hash)
	if err != nil {
		return "", err
	}
	s.cookieCache.Add(hash, name)
	return name, nil
}

// VerifyAPIToken resolves an API token to a username by exact match
func (s *TokenService) VerifyAPIToken(ctx context.Context, token string) (string, error) {
	return s.verify(ctx, storage.TokenKindAPI, s.generator.HashToken(token))
}

func (s *TokenService) verify(ctx context.Context, kind storage.TokenKind, hash string) (string, error) {
	name, err := s.store.GetTokenUser(ctx, kind, hash)
	if errors.Is(err, storage.ErrNotFound) {
		if s.metrics != nil {
			s.metrics.TokenVerificationsTotal.WithLabelValues(string(kind), "miss").Inc()
		}
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.TokenVerificationsTotal.WithLabelValues(string(kind), "ok").Inc()
	}
	return name, nil
}

// Revoke deletes a token. The row goes first, the cache entry second, both
// under the mutex excluding the verify fill path: once Revoke returns the
// token can never verify on this instance again, and other instances stop
// serving it within the cache TTL.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	hash := s.generator.HashToken(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.DeleteToken(ctx, hash)
	s.cookieCache.Remove(hash)
	return err
}
