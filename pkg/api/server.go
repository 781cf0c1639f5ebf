// Package api exposes the hub's HTTP surface: the login flow, the per-user
// redirect handlers, and the token-guarded administrative API.
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/hub/pkg/auth"
	"github.com/platinummonkey/hub/pkg/contextkeys"
	"github.com/platinummonkey/hub/pkg/middleware"
	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/orchestrator"
)

// Server holds the hub's HTTP handlers and their dependencies
type Server struct {
	orch          *orchestrator.Orchestrator
	tokens        *auth.TokenService
	logger        *observability.Logger
	metrics       *observability.Metrics
	hubCookieName string
	hubBasePath   string

	// loginLimiter throttles POST /login; nil disables throttling
	loginLimiter func(http.Handler) http.Handler

	router *mux.Router
}

// Option customizes a Server
type Option func(*Server)

// WithLoginRateLimit throttles the login endpoint
func WithLoginRateLimit(limiter interface {
	Handler(http.Handler) http.Handler
}) Option {
	return func(s *Server) {
		s.loginLimiter = limiter.Handler
	}
}

// NewServer builds the hub's router. metrics may be nil.
func NewServer(orch *orchestrator.Orchestrator, tokens *auth.TokenService,
	logger *observability.Logger, metrics *observability.Metrics,
	hubCookieName, hubBasePath string, opts ...Option) *Server {
	s := &Server{
		orch:          orch,
		tokens:        tokens,
		logger:        logger.WithField("component", "api"),
		metrics:       metrics,
		hubCookieName: hubCookieName,
		hubBasePath:   hubBasePath,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying mux for tests
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	if s.metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	router.HandleFunc("/", s.handleRoot).Methods("GET")
	router.HandleFunc("/login", s.handleLoginForm).Methods("GET")

	loginPost := http.Handler(http.HandlerFunc(s.handleLoginPost))
	if s.loginLimiter != nil {
		loginPost = s.loginLimiter(loginPost)
	}
	router.Handle("/login", loginPost).Methods("POST")

	router.HandleFunc("/logout", s.handleLogout).Methods("GET")
	router.HandleFunc("/user/{name}", s.handleUser).Methods("GET")
	router.HandleFunc("/user/{name}/", s.handleUser).Methods("GET")

	// Administrative API, guarded by API token verification
	apiRouter := router.PathPrefix("/api").Subrouter()
	tokenAuth := middleware.NewTokenAuth(s.tokens)
	apiRouter.Use(tokenAuth.Handler)
	apiRouter.HandleFunc("/authorizations/{token}", s.handleAuthorizations).Methods("GET")
	apiRouter.HandleFunc("/users/{name}/server", s.handleStopServer).Methods("DELETE")

	return router
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := contextkeys.WithRequestID(r.Context(), uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithLogger(r.Context(), s.logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
