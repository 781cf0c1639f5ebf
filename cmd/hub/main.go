package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/hub/pkg/api"
	"github.com/platinummonkey/hub/pkg/auth"
	"github.com/platinummonkey/hub/pkg/config"
	"github.com/platinummonkey/hub/pkg/middleware"
	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/orchestrator"
	"github.com/platinummonkey/hub/pkg/proxy"
	"github.com/platinummonkey/hub/pkg/spawner"
	"github.com/platinummonkey/hub/pkg/sso"
	"github.com/platinummonkey/hub/pkg/storage"
	"github.com/platinummonkey/hub/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting hub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenTelemetry
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize OpenTelemetry")
	}

	// Metrics
	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Storage
	store, err := newStore(cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer store.Close()
	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")

	// Redis (optional)
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unavailable at startup")
		}
		defer redisClient.Close()
	}

	// Session cookie secret
	cookieSecret, err := loadCookieSecret(cfg.Hub)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load cookie secret")
	}

	// Token service
	tokens, err := auth.NewTokenService(store, metrics)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token service")
	}

	// Authenticator
	authenticator, err := newAuthenticator(ctx, cfg.Auth)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize authenticator")
	}

	// Spawner
	spawnerFactory, err := newSpawnerFactory(cfg.Spawner)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize spawner")
	}

	// Proxy client; the proxy record persists so routes survive restarts
	proxyClient := proxy.NewHTTPClient(cfg.Proxy.APIURL, cfg.Proxy.AuthToken)
	if err := store.SetProxy(ctx, &storage.Proxy{
		APIURL:    cfg.Proxy.APIURL,
		AuthToken: cfg.Proxy.AuthToken,
	}); err != nil {
		logger.WithError(err).Fatal("Failed to persist proxy record")
	}

	// Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		HubBasePath:     cfg.Hub.BasePath,
		HubCookieName:   cfg.Hub.CookieName,
		HubCookieSecret: cookieSecret,
		HubAPIURL:       cfg.Hub.APIURL,
		SpawnTimeout:    cfg.Spawner.StartTimeout,
		ReadyTimeout:    cfg.Spawner.ReadyTimeout,
	}, store, tokens, authenticator, spawnerFactory, proxyClient, logger, metrics)

	// Route reconciler retries proxy registrations that failed at spawn time
	reconciler := proxy.NewReconciler(store, proxyClient, logger, metrics)
	if err := reconciler.Start(cfg.Proxy.ReconcileSchedule); err != nil {
		logger.WithError(err).Fatal("Failed to start route reconciler")
	}
	defer reconciler.Stop()

	// API server
	var opts []api.Option
	if cfg.Auth.RateLimitEnabled {
		if cfg.Auth.RateLimitDistributed && redisClient != nil {
			opts = append(opts, api.WithLoginRateLimit(
				middleware.NewDistributedRateLimiter(redisClient, middleware.LoginRateLimitConfig(), "login")))
		} else {
			opts = append(opts, api.WithLoginRateLimit(
				middleware.NewRateLimiter(middleware.LoginRateLimitConfig())))
		}
	}
	server := api.NewServer(orch, tokens, logger, metrics, cfg.Hub.CookieName, cfg.Hub.BasePath, opts...)

	var handler http.Handler = server
	if cfg.Observability.OTelEnabled {
		handler = observability.TracingMiddleware(cfg.Observability.OTelServiceName)(handler)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := newHealthServer(cfg, store, redisClient, registry)

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Hub listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Hub server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Hub server shutdown failed")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Health server shutdown failed")
	}
	if otelProviders != nil {
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("OpenTelemetry shutdown failed")
		}
	}
	logger.Info("Hub stopped")
}

// newStore builds the configured record store
func newStore(cfg storage.Config) (storage.RecordStore, error) {
	switch cfg.Type {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return postgres.NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// newAuthenticator builds the configured authenticator
func newAuthenticator(ctx context.Context, cfg config.AuthConfig) (auth.Authenticator, error) {
	switch cfg.Type {
	case "static":
		return auth.NewStaticAuthenticator(map[string]string{
			cfg.StaticUsername: cfg.StaticPassword,
		}), nil
	case "oidc":
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return sso.NewOIDCAuthenticator(ctx, sso.OIDCConfig{
			IssuerURL:     cfg.OIDCIssuerURL,
			ClientID:      cfg.OIDCClientID,
			ClientSecret:  cfg.OIDCClientSecret,
			RedirectURL:   cfg.OIDCRedirectURL,
			UsernameClaim: cfg.OIDCUsernameClaim,
		})
	default:
		return nil, fmt.Errorf("unknown auth type: %s", cfg.Type)
	}
}

// newSpawnerFactory builds the configured spawner factory
func newSpawnerFactory(cfg config.SpawnerConfig) (spawner.Factory, error) {
	switch cfg.Type {
	case "local":
		return spawner.NewLocalFactory(strings.Fields(cfg.Command)), nil
	case "docker":
		return spawner.NewDockerFactory(spawner.DockerConfig{
			Image:       cfg.DockerImage,
			NetworkMode: cfg.DockerNetworkMode,
			MemoryLimit: cfg.DockerMemoryLimit,
			CPULimit:    cfg.DockerCPULimit,
		}), nil
	default:
		return nil, fmt.Errorf("unknown spawner type: %s", cfg.Type)
	}
}

// loadCookieSecret reads the shared cookie secret from file, or generates a
// per-process one. A generated secret invalidates server cookies on restart,
// so production deployments should set HUB_COOKIE_SECRET_FILE.
func loadCookieSecret(cfg config.HubConfig) (string, error) {
	if cfg.CookieSecret != "" {
		return cfg.CookieSecret, nil
	}
	if cfg.CookieSecretFile != "" {
		data, err := os.ReadFile(cfg.CookieSecretFile)
		if err != nil {
			return "", fmt.Errorf("failed to read cookie secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate cookie secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// newHealthServer serves liveness, readiness and metrics on a separate port
func newHealthServer(cfg *config.Config, store storage.RecordStore, redisClient *redis.Client, registry *prometheus.Registry) *http.Server {
	checker := observability.NewHealthChecker(store.DB(), redisClient)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", checker.Liveness).Methods("GET")
	router.HandleFunc("/readyz", checker.Readiness).Methods("GET")
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	}

	return &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
