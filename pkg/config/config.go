// Package config loads hub configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Hub identity and cookie settings
	Hub HubConfig

	// Authenticator configuration
	Auth AuthConfig

	// Spawner configuration
	Spawner SpawnerConfig

	// Proxy configuration
	Proxy ProxyConfig

	// Storage configuration
	Storage storage.Config

	// Redis configuration (distributed rate limiting, health)
	Redis RedisConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// HubConfig holds the hub's public identity and session cookie settings
type HubConfig struct {
	// BasePath is the hub's public path prefix
	BasePath string

	// CookieName is the hub-wide session cookie
	CookieName string

	// CookieSecret signs session state handed to spawned servers. Loaded
	// from CookieSecretFile when set, generated per-process otherwise.
	CookieSecret     string
	CookieSecretFile string

	// APIURL is where spawned backends reach the hub's API
	APIURL string
}

// AuthConfig selects and configures the authenticator
type AuthConfig struct {
	// Type is "static" or "oidc"
	Type string

	// Static authenticator credentials
	StaticUsername string
	StaticPassword string

	// OIDC settings
	OIDCIssuerURL     string
	OIDCClientID      string
	OIDCClientSecret  string
	OIDCRedirectURL   string
	OIDCUsernameClaim string

	// Login rate limiting
	RateLimitEnabled     bool
	RateLimitDistributed bool
}

// SpawnerConfig selects and configures the single-user server spawner
type SpawnerConfig struct {
	// Type is "local" or "docker"
	Type string

	// Local spawner: command to exec, split on whitespace
	Command string

	// Docker spawner settings
	DockerImage       string
	DockerNetworkMode string
	DockerMemoryLimit int64
	DockerCPULimit    float64

	// Timeouts
	StartTimeout time.Duration
	ReadyTimeout time.Duration
}

// ProxyConfig holds the routing proxy's API endpoint and credentials
type ProxyConfig struct {
	APIURL    string
	AuthToken string

	// ReconcileSchedule is a cron expression for the route resync job
	ReconcileSchedule string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Hub:           loadHubConfig(),
		Auth:          loadAuthConfig(),
		Spawner:       loadSpawnerConfig(),
		Proxy:         loadProxyConfig(),
		Storage:       loadStorageConfig(),
		Redis:         loadRedisConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HUB_HOST", "0.0.0.0"),
		Port:            getEnv("HUB_PORT", "8000"),
		ReadTimeout:     getEnvDuration("HUB_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HUB_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("HUB_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("HUB_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HUB_HEALTH_PORT", "9090"),
	}
}

// loadHubConfig loads the hub identity from environment
func loadHubConfig() HubConfig {
	return HubConfig{
		BasePath:         getEnv("HUB_BASE_PATH", "/"),
		CookieName:       getEnv("HUB_COOKIE_NAME", "hub"),
		CookieSecret:     getEnv("HUB_COOKIE_SECRET", ""),
		CookieSecretFile: getEnv("HUB_COOKIE_SECRET_FILE", ""),
		APIURL:           getEnv("HUB_API_URL", "http://127.0.0.1:8000/api"),
	}
}

// loadAuthConfig loads authenticator configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Type:                 getEnv("HUB_AUTH_TYPE", "static"),
		StaticUsername:       getEnv("HUB_AUTH_USERNAME", ""),
		StaticPassword:       getEnv("HUB_AUTH_PASSWORD", ""),
		OIDCIssuerURL:        getEnv("HUB_OIDC_ISSUER_URL", ""),
		OIDCClientID:         getEnv("HUB_OIDC_CLIENT_ID", ""),
		OIDCClientSecret:     getEnv("HUB_OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:      getEnv("HUB_OIDC_REDIRECT_URL", ""),
		OIDCUsernameClaim:    getEnv("HUB_OIDC_USERNAME_CLAIM", ""),
		RateLimitEnabled:     getEnvBool("HUB_LOGIN_RATE_LIMIT", true),
		RateLimitDistributed: getEnvBool("HUB_LOGIN_RATE_LIMIT_DISTRIBUTED", false),
	}
}

// loadSpawnerConfig loads spawner configuration from environment
func loadSpawnerConfig() SpawnerConfig {
	return SpawnerConfig{
		Type:              getEnv("HUB_SPAWNER_TYPE", "local"),
		Command:           getEnv("HUB_SPAWNER_COMMAND", "singleuser-server"),
		DockerImage:       getEnv("HUB_SPAWNER_DOCKER_IMAGE", ""),
		DockerNetworkMode: getEnv("HUB_SPAWNER_DOCKER_NETWORK", ""),
		DockerMemoryLimit: getEnvInt64("HUB_SPAWNER_DOCKER_MEMORY_LIMIT", 0),
		DockerCPULimit:    getEnvFloat("HUB_SPAWNER_DOCKER_CPU_LIMIT", 0),
		StartTimeout:      getEnvDuration("HUB_SPAWN_TIMEOUT", 60*time.Second),
		ReadyTimeout:      getEnvDuration("HUB_READY_TIMEOUT", 30*time.Second),
	}
}

// loadProxyConfig loads proxy configuration from environment
func loadProxyConfig() ProxyConfig {
	return ProxyConfig{
		APIURL:            getEnv("HUB_PROXY_API_URL", "http://127.0.0.1:8001"),
		AuthToken:         getEnv("HUB_PROXY_AUTH_TOKEN", ""),
		ReconcileSchedule: getEnv("HUB_PROXY_RECONCILE_SCHEDULE", "@every 30s"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("HUB_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}
	if sqlitePath := getEnv("HUB_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}
	if pgURL := getEnv("HUB_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("HUB_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("HUB_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("HUB_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	return cfg
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("HUB_REDIS_URL", ""),
		Password: getEnv("HUB_REDIS_PASSWORD", ""),
		DB:       getEnvInt("HUB_REDIS_DB", 0),
		PoolSize: getEnvInt("HUB_REDIS_POOL_SIZE", 10),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("HUB_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("HUB_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("HUB_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("HUB_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("HUB_OTEL_SERVICE_NAME", "hub"),
		OTelServiceVersion: getEnv("HUB_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("HUB_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if !strings.HasPrefix(c.Hub.BasePath, "/") {
		return fmt.Errorf("hub base path must start with /")
	}

	// Validate authenticator config
	switch c.Auth.Type {
	case "static":
		if c.Auth.StaticUsername == "" || c.Auth.StaticPassword == "" {
			return fmt.Errorf("static authenticator requires HUB_AUTH_USERNAME and HUB_AUTH_PASSWORD")
		}
	case "oidc":
		if c.Auth.OIDCIssuerURL == "" || c.Auth.OIDCClientID == "" {
			return fmt.Errorf("OIDC authenticator requires issuer URL and client ID")
		}
	default:
		return fmt.Errorf("invalid auth type: %s (must be static or oidc)", c.Auth.Type)
	}
	if c.Auth.RateLimitDistributed && c.Redis.URL == "" {
		return fmt.Errorf("distributed rate limiting requires HUB_REDIS_URL")
	}

	// Validate spawner config
	switch c.Spawner.Type {
	case "local":
		if c.Spawner.Command == "" {
			return fmt.Errorf("local spawner requires a command")
		}
	case "docker":
		if c.Spawner.DockerImage == "" {
			return fmt.Errorf("docker spawner requires an image")
		}
	default:
		return fmt.Errorf("invalid spawner type: %s (must be local or docker)", c.Spawner.Type)
	}

	// Validate proxy config
	if c.Proxy.APIURL == "" {
		return fmt.Errorf("proxy API URL is required")
	}
	if c.Proxy.AuthToken == "" {
		return fmt.Errorf("proxy auth token is required")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be sqlite or postgres)", c.Storage.Type)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float64 environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
