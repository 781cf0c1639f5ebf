package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login metrics
	LoginAttemptsTotal *prometheus.CounterVec

	// Spawn metrics
	SpawnsTotal   *prometheus.CounterVec
	SpawnDuration *prometheus.HistogramVec

	// Proxy metrics
	ProxyRegistrationsTotal *prometheus.CounterVec
	RoutesPendingSync       prometheus.Gauge

	// Token metrics
	TokensIssuedTotal        *prometheus.CounterVec
	TokenVerificationsTotal  *prometheus.CounterVec
	CookieCacheHitsTotal     prometheus.Counter
	CookieCacheMissesTotal   prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	UsersTotal           prometheus.Gauge
	ServersRunning       prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_login_attempts_total",
				Help: "Total number of login attempts",
			},
			[]string{"status"},
		),
		SpawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_spawns_total",
				Help: "Total number of single-user server spawns",
			},
			[]string{"spawner", "status"},
		),
		SpawnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_spawn_duration_seconds",
				Help:    "Time from spawn start to server readiness in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"spawner"},
		),
		ProxyRegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_proxy_registrations_total",
				Help: "Total number of proxy route registration attempts",
			},
			[]string{"status"},
		),
		RoutesPendingSync: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_routes_pending_sync",
				Help: "Number of running servers whose proxy route is not yet registered",
			},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_tokens_issued_total",
				Help: "Total number of tokens issued",
			},
			[]string{"kind"},
		),
		TokenVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_token_verifications_total",
				Help: "Total number of token verification attempts",
			},
			[]string{"kind", "status"},
		),
		CookieCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_cookie_cache_hits_total",
				Help: "Total number of cookie token cache hits",
			},
		),
		CookieCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_cookie_cache_misses_total",
				Help: "Total number of cookie token cache misses",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		UsersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_users_total",
				Help: "Total number of provisioned users",
			},
		),
		ServersRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_servers_running",
				Help: "Number of single-user servers currently running",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.SpawnsTotal,
		m.SpawnDuration,
		m.ProxyRegistrationsTotal,
		m.RoutesPendingSync,
		m.TokensIssuedTotal,
		m.TokenVerificationsTotal,
		m.CookieCacheHitsTotal,
		m.CookieCacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.UsersTotal,
		m.ServersRunning,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// MetricsHandler returns the Prometheus scrape handler for a registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
