package observability

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Fluxgate
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database metrics
	dbQueriesTotal    *prometheus.CounterVec
	dbQueryDuration   *prometheus.HistogramVec
	dbConnections     prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge
	dbConnectionsMax  prometheus.Gauge

	// Rate limiting metrics
	rateLimitChecksTotal      *prometheus.CounterVec
	rateLimitCheckDuration    *prometheus.HistogramVec
	rateLimitStoreErrorsTotal *prometheus.CounterVec
	rateLimitCacheTotal       *prometheus.CounterVec
	rateLimitCleanupRuns      *prometheus.CounterVec
	rateLimitCleanupDeleted   prometheus.Counter
	rateLimitConfigUpdates    *prometheus.CounterVec

	// System metrics
	systemUptime prometheus.Gauge
}

// NewMetrics creates all Prometheus metrics on a dedicated registry.
// Each call gets its own registry so tests and embedded hosts can build
// several instances without duplicate registration panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// HTTP metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluxgate_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxgate_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Database metrics
		dbQueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxgate_db_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "status"},
		),
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluxgate_db_query_duration_seconds",
				Help:    "Database query latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
		dbConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxgate_db_connections",
				Help: "Current number of database connections",
			},
		),
		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxgate_db_connections_idle",
				Help: "Current number of idle database connections",
			},
		),
		dbConnectionsMax: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxgate_db_connections_max",
				Help: "Maximum number of database connections",
			},
		),

		// Rate limiting metrics
		rateLimitChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxgate_rate_limit_checks_total",
				Help: "Total number of rate limit checks",
			},
			[]string{"strategy", "result"},
		),
		rateLimitCheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluxgate_rate_limit_check_duration_seconds",
				Help:    "Rate limit check latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"strategy"},
		),
		rateLimitStoreErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxgate_rate_limit_store_errors_total",
				Help: "Total number of rate limit store failures",
			},
			[]string{"operation"},
		),
		rateLimitCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxgate_rate_limit_cache_lookups_total",
				Help: "Total number of rate limit cache lookups",
			},
			[]string{"result"},
		),
		rateLimitCleanupRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxgate_rate_limit_cleanup_runs_total",
				Help: "Total number of rate limit cleanup sweeps",
			},
			[]string{"status"},
		),
		rateLimitCleanupDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fluxgate_rate_limit_cleanup_deleted_total",
				Help: "Total number of expired rate limit records removed",
			},
		),
		rateLimitConfigUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxgate_rate_limit_config_updates_total",
				Help: "Total number of rate limit default updates",
			},
			[]string{"source"},
		),

		// System metrics
		systemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fluxgate_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),
	}

	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware returns a Fiber middleware that collects HTTP metrics
func (m *Metrics) MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		method := c.Method()

		err := c.Next()

		// Only after Next does Route() name the handler that served the request
		path := normalizePath(c.Route().Path)
		duration := time.Since(start).Seconds()
		status := statusClass(c.Response().StatusCode())

		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)

		return err
	}
}

// RecordDBQuery records database query metrics
func (m *Metrics) RecordDBQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueriesTotal.WithLabelValues(operation, status).Inc()
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateDBStats updates database connection pool stats
func (m *Metrics) UpdateDBStats(total, idle, max int32) {
	m.dbConnections.Set(float64(total))
	m.dbConnectionsIdle.Set(float64(idle))
	m.dbConnectionsMax.Set(float64(max))
}

// RecordRateLimitCheck records the outcome and latency of a limit check
func (m *Metrics) RecordRateLimitCheck(strategy string, allowed bool, duration time.Duration) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.rateLimitChecksTotal.WithLabelValues(strategy, result).Inc()
	m.rateLimitCheckDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordRateLimitStoreError records a failed store operation
func (m *Metrics) RecordRateLimitStoreError(operation string) {
	m.rateLimitStoreErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordRateLimitCache records a cache lookup (hit, miss or error)
func (m *Metrics) RecordRateLimitCache(result string) {
	m.rateLimitCacheTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitCleanup records a cleanup sweep
func (m *Metrics) RecordRateLimitCleanup(deleted int64, err error) {
	if err != nil {
		m.rateLimitCleanupRuns.WithLabelValues("error").Inc()
		return
	}
	m.rateLimitCleanupRuns.WithLabelValues("success").Inc()
	m.rateLimitCleanupDeleted.Add(float64(deleted))
}

// RecordRateLimitConfigUpdate records a change of the default limits.
// source is "local" for API updates and "remote" for peer broadcasts.
func (m *Metrics) RecordRateLimitConfigUpdate(source string) {
	m.rateLimitConfigUpdates.WithLabelValues(source).Inc()
}

// UpdateUptime updates the system uptime metric
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.systemUptime.Set(time.Since(startTime).Seconds())
}

// Handler returns a Fiber handler that exposes Prometheus metrics
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// normalizePath keeps label cardinality bounded. Route templates are used
// where available, so only unmatched paths can grow unbounded.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	if len(path) > 50 {
		return "long_path"
	}
	return path
}

// statusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx)
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
