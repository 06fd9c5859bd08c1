package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sensitiveQueryParams are query parameters that should be redacted from logs
var sensitiveQueryParams = []string{"token", "access_token", "api_key", "apikey", "secret", "password"}

// StructuredLoggerConfig holds configuration for request logging
type StructuredLoggerConfig struct {
	// SkipPaths are paths that should not be logged (e.g., health checks)
	SkipPaths []string
	// SkipSuccessfulRequests skips logging 2xx responses
	SkipSuccessfulRequests bool
	// Logger is the zerolog logger to use (defaults to global log)
	Logger *zerolog.Logger
	// SlowRequestThreshold logs slow requests with WARN level (0 = disabled)
	SlowRequestThreshold time.Duration
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths:            []string{"/health", "/ready", "/metrics"},
		SlowRequestThreshold: time.Second,
	}
}

// redactQueryString redacts sensitive query parameters from a query string
func redactQueryString(queryString string) string {
	if queryString == "" {
		return ""
	}

	values, err := url.ParseQuery(queryString)
	if err != nil {
		return "[redacted]"
	}

	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[redacted]")
			}
		}
	}

	return values.Encode()
}

// StructuredLogger logs one line per request. 429 responses are logged at
// info level with the rate limit headers, since they are expected traffic.
func StructuredLogger(config ...StructuredLoggerConfig) fiber.Handler {
	cfg := DefaultStructuredLoggerConfig()
	if len(config) > 0 {
		cfg = config[0]
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if skip[path] {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		status := c.Response().StatusCode()
		if cfg.SkipSuccessfulRequests && status >= 200 && status < 300 {
			return err
		}

		var event *zerolog.Event
		switch {
		case err != nil:
			event = logger.Error().Err(err)
		case status >= 500:
			event = logger.Error()
		case status == fiber.StatusTooManyRequests:
			event = logger.Info().Bool("rate_limited", true)
		case status >= 400:
			event = logger.Warn()
		case cfg.SlowRequestThreshold > 0 && duration > cfg.SlowRequestThreshold:
			event = logger.Warn().Bool("slow_request", true)
		default:
			event = logger.Info()
		}

		event = event.
			Str("request_id", requestID(c)).
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Int("status", status).
			Int64("duration_ms", duration.Milliseconds()).
			Str("user_agent", c.Get(fiber.HeaderUserAgent))

		if traceID := GetTraceID(c); traceID != "" {
			event = event.Str("trace_id", traceID)
		}
		if qs := string(c.Request().URI().QueryString()); qs != "" {
			event = event.Str("query", redactQueryString(qs))
		}
		// Identity is read after the handler ran, since auth runs per route group
		if userID, ok := GetUserID(c); ok {
			event = event.Str("user_id", userID)
		}
		if tenantID, ok := c.Locals(LocalTenantID).(string); ok && tenantID != "" {
			event = event.Str("tenant_id", tenantID)
		}
		if remaining := c.GetRespHeader(HeaderRateLimitRemaining); remaining != "" {
			event = event.
				Str("ratelimit_limit", c.GetRespHeader(HeaderRateLimitLimit)).
				Str("ratelimit_remaining", remaining)
		}

		event.Msg("HTTP request")
		return err
	}
}
