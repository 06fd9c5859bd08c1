package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/ratelimit"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Response headers set by RateLimit
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// RateLimitConfig holds configuration for the enforcement middleware
type RateLimitConfig struct {
	// KeyFunc derives the limit key. Defaults to ratelimit.DefaultKey of the scope.
	KeyFunc func(c *fiber.Ctx) string
	// ScopeFunc resolves the caller. Defaults to ScopeFromContext.
	ScopeFunc ratelimit.ScopeFunc
	// Skip bypasses the limiter for matching requests
	Skip func(c *fiber.Ctx) bool
	// FailOpen admits requests when the store is unavailable instead of
	// answering 503
	FailOpen bool
	// Message is returned in the 429 body
	Message string

	// Optional per-route overrides of the service defaults
	Strategy    ratelimit.Strategy
	MaxRequests int64
	Window      time.Duration
}

// RateLimit enforces the rate limit service on every request. Each admitted
// request consumes one unit; rejected requests get 429 with Retry-After.
func RateLimit(service *ratelimit.Service, config ...RateLimitConfig) fiber.Handler {
	var cfg RateLimitConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.ScopeFunc == nil {
		cfg.ScopeFunc = ScopeFromContext
	}
	if cfg.Message == "" {
		cfg.Message = "Too many requests. Please try again later."
	}

	return func(c *fiber.Ctx) error {
		if cfg.Skip != nil && cfg.Skip(c) {
			return c.Next()
		}

		scope := cfg.ScopeFunc(c)
		key := ""
		if cfg.KeyFunc != nil {
			key = cfg.KeyFunc(c)
		}
		if key == "" {
			key = ratelimit.DefaultKey(scope)
		}

		result, err := service.CheckLimit(c.UserContext(), key, ratelimit.CheckOptions{
			Scope:       scope,
			Increment:   true,
			Strategy:    cfg.Strategy,
			MaxRequests: cfg.MaxRequests,
			Window:      cfg.Window,
		})
		if err != nil {
			return rateLimitFailure(c, cfg, key, err)
		}

		c.Set(HeaderRateLimitLimit, strconv.FormatInt(result.Limit, 10))
		c.Set(HeaderRateLimitRemaining, strconv.FormatInt(result.Remaining, 10))
		c.Set(HeaderRateLimitReset, strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retryAfter := int64(result.RetryAfter(time.Now()).Seconds())
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))

			log.Debug().
				Str("key", key).
				Str("strategy", result.Strategy.String()).
				Int64("current", result.Current).
				Int64("limit", result.Limit).
				Msg("Rate limit exceeded")

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded",
				"code":        "RATE_LIMITED",
				"message":     cfg.Message,
				"retry_after": retryAfter,
				"request_id":  requestID(c),
			})
		}

		return c.Next()
	}
}

func rateLimitFailure(c *fiber.Ctx, cfg RateLimitConfig, key string, err error) error {
	if errors.Is(err, ratelimit.ErrStoreUnavailable) {
		if cfg.FailOpen {
			log.Warn().Err(err).Str("key", key).Msg("Rate limit store unavailable, admitting request")
			return c.Next()
		}
		log.Error().Err(err).Str("key", key).Msg("Rate limit store unavailable, rejecting request")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":      "Rate limit store unavailable",
			"code":       "STORE_UNAVAILABLE",
			"request_id": requestID(c),
		})
	}

	// Misconfigured overrides are a server bug, not a client error
	if ratelimit.IsConfigError(err) {
		log.Error().Err(err).Str("key", key).Str("path", c.Path()).Msg("Invalid rate limit override on route")
	} else {
		log.Error().Err(err).Str("key", key).Msg("Rate limit check failed")
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":      "Internal server error",
		"code":       "INTERNAL_ERROR",
		"request_id": requestID(c),
	})
}

// KeyByIP limits per client IP under prefix
func KeyByIP(prefix string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return fmt.Sprintf("%s:ip:%s", prefix, c.IP())
	}
}

// KeyByRoute limits each method and path separately, per caller. It keys on
// the request path since under Use the matched route is the middleware's own.
func KeyByRoute(c *fiber.Ctx) string {
	return fmt.Sprintf("route:%s %s:%s", c.Method(), c.Path(), ratelimit.DefaultKey(ScopeFromContext(c)))
}
