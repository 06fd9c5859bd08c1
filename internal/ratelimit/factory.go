package ratelimit

import (
	"fmt"

	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/rs/zerolog/log"
)

// NewStore creates a rate limit store based on the rate limit configuration.
//
// Store options:
// - "memory": In-memory store (default for single instance)
// - "postgres": PostgreSQL-backed store with row level security scoping
//
// The db parameter is required for "postgres" and is usually a *pgxpool.Pool.
func NewStore(cfg *config.RateLimitConfig, db database.TxBeginner) (Store, error) {
	switch cfg.Store {
	case "memory", "":
		log.Info().Msg("Using in-memory rate limit store (single instance mode)")
		return NewMemoryStore(cfg.CleanupInterval), nil

	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("database pool is required for postgres rate limit store")
		}
		log.Info().Msg("Using PostgreSQL rate limit store (multi-instance mode)")
		return NewPostgresStore(db), nil

	default:
		return nil, newConfigError("store", "unknown rate limit store: %s (valid options: memory, postgres)", cfg.Store)
	}
}

// NewCache creates the fast-path cache selected by the cache configuration.
// A Redis server that cannot be reached does not fail startup; the cache
// reports itself unavailable until it recovers.
func NewCache(cfg *config.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "none", "":
		log.Info().Msg("Rate limit cache disabled")
		return NewNullCache(), nil

	case "memory":
		log.Info().Dur("ttl", cfg.TTL).Msg("Using in-memory rate limit cache")
		return NewMemoryCache(cfg.GCInterval), nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, newConfigError("cache", "redis_url is required for redis rate limit cache")
		}
		log.Info().Dur("ttl", cfg.TTL).Msg("Using Redis-compatible rate limit cache")
		cache, err := NewRedisCache(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		return cache, nil

	default:
		return nil, newConfigError("cache", "unknown rate limit cache type: %s (valid options: none, memory, redis)", cfg.Type)
	}
}
