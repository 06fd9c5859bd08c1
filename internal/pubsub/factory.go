package pubsub

import (
	"fmt"

	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// NewPubSub creates a pub/sub based on the scaling configuration.
//
// Backend options:
// - "local": in-process only (default, single instance)
// - "postgres": PostgreSQL LISTEN/NOTIFY, needs pool
// - "redis": Redis pub/sub, needs cfg.RedisURL
func NewPubSub(cfg *config.ScalingConfig, pool *pgxpool.Pool) (PubSub, error) {
	switch cfg.Backend {
	case "local", "":
		log.Info().Msg("Using local pub/sub (single instance mode)")
		return NewLocalPubSub(), nil

	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("database pool is required for postgres pub/sub backend")
		}
		log.Info().Msg("Using PostgreSQL pub/sub (multi-instance mode)")
		ps := NewPostgresPubSub(pool)
		if err := ps.Start(); err != nil {
			return nil, fmt.Errorf("failed to start PostgreSQL pub/sub: %w", err)
		}
		return ps, nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for redis pub/sub backend")
		}
		log.Info().Msg("Using Redis-compatible pub/sub (multi-instance mode)")
		ps, err := NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for pub/sub: %w", err)
		}
		return ps, nil

	default:
		return nil, fmt.Errorf("unknown pub/sub backend: %s (valid options: local, postgres, redis)", cfg.Backend)
	}
}
