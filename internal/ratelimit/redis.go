package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	redisCachePrefix = "ratelimit:cache:"

	// redisCooldown is how long the cache reports unavailable after a failure.
	redisCooldown = 5 * time.Second
)

// RedisCache implements Cache using Redis (or Redis-compatible backends like
// Dragonfly, Valkey or KeyDB). Records are stored JSON encoded with a PX
// expiry.
//
// A failed command marks the cache unavailable for a short cooldown so a
// dead Redis does not add a timeout to every request.
type RedisCache struct {
	client    *redis.Client
	downUntil atomic.Int64 // unix nanoseconds
	warn      rate.Sometimes
}

// NewRedisCache creates a Redis-backed rate limit cache.
// url should be in the format: redis://[password@]host:port[/db]
// Examples:
//   - redis://localhost:6379
//   - redis://password@dragonfly:6379
//   - redis://:password@redis:6379/1
//
// An unreachable server is not an error: the cache starts in cooldown and
// requests fall through to the store.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	c := NewRedisCacheFromClient(redis.NewClient(opts))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.markDown(err)
	} else {
		log.Info().Str("addr", opts.Addr).Msg("Connected to Redis-compatible backend for rate limit cache")
	}

	return c, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		warn:   rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Get retrieves a cached record.
func (c *RedisCache) Get(ctx context.Context, key string) (*Record, error) {
	data, err := c.client.Get(ctx, redisCachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.markDown(err)
		return nil, err
	}
	return decodeRecord(data)
}

// Set stores a record with SET ... PX.
func (c *RedisCache) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	if rec == nil {
		return c.Delete(ctx, key)
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, redisCachePrefix+key, data, ttl).Err(); err != nil {
		c.markDown(err)
		return err
	}
	return nil
}

// Delete removes a cached record.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisCachePrefix+key).Err(); err != nil {
		c.markDown(err)
		return err
	}
	return nil
}

// Available reports false while the cache is cooling down after a failure.
func (c *RedisCache) Available() bool {
	return time.Now().UnixNano() >= c.downUntil.Load()
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client for advanced use cases.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) markDown(err error) {
	c.downUntil.Store(time.Now().Add(redisCooldown).UnixNano())
	c.warn.Do(func() {
		log.Warn().Err(err).Dur("cooldown", redisCooldown).Msg("Rate limit cache unavailable, falling back to store")
	})
}
