package ratelimit

import (
	"testing"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	t.Run("creates memory store for empty store", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Store: "",
		}

		store, err := NewStore(cfg, nil)
		require.NoError(t, err)
		require.NotNil(t, store)
		defer store.Close()

		_, ok := store.(*MemoryStore)
		assert.True(t, ok, "should be MemoryStore")
	})

	t.Run("memory store uses cleanup interval for gc", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Store:           "memory",
			CleanupInterval: 2 * time.Minute,
		}

		store, err := NewStore(cfg, nil)
		require.NoError(t, err)
		defer store.Close()

		mem, ok := store.(*MemoryStore)
		require.True(t, ok)
		assert.Equal(t, 2*time.Minute, mem.gcInterval)
	})

	t.Run("creates postgres store with pool", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Store: "postgres",
		}

		store, err := NewStore(cfg, failingBeginner{})
		require.NoError(t, err)

		_, ok := store.(*PostgresStore)
		assert.True(t, ok, "should be PostgresStore")
	})

	t.Run("errors for postgres store without pool", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Store: "postgres",
		}

		store, err := NewStore(cfg, nil)
		require.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "database pool is required")
	})

	t.Run("errors for unknown store", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Store: "memcached",
		}

		store, err := NewStore(cfg, nil)
		require.Error(t, err)
		assert.Nil(t, store)
		assert.True(t, IsConfigError(err))
		assert.Contains(t, err.Error(), "unknown rate limit store")
		assert.Contains(t, err.Error(), "valid options: memory, postgres")
	})
}

func TestNewCache(t *testing.T) {
	t.Run("none returns null cache", func(t *testing.T) {
		cache, err := NewCache(&config.CacheConfig{Type: "none"})
		require.NoError(t, err)

		_, ok := cache.(*NullCache)
		assert.True(t, ok, "should be NullCache")
		assert.False(t, cache.Available())
	})

	t.Run("memory returns storage cache", func(t *testing.T) {
		cache, err := NewCache(&config.CacheConfig{Type: "memory", TTL: time.Minute})
		require.NoError(t, err)
		defer cache.Close()

		_, ok := cache.(*StorageCache)
		assert.True(t, ok, "should be StorageCache")
		assert.True(t, cache.Available())
	})

	t.Run("errors for redis without url", func(t *testing.T) {
		cache, err := NewCache(&config.CacheConfig{Type: "redis"})
		require.Error(t, err)
		assert.Nil(t, cache)
		assert.Contains(t, err.Error(), "redis_url is required")
	})

	t.Run("errors for redis with invalid url", func(t *testing.T) {
		cache, err := NewCache(&config.CacheConfig{Type: "redis", RedisURL: "invalid://url"})
		require.Error(t, err)
		assert.Nil(t, cache)
		assert.Contains(t, err.Error(), "invalid redis_url")
	})

	t.Run("unreachable redis starts unavailable", func(t *testing.T) {
		cache, err := NewCache(&config.CacheConfig{Type: "redis", RedisURL: "redis://127.0.0.1:1"})
		require.NoError(t, err)
		defer cache.Close()

		assert.False(t, cache.Available())
	})

	t.Run("errors for unknown type", func(t *testing.T) {
		cache, err := NewCache(&config.CacheConfig{Type: "memcached"})
		require.Error(t, err)
		assert.Nil(t, cache)
		assert.True(t, IsConfigError(err))
	})
}
