package ratelimit

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is an optional fast path in front of the Store. Implementations never
// hold the source of truth: a miss, an error or an unavailable cache only
// costs a store round trip.
type Cache interface {
	// Get returns the cached record or nil on a miss.
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Available reports whether the cache is worth consulting right now.
	Available() bool
	Close() error
}

// CacheKey builds the cache key for a record. The owner is part of the key
// so a cached record is never served to another scope.
func CacheKey(key string, strategy Strategy, scope Scope) string {
	return scope.owner() + "|" + string(strategy) + "|" + key
}

// NullCache is the cache used when caching is disabled. It is never
// available and every lookup misses.
type NullCache struct{}

// NewNullCache returns a disabled cache.
func NewNullCache() *NullCache { return &NullCache{} }

func (NullCache) Get(context.Context, string) (*Record, error) { return nil, nil }

func (NullCache) Set(context.Context, string, *Record, time.Duration) error { return nil }

func (NullCache) Delete(context.Context, string) error { return nil }

func (NullCache) Available() bool { return false }

func (NullCache) Close() error { return nil }

func encodeRecord(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
