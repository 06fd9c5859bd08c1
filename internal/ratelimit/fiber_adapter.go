package ratelimit

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/memory/v2"
)

// StorageCache adapts a Fiber storage driver to the Cache interface.
// Any fiber.Storage works; the in-process default is gofiber/storage/memory.
type StorageCache struct {
	storage fiber.Storage
}

// NewStorageCache wraps an existing Fiber storage.
func NewStorageCache(storage fiber.Storage) *StorageCache {
	return &StorageCache{storage: storage}
}

// NewMemoryCache creates an in-process TTL cache.
// gcInterval controls how often expired entries are evicted.
func NewMemoryCache(gcInterval time.Duration) *StorageCache {
	if gcInterval <= 0 {
		gcInterval = 10 * time.Second
	}
	return NewStorageCache(memory.New(memory.Config{
		GCInterval: gcInterval,
	}))
}

// Get retrieves a record from the storage.
func (a *StorageCache) Get(ctx context.Context, key string) (*Record, error) {
	data, err := a.storage.Get(key)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Set stores a JSON encoded record with the given expiration.
func (a *StorageCache) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	if rec == nil {
		return a.storage.Delete(key)
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return a.storage.Set(key, data, ttl)
}

// Delete removes a value from the storage.
func (a *StorageCache) Delete(ctx context.Context, key string) error {
	return a.storage.Delete(key)
}

// Available is always true for in-process storage.
func (a *StorageCache) Available() bool {
	return true
}

// Close releases resources.
func (a *StorageCache) Close() error {
	return a.storage.Close()
}
