// Package ratelimit implements request rate limiting with pluggable
// strategies, a fast-path cache and scoped persistent storage.
package ratelimit

import (
	"context"
	"time"
)

// Store is the interface for rate limit persistence backends.
// It supports different backends for different deployment scenarios:
// - Memory: Single instance deployments (fastest, no external dependencies)
// - PostgreSQL: Multi-instance deployments with row level security scoping
//
// Every operation is scoped: a caller only ever sees or changes records
// owned by its Scope.
type Store interface {
	// Get returns the latest record for key and strategy that has not expired
	// at now, or nil. A zero now means the current time. Token bucket records
	// never expire.
	Get(ctx context.Context, key string, strategy Strategy, scope Scope, now time.Time) (*Record, error)

	// Increment atomically reads the current record, evaluates the strategy
	// and persists the result.
	Increment(ctx context.Context, key string, opts IncrementOptions) (*Evaluation, error)

	// Clear deletes every record for key owned by scope and reports whether
	// anything was removed.
	Clear(ctx context.Context, key string, scope Scope) (bool, error)

	// Cleanup removes expired window records across all owners. Token
	// bucket records are left alone.
	Cleanup(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}

// Scope is the caller-asserted identity a record belongs to. Empty UserID
// and TenantID mean an anonymous caller.
type Scope struct {
	UserID    string
	TenantID  string
	IPAddress string
}

// Anonymous reports whether the scope has no authenticated user
func (s Scope) Anonymous() bool {
	return s.UserID == ""
}

// owner identifies the partition a record lives in. The IP address is
// informational and does not take part in ownership.
func (s Scope) owner() string {
	return s.TenantID + "/" + s.UserID
}

// IncrementOptions carries the parameters of a single increment
type IncrementOptions struct {
	Params Params
	Amount int64
	Scope  Scope
	// Now is the evaluation instant. Zero means time.Now().
	Now time.Time
}

func (o IncrementOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Record is the persisted state of one limit for one owner
type Record struct {
	ID              string    `json:"id"`
	Key             string    `json:"key"`
	Strategy        Strategy  `json:"strategy"`
	MaxRequests     int64     `json:"maxRequests"`
	WindowMs        int64     `json:"windowMs"`
	CurrentCount    int64     `json:"currentCount"`
	WindowStart     time.Time `json:"windowStart"`
	WindowEnd       time.Time `json:"windowEnd"`
	TokensRemaining float64   `json:"tokensRemaining"`
	LastRefill      time.Time `json:"lastRefill"`
	UserID          string    `json:"userId,omitempty"`
	TenantID        string    `json:"tenantId,omitempty"`
	IPAddress       string    `json:"ipAddress,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Expired reports whether a window record no longer applies at now
func (r *Record) Expired(now time.Time) bool {
	if r.Strategy == StrategyTokenBucket {
		return false
	}
	return !now.Before(r.WindowEnd)
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// stamp fills the identity columns of a record about to be written
func stamp(rec *Record, key string, scope Scope, now time.Time) {
	rec.Key = key
	rec.UserID = scope.UserID
	rec.TenantID = scope.TenantID
	if scope.IPAddress != "" {
		rec.IPAddress = scope.IPAddress
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}
