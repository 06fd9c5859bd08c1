package client

import (
	"context"
	"net/url"
	"time"
)

// RateLimitPrefix matches the server's default rate_limit.route_prefix
const RateLimitPrefix = "/rate-limit"

// LimitStatus is the server's view of one limit key
type LimitStatus struct {
	Key       string    `json:"key" yaml:"key"`
	Allowed   bool      `json:"allowed" yaml:"allowed"`
	Current   int64     `json:"current" yaml:"current"`
	Limit     int64     `json:"limit" yaml:"limit"`
	Remaining int64     `json:"remaining" yaml:"remaining"`
	ResetAt   time.Time `json:"resetAt" yaml:"reset_at"`
	Strategy  string    `json:"strategy" yaml:"strategy"`
}

// LimitDefaults are the server-wide rate limit defaults
type LimitDefaults struct {
	Strategy    string `json:"strategy" yaml:"strategy"`
	WindowMs    int64  `json:"windowMs" yaml:"window_ms"`
	MaxRequests int64  `json:"maxRequests" yaml:"max_requests"`
}

// LimitDefaultsUpdate is a partial update. Nil fields are left unchanged.
type LimitDefaultsUpdate struct {
	Strategy    *string `json:"strategy,omitempty"`
	WindowMs    *int64  `json:"windowMs,omitempty"`
	MaxRequests *int64  `json:"maxRequests,omitempty"`
}

// RateLimitStatus fetches the status of key. An empty key asks for the
// caller's own default key.
func (c *Client) RateLimitStatus(ctx context.Context, key string) (*LimitStatus, error) {
	path := RateLimitPrefix + "/status"
	if key != "" {
		path += "/" + url.PathEscape(key)
	}

	var status LimitStatus
	if err := c.DoGet(ctx, path, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ClearRateLimit deletes the caller's records for key
func (c *Client) ClearRateLimit(ctx context.Context, key string) error {
	return c.DoDelete(ctx, RateLimitPrefix+"/clear/"+url.PathEscape(key))
}

// RateLimitConfig fetches the current defaults
func (c *Client) RateLimitConfig(ctx context.Context) (*LimitDefaults, error) {
	var d LimitDefaults
	if err := c.DoGet(ctx, RateLimitPrefix+"/config", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateRateLimitConfig applies a partial update and returns the new defaults
func (c *Client) UpdateRateLimitConfig(ctx context.Context, update LimitDefaultsUpdate) (*LimitDefaults, error) {
	var d LimitDefaults
	if err := c.DoPut(ctx, RateLimitPrefix+"/config", update, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
