package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps any failure of the persistent store
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrUnauthenticated is returned for operations that need a user
	ErrUnauthenticated = errors.New("authentication required")

	// ErrNotFound is returned when a limit does not exist for the caller
	ErrNotFound = errors.New("rate limit not found")
)

// ConfigError reports an invalid limit configuration
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is, or wraps, a *ConfigError
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
