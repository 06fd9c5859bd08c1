package database

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes
const (
	// ErrCodeInsufficientPrivilege is raised when a row level security check fails on write
	ErrCodeInsufficientPrivilege = "42501"
	// ErrCodeSerializationFailure is the PostgreSQL error code for serialization failures
	ErrCodeSerializationFailure = "40001"
	// ErrCodeDeadlockDetected is the PostgreSQL error code for deadlocks
	ErrCodeDeadlockDetected = "40P01"
	// ErrCodeAdminShutdown is sent when the server is shutting down
	ErrCodeAdminShutdown = "57P01"
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsPolicyViolation checks if an error comes from a row level security check
func IsPolicyViolation(err error) bool {
	return pgErrorCode(err) == ErrCodeInsufficientPrivilege
}

// IsRetryable reports whether the transaction can be retried as a whole
func IsRetryable(err error) bool {
	switch pgErrorCode(err) {
	case ErrCodeSerializationFailure, ErrCodeDeadlockDetected:
		return true
	}
	return false
}

// IsConnectionError reports whether err means the database could not be
// reached, as opposed to the database rejecting a statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Dial failures surface as *net.OpError under pgconn's connect error
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// pgconn marks errors raised before anything reached the server
	var unsent interface{ SafeToRetry() bool }
	if errors.As(err, &unsent) && unsent.SafeToRetry() {
		return true
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	code := pgErrorCode(err)
	// Class 08 is "connection exception"
	return strings.HasPrefix(code, "08") || code == ErrCodeAdminShutdown
}
