package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Database roles understood by the row level security policies
const (
	RoleAnon          = "anon"
	RoleAuthenticated = "authenticated"
	RoleService       = "service_role"
)

// TxBeginner starts transactions. *pgxpool.Pool, *pgx.Conn and pgx.Tx all
// satisfy it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ScopeClaims is the identity the row level security policies see for the
// duration of one transaction.
type ScopeClaims struct {
	UserID   string
	TenantID string
	Role     string
}

// RoleFor returns the role matching an optional user id
func RoleFor(userID string) string {
	if userID == "" {
		return RoleAnon
	}
	return RoleAuthenticated
}

// setScopeSQL sets all scope variables in one round trip. The third argument
// of set_config makes each setting local to the current transaction, so the
// pooled connection is clean again once it is returned.
const setScopeSQL = `SELECT set_config('app.user_id', $1, true),
	set_config('app.tenant_id', $2, true),
	set_config('app.role', $3, true)`

// SetScope applies the claims to an open transaction
func SetScope(ctx context.Context, tx pgx.Tx, claims ScopeClaims) error {
	role := claims.Role
	if role == "" {
		role = RoleFor(claims.UserID)
	}

	if _, err := tx.Exec(ctx, setScopeSQL, claims.UserID, claims.TenantID, role); err != nil {
		log.Error().Err(err).Str("role", role).Msg("Failed to set row level security scope")
		return fmt.Errorf("failed to set scope: %w", err)
	}
	return nil
}

// WrapWithScope runs fn inside a transaction whose row level security scope
// is set to claims. The scope and every statement of fn share one
// connection checkout.
func WrapWithScope(ctx context.Context, db TxBeginner, claims ScopeClaims, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := SetScope(ctx, tx, claims); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WrapWithServiceRole runs fn with the service role, which the policies let
// through unfiltered. Used for system maintenance such as cleanup sweeps.
func WrapWithServiceRole(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	return WrapWithScope(ctx, db, ScopeClaims{Role: RoleService}, fn)
}
