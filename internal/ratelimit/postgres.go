package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/fluxbase-eu/fluxgate/internal/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store using PostgreSQL.
// This is suitable for multi-instance deployments without requiring Redis.
//
// Each operation runs in a single transaction that first sets the row level
// security scope, so the scope and the data statements share one pool
// checkout. Rows live in ratelimit.rate_limits, created by the embedded
// migrations.
type PostgresStore struct {
	db database.TxBeginner
}

// NewPostgresStore creates a new PostgreSQL-backed rate limit store.
// db is usually a *pgxpool.Pool.
func NewPostgresStore(db database.TxBeginner) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, limit_key, strategy, max_requests, window_ms, current_count,
	window_start, window_end, tokens_remaining, last_refill,
	user_id, tenant_id, ip_address, created_at, updated_at`

// selectActiveSQL returns the newest live row for an owner. The explicit
// owner filter keeps results scoped even for roles that bypass the policy.
const selectActiveSQL = `SELECT ` + recordColumns + `
	FROM ratelimit.rate_limits
	WHERE limit_key = $1 AND strategy = $2 AND user_id = $3 AND tenant_id = $4
	  AND (strategy = 'token-bucket' OR window_end > $5)
	ORDER BY window_start DESC NULLS LAST
	LIMIT 1`

const insertSQL = `INSERT INTO ratelimit.rate_limits (` + recordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT DO NOTHING
	RETURNING id`

const updateSQL = `UPDATE ratelimit.rate_limits
	SET max_requests = $2, window_ms = $3, current_count = $4,
	    tokens_remaining = $5, last_refill = $6, ip_address = $7, updated_at = $8
	WHERE id = $1`

// maxTxAttempts bounds reruns of a transaction aborted by a serialization
// failure or deadlock
const maxTxAttempts = 3

func claimsFor(scope Scope) database.ScopeClaims {
	return database.ScopeClaims{UserID: scope.UserID, TenantID: scope.TenantID}
}

// inScope runs fn in a scoped transaction, rerunning the whole transaction
// when PostgreSQL aborts it for a conflict with a concurrent one.
func (s *PostgresStore) inScope(ctx context.Context, claims database.ScopeClaims, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = database.WrapWithScope(ctx, s.db, claims, fn)
		if !database.IsRetryable(err) {
			return err
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("Rate limit transaction conflicted, retrying")
	}
	return err
}

// pgFailure maps a failed transaction to the store's errors. A row level
// security rejection means the row belongs to another owner, which callers
// see as not found.
func pgFailure(op string, err error) error {
	if database.IsPolicyViolation(err) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	}
	if !database.IsConnectionError(err) {
		log.Error().Err(err).Str("op", op).Msg("Rate limit statement failed")
	}
	return storeError(op, err)
}

// Get returns the latest record for key and strategy still live at now.
func (s *PostgresStore) Get(ctx context.Context, key string, strategy Strategy, scope Scope, now time.Time) (*Record, error) {
	if now.IsZero() {
		now = time.Now()
	}
	var rec *Record
	ctx, span := observability.StartDBSpan(ctx, "select", "ratelimit.rate_limits")
	err := s.inScope(ctx, claimsFor(scope), func(tx pgx.Tx) error {
		var err error
		rec, err = selectActive(ctx, tx, selectActiveSQL, key, strategy, scope, now)
		return err
	})
	observability.EndDBSpan(span, err)
	if err != nil {
		return nil, pgFailure("get", err)
	}
	return rec, nil
}

// Increment runs select-evaluate-write in one transaction. The active row is
// locked with FOR UPDATE; when no row exists and a concurrent insert wins the
// unique index race, the select is retried once to pick up the winner.
func (s *PostgresStore) Increment(ctx context.Context, key string, opts IncrementOptions) (*Evaluation, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	now := opts.now()

	var eval Evaluation
	ctx, span := observability.StartDBSpan(ctx, "increment", "ratelimit.rate_limits")
	err := s.inScope(ctx, claimsFor(opts.Scope), func(tx pgx.Tx) error {
		for attempt := 0; attempt < 2; attempt++ {
			current, err := selectActive(ctx, tx, selectActiveSQL+" FOR UPDATE", key, opts.Params.Strategy, opts.Scope, now)
			if err != nil {
				return err
			}

			eval = Evaluate(now, current, opts.Params, opts.Amount, true)
			if !eval.Mutated {
				return nil
			}

			rec := eval.Record
			stamp(rec, key, opts.Scope, now)

			if current != nil && rec.ID == current.ID {
				_, err := tx.Exec(ctx, updateSQL,
					rec.ID, rec.MaxRequests, rec.WindowMs, rec.CurrentCount,
					nullableTokens(rec), nullableTime(rec.LastRefill), rec.IPAddress, rec.UpdatedAt)
				return err
			}

			rec.ID = uuid.NewString()
			inserted, err := insertRecord(ctx, tx, rec)
			if err != nil {
				return err
			}
			if inserted {
				return nil
			}

			log.Debug().Str("key", key).Msg("Concurrent rate limit insert detected, retrying")
		}
		return errors.New("rate limit row contended after retry")
	})
	observability.EndDBSpan(span, err)
	if err != nil {
		return nil, pgFailure("increment", err)
	}
	return &eval, nil
}

// Clear deletes every record for key the scope owns.
func (s *PostgresStore) Clear(ctx context.Context, key string, scope Scope) (bool, error) {
	var removed int64
	ctx, span := observability.StartDBSpan(ctx, "delete", "ratelimit.rate_limits")
	err := s.inScope(ctx, claimsFor(scope), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM ratelimit.rate_limits
			WHERE limit_key = $1 AND user_id = $2 AND tenant_id = $3
		`, key, scope.UserID, scope.TenantID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	observability.EndDBSpan(span, err)
	if err != nil {
		return false, pgFailure("clear", err)
	}
	return removed > 0, nil
}

// Cleanup removes expired window rows for all owners.
// It runs with the service role so the policies do not filter the sweep. A
// conflicted sweep is not rerun, the next tick picks up the rows.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	var removed int64
	ctx, span := observability.StartDBSpan(ctx, "cleanup", "ratelimit.rate_limits")
	err := database.WrapWithServiceRole(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM ratelimit.rate_limits
			WHERE strategy <> 'token-bucket' AND window_end <= $1
		`, time.Now())
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	observability.EndDBSpan(span, err)
	if err != nil {
		return 0, pgFailure("cleanup", err)
	}
	return removed, nil
}

// Close is a no-op for PostgresStore as we don't own the connection pool.
func (s *PostgresStore) Close() error {
	return nil
}

func selectActive(ctx context.Context, tx pgx.Tx, sql, key string, strategy Strategy, scope Scope, now time.Time) (*Record, error) {
	row := tx.QueryRow(ctx, sql, key, string(strategy), scope.UserID, scope.TenantID, now)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec *Record) (bool, error) {
	var id string
	err := tx.QueryRow(ctx, insertSQL,
		rec.ID, rec.Key, string(rec.Strategy), rec.MaxRequests, rec.WindowMs, rec.CurrentCount,
		nullableTime(rec.WindowStart), nullableTime(rec.WindowEnd), nullableTokens(rec), nullableTime(rec.LastRefill),
		rec.UserID, rec.TenantID, rec.IPAddress, rec.CreatedAt, rec.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                    Record
		strategy               string
		windowStart, windowEnd *time.Time
		tokens                 *float64
		lastRefill             *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Key, &strategy, &rec.MaxRequests, &rec.WindowMs, &rec.CurrentCount,
		&windowStart, &windowEnd, &tokens, &lastRefill,
		&rec.UserID, &rec.TenantID, &rec.IPAddress, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Strategy = Strategy(strategy)
	if windowStart != nil {
		rec.WindowStart = *windowStart
	}
	if windowEnd != nil {
		rec.WindowEnd = *windowEnd
	}
	if tokens != nil {
		rec.TokensRemaining = *tokens
	}
	if lastRefill != nil {
		rec.LastRefill = *lastRefill
	}
	return &rec, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableTokens(rec *Record) *float64 {
	if rec.Strategy != StrategyTokenBucket {
		return nil
	}
	tokens := rec.TokensRemaining
	return &tokens
}
