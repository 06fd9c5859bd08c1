package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBeginner struct{ err error }

func (f failingBeginner) Begin(context.Context) (pgx.Tx, error) { return nil, f.err }

func TestPostgresStore_ErrorsAreStoreUnavailable(t *testing.T) {
	store := NewPostgresStore(failingBeginner{err: errors.New("connection refused")})
	ctx := context.Background()
	p := fixedWindow(5, time.Minute)

	_, err := store.Get(ctx, "k", StrategyFixedWindow, Scope{}, time.Time{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Increment(ctx, "k", IncrementOptions{Params: p})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Clear(ctx, "k", Scope{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Cleanup(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	t.Run("invalid params are not store errors", func(t *testing.T) {
		_, err := store.Increment(ctx, "k", IncrementOptions{Params: fixedWindow(-1, time.Minute)})
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
		assert.NotErrorIs(t, err, ErrStoreUnavailable)
	})
}

// countingBeginner fails every Begin with err and counts the attempts
type countingBeginner struct {
	err      error
	attempts int
}

func (c *countingBeginner) Begin(context.Context) (pgx.Tx, error) {
	c.attempts++
	return nil, c.err
}

func TestPostgresStore_RetriesConflicts(t *testing.T) {
	db := &countingBeginner{err: &pgconn.PgError{Code: database.ErrCodeSerializationFailure}}
	store := NewPostgresStore(db)

	_, err := store.Increment(context.Background(), "k", IncrementOptions{Params: fixedWindow(5, time.Minute)})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, maxTxAttempts, db.attempts)

	t.Run("other failures are not rerun", func(t *testing.T) {
		db := &countingBeginner{err: &pgconn.PgError{Code: "08006"}}
		_, err := NewPostgresStore(db).Get(context.Background(), "k", StrategyFixedWindow, Scope{}, time.Time{})
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.Equal(t, 1, db.attempts)
	})
}

func TestPostgresStore_PolicyViolationIsNotFound(t *testing.T) {
	db := &countingBeginner{err: &pgconn.PgError{Code: database.ErrCodeInsufficientPrivilege}}
	_, err := NewPostgresStore(db).Clear(context.Background(), "k", Scope{UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestNullableHelpers(t *testing.T) {
	assert.Nil(t, nullableTime(time.Time{}))
	require.NotNil(t, nullableTime(epoch))
	assert.True(t, epoch.Equal(*nullableTime(epoch)))

	assert.Nil(t, nullableTokens(&Record{Strategy: StrategyFixedWindow, TokensRemaining: 3}))
	tokens := nullableTokens(&Record{Strategy: StrategyTokenBucket, TokensRemaining: 0})
	require.NotNil(t, tokens)
	assert.Equal(t, 0.0, *tokens)
}

// newTestPostgresStore connects to FLUXGATE_TEST_DATABASE_URL, applies the
// migrations and returns a store plus a key prefix unique to the test.
func newTestPostgresStore(t *testing.T) (*PostgresStore, string) {
	t.Helper()

	url := os.Getenv("FLUXGATE_TEST_DATABASE_URL")
	if url == "" || testing.Short() {
		t.Skip("FLUXGATE_TEST_DATABASE_URL not set, skipping PostgreSQL integration test")
	}

	conn, err := database.NewConnection(config.DatabaseConfig{
		URL:             url,
		MaxConnections:  20,
		MinConnections:  1,
		MaxConnLifetime: time.Minute,
		MaxConnIdleTime: time.Minute,
		HealthCheck:     time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Migrate())

	prefix := "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		_ = database.WrapWithServiceRole(context.Background(), conn.Pool(), func(tx pgx.Tx) error {
			_, err := tx.Exec(context.Background(), `DELETE FROM ratelimit.rate_limits WHERE limit_key LIKE $1`, prefix+"%")
			return err
		})
		conn.Close()
	})

	return NewPostgresStore(conn.Pool()), prefix
}

func TestPostgresStore_WindowIntegration(t *testing.T) {
	store, prefix := newTestPostgresStore(t)
	ctx := context.Background()
	key := prefix + "window"
	scope := Scope{UserID: "u1", TenantID: "t1", IPAddress: "192.0.2.1"}
	p := fixedWindow(3, time.Minute)
	now := time.Now()

	for i := int64(1); i <= 3; i++ {
		eval, err := store.Increment(ctx, key, IncrementOptions{Params: p, Scope: scope, Now: now})
		require.NoError(t, err)
		assert.True(t, eval.Allowed)
		assert.Equal(t, i, eval.Current)
	}

	eval, err := store.Increment(ctx, key, IncrementOptions{Params: p, Scope: scope, Now: now})
	require.NoError(t, err)
	assert.False(t, eval.Allowed)

	rec, err := store.Get(ctx, key, StrategyFixedWindow, scope, now)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(3), rec.CurrentCount)
	assert.Equal(t, "192.0.2.1", rec.IPAddress)
	assert.Equal(t, "t1", rec.TenantID)
}

func TestPostgresStore_TokenBucketIntegration(t *testing.T) {
	store, prefix := newTestPostgresStore(t)
	ctx := context.Background()
	key := prefix + "bucket"
	p := Params{Strategy: StrategyTokenBucket, MaxRequests: 2, Window: 2 * time.Second}
	now := time.Now()

	for i := 0; i < 2; i++ {
		eval, err := store.Increment(ctx, key, IncrementOptions{Params: p, Now: now})
		require.NoError(t, err)
		assert.True(t, eval.Allowed)
	}

	eval, err := store.Increment(ctx, key, IncrementOptions{Params: p, Now: now})
	require.NoError(t, err)
	assert.False(t, eval.Allowed)

	eval, err = store.Increment(ctx, key, IncrementOptions{Params: p, Now: now.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, eval.Allowed, "one token refilled after one second")

	rec, err := store.Get(ctx, key, StrategyTokenBucket, Scope{}, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, 0.0, rec.TokensRemaining, 1e-6)
}

func TestPostgresStore_ScopeIntegration(t *testing.T) {
	store, prefix := newTestPostgresStore(t)
	ctx := context.Background()
	key := prefix + "scoped"
	alice := Scope{UserID: "alice"}
	bob := Scope{UserID: "bob"}
	p := fixedWindow(5, time.Minute)

	_, err := store.Increment(ctx, key, IncrementOptions{Params: p, Scope: alice})
	require.NoError(t, err)

	rec, err := store.Get(ctx, key, StrategyFixedWindow, bob, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec)

	removed, err := store.Clear(ctx, key, bob)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = store.Clear(ctx, key, alice)
	require.NoError(t, err)
	assert.True(t, removed)

	rec, err = store.Get(ctx, key, StrategyFixedWindow, alice, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgresStore_ConcurrentIntegration(t *testing.T) {
	store, prefix := newTestPostgresStore(t)
	ctx := context.Background()
	key := prefix + "concurrent"
	p := fixedWindow(25, time.Hour)

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				eval, err := store.Increment(ctx, key, IncrementOptions{Params: p})
				if assert.NoError(t, err) && eval.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
}

func TestPostgresStore_CleanupIntegration(t *testing.T) {
	store, prefix := newTestPostgresStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	_, err := store.Increment(ctx, prefix+"expired", IncrementOptions{Params: fixedWindow(5, time.Second), Now: past})
	require.NoError(t, err)
	_, err = store.Increment(ctx, prefix+"bucket", IncrementOptions{Params: Params{StrategyTokenBucket, 5, time.Second}, Now: past})
	require.NoError(t, err)

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))

	rec, err := store.Get(ctx, prefix+"bucket", StrategyTokenBucket, Scope{}, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, rec, "token buckets survive cleanup")
}
