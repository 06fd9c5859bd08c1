package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedWindow(max int64, window time.Duration) Params {
	return Params{Strategy: StrategyFixedWindow, MaxRequests: max, Window: window}
}

func TestNewMemoryStore(t *testing.T) {
	t.Run("creates store with default gc interval", func(t *testing.T) {
		store := NewMemoryStore(0)
		require.NotNil(t, store)
		assert.NotNil(t, store.data)
		assert.Equal(t, 10*time.Minute, store.gcInterval)
		store.Close()
	})

	t.Run("creates store with custom gc interval", func(t *testing.T) {
		store := NewMemoryStore(5 * time.Minute)
		assert.Equal(t, 5*time.Minute, store.gcInterval)
		store.Close()
	})

	t.Run("close is idempotent", func(t *testing.T) {
		store := NewMemoryStore(time.Minute)
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())
	})
}

func TestMemoryStore_Increment(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	ctx := context.Background()
	scope := Scope{UserID: "u1"}
	p := fixedWindow(3, time.Minute)

	t.Run("counts up to the limit then rejects", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			eval, err := store.Increment(ctx, "k1", IncrementOptions{Params: p, Scope: scope, Now: epoch})
			require.NoError(t, err)
			assert.True(t, eval.Allowed)
			assert.Equal(t, i, eval.Current)
		}

		eval, err := store.Increment(ctx, "k1", IncrementOptions{Params: p, Scope: scope, Now: epoch})
		require.NoError(t, err)
		assert.False(t, eval.Allowed)

		rec, err := store.Get(ctx, "k1", StrategyFixedWindow, scope, epoch)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(3), rec.CurrentCount, "rejections are not persisted")
	})

	t.Run("stamps identity", func(t *testing.T) {
		s := Scope{UserID: "u2", TenantID: "t1", IPAddress: "10.1.1.1"}
		_, err := store.Increment(ctx, "k2", IncrementOptions{Params: p, Scope: s, Now: epoch})
		require.NoError(t, err)

		rec, err := store.Get(ctx, "k2", StrategyFixedWindow, s, epoch)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, "k2", rec.Key)
		assert.Equal(t, "u2", rec.UserID)
		assert.Equal(t, "t1", rec.TenantID)
		assert.Equal(t, "10.1.1.1", rec.IPAddress)
	})

	t.Run("invalid params are rejected", func(t *testing.T) {
		_, err := store.Increment(ctx, "k3", IncrementOptions{Params: fixedWindow(0, time.Minute), Scope: scope})
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("strategies are stored separately", func(t *testing.T) {
		_, err := store.Increment(ctx, "k4", IncrementOptions{Params: p, Scope: scope, Now: epoch})
		require.NoError(t, err)

		rec, err := store.Get(ctx, "k4", StrategyTokenBucket, scope, epoch)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("returned record is a copy", func(t *testing.T) {
		eval, err := store.Increment(ctx, "k5", IncrementOptions{Params: p, Scope: scope, Now: epoch})
		require.NoError(t, err)
		eval.Record.CurrentCount = 99

		rec, err := store.Get(ctx, "k5", StrategyFixedWindow, scope, epoch)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(1), rec.CurrentCount)
	})
}

func TestMemoryStore_Get(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	ctx := context.Background()
	scope := Scope{UserID: "u1"}

	t.Run("missing key returns nil", func(t *testing.T) {
		rec, err := store.Get(ctx, "missing", StrategyFixedWindow, scope, time.Now())
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("expired window returns nil", func(t *testing.T) {
		_, err := store.Increment(ctx, "short", IncrementOptions{Params: fixedWindow(5, time.Second), Scope: scope, Now: time.Now().Add(-time.Minute)})
		require.NoError(t, err)

		rec, err := store.Get(ctx, "short", StrategyFixedWindow, scope, time.Now())
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("expiry is judged at the given instant", func(t *testing.T) {
		_, err := store.Increment(ctx, "pinned", IncrementOptions{Params: fixedWindow(5, time.Minute), Scope: scope, Now: epoch})
		require.NoError(t, err)

		rec, err := store.Get(ctx, "pinned", StrategyFixedWindow, scope, epoch.Add(30*time.Second))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(1), rec.CurrentCount)

		rec, err = store.Get(ctx, "pinned", StrategyFixedWindow, scope, epoch.Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("token bucket never expires", func(t *testing.T) {
		p := Params{Strategy: StrategyTokenBucket, MaxRequests: 5, Window: time.Second}
		_, err := store.Increment(ctx, "bucket", IncrementOptions{Params: p, Scope: scope, Now: time.Now().Add(-24 * time.Hour)})
		require.NoError(t, err)

		rec, err := store.Get(ctx, "bucket", StrategyTokenBucket, scope, time.Now())
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.InDelta(t, 4.0, rec.TokensRemaining, 1e-9)
	})
}

func TestMemoryStore_ScopeIsolation(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	ctx := context.Background()
	alice := Scope{UserID: "alice", TenantID: "acme"}
	bob := Scope{UserID: "bob", TenantID: "acme"}
	aliceOtherTenant := Scope{UserID: "alice", TenantID: "globex"}
	p := fixedWindow(2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := store.Increment(ctx, "shared", IncrementOptions{Params: p, Scope: alice, Now: epoch})
		require.NoError(t, err)
	}

	t.Run("other user has an independent counter", func(t *testing.T) {
		eval, err := store.Increment(ctx, "shared", IncrementOptions{Params: p, Scope: bob, Now: epoch})
		require.NoError(t, err)
		assert.True(t, eval.Allowed)
		assert.Equal(t, int64(1), eval.Current)
	})

	t.Run("other user cannot read", func(t *testing.T) {
		rec, err := store.Get(ctx, "shared", StrategyFixedWindow, aliceOtherTenant, epoch)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("other user cannot clear", func(t *testing.T) {
		removed, err := store.Clear(ctx, "shared", aliceOtherTenant)
		require.NoError(t, err)
		assert.False(t, removed)

		rec, err := store.Get(ctx, "shared", StrategyFixedWindow, alice, epoch)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(2), rec.CurrentCount)
	})

	t.Run("owner can clear", func(t *testing.T) {
		removed, err := store.Clear(ctx, "shared", alice)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = store.Clear(ctx, "shared", alice)
		require.NoError(t, err)
		assert.False(t, removed, "clear is idempotent")

		rec, err := store.Get(ctx, "shared", StrategyFixedWindow, bob, epoch)
		require.NoError(t, err)
		assert.NotNil(t, rec, "bob's record survives")
	})
}

func TestMemoryStore_Clear(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	ctx := context.Background()
	scope := Scope{}

	_, err := store.Increment(ctx, "multi", IncrementOptions{Params: fixedWindow(5, time.Minute), Scope: scope, Now: epoch})
	require.NoError(t, err)
	_, err = store.Increment(ctx, "multi", IncrementOptions{Params: Params{StrategyTokenBucket, 5, time.Minute}, Scope: scope, Now: epoch})
	require.NoError(t, err)
	assert.Equal(t, 2, store.size())

	removed, err := store.Clear(ctx, "multi", scope)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, store.size(), "all strategies are cleared")
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	ctx := context.Background()
	store.now = func() time.Time { return epoch.Add(10 * time.Minute) }

	short := fixedWindow(5, time.Minute)
	long := fixedWindow(5, time.Hour)
	bucket := Params{StrategyTokenBucket, 5, time.Minute}

	for _, key := range []string{"cleanup-1", "cleanup-2"} {
		_, err := store.Increment(ctx, key, IncrementOptions{Params: short, Scope: Scope{UserID: key}, Now: epoch})
		require.NoError(t, err)
	}
	_, err := store.Increment(ctx, "cleanup-3", IncrementOptions{Params: long, Now: epoch})
	require.NoError(t, err)
	_, err = store.Increment(ctx, "cleanup-4", IncrementOptions{Params: bucket, Now: epoch})
	require.NoError(t, err)

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 2, store.size())

	store.mu.Lock()
	_, emptyPartitionKept := store.data[Scope{UserID: "cleanup-1"}.owner()]
	store.mu.Unlock()
	assert.False(t, emptyPartitionKept)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	var allowed atomic.Int64
	numGoroutines := 50
	incrementsPerGoroutine := 40
	limit := int64(1000)
	p := fixedWindow(limit, time.Hour)
	now := time.Now()

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				eval, err := store.Increment(ctx, "concurrent-key", IncrementOptions{Params: p, Now: now})
				assert.NoError(t, err)
				if eval != nil && eval.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, limit, allowed.Load(), "exactly the limit is admitted")
	rec, err := store.Get(ctx, "concurrent-key", StrategyFixedWindow, Scope{}, now)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, limit, rec.CurrentCount)
}

func TestMemoryStore_ConcurrentMixedOperations(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	ctx := context.Background()
	p := fixedWindow(100, time.Minute)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(4)

		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = store.Increment(ctx, "mixed-ops", IncrementOptions{Params: p})
			}
		}()

		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = store.Get(ctx, "mixed-ops", StrategyFixedWindow, Scope{}, time.Time{})
			}
		}()

		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			_, _ = store.Clear(ctx, "mixed-ops", Scope{})
		}()

		go func() {
			defer wg.Done()
			_, _ = store.Cleanup(ctx)
		}()
	}

	wg.Wait()
}
