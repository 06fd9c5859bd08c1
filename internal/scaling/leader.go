// Package scaling provides coordination between multiple fluxgate instances.
package scaling

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Advisory lock IDs. Each background task that must run on exactly one
// instance gets its own ID.
const (
	// RateLimitCleanupLockID guards the expired rate limit record sweep
	RateLimitCleanupLockID int64 = 0x466C7578_00000001 // "Flux" + 1
)

// LeaderElector manages leader election using PostgreSQL advisory locks.
// Advisory locks belong to a session, so the leader keeps the connection
// that acquired the lock until it steps down.
type LeaderElector struct {
	pool          *pgxpool.Pool
	lockID        int64
	lockName      string
	checkInterval time.Duration

	mu       sync.RWMutex
	conn     *pgxpool.Conn
	isLeader bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeaderElector creates a new leader elector for the given lock ID.
// The lock name is used for logging.
func NewLeaderElector(pool *pgxpool.Pool, lockID int64, lockName string) *LeaderElector {
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		pool:          pool,
		lockID:        lockID,
		lockName:      lockName,
		checkInterval: 5 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the election loop. onBecomeLeader and onLoseLeadership are
// called on transitions and may be nil.
func (le *LeaderElector) Start(onBecomeLeader, onLoseLeadership func()) {
	log.Info().
		Str("lock", le.lockName).
		Int64("lock_id", le.lockID).
		Msg("Starting leader election")

	le.wg.Add(1)
	go le.electionLoop(onBecomeLeader, onLoseLeadership)
}

// Stop ends the election loop and releases the lock if held.
func (le *LeaderElector) Stop() {
	log.Info().
		Str("lock", le.lockName).
		Bool("was_leader", le.IsLeader()).
		Msg("Stopping leader election")

	le.cancel()
	le.wg.Wait()
	le.releaseLock()
}

// IsLeader returns true if this instance currently holds the lock.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

func (le *LeaderElector) electionLoop(onBecomeLeader, onLoseLeadership func()) {
	defer le.wg.Done()

	ticker := time.NewTicker(le.checkInterval)
	defer ticker.Stop()

	le.check(onBecomeLeader, onLoseLeadership)

	for {
		select {
		case <-le.ctx.Done():
			return
		case <-ticker.C:
			le.check(onBecomeLeader, onLoseLeadership)
		}
	}
}

// check acquires the lock when a follower, or verifies the held session is
// still alive when the leader.
func (le *LeaderElector) check(onBecomeLeader, onLoseLeadership func()) {
	ctx, cancel := context.WithTimeout(le.ctx, 5*time.Second)
	defer cancel()

	wasLeader := le.IsLeader()
	var isLeader bool
	if wasLeader {
		isLeader = le.heartbeat(ctx)
	} else {
		acquired, err := le.TryAcquireOnce(ctx)
		if err != nil {
			log.Error().
				Err(err).
				Str("lock", le.lockName).
				Msg("Failed to try advisory lock")
		}
		isLeader = acquired
	}

	if isLeader && !wasLeader {
		log.Info().
			Str("lock", le.lockName).
			Msg("Acquired leader lock, this instance is now the leader")
		if onBecomeLeader != nil {
			onBecomeLeader()
		}
	} else if !isLeader && wasLeader {
		log.Warn().
			Str("lock", le.lockName).
			Msg("Lost leader lock, this instance is no longer the leader")
		if onLoseLeadership != nil {
			onLoseLeadership()
		}
	}
}

// heartbeat pings the lock-holding session. A dead session has already lost
// the lock on the server side.
func (le *LeaderElector) heartbeat(ctx context.Context) bool {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.conn == nil {
		le.isLeader = false
		return false
	}
	if err := le.conn.Ping(ctx); err != nil {
		log.Error().Err(err).Str("lock", le.lockName).Msg("Leader session lost")
		// The session is gone, so the connection must not return to the pool
		_ = le.conn.Conn().Close(context.Background())
		le.conn.Release()
		le.conn = nil
		le.isLeader = false
		return false
	}
	return true
}

// TryAcquireOnce tries to acquire the lock once without starting the loop.
// It is a no-op returning true when the lock is already held.
func (le *LeaderElector) TryAcquireOnce(ctx context.Context) (bool, error) {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.isLeader {
		return true, nil
	}

	conn, err := le.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", le.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return false, err
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	le.conn = conn
	le.isLeader = true
	return true, nil
}

func (le *LeaderElector) releaseLock() {
	le.mu.Lock()
	defer le.mu.Unlock()

	if le.conn == nil {
		le.isLeader = false
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var released bool
	if err := le.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", le.lockID).Scan(&released); err != nil {
		log.Error().
			Err(err).
			Str("lock", le.lockName).
			Msg("Failed to release advisory lock")
		// Closing the session releases the lock either way
		_ = le.conn.Conn().Close(ctx)
	} else if released {
		log.Info().
			Str("lock", le.lockName).
			Msg("Released leader lock")
	}

	le.conn.Release()
	le.conn = nil
	le.isLeader = false
}

// AlwaysLeader is used by single-instance deployments where no election is
// needed.
type AlwaysLeader struct{}

// IsLeader always returns true
func (AlwaysLeader) IsLeader() bool { return true }
