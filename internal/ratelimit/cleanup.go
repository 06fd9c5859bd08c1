package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// LeaderChecker gates the sweep in multi-instance deployments.
// *scaling.LeaderElector implements it.
type LeaderChecker interface {
	IsLeader() bool
}

// CleanupJob periodically deletes expired window records from the store.
// A failed sweep is logged and the schedule keeps running.
type CleanupJob struct {
	store   Store
	metrics MetricsRecorder
	cron    *cron.Cron
	timeout time.Duration

	mu       sync.Mutex
	entry    cron.EntryID
	interval time.Duration
	leader   LeaderChecker
	started  bool
	// ctx is replaced on every Start so a restarted job does not sweep
	// with the context the previous Stop cancelled.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCleanupJob creates a cleanup job for store. metrics may be nil.
func NewCleanupJob(store Store, interval time.Duration, metrics MetricsRecorder) *CleanupJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CleanupJob{
		store:   store,
		metrics: metrics,
		// Overlapping sweeps would only contend on the same rows
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout:  time.Minute,
		interval: interval,
		ctx:      context.Background(),
	}
}

// SetLeader restricts scheduled sweeps to the instance holding the leader lock
func (j *CleanupJob) SetLeader(leader LeaderChecker) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.leader = leader
}

// Interval returns the current sweep interval
func (j *CleanupJob) Interval() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interval
}

// Start schedules the sweep and starts the scheduler.
func (j *CleanupJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return nil
	}
	if err := j.schedule(j.interval); err != nil {
		return err
	}
	j.ctx, j.cancel = context.WithCancel(context.Background())
	j.cron.Start()
	j.started = true

	log.Info().Dur("interval", j.interval).Msg("Rate limit cleanup job started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (j *CleanupJob) Stop() {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.started = false
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()

	log.Info().Msg("Stopping rate limit cleanup job")
	cancel()

	ctx := j.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Rate limit cleanup shutdown timeout - sweep may not have completed")
	}
}

// SetInterval reschedules the sweep. The old schedule is removed before the
// new one is added so two timers never run side by side.
func (j *CleanupJob) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return newConfigError("cleanupInterval", "must be positive, got %s", interval)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.interval = interval
	if !j.started {
		return nil
	}
	if err := j.schedule(interval); err != nil {
		return err
	}

	log.Info().Dur("interval", interval).Msg("Rate limit cleanup interval changed")
	return nil
}

// RunOnce performs a single sweep regardless of leadership.
func (j *CleanupJob) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	removed, err := j.store.Cleanup(ctx)

	if j.metrics != nil {
		j.metrics.RecordRateLimitCleanup(removed, err)
	}
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Rate limit cleanup failed")
		return 0, err
	}

	log.Debug().
		Int64("removed", removed).
		Dur("duration", time.Since(start)).
		Msg("Rate limit cleanup completed")
	return removed, nil
}

// schedule must be called with j.mu held
func (j *CleanupJob) schedule(interval time.Duration) error {
	if j.entry != 0 {
		j.cron.Remove(j.entry)
		j.entry = 0
	}
	entry, err := j.cron.AddFunc(fmt.Sprintf("@every %s", interval), j.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule rate limit cleanup: %w", err)
	}
	j.entry = entry
	return nil
}

func (j *CleanupJob) tick() {
	j.mu.Lock()
	leader := j.leader
	parent := j.ctx
	j.mu.Unlock()

	if leader != nil && !leader.IsLeader() {
		log.Debug().Msg("Skipping rate limit cleanup, not the leader")
		return
	}

	ctx, cancel := context.WithTimeout(parent, j.timeout)
	defer cancel()

	_, _ = j.RunOnce(ctx)
}
