package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryStore implements Store using in-memory storage.
// This is the default store for single-instance deployments.
// It provides the fastest performance but doesn't share state across instances.
//
// Records are partitioned by owner so one scope can never read or clear
// another scope's limits.
type MemoryStore struct {
	data       map[string]map[memoryKey]*Record // owner -> records
	mu         sync.Mutex
	gcInterval time.Duration
	stopCh     chan struct{}
	closeOnce  sync.Once
	now        func() time.Time
}

type memoryKey struct {
	key      string
	strategy Strategy
}

// NewMemoryStore creates a new in-memory rate limit store.
// gcInterval specifies how often to clean up expired entries.
func NewMemoryStore(gcInterval time.Duration) *MemoryStore {
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}

	store := &MemoryStore{
		data:       make(map[string]map[memoryKey]*Record),
		gcInterval: gcInterval,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}

	go store.gc()

	return store
}

// Get returns the latest record for key and strategy still live at now.
func (s *MemoryStore) Get(ctx context.Context, key string, strategy Strategy, scope Scope, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = s.now()
	}
	rec, ok := s.data[scope.owner()][memoryKey{key, strategy}]
	if !ok || rec.Expired(now) {
		return nil, nil
	}
	return rec.clone(), nil
}

// Increment evaluates and stores the limit under the store lock.
func (s *MemoryStore) Increment(ctx context.Context, key string, opts IncrementOptions) (*Evaluation, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := opts.now()
	owner := opts.Scope.owner()
	mk := memoryKey{key, opts.Params.Strategy}

	current := s.data[owner][mk]
	eval := Evaluate(now, current, opts.Params, opts.Amount, true)

	if eval.Mutated {
		rec := eval.Record
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		stamp(rec, key, opts.Scope, now)

		partition, ok := s.data[owner]
		if !ok {
			partition = make(map[memoryKey]*Record)
			s.data[owner] = partition
		}
		partition[mk] = rec.clone()
	}

	return &eval, nil
}

// Clear removes all records for key in the caller's partition.
func (s *MemoryStore) Clear(ctx context.Context, key string, scope Scope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := scope.owner()
	partition, ok := s.data[owner]
	if !ok {
		return false, nil
	}

	removed := false
	for _, strategy := range Strategies {
		mk := memoryKey{key, strategy}
		if _, exists := partition[mk]; exists {
			delete(partition, mk)
			removed = true
		}
	}
	if len(partition) == 0 {
		delete(s.data, owner)
	}
	return removed, nil
}

// Cleanup removes expired window records from every partition.
func (s *MemoryStore) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for owner, partition := range s.data {
		for mk, rec := range partition {
			if rec.Expired(now) {
				delete(partition, mk)
				removed++
			}
		}
		if len(partition) == 0 {
			delete(s.data, owner)
		}
	}
	return removed, nil
}

// Close stops the garbage collection goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	return nil
}

// gc periodically removes expired entries so abandoned keys do not
// accumulate when no cleanup job is configured.
func (s *MemoryStore) gc() {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, _ := s.Cleanup(context.Background()); n > 0 {
				log.Debug().Int64("removed", n).Msg("Expired in-memory rate limit records removed")
			}
		}
	}
}

// size returns the number of stored records
func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, partition := range s.data {
		n += len(partition)
	}
	return n
}
