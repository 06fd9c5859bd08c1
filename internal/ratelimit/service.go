package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultCacheTTL bounds how long a cached record may shadow the store
const DefaultCacheTTL = time.Minute

// MetricsRecorder receives rate limit measurements.
// *observability.Metrics implements it.
type MetricsRecorder interface {
	RecordRateLimitCheck(strategy string, allowed bool, duration time.Duration)
	RecordRateLimitStoreError(operation string)
	RecordRateLimitCache(result string)
	RecordRateLimitCleanup(deleted int64, err error)
	RecordRateLimitConfigUpdate(source string)
}

// Broadcaster propagates runtime defaults to peer instances
type Broadcaster interface {
	BroadcastDefaults(ctx context.Context, d Defaults) error
}

// Defaults are the runtime-mutable limit settings used when a check does not
// override them.
type Defaults struct {
	Strategy    Strategy `json:"strategy"`
	WindowMs    int64    `json:"windowMs"`
	MaxRequests int64    `json:"maxRequests"`
}

// Params converts the defaults to evaluator parameters
func (d Defaults) Params() Params {
	return Params{
		Strategy:    d.Strategy,
		MaxRequests: d.MaxRequests,
		Window:      time.Duration(d.WindowMs) * time.Millisecond,
	}
}

// MaxWindowMs is the longest window a time.Duration can hold
const MaxWindowMs = math.MaxInt64 / int64(time.Millisecond)

// Validate checks every field
func (d Defaults) Validate() error {
	if d.WindowMs > MaxWindowMs {
		return newConfigError("windowMs", "must be at most %d, got %d", MaxWindowMs, d.WindowMs)
	}
	return d.Params().Validate()
}

// DefaultsFromConfig builds validated defaults from the rate_limit section.
func DefaultsFromConfig(cfg *config.RateLimitConfig) (Defaults, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return Defaults{}, err
	}
	d := Defaults{Strategy: strategy, WindowMs: cfg.WindowMs, MaxRequests: cfg.MaxRequests}
	if err := d.Validate(); err != nil {
		return Defaults{}, err
	}
	return d, nil
}

// DefaultsUpdate is a partial update of the defaults. Nil fields are kept.
type DefaultsUpdate struct {
	Strategy    *string `json:"strategy,omitempty"`
	WindowMs    *int64  `json:"windowMs,omitempty"`
	MaxRequests *int64  `json:"maxRequests,omitempty"`
}

// Apply returns cur with the update applied. Nothing is returned unless every
// field is valid.
func (u DefaultsUpdate) Apply(cur Defaults) (Defaults, error) {
	next := cur
	if u.Strategy != nil {
		strategy, err := ParseStrategy(*u.Strategy)
		if err != nil {
			return cur, err
		}
		next.Strategy = strategy
	}
	if u.WindowMs != nil {
		next.WindowMs = *u.WindowMs
	}
	if u.MaxRequests != nil {
		next.MaxRequests = *u.MaxRequests
	}
	if err := next.Validate(); err != nil {
		return cur, err
	}
	return next, nil
}

// Options configures a Service
type Options struct {
	Defaults Defaults
	// CacheTTL caps how long a record is cached. Zero means DefaultCacheTTL.
	CacheTTL time.Duration
	// Clock returns the current time. Nil means time.Now.
	Clock       func() time.Time
	Metrics     MetricsRecorder
	Broadcaster Broadcaster
}

// CheckOptions are the per-call inputs of CheckLimit. Zero override fields
// fall back to the current defaults.
type CheckOptions struct {
	Scope     Scope
	Increment bool
	Amount    int64

	Strategy    Strategy
	MaxRequests int64
	Window      time.Duration
}

// Result is the admission decision for one check
type Result struct {
	Key       string    `json:"key"`
	Allowed   bool      `json:"allowed"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Strategy  Strategy  `json:"strategy"`
}

// RetryAfter returns how long a rejected caller should wait, rounded up to
// whole seconds and at least one second.
func (r *Result) RetryAfter(now time.Time) time.Duration {
	secs := (r.ResetAt.Sub(now) + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// Service orchestrates cache, store and strategy evaluation. It holds no
// per-key state and is safe for concurrent use.
type Service struct {
	store       Store
	cache       Cache
	cacheTTL    time.Duration
	clock       func() time.Time
	metrics     MetricsRecorder
	broadcaster Broadcaster

	mu       sync.RWMutex
	defaults Defaults
}

// NewService creates a rate limit service. cache may be nil to disable the
// fast path.
func NewService(store Store, cache Cache, opts Options) (*Service, error) {
	if err := opts.Defaults.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewNullCache()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:       store,
		cache:       cache,
		cacheTTL:    opts.CacheTTL,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		broadcaster: opts.Broadcaster,
		defaults:    opts.Defaults,
	}, nil
}

// SetBroadcaster attaches the peer propagation channel after construction.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// Store returns the underlying persistent store
func (s *Service) Store() Store {
	return s.store
}

// CheckLimit evaluates the limit for key. With Increment the store performs
// an atomic read-evaluate-write; without it the check is read-only and never
// mutates state.
func (s *Service) CheckLimit(ctx context.Context, key string, opts CheckOptions) (*Result, error) {
	if key == "" {
		return nil, newConfigError("key", "must not be empty")
	}
	params, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	now := s.clock()
	ctx, span := observability.StartRateLimitSpan(ctx, "check", key, params.Strategy.String())
	cacheKey := CacheKey(key, params.Strategy, opts.Scope)

	var eval Evaluation
	if opts.Increment {
		res, err := s.store.Increment(ctx, key, IncrementOptions{
			Params: params,
			Amount: opts.Amount,
			Scope:  opts.Scope,
			Now:    now,
		})
		if err != nil {
			s.storeFailed("increment", key, err)
			observability.EndRateLimitSpan(span, false, err)
			return nil, err
		}
		eval = *res
		if eval.Mutated {
			s.cacheStore(ctx, cacheKey, eval.Record, now)
		}
	} else {
		rec, err := s.lookup(ctx, key, params.Strategy, opts.Scope, cacheKey, now)
		if err != nil {
			s.storeFailed("get", key, err)
			observability.EndRateLimitSpan(span, false, err)
			return nil, err
		}
		eval = Evaluate(now, rec, params, opts.Amount, false)
	}

	observability.EndRateLimitSpan(span, eval.Allowed, nil)
	if s.metrics != nil {
		s.metrics.RecordRateLimitCheck(params.Strategy.String(), eval.Allowed, time.Since(start))
	}

	return &Result{
		Key:       key,
		Allowed:   eval.Allowed,
		Current:   eval.Current,
		Limit:     params.MaxRequests,
		Remaining: eval.Remaining,
		ResetAt:   eval.ResetAt,
		Strategy:  params.Strategy,
	}, nil
}

// ClearLimit removes every record for key owned by scope and drops the
// matching cache entries. Clearing a missing key is not an error.
func (s *Service) ClearLimit(ctx context.Context, key string, scope Scope) (bool, error) {
	if key == "" {
		return false, newConfigError("key", "must not be empty")
	}

	ctx, span := observability.StartRateLimitSpan(ctx, "clear", key, "")
	removed, err := s.store.Clear(ctx, key, scope)
	if err != nil {
		s.storeFailed("clear", key, err)
		observability.EndRateLimitSpan(span, false, err)
		return false, err
	}
	observability.EndRateLimitSpan(span, true, nil)

	if s.cache.Available() {
		for _, strategy := range Strategies {
			if err := s.cache.Delete(ctx, CacheKey(key, strategy, scope)); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("Failed to evict rate limit cache entry")
			}
		}
	}

	log.Debug().Str("key", key).Str("user_id", scope.UserID).Bool("removed", removed).Msg("Rate limit cleared")
	return removed, nil
}

// GetDefaults returns the current defaults
func (s *Service) GetDefaults() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// SetDefaults validates the whole update before applying any of it, then
// broadcasts the new defaults to peers. A failed broadcast is logged and
// does not undo the local change.
func (s *Service) SetDefaults(ctx context.Context, update DefaultsUpdate) (Defaults, error) {
	s.mu.Lock()
	next, err := update.Apply(s.defaults)
	if err != nil {
		s.mu.Unlock()
		return s.GetDefaults(), err
	}
	s.defaults = next
	broadcaster := s.broadcaster
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRateLimitConfigUpdate("api")
	}
	log.Info().
		Str("strategy", next.Strategy.String()).
		Int64("window_ms", next.WindowMs).
		Int64("max_requests", next.MaxRequests).
		Msg("Rate limit defaults updated")

	if broadcaster != nil {
		if err := broadcaster.BroadcastDefaults(ctx, next); err != nil {
			log.Warn().Err(err).Msg("Failed to broadcast rate limit defaults to peers")
		}
	}
	return next, nil
}

// ApplyRemoteDefaults installs defaults received from a peer instance.
// They are not broadcast again.
func (s *Service) ApplyRemoteDefaults(d Defaults) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRateLimitConfigUpdate("remote")
	}
	log.Info().
		Str("strategy", d.Strategy.String()).
		Int64("window_ms", d.WindowMs).
		Int64("max_requests", d.MaxRequests).
		Msg("Rate limit defaults updated by peer")
	return nil
}

func (s *Service) resolve(opts CheckOptions) (Params, error) {
	p := s.GetDefaults().Params()
	if opts.Strategy != "" {
		p.Strategy = opts.Strategy
	}
	if opts.MaxRequests != 0 {
		p.MaxRequests = opts.MaxRequests
	}
	if opts.Window != 0 {
		p.Window = opts.Window
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// lookup reads through the cache. Cache failures count as misses.
func (s *Service) lookup(ctx context.Context, key string, strategy Strategy, scope Scope, cacheKey string, now time.Time) (*Record, error) {
	if !s.cache.Available() {
		s.recordCache("unavailable")
	} else {
		rec, err := s.cache.Get(ctx, cacheKey)
		switch {
		case err != nil:
			s.recordCache("error")
			log.Debug().Err(err).Str("key", key).Msg("Rate limit cache read failed, using store")
		case rec != nil:
			s.recordCache("hit")
			return rec, nil
		default:
			s.recordCache("miss")
		}
	}

	rec, err := s.store.Get(ctx, key, strategy, scope, now)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		s.cacheStore(ctx, cacheKey, rec, now)
	}
	return rec, nil
}

// cacheStore writes rec through to the cache. Window records are never
// cached past the end of their window.
func (s *Service) cacheStore(ctx context.Context, cacheKey string, rec *Record, now time.Time) {
	if rec == nil || !s.cache.Available() {
		return
	}
	ttl := s.cacheTTL
	if rec.Strategy != StrategyTokenBucket {
		if until := rec.WindowEnd.Sub(now); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, rec, ttl); err != nil {
		log.Debug().Err(err).Str("cache_key", cacheKey).Msg("Rate limit cache write failed")
	}
}

func (s *Service) storeFailed(op, key string, err error) {
	if s.metrics != nil {
		s.metrics.RecordRateLimitStoreError(op)
	}
	log.Error().Err(err).Str("operation", op).Str("key", key).Msg("Rate limit store operation failed")
}

func (s *Service) recordCache(result string) {
	if s.metrics != nil {
		s.metrics.RecordRateLimitCache(result)
	}
}
