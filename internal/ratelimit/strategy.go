package ratelimit

import (
	"math"
	"strings"
	"time"
)

// Strategy selects the limiting algorithm
type Strategy string

const (
	// StrategySlidingWindow counts requests per epoch-aligned window.
	// It currently evaluates exactly like StrategyFixedWindow.
	StrategySlidingWindow Strategy = "sliding-window"
	// StrategyFixedWindow counts requests per epoch-aligned window
	StrategyFixedWindow Strategy = "fixed-window"
	// StrategyTokenBucket refills maxRequests tokens per window continuously
	StrategyTokenBucket Strategy = "token-bucket"
)

// Strategies lists every supported strategy
var Strategies = []Strategy{StrategySlidingWindow, StrategyFixedWindow, StrategyTokenBucket}

// ParseStrategy parses a strategy name. Underscore spellings such as
// "token_bucket" are accepted.
func ParseStrategy(s string) (Strategy, error) {
	normalized := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !normalized.Valid() {
		return "", newConfigError("strategy", "must be one of sliding-window, fixed-window, token-bucket, got %q", s)
	}
	return normalized, nil
}

// Valid reports whether s is a supported strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategySlidingWindow, StrategyFixedWindow, StrategyTokenBucket:
		return true
	}
	return false
}

func (s Strategy) String() string {
	return string(s)
}

// Params are the effective limit settings for one check
type Params struct {
	Strategy    Strategy
	MaxRequests int64
	Window      time.Duration
}

// Validate checks that the parameters describe a usable limit
func (p Params) Validate() error {
	if !p.Strategy.Valid() {
		return newConfigError("strategy", "must be one of sliding-window, fixed-window, token-bucket, got %q", p.Strategy)
	}
	if p.MaxRequests <= 0 {
		return newConfigError("maxRequests", "must be a positive number, got %d", p.MaxRequests)
	}
	if p.Window.Milliseconds() <= 0 {
		return newConfigError("windowMs", "must be a positive number, got %d", p.Window.Milliseconds())
	}
	return nil
}

// Evaluation is the outcome of applying a strategy to a record
type Evaluation struct {
	Allowed bool
	// Mutated is true when Record differs from the stored state and must be
	// written back.
	Mutated bool
	// Record is the state after evaluation. Its ID is empty when no row
	// exists yet for the current window or bucket.
	Record    *Record
	Current   int64
	Remaining int64
	ResetAt   time.Time
}

// WindowStart truncates now to the start of its epoch-aligned window
func WindowStart(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		return now
	}
	t := now.UnixMilli()
	offset := t % ms
	if offset < 0 {
		offset += ms
	}
	return time.UnixMilli(t - offset).In(now.Location())
}

// Evaluate applies the strategy in p to rec at instant now. rec may be nil.
// With increment false nothing is mutated and Allowed reports whether amount
// more requests would still be admitted. Evaluate never modifies rec.
func Evaluate(now time.Time, rec *Record, p Params, amount int64, increment bool) Evaluation {
	if amount <= 0 {
		amount = 1
	}
	if p.Strategy == StrategyTokenBucket {
		return evaluateTokenBucket(now, rec, p, increment)
	}
	return evaluateWindow(now, rec, p, amount, increment)
}

func evaluateWindow(now time.Time, rec *Record, p Params, amount int64, increment bool) Evaluation {
	var next *Record
	if rec != nil && !now.Before(rec.WindowStart) && now.Before(rec.WindowEnd) {
		next = rec.clone()
	} else {
		start := WindowStart(now, p.Window)
		next = &Record{
			Strategy:    p.Strategy,
			WindowStart: start,
			WindowEnd:   start.Add(time.Duration(p.Window.Milliseconds()) * time.Millisecond),
			CreatedAt:   now,
		}
		if rec != nil {
			next.Key = rec.Key
			next.UserID = rec.UserID
			next.TenantID = rec.TenantID
			next.IPAddress = rec.IPAddress
		}
	}
	next.MaxRequests = p.MaxRequests
	next.WindowMs = p.Window.Milliseconds()

	proposed := next.CurrentCount + amount
	allowed := proposed <= p.MaxRequests

	eval := Evaluation{Allowed: allowed, Record: next, ResetAt: next.WindowEnd}
	if increment && allowed {
		next.CurrentCount = proposed
		next.UpdatedAt = now
		eval.Mutated = true
	}

	eval.Current = next.CurrentCount
	eval.Remaining = p.MaxRequests - next.CurrentCount
	if eval.Remaining < 0 {
		eval.Remaining = 0
	}
	return eval
}

func evaluateTokenBucket(now time.Time, rec *Record, p Params, increment bool) Evaluation {
	limit := float64(p.MaxRequests)
	windowNs := float64(time.Duration(p.Window.Milliseconds()) * time.Millisecond)

	var next *Record
	var tokens float64
	if rec == nil {
		next = &Record{
			Strategy:   p.Strategy,
			LastRefill: now,
			CreatedAt:  now,
		}
		tokens = limit
	} else {
		next = rec.clone()
		tokens = rec.TokensRemaining
		// A clock that moved backwards refills nothing
		if elapsed := now.Sub(rec.LastRefill); elapsed > 0 {
			tokens += float64(elapsed) * limit / windowNs
			next.LastRefill = now
		}
	}
	tokens = math.Max(0, math.Min(limit, tokens))

	next.MaxRequests = p.MaxRequests
	next.WindowMs = p.Window.Milliseconds()
	next.TokensRemaining = tokens

	// next now holds the refilled state as of LastRefill, which is safe to
	// cache even when it is not persisted.
	allowed := tokens >= 1
	eval := Evaluation{Allowed: allowed, Record: next}
	if increment && allowed {
		tokens--
		next.TokensRemaining = tokens
		next.UpdatedAt = now
		eval.Mutated = true
	}

	eval.Remaining = int64(math.Floor(tokens))
	eval.Current = p.MaxRequests - eval.Remaining
	next.CurrentCount = eval.Current

	if tokens >= 1 {
		eval.ResetAt = now
	} else {
		wait := time.Duration(math.Ceil((1 - tokens) * windowNs / limit))
		eval.ResetAt = now.Add(wait)
	}
	return eval
}
