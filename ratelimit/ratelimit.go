// Package ratelimit implements a sliding-window rate limiter shared across
// gateway instances. Request markers for each principal live in a key-value
// bucket; every instance prunes and appends markers through compare-and-swap,
// so the window is counted once regardless of which instance served the
// request.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/natsclient"
)

// Class identifies a limited operation family.
type Class string

// Rate limit classes
const (
	ClassJoin     Class = "join"     // channel join attempts
	ClassState    Class = "state"    // self state updates (mute, deafen, suppress)
	ClassPosition Class = "position" // spatial position updates
)

// Budget describes how many requests a principal may make per window.
type Budget struct {
	Limit  int
	Window time.Duration
}

// DefaultBudgets returns the per-class budgets applied when none are
// configured explicitly.
func DefaultBudgets() map[Class]Budget {
	return map[Class]Budget{
		ClassJoin:     {Limit: 10, Window: 10 * time.Second},
		ClassState:    {Limit: 20, Window: 10 * time.Second},
		ClassPosition: {Limit: 10, Window: 10 * time.Second},
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store is the key-value surface the limiter needs. *natsclient.KVStore
// satisfies it.
type Store interface {
	UpdateWithRetry(ctx context.Context, key string, fn natsclient.UpdateFunc) error
}

// Limiter checks sliding-window budgets for principals.
type Limiter struct {
	store   Store
	budgets map[Class]Budget
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBudget overrides the budget for a class.
func WithBudget(class Class, b Budget) Option {
	return func(l *Limiter) {
		l.budgets[class] = b
	}
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter backed by the given store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		budgets: DefaultBudgets(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one request for (class, principal) if the principal is
// within budget. A denial returns Allowed=false with the time until the
// oldest in-window marker expires; it never returns an error. Errors are
// reserved for store failures, and callers decide whether to fail open.
func (l *Limiter) Allow(ctx context.Context, class Class, principal string) (Decision, error) {
	budget, ok := l.budgets[class]
	if !ok {
		return Decision{}, errors.WrapInvalid(
			fmt.Errorf("unknown class %q", class), "Limiter", "Allow", "resolve budget")
	}

	key := fmt.Sprintf("rl.%s.%s", class, principal)
	now := l.now().UnixMilli()
	windowMs := budget.Window.Milliseconds()

	var decision Decision
	err := l.store.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		markers := pruneMarkers(decodeMarkers(current), now-windowMs)

		if len(markers) >= budget.Limit {
			oldest := markers[0]
			decision = Decision{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: time.Duration(oldest+windowMs-now) * time.Millisecond,
			}
			return nil, errors.RateLimited(decision.RetryAfter)
		}

		markers = append(markers, now)
		decision = Decision{
			Allowed:   true,
			Remaining: budget.Limit - len(markers),
		}
		return encodeMarkers(markers), nil
	})

	if err != nil {
		if _, ok := errors.IsRateLimited(err); ok {
			return decision, nil
		}
		return Decision{}, errors.WrapTransient(err, "Limiter", "Allow", "update window")
	}
	return decision, nil
}

// decodeMarkers parses the stored marker list. A corrupt value resets the
// window rather than wedging the principal.
func decodeMarkers(data []byte) []int64 {
	if len(data) == 0 {
		return nil
	}
	var markers []int64
	if err := json.Unmarshal(data, &markers); err != nil {
		return nil
	}
	return markers
}

func encodeMarkers(markers []int64) []byte {
	data, _ := json.Marshal(markers)
	return data
}

// pruneMarkers drops markers at or before the cutoff. Markers are stored
// in insertion order, so the result stays sorted.
func pruneMarkers(markers []int64, cutoff int64) []int64 {
	pruned := markers[:0]
	for _, m := range markers {
		if m > cutoff {
			pruned = append(pruned, m)
		}
	}
	return pruned
}
