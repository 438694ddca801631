// Package ratelimit admits or rejects requests under a sliding-window budget kept in
// the shared store.
//
// Every caller of Admit, in any process, sees the same window because the prune,
// record and count steps run as one atomic store operation. The limiter fails
// closed: when the store cannot be reached it reports ErrStoreUnavailable and never
// admits the request.
//
//	lim := ratelimit.New(st, 5, 10*time.Second)
//	d, err := lim.Admit(ctx, "alice-key", time.Now())
//	if errors.Is(err, ratelimit.ErrStoreUnavailable) {
//		// reject with 503
//	}
//	if !d.Allowed {
//		// reject with 429, Retry-After: d.RetryAfter
//	}
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/roster/store"
)

// ErrStoreUnavailable is returned when the window could not be evaluated.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

// KeyPrefix namespaces window keys in the store.
const KeyPrefix = "rl:"

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Count is the number of attempts in the window, including this one.
	Count int64
	Limit int64
	// Remaining is how many more attempts the window admits, never negative.
	Remaining int64
	// Reset is the time until the oldest attempt leaves the window, rounded up to
	// whole seconds.
	Reset time.Duration
	// RetryAfter equals Reset on rejection and is zero otherwise.
	RetryAfter time.Duration
}

// Limiter applies a limit-per-window budget to identifiers.
type Limiter struct {
	store  store.Store
	limit  int64
	window time.Duration
}

// New creates a limiter allowing limit attempts per identifier in any window of the
// given length. A limit of 0 rejects everything.
func New(st store.Store, limit int, window time.Duration) *Limiter {
	if limit < 0 {
		limit = 0
	}
	return &Limiter{
		store:  st,
		limit:  int64(limit),
		window: window,
	}
}

// Limit returns the configured number of attempts per window.
func (l *Limiter) Limit() int64 { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit records one attempt for identifier at now and decides whether it fits the
// budget. Rejected attempts still occupy a slot in the window.
func (l *Limiter) Admit(ctx context.Context, identifier string, now time.Time) (Decision, error) {
	count, oldest, err := l.store.Window(ctx, KeyPrefix+identifier, now, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	d := Decision{
		Allowed:   count <= l.limit,
		Count:     count,
		Limit:     l.limit,
		Remaining: max(0, l.limit-count),
		Reset:     untilExpiry(oldest, l.window, now),
	}
	if !d.Allowed {
		d.RetryAfter = d.Reset
	}
	return d, nil
}

func untilExpiry(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	wait := oldest.Add(window).Sub(now)
	if wait <= 0 {
		return 0
	}
	secs := (wait + time.Second - 1) / time.Second
	return secs * time.Second
}
