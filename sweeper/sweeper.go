// Package sweeper periodically evicts users that have been inactive for longer than
// a retention period.
//
// A sweep is a single DeleteInactive call, so repeated or overlapping sweeps are
// harmless. When several replicas run a sweeper, an optional lease in the shared
// store lets only one of them sweep per interval. Leases are keyed by interval slot,
// so a replica never finds its own lease from the previous tick still held.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/roster/store"
)

// LeaseKeyPrefix prefixes the per-slot sweep lease keys.
const LeaseKeyPrefix = "lease:sweeper:"

// Defaults match a daily retention checked hourly.
const (
	DefaultInterval  = time.Hour
	DefaultRetention = 24 * time.Hour
)

// InactiveDeleter is the registry capability a sweep needs.
type InactiveDeleter interface {
	DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result describes one sweep.
type Result struct {
	Cutoff  time.Time
	Deleted int64
	// Skipped is set when another replica holds the lease.
	Skipped bool
}

// Sweeper runs inactivity sweeps on a ticker.
type Sweeper struct {
	registry  InactiveDeleter
	interval  time.Duration
	retention time.Duration
	lease     store.Store
	leaseTTL  time.Duration
	now       func() time.Time

	// lastSlot is the latest interval slot this sweeper has claimed.
	lastSlot atomic.Int64
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetention sets how long a user may stay inactive before it is evicted.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLease makes each sweep first take the lease for its interval slot in st. A
// zero ttl uses the sweep interval.
func WithLease(st store.Store, ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.lease = st
		s.leaseTTL = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper over registry.
func New(registry InactiveDeleter, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry:  registry,
		interval:  DefaultInterval,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = s.interval
	}
	return s
}

// Run sweeps every interval until ctx is cancelled. Failed sweeps are logged and the
// loop carries on.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep and emits one canonical log line for it.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	ctx = canonlog.NewContext(ctx)
	start := time.Now()
	defer func() {
		canonlog.InfoAdd(ctx, "duration_ms", time.Since(start).Milliseconds())
		canonlog.Flush(ctx)
	}()

	now := s.now()
	res := Result{Cutoff: now.Add(-s.retention)}
	canonlog.InfoAddMany(ctx, map[string]any{
		"job":          "sweep_inactive",
		"sweep_cutoff": res.Cutoff.UTC().Format(time.RFC3339),
	})

	release, ok, err := s.acquire(ctx, now)
	if err != nil {
		canonlog.ErrorAdd(ctx, err)
		return res, err
	}
	if !ok {
		res.Skipped = true
		canonlog.InfoAdd(ctx, "sweep_skipped", true)
		return res, nil
	}

	res.Deleted, err = s.registry.DeleteInactive(ctx, res.Cutoff)
	canonlog.InfoAdd(ctx, "sweep_deleted", res.Deleted)
	if err != nil {
		// Give the interval back so another replica can retry.
		release()
		err = fmt.Errorf("sweeper: %w", err)
		canonlog.ErrorAdd(ctx, err)
		return res, err
	}
	return res, nil
}

// slot returns the interval slot a sweep at now claims. A tick delivered late can
// land in the slot its successor will compute, so slots only move forward.
func (s *Sweeper) slot(now time.Time) int64 {
	base := now.UnixNano() / int64(s.interval)
	for {
		last := s.lastSlot.Load()
		slot := max(base, last+1)
		if s.lastSlot.CompareAndSwap(last, slot) {
			return slot
		}
	}
}

// LeaseKey returns the lease key for the interval slot starting at start.
func LeaseKey(start time.Time) string {
	return LeaseKeyPrefix + strconv.FormatInt(start.UnixNano(), 10)
}

func (s *Sweeper) acquire(ctx context.Context, now time.Time) (release func(), ok bool, err error) {
	if s.lease == nil {
		return func() {}, true, nil
	}

	key := LeaseKey(time.Unix(0, s.slot(now)*int64(s.interval)))
	canonlog.InfoAdd(ctx, "sweep_lease", key)
	owner := []byte(uuid.NewString())
	ok, err = s.lease.SetNX(ctx, key, owner, s.leaseTTL)
	if err != nil {
		return nil, false, fmt.Errorf("sweeper: acquire lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// The sweep context may already be cancelled.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := s.lease.CompareAndDelete(cctx, key, owner); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			canonlog.ErrorAdd(ctx, fmt.Errorf("sweeper: release lease: %w", err))
		}
	}, true, nil
}
