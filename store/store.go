// Package store provides the shared key-value backends used by roster.
//
// Every coordination primitive in roster (rate-limit windows, idempotency records,
// registry entities, the sweeper lease) is built on the operations below. The store
// is the single source of truth: callers hold no local locks and rely only on the
// atomicity each operation documents.
//
// Two implementations are provided. Redis is the production backend and is safe to
// share across many processes. Memory keeps everything in one process and is meant
// for tests and local development.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps every failure to reach the backend or to execute an
	// atomic operation on it. Callers that must fail closed match it with errors.Is.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store defines the interface for roster storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Window atomically prunes events older than now-window from the sorted window
	// at key, records one new event at now, refreshes the key expiry to
	// ceil(window)+grace, and returns the resulting event count together with the
	// timestamp of the oldest surviving event.
	Window(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, oldest time.Time, err error)

	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only when key does not exist and reports whether the
	// write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value at key with value only when the current
	// value equals old, and reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only when its current value equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Scan returns a batch of keys starting with prefix, resuming from cursor.
	// A returned cursor of 0 means the iteration is complete. Scans give no
	// snapshot guarantee: keys created or removed during the iteration may or may
	// not be returned, a key may be returned more than once, but a key that exists
	// for the whole iteration is always returned.
	Scan(ctx context.Context, cursor uint64, prefix string, count int64) (keys []string, next uint64, err error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// WindowGrace is added to the window length when setting the expiry of an idle
// rate-limit window.
const WindowGrace = 2 * time.Second

func windowTTL(window time.Duration) time.Duration {
	secs := (window + time.Second - 1) / time.Second
	return secs*time.Second + WindowGrace
}
