package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultCompactThreshold is the minimum number of tombstoned scan slots before the
// arena is compacted.
const defaultCompactThreshold = 1024

// maxRemaps is how many past compactions a scan cursor can be carried across.
const maxRemaps = 8

var errWrongType = errors.New("store: operation against a key holding the wrong kind of value")

type windowEvent struct {
	at  int64 // unix milliseconds
	seq uint64
}

type memoryEntry struct {
	value      []byte
	events     []windowEvent // non-nil for sliding-window keys, sorted by at
	expiration time.Time     // zero means no expiry
	slot       int
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

type memorySlot struct {
	key  string
	live bool
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// In Kubernetes or any multi-instance environment, each instance maintains its own
// separate state, so rate limits, idempotency records and users are NOT shared
// across instances.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments where horizontal scaling is not needed
//
// For production distributed systems, use the Redis store instead.
//
// Scanning uses an append-only arena of key slots. A cursor is a position in the
// arena tagged with the arena epoch, so deleting keys never shifts keys that are
// still live and a key present for a whole scan is always visited. When enough
// slots are tombstoned the arena is compacted and its epoch advances. Each
// compaction keeps a map from old positions to new ones, so a cursor from a recent
// epoch resumes where it left off; one older than maxRemaps compactions restarts.
type Memory struct {
	mu               sync.Mutex
	entries          map[string]*memoryEntry
	slots            []memorySlot
	dead             int
	epoch            uint32
	remaps           map[uint32][]int // epoch -> slot positions in epoch+1
	seq              uint64
	compactThreshold int
	now              func() time.Time
	stopCh           chan struct{}
	closeOnce        sync.Once
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
// A background goroutine runs every minute to remove expired entries and prevent
// unbounded memory growth.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
// Failing to call Close() will result in a goroutine leak.
func NewMemory() *Memory {
	m := newMemory()
	go m.cleanup()
	return m
}

func newMemory() *Memory {
	return &Memory{
		entries:          make(map[string]*memoryEntry),
		remaps:           make(map[uint32][]int),
		compactThreshold: defaultCompactThreshold,
		now:              time.Now,
		stopCh:           make(chan struct{}),
	}
}

// lookupLocked returns the live entry for key, evicting it first if it expired.
func (m *Memory) lookupLocked(key string) (*memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(m.now()) {
		m.removeLocked(key, entry)
		return nil, false
	}
	return entry, true
}

func (m *Memory) insertLocked(key string, entry *memoryEntry) {
	entry.slot = len(m.slots)
	m.slots = append(m.slots, memorySlot{key: key, live: true})
	m.entries[key] = entry
}

func (m *Memory) removeLocked(key string, entry *memoryEntry) {
	delete(m.entries, key)
	m.slots[entry.slot].live = false
	m.dead++
	if m.dead >= m.compactThreshold && m.dead*2 > len(m.slots) {
		m.compactLocked()
	}
}

func (m *Memory) compactLocked() {
	live := make([]memorySlot, 0, len(m.slots)-m.dead)
	// remap[i] is where a scan positioned at old slot i continues.
	remap := make([]int, len(m.slots)+1)
	for i, s := range m.slots {
		remap[i] = len(live)
		if !s.live {
			continue
		}
		m.entries[s.key].slot = len(live)
		live = append(live, s)
	}
	remap[len(m.slots)] = len(live)

	m.remaps[m.epoch] = remap
	delete(m.remaps, m.epoch-maxRemaps)
	m.slots = live
	m.dead = 0
	m.epoch++
}

// cursorIndexLocked carries a scan cursor forward to a position in the current arena.
func (m *Memory) cursorIndexLocked(cursor uint64) int {
	idx := int(uint32(cursor))
	for epoch := uint32(cursor >> 32); epoch != m.epoch; epoch++ {
		remap, ok := m.remaps[epoch]
		if !ok || idx >= len(remap) {
			return 0
		}
		idx = remap[idx]
	}
	return idx
}

func expiryFrom(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Window records an event under the mutex, which makes the prune, insert and count
// steps atomic with respect to every other caller of this store.
func (m *Memory) Window(_ context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookupLocked(key)
	if !ok {
		entry = &memoryEntry{events: []windowEvent{}}
		m.insertLocked(key, entry)
	}
	if entry.events == nil {
		return 0, time.Time{}, errWrongType
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	keep := sort.Search(len(entry.events), func(i int) bool {
		return entry.events[i].at >= cutoff
	})
	entry.events = entry.events[keep:]

	m.seq++
	ev := windowEvent{at: nowMs, seq: m.seq}
	idx := sort.Search(len(entry.events), func(i int) bool {
		return entry.events[i].at > nowMs
	})
	entry.events = append(entry.events, windowEvent{})
	copy(entry.events[idx+1:], entry.events[idx:])
	entry.events[idx] = ev

	entry.expiration = m.now().Add(windowTTL(window))

	return int64(len(entry.events)), time.UnixMilli(entry.events[0].at), nil
}

// Get retrieves the value stored at key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookupLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	if entry.events != nil {
		return nil, errWrongType
	}
	return bytes.Clone(entry.value), nil
}

// Set writes value at key, keeping the key's scan slot if it already exists.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key string, value []byte, ttl time.Duration) {
	expiration := expiryFrom(m.now(), ttl)
	if entry, ok := m.lookupLocked(key); ok {
		entry.value = bytes.Clone(value)
		entry.events = nil
		entry.expiration = expiration
		return
	}
	m.insertLocked(key, &memoryEntry{value: bytes.Clone(value), expiration: expiration})
}

// SetNX writes value only if key is absent.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	m.insertLocked(key, &memoryEntry{value: bytes.Clone(value), expiration: expiryFrom(m.now(), ttl)})
	return true, nil
}

// CompareAndSwap replaces the value at key when it currently equals old.
func (m *Memory) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookupLocked(key)
	if !ok || entry.events != nil || !bytes.Equal(entry.value, old) {
		return false, nil
	}
	entry.value = bytes.Clone(value)
	entry.expiration = expiryFrom(m.now(), ttl)
	return true, nil
}

// CompareAndDelete deletes key when it currently equals old.
func (m *Memory) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookupLocked(key)
	if !ok || entry.events != nil || !bytes.Equal(entry.value, old) {
		return false, nil
	}
	m.removeLocked(key, entry)
	return true, nil
}

// Del removes keys and returns the number that existed.
func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if entry, ok := m.lookupLocked(key); ok {
			m.removeLocked(key, entry)
			n++
		}
	}
	return n, nil
}

// Scan examines up to count arena slots starting at cursor and returns the live keys
// with the given prefix among them.
func (m *Memory) Scan(_ context.Context, cursor uint64, prefix string, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.cursorIndexLocked(cursor)

	now := m.now()
	var keys []string
	end := min(idx+int(count), len(m.slots))
	for i := idx; i < end; i++ {
		s := m.slots[i]
		if !s.live || !strings.HasPrefix(s.key, prefix) {
			continue
		}
		if m.entries[s.key].expired(now) {
			continue
		}
		keys = append(keys, s.key)
	}

	if end >= len(m.slots) {
		return keys, 0, nil
	}
	return keys, uint64(m.epoch)<<32 | uint64(end), nil
}

// Ping always succeeds unless the store has been closed.
func (m *Memory) Ping(_ context.Context) error {
	select {
	case <-m.stopCh:
		return ErrUnavailable
	default:
		return nil
	}
}

// Close stops the background cleanup goroutine and releases resources.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// runCleanup executes a single cleanup cycle, removing all expired entries.
// This is exposed for testing purposes to trigger cleanup without waiting for the ticker.
func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.entries {
		if entry.expired(now) {
			m.removeLocked(key, entry)
		}
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
