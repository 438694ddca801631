// Package idempotency remembers the outcome of side-effecting requests so that a
// retried request carrying the same token gets the original response instead of
// running again.
//
// Records live in the shared store. Before the guarded operation runs, Acquire
// writes a short-lived pending placeholder with set-if-absent, so two concurrent
// requests with the same token cannot both run it. The winner later swaps the
// placeholder for the final record (Claim.Commit) or deletes it so the token can be
// retried (Claim.Release). Final records are immutable until their TTL expires.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhalm/roster/store"
)

const (
	// DefaultTTL is how long a final record is kept.
	DefaultTTL = 300 * time.Second

	// DefaultLockTTL bounds how long a pending placeholder survives a crashed owner.
	DefaultLockTTL = 30 * time.Second

	// MaxTokenLength is the longest Idempotency-Key value accepted.
	MaxTokenLength = 255

	// KeyPrefix namespaces idempotency records in the store.
	KeyPrefix = "idemp:"
)

var (
	// ErrInProgress is returned by Acquire when another request holds the token.
	ErrInProgress = errors.New("idempotency: request in progress")

	// ErrInvalidToken is returned by ValidateToken.
	ErrInvalidToken = errors.New("idempotency: invalid token")
)

const (
	statePending = "pending"
	stateFinal   = "final"
)

// Response is a recorded outcome.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type record struct {
	State  string          `json:"state"`
	Owner  string          `json:"owner,omitempty"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Key builds the record key for a request. The credential is hashed so API keys never
// appear in store key names.
func Key(credential, token, method, path string) string {
	sum := sha256.Sum256([]byte(credential))
	return KeyPrefix + hex.EncodeToString(sum[:])[:16] + ":" + token + ":" + strings.ToUpper(method) + ":" + path
}

// ValidateToken checks an Idempotency-Key header value.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidToken, MaxTokenLength)
	}
	for i := 0; i < len(token); i++ {
		if c := token[i]; c < 0x21 || c > 0x7e {
			return fmt.Errorf("%w: contains non-printable characters", ErrInvalidToken)
		}
	}
	return nil
}

// Cache stores idempotency records.
type Cache struct {
	store   store.Store
	ttl     time.Duration
	lockTTL time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long final records are kept.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLockTTL sets how long a pending placeholder lives.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// New creates a cache over st.
func New(st store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:   st,
		ttl:     DefaultTTL,
		lockTTL: DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lifetime of final records.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Lookup returns the final response recorded at key, or nil when there is none or
// the key only holds a pending placeholder.
func (c *Cache) Lookup(ctx context.Context, key string) (*Response, error) {
	rec, err := c.load(ctx, key)
	if err != nil || rec == nil || rec.State != stateFinal {
		return nil, err
	}
	return &Response{Status: rec.Status, Body: rec.Body}, nil
}

// Record writes a final response at key unless one is already there. A ttl of zero
// uses the cache default.
func (c *Cache) Record(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error {
	return c.record(ctx, key, nil, status, body, ttl)
}

func (c *Cache) record(ctx context.Context, key string, placeholder []byte, status int, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if !json.Valid(body) {
		return fmt.Errorf("idempotency: body for %s is not valid JSON", key)
	}
	final, err := json.Marshal(record{State: stateFinal, Status: status, Body: body})
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}

	if placeholder != nil {
		swapped, err := c.store.CompareAndSwap(ctx, key, placeholder, final, ttl)
		if err != nil {
			return fmt.Errorf("idempotency: record %s: %w", key, err)
		}
		if swapped {
			return nil
		}
	}

	// Either there was no placeholder or it expired. Never overwrite a final record.
	if _, err := c.store.SetNX(ctx, key, final, ttl); err != nil {
		return fmt.Errorf("idempotency: record %s: %w", key, err)
	}
	return nil
}

// Acquire claims key for the caller. Exactly one of the results is meaningful:
//   - a non-nil Claim when the caller should run the operation and then Commit or
//     Release it;
//   - a non-nil Response when the operation already completed and must be replayed;
//   - ErrInProgress when another request holds the placeholder.
func (c *Cache) Acquire(ctx context.Context, key string) (*Claim, *Response, error) {
	owner := uuid.NewString()
	placeholder, err := json.Marshal(record{State: statePending, Owner: owner})
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency: encode placeholder: %w", err)
	}

	// A second attempt covers a record expiring between SetNX and the read.
	for range 2 {
		ok, err := c.store.SetNX(ctx, key, placeholder, c.lockTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency: acquire %s: %w", key, err)
		}
		if ok {
			return &Claim{cache: c, key: key, placeholder: placeholder}, nil, nil
		}

		rec, err := c.load(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			continue
		}
		if rec.State == stateFinal {
			return nil, &Response{Status: rec.Status, Body: rec.Body}, nil
		}
		return nil, nil, ErrInProgress
	}
	return nil, nil, ErrInProgress
}

func (c *Cache) load(ctx context.Context, key string) (*record, error) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: lookup %s: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	if rec.State == "" {
		// Records without a state marker are final responses.
		rec.State = stateFinal
	}
	return &rec, nil
}

// Claim is the right to run the operation guarded by a key.
type Claim struct {
	cache       *Cache
	key         string
	placeholder []byte
	done        bool
}

// Key returns the claimed record key.
func (cl *Claim) Key() string { return cl.key }

// Commit replaces the placeholder with the final response.
func (cl *Claim) Commit(ctx context.Context, status int, body []byte) error {
	if cl.done {
		return nil
	}
	cl.done = true
	return cl.cache.record(ctx, cl.key, cl.placeholder, status, body, 0)
}

// Release deletes the placeholder if it is still ours, so the token may be retried.
func (cl *Claim) Release(ctx context.Context) error {
	if cl.done {
		return nil
	}
	cl.done = true
	if _, err := cl.cache.store.CompareAndDelete(ctx, cl.key, cl.placeholder); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", cl.key, err)
	}
	return nil
}

// Equal reports whether two responses are byte-identical.
func (r *Response) Equal(o *Response) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Status == o.Status && bytes.Equal(r.Body, o.Body)
}
