// Package registry stores users in the shared store.
//
// Create is atomic (set-if-absent on the user key). Touch and tag updates are
// read-modify-write with last-write-wins semantics: two concurrent updates to the
// same user may race and the later write is kept. Listing and bulk deletes walk the
// key space with cursor scans, so they never block the store and tolerate concurrent
// writers: a user that exists for the whole scan is always visited, users created or
// deleted during the scan may or may not be.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhalm/roster/store"
)

var (
	// ErrNotFound is returned when the named user does not exist.
	ErrNotFound = errors.New("registry: user not found")

	// ErrConflict is returned by Create when the name is taken.
	ErrConflict = errors.New("registry: user already exists")
)

// KeyPrefix namespaces user records in the store.
const KeyPrefix = "user:"

// DefaultScanBatch is the COUNT hint sent with every scan round trip.
const DefaultScanBatch = 100

// Repository is the set of user operations the HTTP layer and the sweeper depend on.
type Repository interface {
	Create(ctx context.Context, u User) (User, error)
	Get(ctx context.Context, name string) (User, error)
	Touch(ctx context.Context, name string, at time.Time) error
	SetTags(ctx context.Context, name string, tags []string) (User, error)
	AddTags(ctx context.Context, name string, tags []string) (User, error)
	List(ctx context.Context) ([]User, error)
	Delete(ctx context.Context, name string) error
	DeleteAll(ctx context.Context) (int64, error)
	DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// Registry implements Repository on a store.Store.
type Registry struct {
	store   store.Store
	batch   int64
	limiter *rate.Limiter
	now     func() time.Time
}

var _ Repository = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithScanBatch sets the COUNT hint for scan round trips.
func WithScanBatch(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.batch = int64(n)
		}
	}
}

// WithScanLimiter paces scan round trips. Bulk deletes and listing wait on the
// limiter before every batch.
func WithScanLimiter(l *rate.Limiter) Option {
	return func(r *Registry) {
		r.limiter = l
	}
}

// WithClock overrides the time source used to stamp new users.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry over st.
func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store: st,
		batch: DefaultScanBatch,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// With returns a copy of the registry with extra options applied. The copy shares
// the store.
func (r *Registry) With(opts ...Option) *Registry {
	dup := *r
	for _, opt := range opts {
		opt(&dup)
	}
	return &dup
}

func userKey(name string) string {
	return KeyPrefix + name
}

// Create stores u if no user with the same name exists. The name is normalized and
// the user validated before anything is written. CreatedAt is set to the current
// time; LastActive stays unset until the user is first touched.
func (r *Registry) Create(ctx context.Context, u User) (User, error) {
	u.Name = NormalizeName(u.Name)
	if u.Tags == nil {
		u.Tags = []string{}
	}
	if err := validateUser(u); err != nil {
		return User{}, err
	}

	u.CreatedAt = r.now().UTC()
	u.LastActive = nil

	data, err := json.Marshal(u)
	if err != nil {
		return User{}, fmt.Errorf("registry: encode user: %w", err)
	}
	ok, err := r.store.SetNX(ctx, userKey(u.Name), data, 0)
	if err != nil {
		return User{}, fmt.Errorf("registry: create %s: %w", u.Name, err)
	}
	if !ok {
		return User{}, ErrConflict
	}
	return u, nil
}

// Get returns the named user.
func (r *Registry) Get(ctx context.Context, name string) (User, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return User{}, err
	}
	return r.load(ctx, userKey(name))
}

func (r *Registry) load(ctx context.Context, key string) (User, error) {
	u, _, err := r.loadRaw(ctx, key)
	return u, err
}

// loadRaw also returns the stored bytes, for compare-and-delete.
func (r *Registry) loadRaw(ctx context.Context, key string) (User, []byte, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return User{}, nil, ErrNotFound
	}
	if err != nil {
		return User{}, nil, fmt.Errorf("registry: get %s: %w", key, err)
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return User{}, nil, fmt.Errorf("registry: decode %s: %w", key, err)
	}
	if u.Tags == nil {
		u.Tags = []string{}
	}
	return u, raw, nil
}

func (r *Registry) save(ctx context.Context, u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("registry: encode user: %w", err)
	}
	if err := r.store.Set(ctx, userKey(u.Name), data, 0); err != nil {
		return fmt.Errorf("registry: save %s: %w", u.Name, err)
	}
	return nil
}

// Touch sets the user's LastActive to at.
func (r *Registry) Touch(ctx context.Context, name string, at time.Time) error {
	_, err := r.update(ctx, name, func(u *User) error {
		at = at.UTC()
		u.LastActive = &at
		return nil
	})
	return err
}

// SetTags replaces the user's tags after validating them.
func (r *Registry) SetTags(ctx context.Context, name string, tags []string) (User, error) {
	if err := ValidateTags(tags); err != nil {
		return User{}, err
	}
	return r.update(ctx, name, func(u *User) error {
		u.Tags = append([]string{}, tags...)
		return nil
	})
}

// AddTags appends tags to the user's existing tags and validates the combined list.
func (r *Registry) AddTags(ctx context.Context, name string, tags []string) (User, error) {
	return r.update(ctx, name, func(u *User) error {
		merged := append(append([]string{}, u.Tags...), tags...)
		if err := ValidateTags(merged); err != nil {
			return err
		}
		u.Tags = merged
		return nil
	})
}

// update reads the user, applies fn and writes the result back. Concurrent updates
// are not detected; the last write wins.
func (r *Registry) update(ctx context.Context, name string, fn func(*User) error) (User, error) {
	u, err := r.Get(ctx, name)
	if err != nil {
		return User{}, err
	}
	if err := fn(&u); err != nil {
		return User{}, err
	}
	if err := r.save(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Delete removes the named user.
func (r *Registry) Delete(ctx context.Context, name string) error {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return err
	}
	n, err := r.store.Del(ctx, userKey(name))
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scan calls fn with every batch of user keys until the cursor wraps to zero.
func (r *Registry) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("registry: scan: %w", err)
			}
		}
		keys, next, err := r.store.Scan(ctx, cursor, KeyPrefix, r.batch)
		if err != nil {
			return fmt.Errorf("registry: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// List returns every user. A user that disappears between the scan and the read is
// skipped, and users returned twice by the scan are reported once.
func (r *Registry) List(ctx context.Context) ([]User, error) {
	seen := make(map[string]struct{})
	users := []User{}
	err := r.scan(ctx, func(keys []string) error {
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			u, err := r.load(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			users = append(users, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// DeleteAll removes every user and returns how many were deleted. It is safe to
// call again after a partial failure.
func (r *Registry) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	err := r.scan(ctx, func(keys []string) error {
		n, err := r.store.Del(ctx, keys...)
		if err != nil {
			return fmt.Errorf("registry: delete batch: %w", err)
		}
		deleted += n
		return nil
	})
	return deleted, err
}

// DeleteInactive removes users whose last activity is strictly before cutoff and
// returns how many it deleted. Users never touched count as inactive since the
// epoch. Each user is deleted only if it is unchanged since it was read, so a user
// touched mid-sweep survives; users deleted by someone else are not counted.
func (r *Registry) DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.scan(ctx, func(keys []string) error {
		for _, key := range keys {
			u, raw, err := r.loadRaw(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !u.activeAt().Before(cutoff) {
				continue
			}
			ok, err := r.store.CompareAndDelete(ctx, key, raw)
			if err != nil {
				return fmt.Errorf("registry: delete inactive %s: %w", key, err)
			}
			if ok {
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
