package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowScript atomically maintains a sliding window of event timestamps in a
// sorted set. It prunes events scored strictly below the cutoff, adds the new
// event, refreshes the expiry, and returns {count, oldest_score}.
//
// ARGV[1] = exclusive cutoff ("(" .. now_ms - window_ms)
// ARGV[2] = now_ms (score of the new event)
// ARGV[3] = unique member for the new event
// ARGV[4] = expiry in seconds
const windowSource = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {count, oldest[2]}
`

var windowScript = redis.NewScript(windowSource)

// casScript replaces KEYS[1] with ARGV[2] when it currently holds ARGV[1].
// ARGV[3] is the expiry in milliseconds, 0 for none.
var casScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  else
    redis.call('SET', KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

// cadScript deletes KEYS[1] when it currently holds ARGV[1].
var cadScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Multi-step operations run as Lua scripts so that concurrent callers on other
// instances cannot interleave commands between the steps.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace roster data (default: "roster:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "roster:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisFromClient(client, config.Prefix), nil
}

// NewRedisFromClient wraps an existing client. The store takes ownership of the
// client and closes it on Close. No connectivity check is performed.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "roster:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// Window runs the sliding-window script via EVALSHA. If that fails for any reason
// (script not cached, transient error) it retries exactly once with EVAL of the same
// source before reporting ErrUnavailable.
func (r *Redis) Window(ctx context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	nowMs := now.UnixMilli()
	keys := []string{r.prefix + key}
	args := []any{
		"(" + strconv.FormatInt(nowMs-window.Milliseconds(), 10),
		nowMs,
		strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString(),
		int64(windowTTL(window) / time.Second),
	}

	result, err := windowScript.EvalSha(ctx, r.client, keys, args...).Slice()
	if err != nil && ctx.Err() == nil {
		result, err = windowScript.Eval(ctx, r.client, keys, args...).Slice()
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: redis window failed: %w", ErrUnavailable, err)
	}

	if len(result) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected result length: got %d, want 2", ErrUnavailable, len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected type for count: %T", ErrUnavailable, result[0])
	}

	raw, ok := result[1].(string)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected type for oldest: %T", ErrUnavailable, result[1])
	}
	oldestMs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: invalid oldest score %q", ErrUnavailable, raw)
	}

	return count, time.UnixMilli(int64(oldestMs)), nil
}

// Get retrieves the value stored at key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get failed: %w", ErrUnavailable, err)
	}
	return val, nil
}

// Set writes value at key with an optional expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set failed: %w", ErrUnavailable, err)
	}
	return nil
}

// SetNX writes value only if key is absent.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis setnx failed: %w", ErrUnavailable, err)
	}
	return ok, nil
}

// CompareAndSwap replaces the value at key when it currently equals old.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, r.client, []string{r.prefix + key}, old, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: redis compare-and-swap failed: %w", ErrUnavailable, err)
	}
	return n == 1, nil
}

// CompareAndDelete deletes key when it currently equals old.
func (r *Redis) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	n, err := cadScript.Run(ctx, r.client, []string{r.prefix + key}, old).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: redis compare-and-delete failed: %w", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Del removes keys and returns the number that existed.
func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	n, err := r.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis del failed: %w", ErrUnavailable, err)
	}
	return n, nil
}

// Scan issues one SCAN round trip with MATCH <prefix>* and the given COUNT hint.
func (r *Redis) Scan(ctx context.Context, cursor uint64, prefix string, count int64) ([]string, uint64, error) {
	keys, next, err := r.client.Scan(ctx, cursor, r.prefix+prefix+"*", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: redis scan failed: %w", ErrUnavailable, err)
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, r.prefix)
	}
	return keys, next, nil
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping failed: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
