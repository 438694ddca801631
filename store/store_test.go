package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// forEachStore runs fn against every Store implementation so both backends are held
// to the same contract.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		m := newMemory()
		defer m.Close()
		fn(t, m)
	})

	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		st := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
		defer st.Close()
		fn(t, st)
	})
}

func TestStore_GetSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
		}

		if err := st.Set(ctx, "k", []byte("v1"), 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := st.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(got) != "v1" {
			t.Errorf("Get() = %q, want v1", got)
		}

		if err := st.Set(ctx, "k", []byte("v2"), time.Minute); err != nil {
			t.Fatalf("Set() overwrite error = %v", err)
		}
		got, _ = st.Get(ctx, "k")
		if string(got) != "v2" {
			t.Errorf("Get() after overwrite = %q, want v2", got)
		}
	})
}

func TestStore_SetNX(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		ok, err := st.SetNX(ctx, "user:alice", []byte("a"), 0)
		if err != nil || !ok {
			t.Fatalf("first SetNX() = %v, %v; want true, nil", ok, err)
		}
		ok, err = st.SetNX(ctx, "user:alice", []byte("b"), 0)
		if err != nil || ok {
			t.Fatalf("second SetNX() = %v, %v; want false, nil", ok, err)
		}
		got, _ := st.Get(ctx, "user:alice")
		if string(got) != "a" {
			t.Errorf("value after losing SetNX = %q, want a", got)
		}
	})
}

func TestStore_SetNXConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		const workers = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0

		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := st.SetNX(ctx, "user:race", []byte(fmt.Sprint(i)), 0)
				if err != nil {
					t.Errorf("SetNX() error = %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("SetNX winners = %d, want 1", wins)
		}
	})
}

func TestStore_CompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		ok, err := st.CompareAndSwap(ctx, "k", []byte("x"), []byte("y"), 0)
		if err != nil || ok {
			t.Fatalf("CAS on missing key = %v, %v; want false, nil", ok, err)
		}

		_ = st.Set(ctx, "k", []byte("pending"), time.Minute)

		ok, err = st.CompareAndSwap(ctx, "k", []byte("other"), []byte("final"), time.Minute)
		if err != nil || ok {
			t.Fatalf("CAS with wrong old = %v, %v; want false, nil", ok, err)
		}
		ok, err = st.CompareAndSwap(ctx, "k", []byte("pending"), []byte("final"), time.Minute)
		if err != nil || !ok {
			t.Fatalf("CAS with matching old = %v, %v; want true, nil", ok, err)
		}
		got, _ := st.Get(ctx, "k")
		if string(got) != "final" {
			t.Errorf("value after CAS = %q, want final", got)
		}
	})
}

func TestStore_CompareAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.Set(ctx, "lease", []byte("owner-a"), time.Minute)

		ok, err := st.CompareAndDelete(ctx, "lease", []byte("owner-b"))
		if err != nil || ok {
			t.Fatalf("CAD by non-owner = %v, %v; want false, nil", ok, err)
		}
		ok, err = st.CompareAndDelete(ctx, "lease", []byte("owner-a"))
		if err != nil || !ok {
			t.Fatalf("CAD by owner = %v, %v; want true, nil", ok, err)
		}
		if _, err := st.Get(ctx, "lease"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after CAD error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Del(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.Set(ctx, "a", []byte("1"), 0)
		_ = st.Set(ctx, "b", []byte("1"), 0)

		n, err := st.Del(ctx, "a", "b", "c")
		if err != nil {
			t.Fatalf("Del() error = %v", err)
		}
		if n != 2 {
			t.Errorf("Del() = %d, want 2", n)
		}
		n, _ = st.Del(ctx, "a")
		if n != 0 {
			t.Errorf("second Del() = %d, want 0", n)
		}
	})
}

func TestStore_Window(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.UnixMilli(1_760_000_000_000)
		window := 10 * time.Second

		for i := 1; i <= 3; i++ {
			count, oldest, err := st.Window(ctx, "rl:k", base.Add(time.Duration(i)*time.Second), window)
			if err != nil {
				t.Fatalf("Window() error = %v", err)
			}
			if count != int64(i) {
				t.Errorf("call %d count = %d, want %d", i, count, i)
			}
			if !oldest.Equal(base.Add(time.Second)) {
				t.Errorf("call %d oldest = %v, want %v", i, oldest, base.Add(time.Second))
			}
		}

		// Events at +1s and +2s fall out; +3s is exactly at the cutoff and survives.
		count, oldest, err := st.Window(ctx, "rl:k", base.Add(13*time.Second), window)
		if err != nil {
			t.Fatalf("Window() error = %v", err)
		}
		if count != 2 {
			t.Errorf("count after prune = %d, want 2", count)
		}
		if !oldest.Equal(base.Add(3 * time.Second)) {
			t.Errorf("oldest after prune = %v, want %v", oldest, base.Add(3*time.Second))
		}
	})
}

func TestStore_WindowSameTimestamp(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.UnixMilli(1_760_000_000_000)

		for i := 1; i <= 5; i++ {
			count, _, err := st.Window(ctx, "rl:same", now, time.Second)
			if err != nil {
				t.Fatalf("Window() error = %v", err)
			}
			if count != int64(i) {
				t.Errorf("count = %d, want %d (events sharing a timestamp must not collide)", count, i)
			}
		}
	})
}

func TestStore_ScanVisitsAllKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		want := map[string]bool{}
		for i := range 57 {
			key := fmt.Sprintf("user:u%02d", i)
			want[key] = true
			_ = st.Set(ctx, key, []byte("x"), 0)
		}
		_ = st.Set(ctx, "other:z", []byte("x"), 0)

		seen := map[string]bool{}
		var cursor uint64
		rounds := 0
		for {
			keys, next, err := st.Scan(ctx, cursor, "user:", 10)
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			for _, k := range keys {
				seen[k] = true
			}
			rounds++
			if next == 0 {
				break
			}
			if rounds > 1000 {
				t.Fatal("scan did not terminate")
			}
			cursor = next
		}

		if len(seen) != len(want) {
			t.Errorf("scan saw %d keys, want %d", len(seen), len(want))
		}
		for k := range want {
			if !seen[k] {
				t.Errorf("scan missed %s", k)
			}
		}
		if seen["other:z"] {
			t.Error("scan returned key outside prefix")
		}
	})
}

func TestMemory_ScanWithConcurrentDeletes(t *testing.T) {
	st := newMemory()
	defer st.Close()
	ctx := context.Background()
	for i := range 40 {
		_ = st.Set(ctx, fmt.Sprintf("user:u%02d", i), []byte("x"), 0)
	}

	seen := map[string]bool{}
	var cursor uint64
	first := true
	for {
		keys, next, err := st.Scan(ctx, cursor, "user:", 5)
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		for _, k := range keys {
			seen[k] = true
		}
		if first {
			// Remove every odd key mid-scan.
			for i := 1; i < 40; i += 2 {
				_, _ = st.Del(ctx, fmt.Sprintf("user:u%02d", i))
			}
			first = false
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	for i := 0; i < 40; i += 2 {
		if k := fmt.Sprintf("user:u%02d", i); !seen[k] {
			t.Errorf("scan missed %s which existed for the whole scan", k)
		}
	}
}

func TestMemory_Expiration(t *testing.T) {
	m := newMemory()
	defer m.Close()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Set(ctx, "k", []byte("v"), time.Second)
	now = now.Add(2 * time.Second)

	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
	}
	ok, _ := m.SetNX(ctx, "k", []byte("v2"), 0)
	if !ok {
		t.Error("SetNX() after expiry = false, want true")
	}
}

func TestMemory_RunCleanup(t *testing.T) {
	m := newMemory()
	defer m.Close()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Set(ctx, "expired", []byte("v"), time.Second)
	_ = m.Set(ctx, "alive", []byte("v"), time.Hour)
	now = now.Add(time.Minute)

	m.runCleanup()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries["expired"]; ok {
		t.Error("expired entry should be removed by cleanup")
	}
	if _, ok := m.entries["alive"]; !ok {
		t.Error("live entry should survive cleanup")
	}
}

func TestMemory_ScanAcrossCompaction(t *testing.T) {
	m := newMemory()
	defer m.Close()
	m.compactThreshold = 4
	ctx := context.Background()

	for i := range 20 {
		_ = m.Set(ctx, fmt.Sprintf("user:u%02d", i), []byte("x"), 0)
	}

	keys, cursor, err := m.Scan(ctx, 0, "user:", 6)
	if err != nil || cursor == 0 {
		t.Fatalf("first Scan() = %v, %d, %v", keys, cursor, err)
	}

	// Deleting more than half of the arena forces compaction and a new epoch.
	for i := 0; i < 14; i++ {
		_, _ = m.Del(ctx, fmt.Sprintf("user:u%02d", i))
	}
	if m.epoch == 0 {
		t.Fatal("expected compaction to advance the epoch")
	}

	seen := map[string]bool{}
	for {
		keys, next, err := m.Scan(ctx, cursor, "user:", 6)
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		for _, k := range keys {
			seen[k] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	for i := 14; i < 20; i++ {
		if k := fmt.Sprintf("user:u%02d", i); !seen[k] {
			t.Errorf("scan missed %s after compaction", k)
		}
	}
}

func TestMemory_ScanResumesUnderChurn(t *testing.T) {
	m := newMemory()
	defer m.Close()
	m.compactThreshold = 4
	ctx := context.Background()

	const users = 20
	for i := range users {
		_ = m.Set(ctx, fmt.Sprintf("user:u%02d", i), []byte("x"), 0)
	}

	seen := map[string]int{}
	var cursor uint64
	for calls := 0; ; calls++ {
		if calls > users {
			t.Fatalf("scan did not finish after %d calls", calls)
		}
		keys, next, err := m.Scan(ctx, cursor, "user:", 5)
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		for _, k := range keys {
			seen[k]++
		}
		if next == 0 {
			break
		}
		cursor = next

		// Short-lived keys come and go between batches, compacting the arena.
		epoch := m.epoch
		for j := range 30 {
			_ = m.Set(ctx, fmt.Sprintf("tmp:%d", j), []byte("x"), 0)
		}
		for j := range 30 {
			_, _ = m.Del(ctx, fmt.Sprintf("tmp:%d", j))
		}
		if m.epoch == epoch {
			t.Fatal("expected churn to compact the arena")
		}
	}

	for i := range users {
		if k := fmt.Sprintf("user:u%02d", i); seen[k] != 1 {
			t.Errorf("expected %s to be returned once, got %d", k, seen[k])
		}
	}
}

func TestMemory_StaleCursorRestarts(t *testing.T) {
	m := newMemory()
	defer m.Close()
	m.compactThreshold = 1
	ctx := context.Background()

	_ = m.Set(ctx, "user:a", []byte("x"), 0)
	_ = m.Set(ctx, "user:b", []byte("x"), 0)
	stale := uint64(m.epoch)<<32 | 1
	for range maxRemaps + 1 {
		for j := range 3 {
			_ = m.Set(ctx, fmt.Sprintf("tmp:%d", j), []byte("x"), 0)
		}
		for j := range 3 {
			_, _ = m.Del(ctx, fmt.Sprintf("tmp:%d", j))
		}
	}
	if m.epoch <= maxRemaps {
		t.Fatalf("expected more than %d compactions, got %d", maxRemaps, m.epoch)
	}

	keys, _, err := m.Scan(ctx, stale, "user:", 10)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected a stale cursor to restart and return both keys, got %v", keys)
	}
}

func TestRedis_WindowFallsBackToEval(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	st := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer st.Close()
	ctx := context.Background()

	// The script is not cached yet, so EVALSHA fails with NOSCRIPT and EVAL runs.
	count, _, err := st.Window(ctx, "rl:fresh", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	if ttl := mr.TTL("roster:rl:fresh"); ttl != 62*time.Second {
		t.Errorf("window TTL = %v, want 62s", ttl)
	}
}

func TestRedis_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   -1,
	})
	st := NewRedisFromClient(client, "")
	defer st.Close()
	ctx := context.Background()

	if _, _, err := st.Window(ctx, "rl:k", time.Now(), time.Second); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Window() error = %v, want ErrUnavailable", err)
	}
	if _, err := st.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
	if err := st.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping() error = %v, want ErrUnavailable", err)
	}
}

func TestNewRedis_InvalidConnection(t *testing.T) {
	_, err := NewRedis(RedisConfig{
		URL:         "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("NewRedis() expected error for unreachable server")
	}
}
