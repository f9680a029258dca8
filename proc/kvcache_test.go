package proc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leeineian/hibiki/sys"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", filepath.Join(t.TempDir(), "test.db"))
	db, err := sys.OpenDatabase(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKeyValueCache_ComputeOncePerTTL(t *testing.T) {
	db := openTestDB(t)
	kv, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}

	var calls atomic.Int32
	compute := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("value"), nil
	}

	for i := 0; i < 3; i++ {
		got, err := kv.GetOrCompute(context.Background(), "k", time.Minute, compute)
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if string(got) != "value" {
			t.Fatalf("got %q, want %q", got, "value")
		}
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}
}

func TestKeyValueCache_RecomputeAfterExpiry(t *testing.T) {
	db := openTestDB(t)
	kv, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}

	var calls atomic.Int32
	compute := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("value"), nil
	}

	if _, err := kv.GetOrCompute(context.Background(), "k", 30*time.Millisecond, compute); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	// Concurrent readers after expiry trigger exactly one recompute.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := kv.GetOrCompute(context.Background(), "k", time.Minute, compute); err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 2 {
		t.Errorf("compute ran %d times, want 2 (initial + one recompute)", n)
	}
}

func TestKeyValueCache_SingleFlight(t *testing.T) {
	db := openTestDB(t)
	kv, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}

	var calls atomic.Int32
	compute := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("shared"), nil
	}

	const n = 10
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := kv.GetOrCompute(context.Background(), "k", time.Minute, compute)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("compute ran %d times under %d concurrent callers, want 1", got, n)
	}
	for i, v := range results {
		if string(v) != "shared" {
			t.Errorf("caller %d got %q, want %q", i, v, "shared")
		}
	}
}

func TestKeyValueCache_FailuresNotCached(t *testing.T) {
	db := openTestDB(t)
	kv, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}

	var calls atomic.Int32
	boom := errors.New("upstream down")
	failing := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, boom
	}

	if _, err := kv.GetOrCompute(context.Background(), "k", time.Minute, failing); !errors.Is(err, boom) {
		t.Fatalf("first call err = %v, want %v", err, boom)
	}
	if _, err := kv.GetOrCompute(context.Background(), "k", time.Minute, failing); !errors.Is(err, boom) {
		t.Fatalf("second call err = %v, want %v", err, boom)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("compute ran %d times, want 2 (failure must not be memoized)", n)
	}

	ok := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("recovered"), nil
	}
	got, err := kv.GetOrCompute(context.Background(), "k", time.Minute, ok)
	if err != nil {
		t.Fatalf("GetOrCompute after recovery: %v", err)
	}
	if string(got) != "recovered" {
		t.Errorf("got %q, want %q", got, "recovered")
	}
}

func TestKeyValueCache_SurvivesRestart(t *testing.T) {
	db := openTestDB(t)

	kv1, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}
	if _, err := kv1.GetOrCompute(context.Background(), "durable", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("persisted"), nil
	}); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if _, err := kv1.GetOrCompute(context.Background(), "ephemeral", 20*time.Millisecond, func(ctx context.Context) ([]byte, error) {
		return []byte("expires"), nil
	}); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	// Same database, fresh cache: simulates a process restart.
	kv2, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache after restart: %v", err)
	}

	got, err := kv2.GetOrCompute(context.Background(), "durable", time.Minute, func(ctx context.Context) ([]byte, error) {
		t.Error("compute ran for a persisted unexpired entry")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("got %q, want %q", got, "persisted")
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM kv_cache WHERE key = 'ephemeral'").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 0 {
		t.Errorf("expired entry survived restart load")
	}
}

func TestKeyValueCache_CachedJSON(t *testing.T) {
	db := openTestDB(t)
	kv, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}

	type meta struct {
		Title string `json:"title"`
		Secs  int    `json:"secs"`
	}

	var calls atomic.Int32
	fetch := func(ctx context.Context) (meta, error) {
		calls.Add(1)
		return meta{Title: "song", Secs: 240}, nil
	}

	for i := 0; i < 2; i++ {
		got, err := CachedJSON(context.Background(), kv, "meta:x", time.Minute, fetch)
		if err != nil {
			t.Fatalf("CachedJSON: %v", err)
		}
		if got.Title != "song" || got.Secs != 240 {
			t.Errorf("got %+v, want {song 240}", got)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch ran %d times, want 1", n)
	}
}

func TestKeyValueCache_Forget(t *testing.T) {
	db := openTestDB(t)
	kv, err := NewKeyValueCache(db)
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}

	var calls atomic.Int32
	compute := func(ctx context.Context) ([]byte, error) {
		return fmt.Appendf(nil, "v%d", calls.Add(1)), nil
	}

	for i := 0; i < 2; i++ {
		got, err := kv.GetOrCompute(context.Background(), "k", time.Minute, compute)
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if string(got) != "v1" {
			t.Fatalf("got %q, want %q", got, "v1")
		}
	}

	kv.Forget(context.Background(), "k")

	got, err := kv.GetOrCompute(context.Background(), "k", time.Minute, compute)
	if err != nil {
		t.Fatalf("GetOrCompute after Forget: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("got %q after Forget, want a recompute", got)
	}

	// Unknown keys are a no-op.
	kv.Forget(context.Background(), "never-stored")
}
