package proc

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/leeineian/hibiki/sys"
)

// KeyValueCache memoizes expensive lookups (metadata probes, search
// results, skip segments) in the kv_cache table so they survive restarts.
// Concurrent callers for the same key share one compute (single-flight);
// compute failures are never stored, so the next caller retries.
type KeyValueCache struct {
	db *sql.DB

	mu       sync.Mutex
	inflight map[string]*kvFlight
}

type kvFlight struct {
	done  chan struct{}
	value []byte
	err   error
}

// NewKeyValueCache wraps db. Rows already expired at startup are dropped
// immediately rather than served stale.
func NewKeyValueCache(db *sql.DB) (*KeyValueCache, error) {
	kv := &KeyValueCache{
		db:       db,
		inflight: make(map[string]*kvFlight),
	}
	if n, err := kv.Sweep(context.Background()); err != nil {
		return nil, err
	} else if n > 0 {
		sys.LogCache("Dropped %d expired lookup entries at startup", n)
	}
	return kv, nil
}

// GetOrCompute returns the cached value for key if present and unexpired,
// otherwise runs compute exactly once (also under concurrent callers),
// stores the result for ttl and hands it to every waiter.
func (kv *KeyValueCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok, err := kv.lookup(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return value, nil
	}

	kv.mu.Lock()
	if fl, ok := kv.inflight[key]; ok {
		kv.mu.Unlock()
		select {
		case <-fl.done:
			return fl.value, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &kvFlight{done: make(chan struct{})}
	kv.inflight[key] = fl
	kv.mu.Unlock()

	defer func() {
		close(fl.done)
		kv.mu.Lock()
		delete(kv.inflight, key)
		kv.mu.Unlock()
	}()

	// A racing caller may have finished between the row read and taking
	// flight ownership.
	if value, ok, err := kv.lookup(ctx, key); err != nil {
		fl.err = err
		return nil, err
	} else if ok {
		fl.value = value
		return value, nil
	}

	value, err := compute(ctx)
	if err != nil {
		fl.err = err
		return nil, err
	}

	expiresAt := time.Now().Add(ttl).UnixMilli()
	if _, err := kv.db.ExecContext(ctx, `
		INSERT INTO kv_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt); err != nil {
		// Storing failed; the value itself is still good.
		sys.LogCache("Failed to store lookup %q: %v", key, err)
	}

	fl.value = value
	return value, nil
}

func (kv *KeyValueCache) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := kv.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_cache WHERE key = ?", key).
		Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt <= time.Now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

// Forget drops a cached entry before its TTL expires, for values
// discovered stale the hard way, like a probed stream URL answering 403.
func (kv *KeyValueCache) Forget(ctx context.Context, key string) {
	if _, err := kv.db.ExecContext(ctx, "DELETE FROM kv_cache WHERE key = ?", key); err != nil {
		sys.LogCache("Failed to forget %q: %v", key, err)
	}
}

// Sweep deletes expired rows and reports how many were dropped. The bot
// runs this on a ten minute cadence as a daemon.
func (kv *KeyValueCache) Sweep(ctx context.Context) (int64, error) {
	res, err := kv.db.ExecContext(ctx,
		"DELETE FROM kv_cache WHERE expires_at <= ?", time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CachedJSON runs GetOrCompute with JSON encoding of a typed value.
func CachedJSON[T any](ctx context.Context, kv *KeyValueCache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := kv.GetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}
