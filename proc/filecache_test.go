package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFileCache(t *testing.T, limit int64) (*FileCache, string) {
	t.Helper()
	db := openTestDB(t)
	dir := t.TempDir()
	c, err := NewFileCache(db, dir, limit)
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	return c, dir
}

func fillWith(data []byte) func(context.Context, io.Writer) error {
	return func(_ context.Context, w io.Writer) error {
		_, err := w.Write(data)
		return err
	}
}

func putEntry(t *testing.T, c *FileCache, key string, data []byte) {
	t.Helper()
	r, err := c.Put(context.Background(), key, int64(len(data)), fillWith(data))
	if err != nil {
		t.Fatalf("Put(%s): %v", key, err)
	}
	r.Close()
}

func readEntry(t *testing.T, c *FileCache, key string) []byte {
	t.Helper()
	r, err := c.Get(key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return data
}

func TestFileCache_PutAndGet(t *testing.T) {
	c, _ := newTestFileCache(t, 1<<20)

	want := []byte("opus frames go here")
	putEntry(t, c, "aaaa", want)

	got := readEntry(t, c, "aaaa")
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := c.Get("missing"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(missing) = %v, want ErrCacheMiss", err)
	}
}

func TestFileCache_ReaderSeeks(t *testing.T) {
	c, _ := newTestFileCache(t, 1<<20)
	putEntry(t, c, "aaaa", []byte("0123456789"))

	r, err := c.Get("aaaa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()

	if _, err := r.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "456789" {
		t.Errorf("after seek got %q, want %q", rest, "456789")
	}
}

func TestFileCache_PutOnCompleteKeyIsNoop(t *testing.T) {
	c, _ := newTestFileCache(t, 1<<20)
	putEntry(t, c, "aaaa", []byte("original"))

	r, err := c.Put(context.Background(), "aaaa", 8, func(context.Context, io.Writer) error {
		t.Error("fill ran for an already complete entry")
		return nil
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	defer r.Close()

	data, _ := io.ReadAll(r)
	if string(data) != "original" {
		t.Errorf("got %q, want the original entry", data)
	}
}

// Three 40-byte entries against a 100-byte budget, touching the first
// between each put: the middle entry is the least recently used when the
// third arrives and is the one evicted.
func TestFileCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestFileCache(t, 100)
	blob := bytes.Repeat([]byte("x"), 40)

	putEntry(t, c, "xxxx", blob)
	readEntry(t, c, "xxxx")
	time.Sleep(2 * time.Millisecond)

	putEntry(t, c, "yyyy", blob)
	time.Sleep(2 * time.Millisecond)
	readEntry(t, c, "xxxx")
	time.Sleep(2 * time.Millisecond)

	putEntry(t, c, "zzzz", blob)

	if _, err := c.Get("yyyy"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(yyyy) = %v, want ErrCacheMiss after eviction", err)
	}
	readEntry(t, c, "xxxx")
	readEntry(t, c, "zzzz")

	total, err := c.TotalSize()
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total > 100 {
		t.Errorf("total size %d exceeds limit", total)
	}
}

func TestFileCache_EvictionSkipsOpenReaders(t *testing.T) {
	c, _ := newTestFileCache(t, 100)
	blob := bytes.Repeat([]byte("x"), 40)

	putEntry(t, c, "aaaa", blob)
	rA, err := c.Get("aaaa")
	if err != nil {
		t.Fatalf("Get(aaaa): %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	putEntry(t, c, "bbbb", blob)
	time.Sleep(2 * time.Millisecond)

	// aaaa is oldest but pinned, so bbbb goes instead.
	putEntry(t, c, "cccc", blob)

	if _, err := c.Get("bbbb"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(bbbb) = %v, want ErrCacheMiss", err)
	}
	data, err := io.ReadAll(rA)
	if err != nil || len(data) != 40 {
		t.Errorf("pinned entry unreadable: %d bytes, err %v", len(data), err)
	}
	rA.Close()

	// Released, aaaa is fair game again.
	time.Sleep(2 * time.Millisecond)
	putEntry(t, c, "dddd", blob)
	if _, err := c.Get("aaaa"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(aaaa) = %v, want ErrCacheMiss after release", err)
	}
}

func TestFileCache_ConcurrentPutsSingleFill(t *testing.T) {
	c, _ := newTestFileCache(t, 1<<20)

	var fills atomic.Int32
	fill := func(_ context.Context, w io.Writer) error {
		fills.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, err := w.Write([]byte("shared bytes"))
		return err
	}

	const n = 8
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Put(context.Background(), "aaaa", 12, fill)
			if err != nil {
				t.Errorf("Put: %v", err)
				return
			}
			defer r.Close()
			results[i], _ = io.ReadAll(r)
		}(i)
	}
	wg.Wait()

	if got := fills.Load(); got != 1 {
		t.Errorf("fill ran %d times, want 1", got)
	}
	for i, data := range results {
		if string(data) != "shared bytes" {
			t.Errorf("caller %d got %q", i, data)
		}
	}
}

func TestFileCache_FailedFillLeavesNothing(t *testing.T) {
	c, dir := newTestFileCache(t, 1<<20)

	wantErr := errors.New("upstream died")
	_, err := c.Put(context.Background(), "aaaa", 0, func(_ context.Context, w io.Writer) error {
		w.Write([]byte("partial"))
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Put = %v, want %v", err, wantErr)
	}

	if _, err := c.Get("aaaa"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get = %v, want ErrCacheMiss", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "aaaa.part")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestFileCache_StartupPurge(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()

	c, err := NewFileCache(db, dir, 1<<20)
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	putEntry(t, c, "keep", []byte("survivor"))

	// Simulate a crash: a half-written part file, a file with no row,
	// and a row with no file.
	os.WriteFile(filepath.Join(dir, "half.part"), []byte("xx"), 0644)
	os.WriteFile(filepath.Join(dir, "orphanfile"), []byte("yy"), 0644)
	if _, err := db.Exec(
		"INSERT INTO file_cache (key, size, accessed_at, created_at) VALUES ('ghost', 10, 0, 0)"); err != nil {
		t.Fatalf("insert ghost row: %v", err)
	}

	c2, err := NewFileCache(db, dir, 1<<20)
	if err != nil {
		t.Fatalf("NewFileCache after crash: %v", err)
	}

	if got := readEntry(t, c2, "keep"); string(got) != "survivor" {
		t.Errorf("surviving entry got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "half.part")); !os.IsNotExist(err) {
		t.Error("part file survived purge")
	}
	if _, err := os.Stat(filepath.Join(dir, "orphanfile")); !os.IsNotExist(err) {
		t.Error("orphan file survived purge")
	}
	if _, err := c2.Get("ghost"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(ghost) = %v, want ErrCacheMiss", err)
	}
}

func TestFileCache_CorruptEntryPurgedOnGet(t *testing.T) {
	c, dir := newTestFileCache(t, 1<<20)
	putEntry(t, c, "aaaa", []byte("pristine"))

	// Truncate behind the cache's back.
	if err := os.WriteFile(filepath.Join(dir, "aaaa"), []byte("pri"), 0644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := c.Get("aaaa"); !errors.Is(err, ErrCacheCorruption) {
		t.Fatalf("Get = %v, want ErrCacheCorruption", err)
	}
	// Purged: the next caller sees a plain miss and refetches.
	if _, err := c.Get("aaaa"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("second Get = %v, want ErrCacheMiss", err)
	}
	putEntry(t, c, "aaaa", []byte("refreshed"))
	if got := readEntry(t, c, "aaaa"); string(got) != "refreshed" {
		t.Errorf("after refetch got %q", got)
	}
}

func TestFileCache_TeeThroughCachesOnEOF(t *testing.T) {
	c, _ := newTestFileCache(t, 1<<20)

	src := io.NopCloser(bytes.NewReader([]byte("streamed audio")))
	tee := c.TeeThrough(context.Background(), "aaaa", 0, src)

	data, err := io.ReadAll(tee)
	if err != nil {
		t.Fatalf("read tee: %v", err)
	}
	tee.Close()
	if string(data) != "streamed audio" {
		t.Errorf("tee read %q", data)
	}

	if got := readEntry(t, c, "aaaa"); string(got) != "streamed audio" {
		t.Errorf("cached %q, want the streamed bytes", got)
	}
}

func TestFileCache_TeeThroughAbandonsOnEarlyClose(t *testing.T) {
	c, dir := newTestFileCache(t, 1<<20)

	src := io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("x"), 1024)))
	tee := c.TeeThrough(context.Background(), "aaaa", 0, src)

	buf := make([]byte, 100)
	if _, err := tee.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	tee.Close()

	if _, err := c.Get("aaaa"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get = %v, want ErrCacheMiss for abandoned stream", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "aaaa.part")); !os.IsNotExist(err) {
		t.Error("part file left behind")
	}

	// The key is free for a later attempt.
	src2 := io.NopCloser(bytes.NewReader([]byte("second try")))
	tee2 := c.TeeThrough(context.Background(), "aaaa", 0, src2)
	if _, err := io.ReadAll(tee2); err != nil {
		t.Fatalf("second tee: %v", err)
	}
	tee2.Close()
	if got := readEntry(t, c, "aaaa"); string(got) != "second try" {
		t.Errorf("second attempt cached %q", got)
	}
}
