package proc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/hibiki/sys"
)

// FileCache is the shared, size-bounded store of encoded audio blobs.
// Blobs live as files named by their content key; metadata (size, last
// access) lives in the file_cache table so the LRU order survives
// restarts. A row exists only for fully written entries, so row presence
// is the completeness flag. Eviction is strict LRU over complete entries,
// skipping any entry with an open reader.
type FileCache struct {
	db    *sql.DB
	dir   string
	limit int64

	mu       sync.Mutex
	refs     map[string]int
	inflight map[string]*fillFlight
}

type fillFlight struct {
	done chan struct{}
	err  error
}

// NewFileCache prepares dir and reconciles it against the metadata table:
// leftover .part files and files without a row are partial downloads from
// a previous run, rows without a file are stale bookkeeping. Both are
// purged before the cache serves anything.
func NewFileCache(db *sql.DB, dir string, limit int64) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &FileCache{
		db:       db,
		dir:      dir,
		limit:    limit,
		refs:     make(map[string]int),
		inflight: make(map[string]*fillFlight),
	}
	if err := c.purgeStale(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCache) purgeStale() error {
	ctx := context.Background()

	keys := make(map[string]int64)
	rows, err := c.db.QueryContext(ctx, "SELECT key, size FROM file_cache")
	if err != nil {
		return err
	}
	for rows.Next() {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return err
		}
		keys[key] = size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	removedFiles := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") {
			_ = os.Remove(filepath.Join(c.dir, name))
			removedFiles++
			continue
		}
		size, ok := keys[name]
		if !ok {
			// No row: the writer never finished.
			_ = os.Remove(filepath.Join(c.dir, name))
			removedFiles++
			continue
		}
		if info, err := e.Info(); err != nil || info.Size() != size {
			_ = os.Remove(filepath.Join(c.dir, name))
			_, _ = c.db.ExecContext(ctx, "DELETE FROM file_cache WHERE key = ?", name)
			removedFiles++
		}
		delete(keys, name)
	}

	// Rows whose file vanished.
	removedRows := 0
	for key := range keys {
		if _, err := os.Stat(filepath.Join(c.dir, key)); err != nil {
			_, _ = c.db.ExecContext(ctx, "DELETE FROM file_cache WHERE key = ?", key)
			removedRows++
		}
	}

	if removedFiles > 0 || removedRows > 0 {
		sys.LogCache("Purged %d stale files and %d orphaned rows at startup", removedFiles, removedRows)
	}
	return nil
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, key)
}

// BlobReader is an open handle on a complete cache entry. Entries with
// open handles are pinned: eviction skips them until Close.
type BlobReader struct {
	f       *os.File
	size    int64
	key     string
	release func()
	once    sync.Once
}

func (r *BlobReader) Read(p []byte) (int, error) { return r.f.Read(p) }
func (r *BlobReader) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}
func (r *BlobReader) Size() int64 { return r.size }
func (r *BlobReader) Key() string { return r.key }

func (r *BlobReader) Close() error {
	err := r.f.Close()
	r.once.Do(r.release)
	return err
}

// Get opens the complete entry for key, bumping its last-access time.
// Returns ErrCacheMiss when absent and ErrCacheCorruption when the stored
// bytes no longer match the recorded size; corrupt entries are purged
// before returning so the caller can refetch without special handling.
func (c *FileCache) Get(key string) (*BlobReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *FileCache) getLocked(key string) (*BlobReader, error) {
	ctx := context.Background()

	var size int64
	err := c.db.QueryRowContext(ctx, "SELECT size FROM file_cache WHERE key = ?", key).Scan(&size)
	if err == sql.ErrNoRows {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(c.path(key))
	if err != nil {
		c.dropLocked(key)
		return nil, ErrCacheCorruption
	}
	info, err := f.Stat()
	if err != nil || info.Size() != size {
		f.Close()
		c.dropLocked(key)
		return nil, ErrCacheCorruption
	}

	_, _ = c.db.ExecContext(ctx, "UPDATE file_cache SET accessed_at = ? WHERE key = ?",
		time.Now().UnixNano(), key)
	c.refs[key]++

	return &BlobReader{
		f:    f,
		size: size,
		key:  key,
		release: func() {
			c.mu.Lock()
			c.refs[key]--
			if c.refs[key] <= 0 {
				delete(c.refs, key)
			}
			c.mu.Unlock()
		},
	}, nil
}

func (c *FileCache) dropLocked(key string) {
	_ = os.Remove(c.path(key))
	_, _ = c.db.ExecContext(context.Background(), "DELETE FROM file_cache WHERE key = ?", key)
}

// Put stores the bytes produced by fill under key. A complete entry makes
// this a no-op returning the existing handle; a write already in flight
// for the same key is joined instead of duplicated, and every caller gets
// the one completed entry.
func (c *FileCache) Put(ctx context.Context, key string, sizeHint int64, fill func(ctx context.Context, w io.Writer) error) (*BlobReader, error) {
	for {
		c.mu.Lock()
		if r, err := c.getLocked(key); err == nil {
			c.mu.Unlock()
			return r, nil
		} else if err != ErrCacheMiss && err != ErrCacheCorruption {
			c.mu.Unlock()
			return nil, err
		}

		fl, ok := c.inflight[key]
		if !ok {
			break
		}
		c.mu.Unlock()

		select {
		case <-fl.done:
			if fl.err != nil {
				return nil, fl.err
			}
			// Loop to pick up the completed entry.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &fillFlight{done: make(chan struct{})}
	c.inflight[key] = fl
	if sizeHint > 0 {
		c.evictLocked(sizeHint)
	}
	c.mu.Unlock()

	err := c.fillEntry(ctx, key, fill)

	c.mu.Lock()
	fl.err = err
	delete(c.inflight, key)
	c.mu.Unlock()
	close(fl.done)

	if err != nil {
		return nil, err
	}
	return c.Get(key)
}

func (c *FileCache) fillEntry(ctx context.Context, key string, fill func(ctx context.Context, w io.Writer) error) error {
	partPath := c.path(key) + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}

	cw := &countingWriter{w: f}
	if err := fill(ctx, cw); err != nil {
		f.Close()
		os.Remove(partPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return err
	}

	return c.commit(key, partPath, cw.n)
}

func (c *FileCache) commit(key, partPath string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(size)

	if err := os.Rename(partPath, c.path(key)); err != nil {
		os.Remove(partPath)
		return err
	}
	now := time.Now().UnixNano()
	if _, err := c.db.ExecContext(context.Background(), `
		INSERT INTO file_cache (key, size, accessed_at, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET size = excluded.size, accessed_at = excluded.accessed_at`,
		key, size, now, now); err != nil {
		os.Remove(c.path(key))
		return err
	}
	return nil
}

// evictLocked removes least-recently-used complete entries until the
// incoming need fits the budget. Entries with open readers are skipped;
// they become candidates again once released.
func (c *FileCache) evictLocked(need int64) {
	ctx := context.Background()

	var total int64
	if err := c.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM file_cache").Scan(&total); err != nil {
		return
	}
	if total+need <= c.limit {
		return
	}

	rows, err := c.db.QueryContext(ctx, "SELECT key, size FROM file_cache ORDER BY accessed_at ASC, created_at ASC")
	if err != nil {
		return
	}
	type victim struct {
		key  string
		size int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.key, &v.size); err != nil {
			break
		}
		victims = append(victims, v)
	}
	rows.Close()

	for _, v := range victims {
		if total+need <= c.limit {
			break
		}
		if c.refs[v.key] > 0 {
			continue
		}
		if _, ok := c.inflight[v.key]; ok {
			continue
		}
		_ = os.Remove(c.path(v.key))
		if _, err := c.db.ExecContext(ctx, "DELETE FROM file_cache WHERE key = ?", v.key); err != nil {
			continue
		}
		total -= v.size
		sys.LogCache("Evicted %s (%d bytes)", v.key[:min(12, len(v.key))], v.size)
	}
}

// Invalidate removes an entry outright, used when its bytes turn out to
// be undecodable. Open readers keep their file handle; the key just
// stops resolving.
func (c *FileCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(key)
}

// TotalSize reports the summed size of complete entries.
func (c *FileCache) TotalSize() (int64, error) {
	var total int64
	err := c.db.QueryRowContext(context.Background(),
		"SELECT COALESCE(SUM(size), 0) FROM file_cache").Scan(&total)
	return total, err
}

// Limit is the configured size bound.
func (c *FileCache) Limit() int64 {
	return c.limit
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// TeeThrough wraps src so the bytes read from it are also written into
// the cache under key. The stream keeps flowing even if the cache side
// fails (disk full, permissions): caching is abandoned for that entry and
// playback continues uncached. Closing before EOF abandons the entry too,
// so cancelled streams never leave a readable cache file behind. When
// another writer already owns key, src is returned unchanged.
func (c *FileCache) TeeThrough(ctx context.Context, key string, sizeHint int64, src io.ReadCloser) io.ReadCloser {
	c.mu.Lock()
	var exists int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM file_cache WHERE key = ?", key).Scan(&exists); err == nil && exists > 0 {
		c.mu.Unlock()
		return src
	}
	if _, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return src
	}

	fl := &fillFlight{done: make(chan struct{})}
	c.inflight[key] = fl
	if sizeHint > 0 {
		c.evictLocked(sizeHint)
	}
	c.mu.Unlock()

	partPath := c.path(key) + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		sys.LogCache("Failed to open cache file for %s: %v", key[:min(12, len(key))], err)
		c.finishFlight(key, fl, err)
		return src
	}

	return &teeBlob{
		src:  src,
		part: f,
		cw:   &countingWriter{w: f},
		c:    c,
		key:  key,
		fl:   fl,
	}
}

func (c *FileCache) finishFlight(key string, fl *fillFlight, err error) {
	c.mu.Lock()
	fl.err = err
	delete(c.inflight, key)
	c.mu.Unlock()
	close(fl.done)
}

type teeBlob struct {
	src  io.ReadCloser
	part *os.File
	cw   *countingWriter
	c    *FileCache
	key  string
	fl   *fillFlight

	teeFailed bool
	finished  bool
}

func (t *teeBlob) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.teeFailed {
		if _, werr := t.cw.Write(p[:n]); werr != nil {
			sys.LogCache("Cache write failed for %s, continuing uncached: %v",
				t.key[:min(12, len(t.key))], werr)
			t.abandon(werr)
		}
	}
	if err == io.EOF && !t.teeFailed && !t.finished {
		t.finished = true
		cerr := t.part.Close()
		if cerr == nil {
			cerr = t.c.commit(t.key, t.part.Name(), t.cw.n)
		}
		if cerr != nil {
			os.Remove(t.part.Name())
			sys.LogCache("Failed to commit cache entry %s: %v", t.key[:min(12, len(t.key))], cerr)
		}
		t.c.finishFlight(t.key, t.fl, cerr)
	}
	return n, err
}

func (t *teeBlob) abandon(reason error) {
	t.teeFailed = true
	t.part.Close()
	os.Remove(t.part.Name())
	t.c.finishFlight(t.key, t.fl, reason)
}

func (t *teeBlob) Close() error {
	if !t.finished && !t.teeFailed {
		t.abandon(errors.New("stream closed before completion"))
	}
	return t.src.Close()
}
