package proc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestKV(t *testing.T) *KeyValueCache {
	t.Helper()
	kv, err := NewKeyValueCache(openTestDB(t))
	if err != nil {
		t.Fatalf("NewKeyValueCache: %v", err)
	}
	return kv
}

func TestSegmentAPI_FetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/api/skipSegments" || r.URL.Query().Get("videoID") != "vid123" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[
			{"segment":[10.5,30],"category":"sponsor"},
			{"segment":[60,55],"category":"outro"},
			{"segment":[90,95.25],"category":"intro"}
		]`))
	}))
	defer srv.Close()

	api := NewSegmentAPI(newTestKV(t), srv.URL, true)
	segs, err := api.Segments(context.Background(), "vid123")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	// The inverted 60..55 entry is dropped.
	want := []Segment{
		{Start: 10500 * time.Millisecond, End: 30 * time.Second},
		{Start: 90 * time.Second, End: 95250 * time.Millisecond},
	}
	if len(segs) != len(want) {
		t.Fatalf("got %d segments, want %d", len(segs), len(want))
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Errorf("segment %d = %v, want %v", i, segs[i], want[i])
		}
	}

	if _, err := api.Segments(context.Background(), "vid123"); err != nil {
		t.Fatalf("cached Segments: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want the second lookup cached", hits.Load())
	}
}

func TestSegmentAPI_UnknownVideoCachesEmpty(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	api := NewSegmentAPI(newTestKV(t), srv.URL, true)
	for range 2 {
		segs, err := api.Segments(context.Background(), "unknown")
		if err != nil {
			t.Fatalf("Segments: %v", err)
		}
		if len(segs) != 0 {
			t.Fatalf("got %d segments for unknown video", len(segs))
		}
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want the not-found answer cached", hits.Load())
	}
}

func TestSegmentAPI_ServerErrorNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	api := NewSegmentAPI(newTestKV(t), srv.URL, true)
	for range 2 {
		if _, err := api.Segments(context.Background(), "vid123"); err == nil {
			t.Fatal("Segments returned nil error on a 500")
		}
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want failures uncached", hits.Load())
	}
}

func TestSegmentAPI_DisabledAndNonVideoSources(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	kv := newTestKV(t)
	off := NewSegmentAPI(kv, srv.URL, false)
	if segs, err := off.Segments(context.Background(), "vid123"); err != nil || segs != nil {
		t.Errorf("disabled lookup = %v, %v, want nil, nil", segs, err)
	}

	// Direct URLs have no segment listings.
	on := NewSegmentAPI(kv, srv.URL, true)
	if segs, err := on.Segments(context.Background(), "https://example.com/a.mp3"); err != nil || segs != nil {
		t.Errorf("url-source lookup = %v, %v, want nil, nil", segs, err)
	}

	if hits.Load() != 0 {
		t.Errorf("server hit %d times, want none", hits.Load())
	}
}
