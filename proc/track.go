package proc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// encodingProfile names the audio format this build fetches and caches.
// Cached bytes from a different profile must never be served, so the
// profile is folded into every cache key.
const encodingProfile = "bestaudio-opus-48k"

// StreamOpener opens the raw encoded byte stream for a track, optionally
// starting at an offset into the audio. Openers that cannot honor a
// non-zero start return ErrRangeUnsupported and the caller discards the
// prefix instead.
type StreamOpener func(ctx context.Context, start time.Duration) (io.ReadCloser, error)

// Track describes one playable source. Immutable once constructed; the
// queue owns it, the session only references it while playing.
type Track struct {
	SourceID    string
	Title       string
	Artist      string
	Duration    time.Duration // zero when Live
	Live        bool
	PageURL     string
	Thumbnail   string
	RequestedBy snowflake.ID

	open StreamOpener
}

// NewTrack builds a track descriptor around a lazily-opened stream.
func NewTrack(sourceID, title string, duration time.Duration, live bool, open StreamOpener) *Track {
	return &Track{
		SourceID: sourceID,
		Title:    title,
		Duration: duration,
		Live:     live,
		open:     open,
	}
}

// OpenStream opens the track's encoded byte stream at the given offset.
func (t *Track) OpenStream(ctx context.Context, start time.Duration) (io.ReadCloser, error) {
	return t.open(ctx, start)
}

// CacheKey is the content address for this track's encoded bytes.
func (t *Track) CacheKey() string {
	sum := sha256.Sum256([]byte(t.SourceID + "|" + encodingProfile))
	return hex.EncodeToString(sum[:])
}

// StreamResolver turns a user query or URL into playable track descriptors.
// Implemented in resolver.go; faked in tests.
type StreamResolver interface {
	// Resolve returns one track for a single video/song, or up to the
	// caller's playlist limit for a playlist URL.
	Resolve(ctx context.Context, query string, requestedBy snowflake.ID) ([]*Track, error)
}

// Segment is a half-open [Start, End) span of the track to skip.
type Segment struct {
	Start time.Duration
	End   time.Duration
}

// SegmentProvider fetches community skip segments for a source. Absence or
// failure yields an empty list; playback proceeds unfiltered.
type SegmentProvider interface {
	Segments(ctx context.Context, sourceID string) ([]Segment, error)
}
