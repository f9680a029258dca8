package proc

import (
	"errors"
	"fmt"
)

// Playback and cache errors checked programmatically by the command layer
// and by the session loop. Everything else is reported inline.
var (
	// ErrSeekUnsupported is returned when seeking a live stream.
	ErrSeekUnsupported = errors.New("seek not supported for live streams")

	// ErrIndexOutOfRange is returned for queue positions outside [0, len).
	ErrIndexOutOfRange = errors.New("queue position out of range")

	// ErrCacheMiss is returned by FileCache.Get when no complete entry exists.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheCorruption marks an entry that failed its integrity check.
	// The entry is purged before this is returned; callers refetch.
	ErrCacheCorruption = errors.New("cache entry corrupt")

	// ErrStreamInterrupted marks a network drop mid-playback. The session
	// attempts one automatic resume from the last known offset before
	// surfacing it.
	ErrStreamInterrupted = errors.New("stream interrupted")

	// ErrRangeUnsupported is returned by a stream opener that cannot honor
	// a start offset; the caller falls back to discarding the prefix.
	ErrRangeUnsupported = errors.New("range requests not supported")

	ErrQueueEmpty    = errors.New("queue is empty")
	ErrNotPlaying    = errors.New("nothing is playing")
	ErrSessionClosed = errors.New("session closed")
)

// ResolutionReason classifies why a query could not be resolved.
type ResolutionReason int

const (
	ReasonNotFound ResolutionReason = iota
	ReasonRegionBlocked
	ReasonRateLimited
	ReasonUnavailable
)

func (r ResolutionReason) String() string {
	switch r {
	case ReasonNotFound:
		return "not found"
	case ReasonRegionBlocked:
		return "region blocked"
	case ReasonRateLimited:
		return "rate limited"
	default:
		return "unavailable"
	}
}

// ResolutionError reports a failed source lookup. The session retries
// retryable reasons with backoff before advancing the queue.
type ResolutionError struct {
	Reason ResolutionReason
	Query  string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %q: %s: %v", e.Query, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %q: %s", e.Query, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
// A missing or region-locked source stays missing; rate limits and
// transient upstream failures clear on their own.
func (e *ResolutionError) Retryable() bool {
	return e.Reason == ReasonRateLimited || e.Reason == ReasonUnavailable
}

func resolutionErr(reason ResolutionReason, query string, err error) *ResolutionError {
	return &ResolutionError{Reason: reason, Query: query, Err: err}
}
