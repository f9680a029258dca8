package proc

import (
	"math/rand"
	"sync"
)

// Queue is the per-guild ordered track list. Position 0 is the current
// track while the session is playing. The session owns the queue; the
// mutex only guards against concurrent snapshots from command handlers.
type Queue struct {
	mu     sync.Mutex
	tracks []*Track
}

func NewQueue() *Queue {
	return &Queue{}
}

// Append adds tracks to the tail.
func (q *Queue) Append(tracks ...*Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = append(q.tracks, tracks...)
}

// InsertAt places a track at pos, shifting later entries back. pos may
// equal the current length (append position).
func (q *Queue) InsertAt(pos int, t *Track) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos < 0 || pos > len(q.tracks) {
		return ErrIndexOutOfRange
	}
	q.tracks = append(q.tracks, nil)
	copy(q.tracks[pos+1:], q.tracks[pos:])
	q.tracks[pos] = t
	return nil
}

// RemoveAt removes and returns the track at pos.
func (q *Queue) RemoveAt(pos int) (*Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos < 0 || pos >= len(q.tracks) {
		return nil, ErrIndexOutOfRange
	}
	t := q.tracks[pos]
	q.tracks = append(q.tracks[:pos], q.tracks[pos+1:]...)
	return t, nil
}

// MoveTo relocates the track at from to position to. Both positions are
// checked before anything moves, so a failed call leaves the queue intact.
func (q *Queue) MoveTo(from, to int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if from < 0 || from >= len(q.tracks) || to < 0 || to >= len(q.tracks) {
		return ErrIndexOutOfRange
	}
	if from == to {
		return nil
	}
	t := q.tracks[from]
	rest := append(q.tracks[:from], q.tracks[from+1:]...)
	rest = append(rest, nil)
	copy(rest[to+1:], rest[to:])
	rest[to] = t
	q.tracks = rest
	return nil
}

// Shuffle permutes the queue uniformly (Fisher-Yates via rand.Shuffle).
// With spareHead the current track keeps position 0 and only the tail is
// permuted.
func (q *Queue) Shuffle(spareHead bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tail := q.tracks
	if spareHead && len(tail) > 0 {
		tail = tail[1:]
	}
	rand.Shuffle(len(tail), func(i, j int) {
		tail[i], tail[j] = tail[j], tail[i]
	})
}

// PeekCurrent returns the head without removing it, or nil when empty.
func (q *Queue) PeekCurrent() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return nil
	}
	return q.tracks[0]
}

// Advance pops the head and returns the new head, or nil when the queue
// is exhausted.
func (q *Queue) Advance() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return nil
	}
	q.tracks[0] = nil
	q.tracks = q.tracks[1:]
	if len(q.tracks) == 0 {
		return nil
	}
	return q.tracks[0]
}

// Clear empties the queue. With keepCurrent the head survives.
func (q *Queue) Clear(keepCurrent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if keepCurrent && len(q.tracks) > 0 {
		q.tracks = q.tracks[:1]
		return
	}
	q.tracks = nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

// Snapshot returns a copy for display; mutating it does not touch the
// queue.
func (q *Queue) Snapshot() []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}
