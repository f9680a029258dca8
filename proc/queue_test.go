package proc

import (
	"fmt"
	"testing"
	"time"
)

func testTracks(n int) []*Track {
	out := make([]*Track, n)
	for i := range out {
		out[i] = NewTrack(fmt.Sprintf("id%d", i), fmt.Sprintf("track %d", i), 3*time.Minute, false, nil)
	}
	return out
}

func queueIDs(q *Queue) []string {
	snap := q.Snapshot()
	ids := make([]string, len(snap))
	for i, t := range snap {
		ids[i] = t.SourceID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueue_AppendAndAdvance(t *testing.T) {
	q := NewQueue()
	tracks := testTracks(3)
	for _, tr := range tracks {
		q.Append(tr)
	}

	if got := q.PeekCurrent(); got != tracks[0] {
		t.Fatalf("PeekCurrent = %v, want first track", got)
	}
	if got := q.Advance(); got != tracks[1] {
		t.Errorf("Advance returned %v, want second track", got)
	}
	if got := q.Advance(); got != tracks[2] {
		t.Errorf("Advance returned %v, want third track", got)
	}
	if got := q.Advance(); got != nil {
		t.Errorf("Advance on last track = %v, want nil", got)
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len after draining = %d, want 0", got)
	}
	if got := q.Advance(); got != nil {
		t.Errorf("Advance on empty queue = %v, want nil", got)
	}
}

func TestQueue_InsertAt(t *testing.T) {
	tests := []struct {
		name    string
		pos     int
		wantErr bool
		want    []string
	}{
		{name: "head", pos: 0, want: []string{"new", "id0", "id1", "id2"}},
		{name: "middle", pos: 1, want: []string{"id0", "new", "id1", "id2"}},
		{name: "tail", pos: 3, want: []string{"id0", "id1", "id2", "new"}},
		{name: "negative", pos: -1, wantErr: true},
		{name: "past end", pos: 4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			for _, tr := range testTracks(3) {
				q.Append(tr)
			}
			err := q.InsertAt(tt.pos, NewTrack("new", "new", time.Minute, false, nil))
			if tt.wantErr {
				if err != ErrIndexOutOfRange {
					t.Fatalf("InsertAt(%d) err = %v, want ErrIndexOutOfRange", tt.pos, err)
				}
				if got := queueIDs(q); !equalIDs(got, []string{"id0", "id1", "id2"}) {
					t.Errorf("queue changed on failed insert: %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("InsertAt(%d) err = %v", tt.pos, err)
			}
			if got := queueIDs(q); !equalIDs(got, tt.want) {
				t.Errorf("queue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueue_RemoveAt(t *testing.T) {
	tests := []struct {
		name    string
		pos     int
		wantErr bool
		wantID  string
		want    []string
	}{
		{name: "head", pos: 0, wantID: "id0", want: []string{"id1", "id2"}},
		{name: "tail", pos: 2, wantID: "id2", want: []string{"id0", "id1"}},
		{name: "negative", pos: -1, wantErr: true},
		{name: "at length", pos: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			for _, tr := range testTracks(3) {
				q.Append(tr)
			}
			got, err := q.RemoveAt(tt.pos)
			if tt.wantErr {
				if err != ErrIndexOutOfRange {
					t.Fatalf("RemoveAt(%d) err = %v, want ErrIndexOutOfRange", tt.pos, err)
				}
				if ids := queueIDs(q); !equalIDs(ids, []string{"id0", "id1", "id2"}) {
					t.Errorf("queue changed on failed remove: %v", ids)
				}
				return
			}
			if err != nil {
				t.Fatalf("RemoveAt(%d) err = %v", tt.pos, err)
			}
			if got.SourceID != tt.wantID {
				t.Errorf("removed %s, want %s", got.SourceID, tt.wantID)
			}
			if ids := queueIDs(q); !equalIDs(ids, tt.want) {
				t.Errorf("queue = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestQueue_MoveTo(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
		wantErr  bool
		want     []string
	}{
		{name: "forward", from: 0, to: 2, want: []string{"id1", "id2", "id0", "id3"}},
		{name: "backward", from: 3, to: 1, want: []string{"id0", "id3", "id1", "id2"}},
		{name: "same", from: 2, to: 2, want: []string{"id0", "id1", "id2", "id3"}},
		{name: "from out of range", from: 4, to: 0, wantErr: true},
		{name: "to out of range", from: 0, to: 4, wantErr: true},
		{name: "negative from", from: -1, to: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			for _, tr := range testTracks(4) {
				q.Append(tr)
			}
			err := q.MoveTo(tt.from, tt.to)
			if tt.wantErr {
				if err != ErrIndexOutOfRange {
					t.Fatalf("MoveTo(%d, %d) err = %v, want ErrIndexOutOfRange", tt.from, tt.to, err)
				}
				if ids := queueIDs(q); !equalIDs(ids, []string{"id0", "id1", "id2", "id3"}) {
					t.Errorf("queue changed on failed move: %v", ids)
				}
				return
			}
			if err != nil {
				t.Fatalf("MoveTo(%d, %d) err = %v", tt.from, tt.to, err)
			}
			if ids := queueIDs(q); !equalIDs(ids, tt.want) {
				t.Errorf("queue = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestQueue_Snapshot_ReturnsCopy(t *testing.T) {
	q := NewQueue()
	for _, tr := range testTracks(2) {
		q.Append(tr)
	}
	snap := q.Snapshot()
	snap[0] = NewTrack("mutated", "mutated", 0, false, nil)
	if got := q.PeekCurrent().SourceID; got != "id0" {
		t.Errorf("mutating snapshot changed queue head to %s", got)
	}
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue()
	for _, tr := range testTracks(3) {
		q.Append(tr)
	}
	q.Clear(true)
	if got := queueIDs(q); !equalIDs(got, []string{"id0"}) {
		t.Errorf("Clear(keepCurrent) left %v, want [id0]", got)
	}
	q.Clear(false)
	if got := q.Len(); got != 0 {
		t.Errorf("Clear left %d tracks, want 0", got)
	}
}

// Shuffling a three-track queue many times should land each track at the
// head roughly a third of the time. The tolerance is ~8 standard
// deviations wide, so a fair shuffle essentially never trips it while a
// biased one (head pinned, fixed rotation) always does.
func TestQueue_Shuffle_Uniform(t *testing.T) {
	const runs = 6000
	counts := map[string]int{}
	for i := 0; i < runs; i++ {
		q := NewQueue()
		for _, tr := range testTracks(3) {
			q.Append(tr)
		}
		q.Shuffle(false)
		counts[q.PeekCurrent().SourceID]++
	}

	want := runs / 3
	for id, n := range counts {
		if n < want-300 || n > want+300 {
			t.Errorf("track %s at head %d times, want %d±300", id, n, want)
		}
	}
	if len(counts) != 3 {
		t.Errorf("only %d distinct heads seen, want 3", len(counts))
	}
}

func TestQueue_Shuffle_SparesHead(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := NewQueue()
		for _, tr := range testTracks(5) {
			q.Append(tr)
		}
		q.Shuffle(true)
		if got := q.PeekCurrent().SourceID; got != "id0" {
			t.Fatalf("Shuffle(spareHead) moved head to %s", got)
		}
	}
}
