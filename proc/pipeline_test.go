package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// seqSource fills every sample of frame i with the value i, so the fake
// encoder's packets reveal which frames were delivered and which were
// dropped.
type seqSource struct {
	frames int
	next   int
	delay  time.Duration
	failAt int
	err    error
	closed atomic.Bool
}

func (s *seqSource) ReadFrame(ctx context.Context, pcm []int16) (int, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
			s.delay = 0
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if s.err != nil && s.next >= s.failAt {
		return 0, s.err
	}
	if s.next >= s.frames {
		return 0, io.EOF
	}
	v := int16(s.next)
	for i := range pcm {
		pcm[i] = v
	}
	s.next++
	return len(pcm), nil
}

func (s *seqSource) Close() error {
	s.closed.Store(true)
	return nil
}

// valueSource emits one frame filled with a fixed value.
type valueSource struct {
	value int16
	done  bool
}

func (s *valueSource) ReadFrame(_ context.Context, pcm []int16) (int, error) {
	if s.done {
		return 0, io.EOF
	}
	for i := range pcm {
		pcm[i] = s.value
	}
	s.done = true
	return len(pcm), nil
}

func (s *valueSource) Close() error { return nil }

// fakeEncoder stamps each frame's first sample into a two byte packet.
type fakeEncoder struct{}

func (fakeEncoder) Encode(pcm []int16) ([][]byte, error) {
	return [][]byte{{byte(pcm[0]), byte(pcm[0] >> 8)}}, nil
}
func (fakeEncoder) Flush() ([][]byte, error) { return nil, nil }
func (fakeEncoder) Close() error             { return nil }

func packetValue(f []byte) int16 {
	return int16(f[0]) | int16(f[1])<<8
}

// pullAll drains the provider until EOF, separating data packets from
// silence padding.
func pullAll(t *testing.T, p *FrameProvider) (values []int16, silence int) {
	t.Helper()
	for {
		f, err := p.ProvideOpusFrame()
		if err == io.EOF {
			return values, silence
		}
		if err != nil {
			t.Fatalf("ProvideOpusFrame: %v", err)
		}
		if bytes.Equal(f, OpusSilence) {
			silence++
			continue
		}
		values = append(values, packetValue(f))
	}
}

func TestPipeline_DeliversFramesThenSilenceTail(t *testing.T) {
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:  &seqSource{frames: 5},
		Encoder: fakeEncoder{},
	})

	values, silence := pullAll(t, pl.Provider())
	for i, v := range values {
		if v != int16(i) {
			t.Errorf("frame %d has value %d", i, v)
		}
	}
	if len(values) != 5 {
		t.Errorf("delivered %d frames, want 5", len(values))
	}
	// One silence frame consumes the end marker, then the tail pads out.
	wantTail := 1 + int(silenceTail/FramePeriod)
	if silence != wantTail {
		t.Errorf("silence tail %d frames, want %d", silence, wantTail)
	}

	<-pl.Done()
	if err := pl.Err(); err != nil {
		t.Errorf("Err() = %v after natural end", err)
	}
	if pl.Position() != 5*FramePeriod {
		t.Errorf("Position() = %v, want %v", pl.Position(), 5*FramePeriod)
	}
}

func TestPipeline_SkipSegmentsDropFrames(t *testing.T) {
	// Three seconds of audio with the middle second marked skippable.
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:   &seqSource{frames: 150},
		Encoder:  fakeEncoder{},
		Segments: []Segment{{Start: time.Second, End: 2 * time.Second}},
	})

	values, _ := pullAll(t, pl.Provider())
	if len(values) != 100 {
		t.Fatalf("delivered %d frames, want 100", len(values))
	}
	for _, v := range values {
		sec := time.Duration(v) * FramePeriod
		if sec >= time.Second && sec < 2*time.Second {
			t.Errorf("frame at %v should have been skipped", sec)
		}
	}

	<-pl.Done()
	// The offset advances through skipped material.
	if pl.Position() != 3*time.Second {
		t.Errorf("Position() = %v, want 3s", pl.Position())
	}
}

func TestPipeline_PrefixDiscardSkipsToOffset(t *testing.T) {
	// Seek fallback for sources that cannot start mid-stream: decode from
	// zero and drop everything before the target.
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:   &seqSource{frames: 100},
		Encoder:  fakeEncoder{},
		Segments: []Segment{{Start: 0, End: time.Second}},
	})

	values, _ := pullAll(t, pl.Provider())
	if len(values) == 0 {
		t.Fatal("no frames delivered")
	}
	if first := time.Duration(values[0]) * FramePeriod; first != time.Second {
		t.Errorf("first delivered frame at %v, want 1s", first)
	}
}

func TestPipeline_StartOffsetShiftsPosition(t *testing.T) {
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:  &seqSource{frames: 10},
		Encoder: fakeEncoder{},
		Start:   200 * time.Second,
	})

	values, _ := pullAll(t, pl.Provider())
	if len(values) != 10 || values[0] != 0 {
		t.Fatalf("delivered %d frames starting at %d", len(values), values[0])
	}

	<-pl.Done()
	want := 200*time.Second + 10*FramePeriod
	if pl.Position() != want {
		t.Errorf("Position() = %v, want %v", pl.Position(), want)
	}
}

func TestPipeline_AppliesVolume(t *testing.T) {
	var vol atomic.Int32
	vol.Store(200)
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:  &valueSource{value: 30000},
		Encoder: fakeEncoder{},
		Volume:  &vol,
	})

	values, _ := pullAll(t, pl.Provider())
	if len(values) != 1 {
		t.Fatalf("delivered %d frames, want 1", len(values))
	}
	if values[0] != 32767 {
		t.Errorf("doubled sample = %d, want clamp at 32767", values[0])
	}
}

func TestPipeline_PauseHoldsDelivery(t *testing.T) {
	var mu sync.Mutex
	gate := make(chan struct{})
	pause := func() <-chan struct{} {
		mu.Lock()
		defer mu.Unlock()
		return gate
	}

	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:  &seqSource{frames: 5},
		Encoder: fakeEncoder{},
		Pause:   pause,
	})

	got := make(chan []byte, 1)
	go func() {
		f, _ := pl.Provider().ProvideOpusFrame()
		got <- f
	}()

	select {
	case <-got:
		t.Fatal("frame delivered while paused")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case f := <-got:
		if f == nil {
			t.Error("nil frame after resume")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no frame after resume")
	}
	pl.Cancel()
}

func TestPipeline_CancelStopsPromptly(t *testing.T) {
	src := &seqSource{frames: 100000}
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:  src,
		Encoder: fakeEncoder{},
	})

	// Let the look-ahead fill so the decode loop is parked on a full
	// buffer, the worst case for cancellation.
	time.Sleep(20 * time.Millisecond)
	pl.Cancel()

	select {
	case <-pl.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("pipeline did not stop after cancel")
	}
	if !errors.Is(pl.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", pl.Err())
	}
	if !src.closed.Load() {
		t.Error("source not released")
	}
	if _, err := pl.Provider().ProvideOpusFrame(); err != io.EOF {
		t.Errorf("ProvideOpusFrame after cancel = %v, want EOF", err)
	}
}

func TestPipeline_SourceErrorSurfaces(t *testing.T) {
	wantErr := errors.New("connection reset")
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:  &seqSource{frames: 100, failAt: 3, err: wantErr},
		Encoder: fakeEncoder{},
	})

	values, _ := pullAll(t, pl.Provider())
	<-pl.Done()
	if !errors.Is(pl.Err(), wantErr) {
		t.Errorf("Err() = %v, want %v", pl.Err(), wantErr)
	}
	if len(values) != 3 {
		t.Errorf("delivered %d frames before failure, want 3", len(values))
	}
}

func TestPipeline_StarvationPadsWithSilence(t *testing.T) {
	pl := NewPipeline(context.Background(), PipelineOptions{
		Source:  &seqSource{frames: 2, delay: 700 * time.Millisecond},
		Encoder: fakeEncoder{},
	})

	f, err := pl.Provider().ProvideOpusFrame()
	if err != nil {
		t.Fatalf("ProvideOpusFrame: %v", err)
	}
	if !bytes.Equal(f, OpusSilence) {
		t.Errorf("starved pull returned %v, want silence", f)
	}

	values, _ := pullAll(t, pl.Provider())
	if len(values) != 2 {
		t.Errorf("delivered %d frames after recovery, want 2", len(values))
	}
}

func TestApplyGain(t *testing.T) {
	tests := []struct {
		name    string
		percent int32
		in      int16
		want    int16
	}{
		{"unity", 100, 1234, 1234},
		{"half", 50, 1000, 500},
		{"mute", 0, 9999, 0},
		{"double", 200, 1000, 2000},
		{"clamp high", 200, 30000, 32767},
		{"clamp low", 200, -30000, -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := []int16{tt.in}
			applyGain(pcm, tt.percent)
			if pcm[0] != tt.want {
				t.Errorf("applyGain(%d, %d%%) = %d, want %d", tt.in, tt.percent, pcm[0], tt.want)
			}
		})
	}
}

func TestNormalizeSegments(t *testing.T) {
	got := normalizeSegments([]Segment{
		{Start: 30 * time.Second, End: 40 * time.Second},
		{Start: -5 * time.Second, End: 2 * time.Second},
		{Start: 10 * time.Second, End: 8 * time.Second}, // inverted, dropped
		{Start: 35 * time.Second, End: 50 * time.Second},
	})
	want := []Segment{
		{Start: 0, End: 2 * time.Second},
		{Start: 30 * time.Second, End: 50 * time.Second},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSegmentCursor(t *testing.T) {
	c := segmentCursor{segs: []Segment{
		{Start: time.Second, End: 2 * time.Second},
		{Start: 3 * time.Second, End: 4 * time.Second},
	}}
	checks := []struct {
		pos  time.Duration
		want bool
	}{
		{0, false},
		{time.Second, true},
		{1500 * time.Millisecond, true},
		{2 * time.Second, false},
		{3500 * time.Millisecond, true},
		{4 * time.Second, false},
		{10 * time.Second, false},
	}
	for _, ck := range checks {
		if got := c.covers(ck.pos); got != ck.want {
			t.Errorf("covers(%v) = %v, want %v", ck.pos, got, ck.want)
		}
	}
}

func TestByteOffsetFor(t *testing.T) {
	// 240s at a constant 40000 bytes/s.
	total := 240 * time.Second
	size := int64(9600000)
	frameBytes := int64(800)

	if got := byteOffsetFor(200*time.Second, total, size); got != 8000000 {
		t.Errorf("offset 200s = %d, want 8000000", got)
	}
	if got := byteOffsetFor(0, total, size); got != 0 {
		t.Errorf("offset 0 = %d, want 0", got)
	}

	for _, off := range []time.Duration{time.Second, 33 * time.Second, 239 * time.Second} {
		got := byteOffsetFor(off, total, size)
		if got%frameBytes != 0 {
			t.Errorf("offset %v = %d, not frame aligned", off, got)
		}
		if got >= size {
			t.Errorf("offset %v = %d, beyond entry size %d", off, got, size)
		}
	}

	if got := byteOffsetFor(time.Second, 0, size); got != 0 {
		t.Errorf("unknown duration should map to 0, got %d", got)
	}
}
