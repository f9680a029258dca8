package proc

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/voice"
)

// Audio constants for the Discord voice transport: 48kHz stereo opus in
// 20ms frames.
const (
	SampleRate   = 48000
	Channels     = 2
	FrameSamples = 960 // per channel, one frame period worth
	FramePeriod  = 20 * time.Millisecond

	// Look-ahead between transcode and delivery, about two seconds.
	frameBufferSize = 100

	silenceTail   = 1 * time.Second
	starveTimeout = 500 * time.Millisecond
)

// OpusSilence is the opus frame for pure silence, sent while starving or
// draining so the transport keeps its timing.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

// FrameSource yields decoded PCM one frame at a time: interleaved S16
// stereo at the transport rate. ReadFrame fills pcm and reports the
// number of samples written (FrameSamples*Channels for full frames, less
// on the final one), then io.EOF once the source is exhausted.
type FrameSource interface {
	ReadFrame(ctx context.Context, pcm []int16) (int, error)
	Close() error
}

// FrameEncoder turns PCM frames into transport packets. Encoders may
// buffer, so Encode can return zero or several packets per call; Flush
// drains whatever remains.
type FrameEncoder interface {
	Encode(pcm []int16) ([][]byte, error)
	Flush() ([][]byte, error)
	Close() error
}

// Pipeline drives one playback: decode, drop skip segments, apply gain,
// encode, hand frames to the provider the voice connection pulls from.
// It is single-shot: a seek tears it down and starts a fresh one at the
// target offset.
type Pipeline struct {
	src      FrameSource
	enc      FrameEncoder
	provider *FrameProvider
	volume   *atomic.Int32
	skips    segmentCursor
	start    time.Duration
	samples  atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

type PipelineOptions struct {
	Source   FrameSource
	Encoder  FrameEncoder
	Volume   *atomic.Int32 // percent, 0-200; nil means 100
	Segments []Segment
	Start    time.Duration // track position of the source's first sample
	Pause    func() <-chan struct{}
}

func NewPipeline(parent context.Context, opts PipelineOptions) *Pipeline {
	ctx, cancel := context.WithCancel(parent)
	pl := &Pipeline{
		src:    opts.Source,
		enc:    opts.Encoder,
		volume: opts.Volume,
		skips:  segmentCursor{segs: normalizeSegments(opts.Segments)},
		start:  opts.Start,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	pause := opts.Pause
	if pause == nil {
		pause = func() <-chan struct{} { return neverPaused }
	}
	pl.provider = &FrameProvider{
		frames: make(chan []byte, frameBufferSize),
		ctx:    ctx,
		pause:  pause,
	}
	go pl.run(ctx)
	return pl
}

var neverPaused = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (pl *Pipeline) run(ctx context.Context) {
	defer close(pl.done)
	defer pl.provider.PushFrame(nil)
	defer pl.src.Close()
	defer pl.enc.Close()

	pcm := make([]int16, FrameSamples*Channels)
	for {
		select {
		case <-ctx.Done():
			pl.err = ctx.Err()
			return
		default:
		}

		n, err := pl.src.ReadFrame(ctx, pcm)
		if n > 0 {
			pos := pl.Position()
			pl.samples.Add(int64(n / Channels))
			if pl.skips.covers(pos) {
				continue
			}

			gain := int32(100)
			if pl.volume != nil {
				gain = pl.volume.Load()
			}
			applyGain(pcm[:n], gain)

			pkts, eerr := pl.enc.Encode(pcm[:n])
			if eerr != nil {
				pl.err = eerr
				return
			}
			for _, f := range pkts {
				pl.provider.PushFrame(f)
			}
		}
		if err != nil {
			if err == io.EOF {
				if pkts, ferr := pl.enc.Flush(); ferr == nil {
					for _, f := range pkts {
						pl.provider.PushFrame(f)
					}
				}
				return
			}
			if ctx.Err() != nil {
				pl.err = ctx.Err()
			} else {
				pl.err = err
			}
			return
		}
	}
}

// Provider is what gets attached to the voice connection.
func (pl *Pipeline) Provider() *FrameProvider { return pl.provider }

// Position is the track offset of the next frame to decode, including
// the start offset this pipeline was launched at.
func (pl *Pipeline) Position() time.Duration {
	return pl.start + time.Duration(pl.samples.Load())*time.Second/SampleRate
}

// Cancel stops decoding and releases the source. Frame emission halts at
// the next pull.
func (pl *Pipeline) Cancel() { pl.cancel() }

// Done closes once the decode loop has fully stopped.
func (pl *Pipeline) Done() <-chan struct{} { return pl.done }

// Err reports why the pipeline stopped: nil for natural end of stream,
// context.Canceled after Cancel, anything else is a mid-stream failure.
// Valid after Done is closed.
func (pl *Pipeline) Err() error { return pl.err }

// FrameProvider delivers encoded frames to the voice connection at its
// pull cadence. While paused the pull blocks, so a pause lands within
// one frame period. After the source ends it pads with a short silence
// tail before signalling EOF.
type FrameProvider struct {
	frames        chan []byte
	ctx           context.Context
	pause         func() <-chan struct{}
	OnFinish      func()
	once          sync.Once
	draining      bool
	silenceFrames int
}

var _ voice.OpusFrameProvider = (*FrameProvider)(nil)

// PushFrame hands a frame to the delivery buffer, blocking while it is
// full. A nil frame marks end of stream.
func (p *FrameProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *FrameProvider) ProvideOpusFrame() ([]byte, error) {
	if p.ctx.Err() != nil {
		p.Close()
		return nil, io.EOF
	}

	select {
	case <-p.pause():
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	}

	if p.draining {
		target := int(silenceTail / FramePeriod)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(starveTimeout):
		return OpusSilence, nil
	}
}

func (p *FrameProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

// applyGain scales S16 samples by percent (0-200) with clamping.
func applyGain(pcm []int16, percent int32) {
	if percent == 100 {
		return
	}
	for i, s := range pcm {
		scaled := int64(s) * int64(percent) / 100
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		pcm[i] = int16(scaled)
	}
}

// normalizeSegments sorts, clamps and merges overlapping skip intervals
// so the cursor can walk them in one pass.
func normalizeSegments(segs []Segment) []Segment {
	if len(segs) == 0 {
		return nil
	}
	sorted := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if s.Start < 0 {
			s.Start = 0
		}
		if s.End <= s.Start {
			continue
		}
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var merged []Segment
	for _, s := range sorted {
		if n := len(merged); n > 0 && s.Start <= merged[n-1].End {
			if s.End > merged[n-1].End {
				merged[n-1].End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// segmentCursor reports whether a frame timestamp falls inside a skip
// interval. Positions are assumed non-decreasing.
type segmentCursor struct {
	segs []Segment
}

func (c *segmentCursor) covers(pos time.Duration) bool {
	for len(c.segs) > 0 && pos >= c.segs[0].End {
		c.segs = c.segs[1:]
	}
	return len(c.segs) > 0 && pos >= c.segs[0].Start
}

// byteOffsetFor maps a track offset into a byte offset of a completed
// cache entry, assuming roughly constant bitrate: seconds times average
// bytes per second, rounded down to a whole frame. Decoders resynchronize
// on the container from there.
func byteOffsetFor(offset, total time.Duration, size int64) int64 {
	if total <= 0 || size <= 0 || offset <= 0 {
		return 0
	}
	rate := float64(size) / total.Seconds()
	frameBytes := int64(rate * FramePeriod.Seconds())
	if frameBytes <= 0 {
		frameBytes = 1
	}
	off := int64(offset.Seconds() * rate)
	off -= off % frameBytes
	if off >= size {
		off = size - frameBytes
		if off < 0 {
			off = 0
		}
	}
	return off
}
