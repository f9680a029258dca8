package proc

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/asticode/go-astiav"
)

var (
	_ FrameSource  = (*astiavSource)(nil)
	_ FrameEncoder = (*opusEncoder)(nil)
)

// astiavSource decodes whatever container the stream carries into
// interleaved S16 stereo PCM at the transport rate. Input comes either
// from an io.Reader through custom IO (cache blobs, tee'd network
// streams) or straight from a URL, in which case ffmpeg's own http layer
// handles reconnects.
type astiavSource struct {
	inputCtx         *astiav.FormatContext
	decoderCtx       *astiav.CodecContext
	resampleCtx      *astiav.SoftwareResampleContext
	packet           *astiav.Packet
	frame            *astiav.Frame
	resampleFrame    *astiav.Frame
	fifo             *astiav.AudioFifo
	audioStreamIndex int
	reader           io.Reader
	draining         bool
}

func newAstiavSource(input string, r io.Reader) (*astiavSource, error) {
	s := &astiavSource{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
	if err := s.openInput(input, r); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.setupDecoder(); err != nil {
		s.Close()
		return nil, err
	}
	s.resampleCtx = astiav.AllocSoftwareResampleContext()
	if s.resampleCtx == nil {
		s.Close()
		return nil, errors.New("failed to allocate resampler")
	}
	s.fifo = astiav.AllocAudioFifo(astiav.SampleFormatS16, Channels, FrameSamples*2)
	if s.fifo == nil {
		s.Close()
		return nil, errors.New("failed to alloc fifo")
	}
	return s, nil
}

func (s *astiavSource) openInput(input string, r io.Reader) error {
	s.inputCtx = astiav.AllocFormatContext()
	if s.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	if r != nil {
		s.reader = r
		seekFunc := func(offset int64, whence int) (int64, error) {
			if whence == 2 {
				return -1, errors.New("seeking from end not supported during download")
			}
			if sk, ok := r.(io.Seeker); ok {
				return sk.Seek(offset, whence)
			}
			return 0, errors.New("seek not supported")
		}

		ioCtx, err := astiav.AllocIOContext(16*1024, false, func(b []byte) (int, error) {
			return s.reader.Read(b)
		}, seekFunc, nil)
		if err != nil {
			return err
		}
		s.inputCtx.SetPb(ioCtx)
		s.inputCtx.SetFlags(s.inputCtx.Flags().Add(astiav.FormatContextFlagCustomIo))

		opts := astiav.NewDictionary()
		defer opts.Free()
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
		opts.Set("fflags", "nobuffer", 0)
		opts.Set("flags", "low_delay", 0)

		if err := s.inputCtx.OpenInput(input, nil, opts); err != nil {
			return err
		}
	} else {
		var opts *astiav.Dictionary
		if strings.HasPrefix(input, "http") {
			opts = astiav.NewDictionary()
			defer opts.Free()
			opts.Set("reconnect", "1", 0)
			opts.Set("reconnect_at_eof", "1", 0)
			opts.Set("reconnect_streamed", "1", 0)
			opts.Set("reconnect_delay_max", "30", 0)
			opts.Set("timeout", "30000000", 0)
			opts.Set("probesize", "10000000", 0)
			opts.Set("analyzeduration", "10000000", 0)
		}
		if err := s.inputCtx.OpenInput(input, nil, opts); err != nil {
			return err
		}
	}
	if err := s.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	s.audioStreamIndex = -1
	for _, st := range s.inputCtx.Streams() {
		if st.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			s.audioStreamIndex = st.Index()
			break
		}
	}
	if s.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (s *astiavSource) setupDecoder() error {
	p := s.inputCtx.Streams()[s.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	s.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(s.decoderCtx)
	return s.decoderCtx.Open(d, nil)
}

func (s *astiavSource) ReadFrame(ctx context.Context, pcm []int16) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		if s.fifo.Size() >= FrameSamples {
			return s.popFrame(FrameSamples, pcm)
		}
		if s.draining {
			if sz := s.fifo.Size(); sz > 0 {
				return s.popFrame(sz, pcm)
			}
			return 0, io.EOF
		}

		s.packet.Unref()
		if err := s.inputCtx.ReadFrame(s.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				s.flushDecoder()
				s.draining = true
				continue
			}
			return 0, err
		}
		if s.packet.StreamIndex() != s.audioStreamIndex {
			continue
		}
		if err := s.decoderCtx.SendPacket(s.packet); err != nil {
			return 0, err
		}
		for {
			if err := s.decoderCtx.ReceiveFrame(s.frame); err != nil {
				break
			}
			s.pushToFifo()
			s.frame.Unref()
		}
	}
}

func (s *astiavSource) flushDecoder() {
	if s.decoderCtx == nil {
		return
	}
	_ = s.decoderCtx.SendPacket(nil)
	for {
		if err := s.decoderCtx.ReceiveFrame(s.frame); err != nil {
			break
		}
		s.pushToFifo()
		s.frame.Unref()
	}
}

func (s *astiavSource) pushToFifo() {
	s.resampleFrame.Unref()
	s.resampleFrame.SetChannelLayout(astiav.ChannelLayoutStereo)
	s.resampleFrame.SetSampleFormat(astiav.SampleFormatS16)
	s.resampleFrame.SetSampleRate(SampleRate)
	nb := int(astiav.RescaleQ(int64(s.frame.NbSamples()), astiav.NewRational(1, s.frame.SampleRate()), astiav.NewRational(1, SampleRate)))
	if nb > 0 {
		s.resampleFrame.SetNbSamples(nb)
		_ = s.resampleFrame.AllocBuffer(0)
		if s.resampleCtx.ConvertFrame(s.frame, s.resampleFrame) == nil {
			_, _ = s.fifo.Write(s.resampleFrame)
		}
	}
}

func (s *astiavSource) popFrame(sz int, pcm []int16) (int, error) {
	s.resampleFrame.Unref()
	s.resampleFrame.SetNbSamples(sz)
	s.resampleFrame.SetChannelLayout(astiav.ChannelLayoutStereo)
	s.resampleFrame.SetSampleFormat(astiav.SampleFormatS16)
	s.resampleFrame.SetSampleRate(SampleRate)
	_ = s.resampleFrame.AllocBuffer(0)
	if _, err := s.fifo.Read(s.resampleFrame); err != nil {
		return 0, err
	}

	data, err := s.resampleFrame.Data().Bytes(1)
	if err != nil {
		return 0, err
	}
	n := sz * Channels
	limit := n * 2
	if limit > len(data) {
		limit = len(data)
		n = limit / 2
	}
	for i := 0; i < limit; i += 2 {
		pcm[i/2] = int16(data[i]) | int16(data[i+1])<<8
	}
	return n, nil
}

func (s *astiavSource) Close() error {
	if s.resampleCtx != nil {
		s.resampleCtx.Free()
	}
	if s.resampleFrame != nil {
		s.resampleFrame.Free()
	}
	if s.packet != nil {
		s.packet.Free()
	}
	if s.frame != nil {
		s.frame.Free()
	}
	if s.decoderCtx != nil {
		s.decoderCtx.Free()
	}
	if s.fifo != nil {
		s.fifo.Free()
	}
	if s.inputCtx != nil {
		s.inputCtx.CloseInput()
		s.inputCtx.Free()
	}
	if c, ok := s.reader.(io.Closer); ok {
		c.Close()
	}
	return nil
}

// opusEncoder wraps libopus. It may hold frames back, so callers collect
// packets from both Encode and the final Flush.
type opusEncoder struct {
	encoderCtx *astiav.CodecContext
	frame      *astiav.Frame
	packet     *astiav.Packet
	pts        int64
}

func newOpusEncoder() (*opusEncoder, error) {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return nil, errors.New("no opus encoder")
	}
	enc := &opusEncoder{
		frame:  astiav.AllocFrame(),
		packet: astiav.AllocPacket(),
	}
	enc.encoderCtx = astiav.AllocCodecContext(e)
	enc.encoderCtx.SetBitRate(192000)
	enc.encoderCtx.SetSampleRate(SampleRate)
	enc.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	enc.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	enc.encoderCtx.SetTimeBase(astiav.NewRational(1, SampleRate))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := enc.encoderCtx.Open(e, o); err != nil {
		enc.Close()
		return nil, err
	}
	return enc, nil
}

func (e *opusEncoder) Encode(pcm []int16) ([][]byte, error) {
	sz := len(pcm) / Channels
	if sz == 0 {
		return nil, nil
	}
	e.frame.Unref()
	e.frame.SetNbSamples(sz)
	e.frame.SetChannelLayout(astiav.ChannelLayoutStereo)
	e.frame.SetSampleFormat(astiav.SampleFormatS16)
	e.frame.SetSampleRate(SampleRate)
	if err := e.frame.AllocBuffer(0); err != nil {
		return nil, err
	}
	buf := make([]byte, len(pcm)*2)
	for i, smp := range pcm {
		buf[i*2] = byte(smp)
		buf[i*2+1] = byte(smp >> 8)
	}
	if err := e.frame.Data().SetBytes(buf, 1); err != nil {
		return nil, err
	}
	e.frame.SetPts(e.pts)
	e.pts += int64(sz)

	if err := e.encoderCtx.SendFrame(e.frame); err != nil {
		return nil, err
	}
	return e.drain(), nil
}

func (e *opusEncoder) Flush() ([][]byte, error) {
	if e.encoderCtx == nil {
		return nil, nil
	}
	_ = e.encoderCtx.SendFrame(nil)
	return e.drain(), nil
}

func (e *opusEncoder) drain() [][]byte {
	var out [][]byte
	for {
		e.packet.Unref()
		if e.encoderCtx.ReceivePacket(e.packet) != nil {
			break
		}
		d := e.packet.Data()
		fd := make([]byte, len(d))
		copy(fd, d)
		out = append(out, fd)
	}
	return out
}

func (e *opusEncoder) Close() error {
	if e.packet != nil {
		e.packet.Free()
	}
	if e.frame != nil {
		e.frame.Free()
	}
	if e.encoderCtx != nil {
		e.encoderCtx.Free()
	}
	return nil
}
