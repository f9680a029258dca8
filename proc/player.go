package proc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/hibiki/sys"
)

type PlayerState int32

const (
	StateIdle PlayerState = iota
	StateLoading
	StatePlaying
	StatePaused
	StateErrored
)

func (s PlayerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// playOutcome is why a playback attempt ended.
type playOutcome int

const (
	outcomeEnded playOutcome = iota
	outcomeSkipped
	outcomeStopped
	outcomeSeek
	outcomeFailed
)

const (
	resolveAttempts        = 3
	maxConsecutiveFailures = 3
)

// RelatedProvider is implemented by resolvers that can suggest a
// follow-up track for autoplay. exclude carries recently played source
// IDs so suggestions do not loop.
type RelatedProvider interface {
	Related(ctx context.Context, seed *Track, exclude []string) (*Track, error)
}

type ManagerOptions struct {
	DB            *sql.DB
	Resolver      StreamResolver
	Segments      SegmentProvider
	Files         *FileCache
	DefaultVolume int
	SkipSegments  bool
}

// PlayerManager owns every guild's PlayerSession. All session lookup and
// teardown goes through here.
type PlayerManager struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*PlayerSession
	opts     ManagerOptions
}

func NewPlayerManager(opts ManagerOptions) *PlayerManager {
	if opts.DefaultVolume <= 0 {
		opts.DefaultVolume = 100
	}
	return &PlayerManager{
		sessions: make(map[snowflake.ID]*PlayerSession),
		opts:     opts,
	}
}

// Session returns the guild's session, creating it on first use. A
// session whose context is already dead is discarded and replaced.
func (m *PlayerManager) Session(guildID snowflake.ID) *PlayerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[guildID]; ok {
		if s.closeCtx.Err() == nil {
			return s
		}
		delete(m.sessions, guildID)
	}
	s := newPlayerSession(m, guildID)
	m.sessions[guildID] = s
	return s
}

// Lookup returns the guild's session without creating one.
func (m *PlayerManager) Lookup(guildID snowflake.ID) *PlayerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// Remove tears the guild's session down and drops it from the registry.
func (m *PlayerManager) Remove(ctx context.Context, guildID snowflake.ID) {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()
	if ok {
		s.Close(ctx)
	}
}

// Sessions snapshots the registry for iteration.
func (m *PlayerManager) Sessions() []*PlayerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PlayerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown stops every session. Called once at process exit.
func (m *PlayerManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*PlayerSession, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
}

// PlayerSession runs playback for one guild. Control operations
// (pause/resume/skip/stop/seek) are serialized by mu and signalled to the
// playback loop by cancelling the attempt's context with an intent set,
// so they land within one frame period rather than at end of track.
type PlayerSession struct {
	GuildID snowflake.ID

	mgr      *PlayerManager
	closeCtx context.Context
	closeFn  context.CancelFunc

	state atomic.Int32

	mu         sync.Mutex
	queue      *Queue
	pipeline   *Pipeline
	playCancel context.CancelFunc
	intent     playOutcome
	seekTarget time.Duration
	resumed    bool
	lastErr    error
	client     *bot.Client
	conn       voice.Conn
	channelID  snowflake.ID
	history    []string

	autoplay       atomic.Bool
	autoPaused     atomic.Bool
	waitAfterEmpty time.Duration
	idleSince      atomic.Int64

	volume    atomic.Int32
	pauseMu   sync.RWMutex
	pauseChan chan struct{}

	queueUpdate chan struct{}
	wg          sync.WaitGroup

	newSource  func(input string, r io.Reader) (FrameSource, error)
	newEncoder func() (FrameEncoder, error)
}

func newPlayerSession(m *PlayerManager, guildID snowflake.ID) *PlayerSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PlayerSession{
		GuildID:     guildID,
		mgr:         m,
		closeCtx:    ctx,
		closeFn:     cancel,
		queue:       NewQueue(),
		pauseChan:   make(chan struct{}),
		queueUpdate: make(chan struct{}, 1),
		newSource: func(input string, r io.Reader) (FrameSource, error) {
			return newAstiavSource(input, r)
		},
		newEncoder: func() (FrameEncoder, error) {
			return newOpusEncoder()
		},
	}
	close(s.pauseChan)

	s.volume.Store(int32(m.opts.DefaultVolume))
	s.waitAfterEmpty = 30 * time.Second
	if m.opts.DB != nil {
		settings, err := sys.GetGuildSettings(ctx, m.opts.DB, guildID.String(), m.opts.DefaultVolume)
		if err == nil {
			s.volume.Store(int32(settings.DefaultVolume))
			s.autoplay.Store(settings.Autoplay)
			s.waitAfterEmpty = time.Duration(settings.WaitAfterEmptySeconds) * time.Second
		} else {
			sys.LogPlayer("Failed to load settings for guild %s: %v", guildID, err)
		}
	}

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *PlayerSession) run() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sys.LogPlayer("CRITICAL: playback loop panic in guild %s: %v\n%s", s.GuildID, r, debug.Stack())
		}
	}()

	consecutiveFailures := 0
	for {
		t := s.queue.PeekCurrent()
		if t == nil {
			s.setState(StateIdle)
			s.idleSince.Store(time.Now().UnixNano())
			select {
			case <-s.queueUpdate:
				s.idleSince.Store(0)
				continue
			case <-s.closeCtx.Done():
				return
			}
		}

		outcome, err := s.playTrack(t)
		if s.closeCtx.Err() != nil {
			return
		}

		advance := func() {
			if s.queue.PeekCurrent() == t {
				s.queue.Advance()
			}
		}

		switch outcome {
		case outcomeEnded:
			consecutiveFailures = 0
			s.clearResume()
			s.maybeQueueAutoplay(t)
			advance()
		case outcomeSkipped:
			consecutiveFailures = 0
			s.clearResume()
			advance()
		case outcomeSeek:
			// Same track again at the recorded offset.
		case outcomeStopped:
			s.clearResume()
			s.setState(StateIdle)
			s.idleSince.Store(time.Now().UnixNano())
			select {
			case <-s.queueUpdate:
				s.idleSince.Store(0)
			case <-s.closeCtx.Done():
				return
			}
		case outcomeFailed:
			s.clearResume()
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			sys.LogPlayer("Track %s failed in guild %s: %v", t.SourceID, s.GuildID, err)

			consecutiveFailures++
			if consecutiveFailures >= maxConsecutiveFailures {
				// Likely not track-specific. Hold position and wait for
				// an operator command instead of burning the queue.
				s.setState(StateErrored)
				select {
				case <-s.queueUpdate:
					consecutiveFailures = 0
				case <-s.closeCtx.Done():
					return
				}
				continue
			}
			s.setState(StateErrored)
			advance()
		}
	}
}

// playTrack blocks until the track finishes or a control operation
// interrupts it, and reports which.
func (s *PlayerSession) playTrack(t *Track) (playOutcome, error) {
	s.setState(StateLoading)

	s.mu.Lock()
	s.intent = outcomeEnded
	start := s.seekTarget
	s.seekTarget = 0
	playCtx, cancel := context.WithCancel(s.closeCtx)
	s.playCancel = cancel
	s.mu.Unlock()
	defer cancel()

	pl, fromCache, err := s.startPipeline(playCtx, t, start)
	if err != nil {
		s.mu.Lock()
		intent := s.intent
		s.mu.Unlock()
		if intent != outcomeEnded {
			return intent, nil
		}
		return outcomeFailed, err
	}

	s.mu.Lock()
	s.pipeline = pl
	s.mu.Unlock()

	s.attachProvider(pl.Provider())
	if s.isPaused() {
		s.setState(StatePaused)
	} else {
		s.setState(StatePlaying)
	}
	sys.LogPlayer("Playing %s (%s) in guild %s at %v", t.Title, t.SourceID, s.GuildID, start)

	<-pl.Done()

	s.mu.Lock()
	s.pipeline = nil
	intent := s.intent
	s.mu.Unlock()
	s.detachProvider()

	perr := pl.Err()
	switch {
	case intent != outcomeEnded:
		return intent, nil
	case perr == nil:
		return outcomeEnded, nil
	case errors.Is(perr, context.Canceled):
		return outcomeStopped, nil
	case fromCache:
		// The blob decoded badly. Purge it and replay the same spot from
		// the network; the listener should only hear a blip.
		sys.LogCache("Purging undecodable entry for %s", t.SourceID)
		if s.mgr.opts.Files != nil {
			s.mgr.opts.Files.Invalidate(t.CacheKey())
		}
		s.mu.Lock()
		s.seekTarget = pl.Position()
		s.mu.Unlock()
		return outcomeSeek, nil
	default:
		s.mu.Lock()
		resumed := s.resumed
		s.mu.Unlock()
		if !resumed && !t.Live {
			s.mu.Lock()
			s.resumed = true
			s.seekTarget = pl.Position()
			s.mu.Unlock()
			sys.LogPlayer("Stream for %s interrupted at %v, resuming once: %v", t.SourceID, pl.Position(), perr)
			return outcomeSeek, nil
		}
		return outcomeFailed, fmt.Errorf("%w: %v", ErrStreamInterrupted, perr)
	}
}

func (s *PlayerSession) clearResume() {
	s.mu.Lock()
	s.resumed = false
	s.seekTarget = 0
	s.mu.Unlock()
}

func (s *PlayerSession) startPipeline(ctx context.Context, t *Track, start time.Duration) (*Pipeline, bool, error) {
	src, actualStart, fromCache, err := s.openSource(ctx, t, start)
	if err != nil {
		return nil, false, err
	}
	enc, err := s.newEncoder()
	if err != nil {
		src.Close()
		return nil, false, err
	}

	var segs []Segment
	if s.mgr.opts.SkipSegments && s.mgr.opts.Segments != nil && !t.Live {
		sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
		segs, err = s.mgr.opts.Segments.Segments(sctx, t.SourceID)
		scancel()
		if err != nil {
			sys.LogPlayer("Segment lookup failed for %s: %v", t.SourceID, err)
			segs = nil
		}
	}
	if actualStart < start {
		// Source could not start mid-stream; decode from where it could
		// and drop everything before the target.
		segs = append(segs, Segment{Start: actualStart, End: start})
	}

	return NewPipeline(ctx, PipelineOptions{
		Source:   src,
		Encoder:  enc,
		Volume:   &s.volume,
		Segments: segs,
		Start:    actualStart,
		Pause:    s.pauseGate,
	}), fromCache, nil
}

// openSource picks the cheapest way to byte the track: a completed cache
// entry seeked to the mapped byte offset, a resolver stream opened at the
// requested offset, or a full stream with the prefix discarded. Full
// streams from zero are teed into the cache as they play.
func (s *PlayerSession) openSource(ctx context.Context, t *Track, start time.Duration) (FrameSource, time.Duration, bool, error) {
	key := t.CacheKey()
	files := s.mgr.opts.Files

	if !t.Live && files != nil {
		if r, err := files.Get(key); err == nil {
			byteOff := byteOffsetFor(start, t.Duration, r.Size())
			actual := time.Duration(0)
			if byteOff > 0 {
				if _, serr := r.Seek(byteOff, io.SeekStart); serr == nil && t.Duration > 0 {
					actual = time.Duration(float64(byteOff) / float64(r.Size()) * float64(t.Duration))
				}
			}
			src, serr := s.newSource("", r)
			if serr == nil {
				return src, actual, true, nil
			}
			r.Close()
			sys.LogCache("Cached entry for %s unreadable, refetching: %v", t.SourceID, serr)
			files.Invalidate(key)
		} else if errors.Is(err, ErrCacheCorruption) {
			sys.LogCache("Corrupt entry for %s, refetching", t.SourceID)
		}
	}

	actual := start
	rc, err := s.openStreamWithRetry(ctx, t, start)
	if errors.Is(err, ErrRangeUnsupported) && start > 0 {
		actual = 0
		rc, err = s.openStreamWithRetry(ctx, t, 0)
	}
	if err != nil {
		return nil, 0, false, err
	}

	if !t.Live && actual == 0 && files != nil {
		rc = files.TeeThrough(ctx, key, 0, rc)
	}

	src, err := s.newSource("", rc)
	if err != nil {
		rc.Close()
		return nil, 0, false, err
	}
	return src, actual, false, nil
}

func (s *PlayerSession) openStreamWithRetry(ctx context.Context, t *Track, start time.Duration) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			sys.LogPlayer("Retrying stream open for %s in %v (attempt %d/%d)", t.SourceID, backoff, attempt+1, resolveAttempts)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		rc, err := t.OpenStream(ctx, start)
		if err == nil {
			return rc, nil
		}
		lastErr = err

		var rerr *ResolutionError
		if errors.As(err, &rerr) && rerr.Retryable() && ctx.Err() == nil {
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (s *PlayerSession) maybeQueueAutoplay(last *Track) {
	if !s.autoplay.Load() || s.queue.Len() > 1 {
		return
	}
	rp, ok := s.mgr.opts.Resolver.(RelatedProvider)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.closeCtx, 15*time.Second)
	defer cancel()
	next, err := rp.Related(ctx, last, s.historySnapshot())
	if err != nil || next == nil {
		sys.LogPlayer("Autoplay lookup after %s failed: %v", last.SourceID, err)
		return
	}
	s.pushHistory(next.SourceID)
	s.queue.Append(next)
	sys.LogPlayer("Autoplay queued %s (%s) in guild %s", next.Title, next.SourceID, s.GuildID)
}

const historyLimit = 50

func (s *PlayerSession) pushHistory(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, sourceID)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

func (s *PlayerSession) historySnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// ----- control operations -----

// Enqueue appends tracks and wakes the playback loop. The first track of
// an idle session starts playing immediately.
func (s *PlayerSession) Enqueue(tracks ...*Track) {
	for _, t := range tracks {
		s.pushHistory(t.SourceID)
	}
	s.queue.Append(tracks...)
	s.kick()
}

// PlayNow puts the track directly after the current one and skips to it.
func (s *PlayerSession) PlayNow(t *Track) error {
	s.pushHistory(t.SourceID)
	if s.queue.Len() == 0 {
		s.queue.Append(t)
		s.kick()
		return nil
	}
	if err := s.queue.InsertAt(1, t); err != nil {
		return err
	}
	return s.Skip()
}

func (s *PlayerSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StatePaused:
		return nil
	case StatePlaying:
	default:
		return ErrNotPlaying
	}
	s.pauseMu.Lock()
	s.pauseChan = make(chan struct{})
	s.pauseMu.Unlock()
	s.setState(StatePaused)
	return nil
}

func (s *PlayerSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoPaused.Store(false)
	switch s.State() {
	case StatePlaying:
		return nil
	case StatePaused:
	default:
		return ErrNotPlaying
	}
	s.pauseMu.Lock()
	select {
	case <-s.pauseChan:
	default:
		close(s.pauseChan)
	}
	s.pauseMu.Unlock()
	s.setState(StatePlaying)
	return nil
}

// AutoPause pauses because the channel emptied; AutoResume undoes only
// that, never a manual pause.
func (s *PlayerSession) AutoPause() {
	if s.State() == StatePlaying {
		if s.Pause() == nil {
			s.autoPaused.Store(true)
			sys.LogPlayer("Auto-paused guild %s (channel empty)", s.GuildID)
		}
	}
}

func (s *PlayerSession) AutoResume() {
	if s.autoPaused.Swap(false) && s.State() == StatePaused {
		_ = s.Resume()
		sys.LogPlayer("Auto-resumed guild %s", s.GuildID)
	}
}

// Skip ends the current track. While idle or errored it instead drops the
// queue head and wakes the loop.
func (s *PlayerSession) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StatePlaying, StatePaused, StateLoading:
		s.intent = outcomeSkipped
		if s.playCancel != nil {
			s.playCancel()
		}
		return nil
	default:
		if _, err := s.queue.RemoveAt(0); err != nil {
			return ErrQueueEmpty
		}
		s.kick()
		return nil
	}
}

// Stop cancels playback and unpauses. The queue is cleared unless
// keepQueue is set, in which case the session parks at the current head
// awaiting a command.
func (s *PlayerSession) Stop(keepQueue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !keepQueue {
		s.queue.Clear(false)
	}

	s.autoPaused.Store(false)
	s.pauseMu.Lock()
	select {
	case <-s.pauseChan:
	default:
		close(s.pauseChan)
	}
	s.pauseMu.Unlock()

	switch s.State() {
	case StatePlaying, StatePaused, StateLoading:
		s.intent = outcomeStopped
		if s.playCancel != nil {
			s.playCancel()
		}
	default:
		s.setState(StateIdle)
	}
}

// Seek restarts the current track at offset. Live tracks cannot seek and
// offsets outside [0, duration) are rejected; neither changes state.
func (s *PlayerSession) Seek(offset time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StatePlaying, StatePaused:
	default:
		return ErrNotPlaying
	}
	t := s.queue.PeekCurrent()
	if t == nil {
		return ErrNotPlaying
	}
	if t.Live {
		return ErrSeekUnsupported
	}
	if offset < 0 || (t.Duration > 0 && offset >= t.Duration) {
		return ErrIndexOutOfRange
	}
	s.intent = outcomeSeek
	s.seekTarget = offset
	if s.playCancel != nil {
		s.playCancel()
	}
	return nil
}

// SetVolume adjusts playback gain in percent, clamped to [0, 200]. Takes
// effect on upcoming frames.
func (s *PlayerSession) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 200 {
		percent = 200
	}
	s.volume.Store(int32(percent))
}

func (s *PlayerSession) Volume() int {
	return int(s.volume.Load())
}

func (s *PlayerSession) SetAutoplay(on bool) {
	s.autoplay.Store(on)
}

func (s *PlayerSession) Autoplay() bool {
	return s.autoplay.Load()
}

// WaitAfterEmpty is how long the session lingers in an empty channel
// before the command layer disconnects it.
func (s *PlayerSession) WaitAfterEmpty() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitAfterEmpty
}

func (s *PlayerSession) SetWaitAfterEmpty(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitAfterEmpty = d
}

// IdleSince reports when the session last ran out of work, false while a
// track is loaded or playing.
func (s *PlayerSession) IdleSince() (time.Time, bool) {
	ns := s.idleSince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (s *PlayerSession) State() PlayerState {
	return PlayerState(s.state.Load())
}

func (s *PlayerSession) setState(st PlayerState) {
	old := PlayerState(s.state.Swap(int32(st)))
	if old != st {
		sys.LogPlayer("Guild %s: %s -> %s", s.GuildID, old, st)
	}
}

// QueueSnapshot returns a copy for display; mutating it does not touch
// the live queue.
func (s *PlayerSession) QueueSnapshot() []*Track {
	return s.queue.Snapshot()
}

// Now reports the current track and playback offset.
func (s *PlayerSession) Now() (*Track, time.Duration) {
	s.mu.Lock()
	pl := s.pipeline
	s.mu.Unlock()
	t := s.queue.PeekCurrent()
	var pos time.Duration
	if pl != nil {
		pos = pl.Position()
	}
	return t, pos
}

func (s *PlayerSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Shuffle permutes the queue, sparing the current track while one is
// active.
func (s *PlayerSession) Shuffle() {
	spareHead := false
	switch s.State() {
	case StatePlaying, StatePaused, StateLoading:
		spareHead = true
	}
	s.queue.Shuffle(spareHead)
}

// Remove drops the track at pos. Position 0 is the current track, so
// removing it is a skip.
func (s *PlayerSession) Remove(pos int) (*Track, error) {
	if pos == 0 {
		switch s.State() {
		case StatePlaying, StatePaused, StateLoading:
			t := s.queue.PeekCurrent()
			return t, s.Skip()
		}
	}
	return s.queue.RemoveAt(pos)
}

// Move repositions an upcoming track. The current track cannot be moved
// while active.
func (s *PlayerSession) Move(from, to int) error {
	if from == 0 || to == 0 {
		switch s.State() {
		case StatePlaying, StatePaused, StateLoading:
			return ErrIndexOutOfRange
		}
	}
	return s.queue.MoveTo(from, to)
}

func (s *PlayerSession) kick() {
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
}

func (s *PlayerSession) pauseGate() <-chan struct{} {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	return s.pauseChan
}

func (s *PlayerSession) isPaused() bool {
	select {
	case <-s.pauseGate():
		return false
	default:
		return true
	}
}

func (s *PlayerSession) currentPipeline() *Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline
}

// ----- voice connection -----

// Connect joins the voice channel, retrying with backoff, and attaches
// the active pipeline if one is already playing.
func (s *PlayerSession) Connect(ctx context.Context, client *bot.Client, channelID snowflake.ID) error {
	if s.closeCtx.Err() != nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	if s.conn != nil && s.channelID == channelID {
		s.mu.Unlock()
		return nil
	}
	s.client = client
	s.channelID = channelID
	conn := s.conn
	if conn == nil {
		conn = client.VoiceManager.CreateConn(s.GuildID)
		s.conn = conn
	}
	s.mu.Unlock()

	sys.LogPlayer("Joining channel %s in guild %s", channelID, s.GuildID)
	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			sys.LogPlayer("Retrying voice connection in %v (attempt %d/5)", backoff, i+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		sys.LogPlayer("Failed to connect to voice in guild %s after 5 attempts: %v", s.GuildID, lastErr)
		conn.Close(ctx)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		return lastErr
	}

	if pl := s.currentPipeline(); pl != nil {
		s.attachProvider(pl.Provider())
	}
	return nil
}

// Disconnect stops playback, clears the queue and leaves the channel.
// The session itself stays usable.
func (s *PlayerSession) Disconnect(ctx context.Context) {
	s.Stop(false)
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.channelID = 0
	s.mu.Unlock()
	if conn != nil {
		s.setProviderSafe(conn, nil)
		conn.Close(ctx)
	}
}

// MovedTo records the channel the gateway moved the bot into. The voice
// connection itself follows the move on its own.
func (s *PlayerSession) MovedTo(channelID snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.channelID = channelID
	}
}

// ChannelID is the voice channel the session is connected to, zero when
// disconnected.
func (s *PlayerSession) ChannelID() snowflake.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	return s.channelID
}

// Close tears the session down for good.
func (s *PlayerSession) Close(ctx context.Context) {
	s.closeFn()
	s.mu.Lock()
	if s.playCancel != nil {
		s.playCancel()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		s.setProviderSafe(conn, nil)
		conn.Close(ctx)
	}
	s.wg.Wait()
}

func (s *PlayerSession) connRef() voice.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *PlayerSession) attachProvider(p voice.OpusFrameProvider) {
	conn := s.connRef()
	if conn == nil {
		return
	}
	s.setProviderSafe(conn, p)
	s.setSpeakingSafe(conn, voice.SpeakingFlagMicrophone)
}

func (s *PlayerSession) detachProvider() {
	conn := s.connRef()
	if conn == nil {
		return
	}
	s.setProviderSafe(conn, nil)
	s.setSpeakingSafe(conn, 0)
}

// setProviderSafe survives the gateway tearing the connection down under
// us; disgo panics on a closed conn.
func (s *PlayerSession) setProviderSafe(conn voice.Conn, provider voice.OpusFrameProvider) {
	if s.closeCtx.Err() != nil && provider != nil {
		return
	}
	if conn == nil || (reflect.ValueOf(conn).Kind() == reflect.Ptr && reflect.ValueOf(conn).IsNil()) {
		return
	}
	for i := range 3 {
		if trySetProvider(conn, provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.closeCtx.Done():
				return
			}
		}
	}
	sys.LogPlayer("Exhausted retries for SetOpusFrameProvider in guild %s", s.GuildID)
}

func trySetProvider(conn voice.Conn, provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	conn.SetOpusFrameProvider(provider)
	return true
}

func (s *PlayerSession) setSpeakingSafe(conn voice.Conn, flags voice.SpeakingFlags) {
	if conn == nil || (reflect.ValueOf(conn).Kind() == reflect.Ptr && reflect.ValueOf(conn).IsNil()) {
		return
	}
	for i := range 3 {
		if trySetSpeaking(s.closeCtx, conn, flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.closeCtx.Done():
				return
			}
		}
	}
	sys.LogPlayer("Exhausted retries for SetSpeaking in guild %s", s.GuildID)
}

func trySetSpeaking(ctx context.Context, conn voice.Conn, flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	conn.SetSpeaking(ctx, flags)
	return true
}
