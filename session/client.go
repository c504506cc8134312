package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/capture"
	"github.com/room4-2/voicecall/config"
	"github.com/room4-2/voicecall/messages"
	"github.com/room4-2/voicecall/metrics"
	"github.com/room4-2/voicecall/playback"
	"github.com/room4-2/voicecall/transport"
)

var (
	ErrSessionActive    = errors.New("a voice session is already active")
	ErrNoSession        = errors.New("no live voice session")
	ErrSessionEnded     = errors.New("voice session ended before it was established")
	ErrClientClosed     = errors.New("voice client closed")
	ErrSampleRateChange = errors.New("voice sample rate differs from the playback rate")
)

const registryTimeout = 2 * time.Second

// BackendError is an error the voice pipeline reported explicitly
type BackendError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("voice pipeline error %s: %s", e.Code, e.Message)
	}
	return "voice pipeline error: " + e.Message
}

// Devices are the host audio devices a session uses
type Devices struct {
	// Microphone may be nil; sessions then run receive-only.
	Microphone capture.Microphone
	// Speaker opens an output device at the session's playback rate.
	Speaker func(sampleRate int) (playback.Speaker, error)
}

// ClientOptions configures a Client
type ClientOptions struct {
	Config   *config.Config
	Devices  Devices
	Registry Registry
	Dialer   *websocket.Dialer
	Logger   zerolog.Logger
}

// Options are the per-session parameters. Empty fields use config values.
type Options struct {
	Model        string
	VoiceID      string
	SystemPrompt string
	Language     string
}

// Update is one observation for display layers
type Update struct {
	Snapshot   Snapshot
	Transition Transition
	// Message is the control message that caused the update, if any.
	Message messages.Control
	Err     error
}

// Stats reports the live resources of a session
type Stats struct {
	QueuedFrames   int
	Playing        bool
	FramesPlayed   uint64
	PendingCapture int
	CaptureRunning bool
	TransportOpen  bool
}

// Client runs one voice session at a time against the voice pipeline.
// Display layers observe it through Updates; nothing outside the Machine
// writes session state.
type Client struct {
	cfg      *config.Config
	devices  Devices
	registry Registry
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu      sync.Mutex
	machine *Machine
	current *liveSession
	updates chan Update
	closed  bool

	// registry writes run on their own goroutine, off the receive path
	registryJobs chan registryJob
	registryQuit chan struct{}
	registryDone chan struct{}
}

// registryJob is one registry write. Finish jobs close done once stored.
type registryJob struct {
	update *Update
	final  *Snapshot
	done   chan struct{}
}

// liveSession holds the resources of one session
type liveSession struct {
	id     string
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	capture *capture.Pipeline
	player  *playback.Pipeline

	// snap is guarded by Client.mu
	snap Snapshot

	mu       sync.Mutex
	ch       *transport.Channel
	tornDown bool

	teardownOnce sync.Once
	teardownErr  error
	done         chan struct{}

	framesPlayed atomic.Uint64
}

func (ls *liveSession) channel() *transport.Channel {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.ch
}

func (ls *liveSession) finished() bool {
	select {
	case <-ls.done:
		return true
	default:
		return false
	}
}

// NewClient creates an idle client
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("voice client requires a config")
	}
	if opts.Devices.Speaker == nil {
		return nil, errors.New("voice client requires a speaker")
	}
	c := &Client{
		cfg:      opts.Config,
		devices:  opts.Devices,
		registry: opts.Registry,
		dialer:   opts.Dialer,
		log:      opts.Logger.With().Str("component", "client").Logger(),
		machine:  NewMachine(Defaults{AgentName: opts.Config.DefaultAgentName}),
		updates:  make(chan Update, 256),
	}
	if c.registry != nil {
		c.registryJobs = make(chan registryJob, 256)
		c.registryQuit = make(chan struct{})
		c.registryDone = make(chan struct{})
		go c.runRegistry()
	}
	return c, nil
}

// runRegistry applies registry writes in order. After Close it stores what
// is already queued and exits.
func (c *Client) runRegistry() {
	defer close(c.registryDone)
	for {
		select {
		case job := <-c.registryJobs:
			c.store(job)
		case <-c.registryQuit:
			for {
				select {
				case job := <-c.registryJobs:
					c.store(job)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) store(job registryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if job.update != nil {
		c.registry.Publish(ctx, *job.update)
	} else {
		c.registry.Finish(ctx, *job.final)
	}
	if job.done != nil {
		close(job.done)
	}
}

// Updates streams snapshots, transitions and control messages. Updates are
// dropped when the reader falls behind.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Snapshot returns the client's current session view
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Snapshot()
}

func (c *Client) busy() bool {
	if c.machine.State().Active() {
		return true
	}
	return c.current != nil && !c.current.finished()
}

// Begin opens a new session. It returns once the connection is established
// and the config was sent; ready, capture and playback follow asynchronously.
func (c *Client) Begin(ctx context.Context, opts Options) (*Handle, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClientClosed
	case c.busy():
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	c.mu.Unlock()

	voiceID := firstNonEmpty(opts.VoiceID, c.cfg.VoiceID)
	rate := c.cfg.VoiceRate(voiceID)
	id := uuid.NewString()
	log := c.log.With().Str("session_id", id).Logger()

	speaker, err := c.devices.Speaker(rate)
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{
		id:     id,
		log:    log,
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ls.player = playback.New(speaker, rate, playback.Options{
		OnFrameDone: func(uint64) { ls.framesPlayed.Add(1) },
		Logger:      log,
	})
	if c.devices.Microphone != nil {
		constraints := capture.DefaultConstraints()
		constraints.SampleRate = c.cfg.CaptureSampleRate
		constraints.BlockSize = c.cfg.CaptureBlockSize
		ls.capture = capture.New(c.devices.Microphone, capture.Options{
			Constraints:   constraints,
			PendingFrames: c.cfg.PendingFrames,
			OnError: func(err error) {
				c.apply(ls, CaptureFailed{Err: err})
			},
			Logger: log,
		})
	}

	c.mu.Lock()
	if c.closed || c.busy() {
		c.mu.Unlock()
		cancel()
		_ = ls.player.Close()
		if ls.capture != nil {
			_ = ls.capture.Stop()
		}
		if c.closed {
			return nil, ErrClientClosed
		}
		return nil, ErrSessionActive
	}
	c.current = ls
	c.mu.Unlock()

	metrics.RecordSessionStarted()
	log.Info().Str("voice_id", voiceID).Int("sample_rate", rate).Msg("starting voice session")
	c.apply(ls, StartRequested{SessionID: id, VoiceID: voiceID, SampleRate: rate})

	ch, err := c.connect(ctx, ls)
	if err != nil {
		c.apply(ls, ConnectFailed{Err: err})
		<-ls.done
		return nil, err
	}

	cfg := messages.SessionConfig{
		SessionID:        id,
		Model:            firstNonEmpty(opts.Model, c.cfg.Model),
		VoiceID:          voiceID,
		SystemPrompt:     firstNonEmpty(opts.SystemPrompt, c.cfg.SystemPrompt),
		Language:         firstNonEmpty(opts.Language, c.cfg.Language),
		InputSampleRate:  c.cfg.CaptureSampleRate,
		OutputSampleRate: rate,
	}
	if err := ch.SendControl(messages.NewConfigMessage(cfg)); err != nil {
		log.Warn().Err(err).Msg("failed to send session config")
	}
	if voiceID != "" {
		if err := ch.SendControl(messages.NewVoiceSelectedMessage(voiceID)); err != nil {
			log.Warn().Err(err).Msg("failed to send voice selection")
		}
	}

	go c.dispatch(ls, ch)
	go func() { _ = c.startCapture(ls.ctx, ls) }()

	return &Handle{c: c, ls: ls}, nil
}

// connect dials the pipeline. An End during the dial cancels it.
func (c *Client) connect(ctx context.Context, ls *liveSession) (*transport.Channel, error) {
	endpoint, err := transport.EndpointURL(c.cfg.BaseURL, ls.id)
	if err != nil {
		return nil, &transport.ConnectError{URL: c.cfg.BaseURL, Err: err}
	}

	timeout := c.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()
	stop := context.AfterFunc(ls.ctx, dialCancel)
	defer stop()

	ch, err := transport.Dial(dialCtx, endpoint, transport.Options{
		Dialer:       c.dialer,
		WriteTimeout: c.cfg.WriteTimeout,
		PingPeriod:   c.cfg.PingPeriod,
		Logger:       ls.log,
	})
	if err != nil {
		if ls.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionEnded, err)
		}
		return nil, err
	}

	ls.mu.Lock()
	if ls.tornDown {
		ls.mu.Unlock()
		_ = ch.Close()
		return nil, ErrSessionEnded
	}
	ls.ch = ch
	ls.mu.Unlock()

	ls.log.Info().Str("url", endpoint).Msg("connected to voice pipeline")
	return ch, nil
}

// dispatch is the single consumer of transport events. Control messages go
// to the machine, speech frames to the playback track.
func (c *Client) dispatch(ls *liveSession, ch *transport.Channel) {
	for ev := range ch.Events() {
		switch e := ev.(type) {
		case transport.AudioEvent:
			t, ok := c.apply(ls, AudioReceived{})
			if ok && t.From.Conversational() {
				ls.player.Enqueue(e.Frame)
			}
		case transport.ControlEvent:
			c.apply(ls, ControlReceived{Msg: e.Msg})
		}
	}
	c.apply(ls, TransportClosed{Err: ch.Err()})
}

func (c *Client) startCapture(ctx context.Context, ls *liveSession) error {
	if ls.capture == nil {
		err := &capture.Error{Op: "open", Err: capture.ErrNoDevice}
		c.apply(ls, CaptureFailed{Err: err})
		return err
	}

	err := ls.capture.Start(ctx)
	switch {
	case err == nil:
		c.apply(ls, CaptureStarted{})
	case errors.Is(err, capture.ErrStopped), ls.ctx.Err() != nil:
		// session ended while the device was being granted
	case errors.Is(err, capture.ErrRunning):
	default:
		ls.log.Warn().Err(err).Msg("continuing receive-only")
		c.apply(ls, CaptureFailed{Err: err})
	}
	return err
}

// apply runs one event through the machine for ls. Events of a session that
// is no longer current are dropped.
func (c *Client) apply(ls *liveSession, ev Event) (Transition, bool) {
	c.mu.Lock()
	if c.current != ls {
		c.mu.Unlock()
		return Transition{}, false
	}
	t := c.machine.Apply(ev)
	snap := c.machine.Snapshot()
	ls.snap = snap

	u := Update{Snapshot: snap, Transition: t, Err: eventError(ev)}
	if cr, ok := ev.(ControlReceived); ok {
		u.Message = cr.Msg
	}
	if (!t.Ignored || u.Message != nil) && !c.closed {
		select {
		case c.updates <- u:
		default:
			ls.log.Debug().Str("event", t.Event).Msg("update dropped, display layer is behind")
		}
	}
	if c.registryJobs != nil && !t.Ignored && !t.To.Terminal() && !c.closed {
		select {
		case c.registryJobs <- registryJob{update: &u}:
		default:
			ls.log.Debug().Str("event", t.Event).Msg("registry update dropped, registry is behind")
		}
	}
	c.mu.Unlock()

	c.perform(ls, t)
	c.observe(ls, u)
	return t, true
}

func (c *Client) observe(ls *liveSession, u Update) {
	t := u.Transition
	if t.Ignored {
		if t.Event != (AudioReceived{}).EventName() {
			metrics.RecordIgnoredEvent(string(t.From), t.Event)
			ls.log.Debug().Str("state", string(t.From)).Str("event", t.Event).Msg("ignoring event")
		}
		return
	}

	if t.Changed() {
		metrics.RecordStateTransition(string(t.From), string(t.To))
		ls.log.Info().
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Str("event", t.Event).
			Msg("session state changed")
	}

	switch m := u.Message.(type) {
	case messages.TurnComplete:
		metrics.RecordTurnLatency(m.Latency.TotalMS)
	case messages.Error:
		ls.log.Warn().Str("code", m.Code).Bool("fatal", m.IsFatal()).Msg(m.Message)
	}
}

func (c *Client) perform(ls *liveSession, t Transition) {
	for _, action := range t.Actions {
		switch action {
		case ActionOpenTransport, ActionStartCapture:
			// Begin drives these itself, transport first
		case ActionFlushPending:
			if ch := ls.channel(); ch != nil && ls.capture != nil {
				ls.capture.MarkReady(ch)
			}
		case ActionFlushPlayback:
			n := ls.player.Flush()
			metrics.BargeIns.Inc()
			ls.log.Debug().Int("frames", n).Msg("playback flushed")
		case ActionClearPending:
			if ls.capture != nil {
				ls.capture.ClearPending()
			}
		case ActionTeardown:
			c.teardown(ls)
		}
	}
}

// teardown releases everything the session holds, in order, exactly once.
// Every step runs even when an earlier one fails.
func (c *Client) teardown(ls *liveSession) {
	ls.teardownOnce.Do(func() {
		ls.mu.Lock()
		ls.tornDown = true
		ch := ls.ch
		ls.mu.Unlock()
		ls.cancel()

		var errs []error
		if ls.capture != nil {
			if err := ls.capture.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop capture: %w", err))
			}
		}
		if ch != nil {
			if err := ch.SendControl(messages.NewEndCallMessage()); err != nil && !errors.Is(err, transport.ErrClosed) {
				errs = append(errs, fmt.Errorf("send end_call: %w", err))
			}
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		flushed := ls.player.Flush()
		if err := ls.player.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback: %w", err))
		}
		if ls.capture != nil {
			ls.capture.ClearPending()
		}
		ls.teardownErr = errors.Join(errs...)

		c.mu.Lock()
		final := ls.snap
		c.mu.Unlock()

		metrics.RecordSessionFinished(string(final.State))
		if c.registryJobs != nil {
			// queued behind this session's updates so the summary is written last
			stored := make(chan struct{})
			select {
			case c.registryJobs <- registryJob{final: &final, done: stored}:
				select {
				case <-stored:
				case <-c.registryDone:
				}
			case <-c.registryDone:
			}
		}

		event := ls.log.Info()
		if ls.teardownErr != nil {
			event = ls.log.Warn().Err(ls.teardownErr)
		}
		event.
			Str("state", string(final.State)).
			Int("flushed_frames", flushed).
			Uint64("frames_played", ls.framesPlayed.Load()).
			Int("turns", final.Turns).
			Msg("voice session finished")
		close(ls.done)
	})
}

// End finishes the session behind h and waits for its teardown
func (c *Client) End(h *Handle) error {
	if h == nil || h.ls == nil {
		return ErrNoSession
	}
	ls := h.ls
	if t, ok := c.apply(ls, EndRequested{}); !ok || t.Ignored {
		// already finished, or ended before StartRequested was applied
		c.teardown(ls)
	}
	<-ls.done
	return ls.teardownErr
}

func (c *Client) live() (*liveSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.machine.State().Active() {
		return nil, ErrNoSession
	}
	return c.current, nil
}

// RetryCapture re-attempts microphone acquisition for a session running
// receive-only
func (c *Client) RetryCapture(ctx context.Context) error {
	ls, err := c.live()
	if err != nil {
		return err
	}
	return c.startCapture(ctx, ls)
}

// SelectVoice switches the synthesis voice of the live session. The
// playback rate is fixed for the session, so a voice declared at another
// rate is refused.
func (c *Client) SelectVoice(voiceID string) error {
	ls, err := c.live()
	if err != nil {
		return err
	}
	if rate := c.cfg.VoiceRate(voiceID); rate != ls.player.SampleRate() {
		return fmt.Errorf("%w: voice %s plays at %d Hz, session at %d Hz",
			ErrSampleRateChange, voiceID, rate, ls.player.SampleRate())
	}
	ch := ls.channel()
	if ch == nil {
		return ErrNoSession
	}
	if err := ch.SendControl(messages.NewVoiceSelectedMessage(voiceID)); err != nil {
		return fmt.Errorf("select voice: %w", err)
	}
	c.apply(ls, VoiceSelected{VoiceID: voiceID})
	return nil
}

// Close ends any live session and stops delivering updates
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	ls := c.current
	c.mu.Unlock()

	var err error
	if ls != nil {
		err = c.End(&Handle{c: c, ls: ls})
	}

	c.mu.Lock()
	c.closed = true
	close(c.updates)
	if c.registryQuit != nil {
		close(c.registryQuit)
	}
	c.mu.Unlock()

	if c.registryDone != nil {
		<-c.registryDone
	}
	return err
}

// Handle refers to one session started by Begin
type Handle struct {
	c  *Client
	ls *liveSession
}

func (h *Handle) ID() string { return h.ls.id }

// End finishes the session and waits for teardown
func (h *Handle) End() error { return h.c.End(h) }

// Done is closed once the session has been torn down
func (h *Handle) Done() <-chan struct{} { return h.ls.done }

// Err returns the teardown error once Done is closed
func (h *Handle) Err() error {
	select {
	case <-h.ls.done:
		return h.ls.teardownErr
	default:
		return nil
	}
}

// Snapshot returns this session's latest state, final once Done is closed
func (h *Handle) Snapshot() Snapshot {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.ls.snap
}

// Stats reports the session's live resources
func (h *Handle) Stats() Stats {
	ls := h.ls
	s := Stats{
		QueuedFrames: ls.player.Len(),
		Playing:      ls.player.Playing(),
		FramesPlayed: ls.framesPlayed.Load(),
	}
	if ls.capture != nil {
		s.PendingCapture = ls.capture.Pending()
		s.CaptureRunning = ls.capture.Active()
	}
	if ch := ls.channel(); ch != nil {
		s.TransportOpen = ch.IsOpen()
	}
	return s
}

func eventError(e Event) error {
	switch v := e.(type) {
	case ConnectFailed:
		return v.Err
	case TransportClosed:
		return v.Err
	case CaptureFailed:
		return v.Err
	case ControlReceived:
		if m, ok := v.Msg.(messages.Error); ok {
			return &BackendError{Code: m.Code, Message: m.Message, Fatal: m.IsFatal()}
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
