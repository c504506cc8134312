// Package capture turns microphone input into ordered outbound PCM frames.
package capture

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/metrics"
)

// Constraints are the properties negotiated with the input device
type Constraints struct {
	SampleRate       int
	Channels         int
	BlockSize        int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns mono 16kHz with the voice processing chain enabled
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       audio.CaptureSampleRate,
		Channels:         1,
		BlockSize:        audio.CaptureBlockSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Microphone grants access to an input device.
// ctx bounds the acquisition only; the returned Stream lives until closed.
type Microphone interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an acquired input device.
// ReadBlock fills buf with samples in [-1, 1] and returns how many were read;
// it returns io.EOF once the source is exhausted. Close must unblock ReadBlock.
type Stream interface {
	ReadBlock(ctx context.Context, buf []float32) (int, error)
	Close() error
}

// Sink receives encoded frames once the session is ready
type Sink interface {
	SendAudio(pcm []byte)
}

// Options configures a Pipeline
type Options struct {
	Constraints   Constraints
	PendingFrames int
	// OnError is called when an acquired device fails, at most once per
	// successful Start. The pipeline has already released the device.
	OnError func(err error)
	Logger  zerolog.Logger
}

// Pipeline owns the microphone for one session
type Pipeline struct {
	mic     Microphone
	opts    Options
	log     zerolog.Logger
	pending *PendingBuffer

	mu         sync.Mutex
	sink       Sink
	seq        uint64
	acquiring  bool
	running    bool
	stopped    bool
	quit       chan struct{}
	stream     Stream
	runCancel  context.CancelFunc
	readerDone chan struct{}
}

// New creates a capture pipeline. Nothing is acquired until Start.
func New(mic Microphone, opts Options) *Pipeline {
	if opts.Constraints.SampleRate <= 0 {
		opts.Constraints.SampleRate = audio.CaptureSampleRate
	}
	if opts.Constraints.Channels <= 0 {
		opts.Constraints.Channels = 1
	}
	if opts.Constraints.BlockSize <= 0 {
		opts.Constraints.BlockSize = audio.CaptureBlockSize
	}
	return &Pipeline{
		mic:     mic,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "capture").Logger(),
		pending: NewPendingBuffer(opts.PendingFrames),
		quit:    make(chan struct{}),
	}
}

type openResult struct {
	stream Stream
	err    error
}

// Start acquires the microphone and begins emitting frames.
// It blocks until the device is granted, refused, ctx is done or Stop is
// called. A device refusal is returned as *Error and Start may be retried.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.acquiring || p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	p.acquiring = true
	quit := p.quit
	p.mu.Unlock()

	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan openResult, 1)
	go func() {
		stream, err := p.mic.Open(openCtx, p.opts.Constraints)
		results <- openResult{stream: stream, err: err}
	}()

	var res openResult
	select {
	case res = <-results:
	case <-ctx.Done():
		p.abandon(results)
		return ctx.Err()
	case <-quit:
		p.abandon(results)
		return ErrStopped
	}

	if res.err != nil {
		p.mu.Lock()
		p.acquiring = false
		p.mu.Unlock()
		p.log.Warn().Err(res.err).Msg("microphone acquisition failed")
		return &Error{Op: "open", Err: res.err}
	}

	p.mu.Lock()
	p.acquiring = false
	if p.stopped {
		p.mu.Unlock()
		_ = res.stream.Close()
		return ErrStopped
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	p.running = true
	p.stream = res.stream
	p.runCancel = runCancel
	p.readerDone = make(chan struct{})
	done := p.readerDone
	p.mu.Unlock()

	p.log.Info().
		Int("sample_rate", p.opts.Constraints.SampleRate).
		Int("block_size", p.opts.Constraints.BlockSize).
		Msg("microphone acquired")

	go p.readLoop(runCtx, res.stream, done)
	return nil
}

// abandon releases a device that may still be granted after we stopped waiting
func (p *Pipeline) abandon(results <-chan openResult) {
	p.mu.Lock()
	p.acquiring = false
	p.mu.Unlock()

	go func() {
		res := <-results
		if res.err == nil && res.stream != nil {
			p.log.Debug().Msg("releasing microphone granted after cancellation")
			_ = res.stream.Close()
		}
	}()
}

func (p *Pipeline) readLoop(ctx context.Context, stream Stream, done chan struct{}) {
	defer close(done)

	buf := make([]float32, p.opts.Constraints.BlockSize)
	for {
		n, err := stream.ReadBlock(ctx, buf)
		if n > 0 {
			p.emit(audio.EncodePCM16(buf[:n]))
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		p.release(stream)
		if errors.Is(err, io.EOF) {
			p.log.Info().Msg("capture source exhausted")
			return
		}
		p.log.Warn().Err(err).Msg("microphone read failed")
		if p.opts.OnError != nil {
			p.opts.OnError(&Error{Op: "read", Err: err})
		}
		return
	}
}

// release gives up a stream whose reader exited on its own so Start can
// acquire the device again. Stop owns the stream once it has taken it.
func (p *Pipeline) release(stream Stream) {
	p.mu.Lock()
	if p.stream != stream {
		p.mu.Unlock()
		return
	}
	cancel := p.runCancel
	p.stream = nil
	p.running = false
	p.runCancel = nil
	p.readerDone = nil
	p.mu.Unlock()

	cancel()
	if err := stream.Close(); err != nil {
		p.log.Debug().Err(err).Msg("closing failed microphone")
	}
}

func (p *Pipeline) emit(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	if p.sink == nil {
		if p.pending.Push(audio.OutboundFrame{Seq: p.seq, Data: pcm}) {
			metrics.RecordCaptureFrame("evicted")
		}
		metrics.RecordCaptureFrame("buffered")
		return
	}
	p.sink.SendAudio(pcm)
	metrics.RecordCaptureFrame("sent")
}

// MarkReady flushes pending frames to sink in capture order, then switches
// to pass-through. No frame captured afterwards can overtake a pending one.
func (p *Pipeline) MarkReady(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frames := p.pending.Drain()
	for _, f := range frames {
		sink.SendAudio(f.Data)
		metrics.RecordCaptureFrame("sent")
	}
	p.sink = sink
	if len(frames) > 0 {
		p.log.Debug().Int("frames", len(frames)).Msg("flushed pending capture")
	}
}

// ClearPending drops frames captured before ready
func (p *Pipeline) ClearPending() int {
	return p.pending.Clear()
}

// Pending returns the number of frames waiting for ready
func (p *Pipeline) Pending() int {
	return p.pending.Len()
}

// Evicted returns how many pending frames were dropped for lack of room
func (p *Pipeline) Evicted() uint64 {
	return p.pending.Evicted()
}

// Active reports whether the microphone is currently held
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop releases the microphone and the reader together. It is safe to call
// at any point, including while Start is still waiting for the device.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	stream, cancel, done := p.stream, p.runCancel, p.readerDone
	p.stream = nil
	p.running = false
	p.sink = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stream != nil {
		err = stream.Close()
	}
	if done != nil {
		<-done
	}
	p.pending.Clear()

	if stream != nil {
		p.log.Info().Msg("microphone released")
	}
	return err
}
