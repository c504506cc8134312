// Package playback plays inbound speech frames strictly in arrival order.
package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/metrics"
)

// Speaker is an acquired output device running at a fixed sample rate.
// Play returns once the frame has finished sounding, or early with ctx.Err()
// when ctx is cancelled, in which case output must stop immediately.
type Speaker interface {
	Play(ctx context.Context, frame audio.InboundFrame) error
	Close() error
}

// Options configures a Pipeline
type Options struct {
	// OnFrameDone is called after a frame finished playing. It is never
	// called for a frame that was queued or in flight when Flush ran.
	// It runs with the pipeline lock held and must not call back into it.
	OnFrameDone func(seq uint64)
	Logger      zerolog.Logger
}

type queued struct {
	seq   uint64
	frame audio.InboundFrame
}

// Pipeline owns the speaker for one session. The sample rate is fixed at
// construction.
type Pipeline struct {
	speaker    Speaker
	sampleRate int
	opts       Options
	log        zerolog.Logger

	mu        sync.Mutex
	queue     []queued
	nextSeq   uint64
	gen       uint64
	playing   bool
	cancelCur context.CancelFunc
	closed    bool

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the drain goroutine for speaker
func New(speaker Speaker, sampleRate int, opts Options) *Pipeline {
	p := &Pipeline{
		speaker:    speaker,
		sampleRate: sampleRate,
		opts:       opts,
		log:        opts.Logger.With().Str("component", "playback").Int("sample_rate", sampleRate).Logger(),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.drain()
	return p
}

// SampleRate returns the rate every frame is played at
func (p *Pipeline) SampleRate() int {
	return p.sampleRate
}

// Enqueue appends a frame and returns its sequence number. It never waits
// on playback. Frames enqueued after Close are discarded and get 0.
func (p *Pipeline) Enqueue(frame audio.InboundFrame) uint64 {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		metrics.RecordPlaybackFrames("discarded", 1)
		return 0
	}
	p.nextSeq++
	seq := p.nextSeq
	p.queue = append(p.queue, queued{seq: seq, frame: frame})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return seq
}

// Flush drops every queued frame and cuts the one currently playing.
// It is safe to call when nothing is playing and returns the number of
// frames discarded, including the interrupted one.
func (p *Pipeline) Flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.queue)
	p.queue = nil
	p.gen++
	if p.cancelCur != nil {
		p.cancelCur()
		p.cancelCur = nil
		n++
	}
	metrics.RecordPlaybackFrames("flushed", n)
	if n > 0 {
		p.log.Debug().Int("frames", n).Msg("playback flushed")
	}
	return n
}

// Len returns the number of frames waiting to play
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Playing reports whether a frame is currently sounding
func (p *Pipeline) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Close flushes, stops the drain goroutine and releases the speaker.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.Flush()
		close(p.quit)
		<-p.done
		err = p.speaker.Close()
		p.log.Info().Msg("speaker released")
	})
	return err
}

func (p *Pipeline) drain() {
	defer close(p.done)

	for {
		item, ctx, gen, ok := p.next()
		if !ok {
			return
		}

		err := p.speaker.Play(ctx, item.frame)

		p.mu.Lock()
		current := gen == p.gen
		if current && p.cancelCur != nil {
			p.cancelCur()
			p.cancelCur = nil
		}
		p.playing = false
		switch {
		case !current:
			// flushed while in flight, already counted
		case err != nil && !errors.Is(err, context.Canceled):
			p.log.Warn().Err(err).Uint64("seq", item.seq).Msg("speaker failed to play frame")
		default:
			metrics.RecordPlaybackFrames("played", 1)
			if p.opts.OnFrameDone != nil {
				p.opts.OnFrameDone(item.seq)
			}
		}
		p.mu.Unlock()
	}
}

// next blocks until a frame is available and marks it in flight
func (p *Pipeline) next() (queued, context.Context, uint64, bool) {
	p.mu.Lock()
	for len(p.queue) == 0 {
		if p.closed {
			p.mu.Unlock()
			return queued{}, nil, 0, false
		}
		p.mu.Unlock()
		select {
		case <-p.wake:
		case <-p.quit:
			return queued{}, nil, 0, false
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()

	item := p.queue[0]
	p.queue[0] = queued{}
	p.queue = p.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelCur = cancel
	p.playing = true
	return item, ctx, p.gen, true
}
