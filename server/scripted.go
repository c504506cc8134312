package server

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/messages"
)

// Script drives the deterministic backend
type Script struct {
	// UtteranceFrames uplink frames make one user utterance.
	UtteranceFrames int
	Transcript      string
	Reply           string
	ReplyFrames     int
	// FrameDuration is the length of each reply frame; frames are sent at
	// that pace so a new utterance can interrupt the reply.
	FrameDuration time.Duration
	ToneHz        float64
}

// DefaultScript answers every ~1s utterance with a short tone
func DefaultScript() Script {
	return Script{
		UtteranceFrames: 4,
		Transcript:      "hello",
		Reply:           "hi there",
		ReplyFrames:     5,
		FrameDuration:   100 * time.Millisecond,
		ToneHz:          440,
	}
}

// ScriptedBackend replies to speech with a fixed transcript, reply and tone.
// A new utterance during a reply interrupts it with barge_in.
type ScriptedBackend struct {
	script Script
	log    zerolog.Logger
}

func NewScriptedBackend(script Script, logger zerolog.Logger) *ScriptedBackend {
	def := DefaultScript()
	if script.UtteranceFrames <= 0 {
		script.UtteranceFrames = def.UtteranceFrames
	}
	if script.Transcript == "" {
		script.Transcript = def.Transcript
	}
	if script.Reply == "" {
		script.Reply = def.Reply
	}
	if script.ReplyFrames <= 0 {
		script.ReplyFrames = def.ReplyFrames
	}
	if script.ToneHz <= 0 {
		script.ToneHz = def.ToneHz
	}
	return &ScriptedBackend{script: script, log: logger.With().Str("component", "scripted_backend").Logger()}
}

// Start begins a scripted conversation
func (b *ScriptedBackend) Start(ctx context.Context, cfg messages.SessionConfig, out Responder) (Conversation, error) {
	rate := cfg.OutputSampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate24k
	}
	ctx, cancel := context.WithCancel(ctx)
	return &scriptedConversation{
		script: b.script,
		out:    out,
		rate:   rate,
		voice:  cfg.VoiceID,
		ctx:    ctx,
		cancel: cancel,
		log:    b.log.With().Str("session_id", cfg.SessionID).Logger(),
	}, nil
}

type scriptedConversation struct {
	script Script
	out    Responder
	rate   int
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu          sync.Mutex
	voice       string
	frames      int
	replying    bool
	cancelReply context.CancelFunc
	wg          sync.WaitGroup
}

func (c *scriptedConversation) HandleAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames++
	if c.frames == 1 {
		_ = c.out.SendControl(messages.NewTranscriptMessage(firstWord(c.script.Transcript), false))
	}
	if c.frames < c.script.UtteranceFrames {
		return nil
	}
	c.frames = 0

	if c.replying && c.cancelReply != nil {
		c.cancelReply()
		_ = c.out.SendControl(messages.NewBargeInMessage())
		c.log.Debug().Msg("user spoke over the reply")
	}

	replyCtx, cancel := context.WithCancel(c.ctx)
	c.cancelReply = cancel
	c.replying = true
	c.wg.Add(1)
	go c.reply(replyCtx)
	return nil
}

func (c *scriptedConversation) reply(ctx context.Context) {
	defer c.wg.Done()
	start := time.Now()

	_ = c.out.SendControl(messages.NewTranscriptMessage(c.script.Transcript, true))
	stt := time.Since(start)
	_ = c.out.SendControl(messages.NewLLMResponseMessage(c.script.Reply, time.Since(start).Milliseconds()))
	llm := time.Since(start) - stt

	samples := int(float64(c.rate) * c.script.FrameDuration.Seconds())
	if samples <= 0 {
		samples = c.rate / 10
	}
	ttsStart := time.Now()
	var phase float64
	step := 2 * math.Pi * c.script.ToneHz / float64(c.rate)
	for i := 0; i < c.script.ReplyFrames; i++ {
		frame := make([]float32, samples)
		for j := range frame {
			frame[j] = float32(0.2 * math.Sin(phase))
			phase += step
		}
		if !c.sendIfCurrent(ctx, func() error { return c.out.SendAudio(frame) }) {
			return
		}
		if c.script.FrameDuration > 0 {
			select {
			case <-time.After(c.script.FrameDuration):
			case <-ctx.Done():
				return
			}
		} else if ctx.Err() != nil {
			return
		}
	}

	latency := messages.Latency{
		STTMS: stt.Milliseconds(),
		LLMMS: llm.Milliseconds(),
		TTSMS: time.Since(ttsStart).Milliseconds(),
	}
	latency.TotalMS = latency.STTMS + latency.LLMMS + latency.TTSMS
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() == nil {
		_ = c.out.SendControl(messages.NewTurnCompleteMessage(latency))
		c.replying = false
	}
}

// sendIfCurrent sends unless the reply was interrupted. Holding the lock
// keeps every frame of an interrupted reply ahead of its barge_in.
func (c *scriptedConversation) sendIfCurrent(ctx context.Context, send func() error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	return send() == nil
}

func (c *scriptedConversation) SelectVoice(voiceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voice = voiceID
	c.log.Debug().Str("voice_id", voiceID).Msg("voice selected")
	return nil
}

func (c *scriptedConversation) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
