package gemini

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/messages"
	"github.com/room4-2/voicecall/server"
)

// RelayOptions configure the Gemini backend
type RelayOptions struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Logger       zerolog.Logger
}

// Relay is a peer backend that runs each conversation on its own Gemini
// Live session and translates the model's output into client messages.
type Relay struct {
	opts RelayOptions
	log  zerolog.Logger
}

func NewRelay(opts RelayOptions) *Relay {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	return &Relay{opts: opts, log: opts.Logger.With().Str("component", "relay").Logger()}
}

// Start opens a Live session for one client
func (r *Relay) Start(ctx context.Context, cfg messages.SessionConfig, out server.Responder) (server.Conversation, error) {
	if cfg.OutputSampleRate != 0 && cfg.OutputSampleRate != OutputSampleRate {
		return nil, fmt.Errorf("gemini voices play at %d Hz, client asked for %d Hz", OutputSampleRate, cfg.OutputSampleRate)
	}

	log := r.log.With().Str("session_id", cfg.SessionID).Logger()
	proxy, err := NewProxy(ctx, r.opts.APIKey, log)
	if err != nil {
		return nil, err
	}

	c := &relayConversation{proxy: proxy, out: out, log: log}
	proxy.OnInputTranscript = c.onInputTranscript
	proxy.OnText = c.onText
	proxy.OnAudio = c.onAudio
	proxy.OnInterrupted = c.onInterrupted
	proxy.OnComplete = c.onComplete
	proxy.OnError = c.onError

	err = proxy.Setup(ctx, SetupOptions{
		Model:        firstNonEmpty(cfg.Model, r.opts.Model),
		SystemPrompt: firstNonEmpty(cfg.SystemPrompt, r.opts.SystemPrompt),
		Voice:        cfg.VoiceID,
		Language:     cfg.Language,
	})
	if err != nil {
		_ = proxy.Close()
		return nil, err
	}
	proxy.StartReceiving()
	return c, nil
}

// relayConversation tracks one turn at a time so the client sees
// transcript -> llm_response/audio -> turn_complete in that order.
type relayConversation struct {
	proxy *Proxy
	out   server.Responder
	log   zerolog.Logger

	mu          sync.Mutex
	heard       strings.Builder
	heardAt     time.Time
	responding  bool
	respondedAt time.Time
}

func (c *relayConversation) HandleAudio(pcm []byte) error {
	return c.proxy.SendAudio(pcm)
}

// SelectVoice cannot change the voice of a running Live session
func (c *relayConversation) SelectVoice(voiceID string) error {
	c.log.Info().Str("voice_id", voiceID).Msg("voice change applies to the next session")
	return nil
}

func (c *relayConversation) Close() error {
	return c.proxy.Close()
}

func (c *relayConversation) onInputTranscript(text string, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.responding {
		// the user is talking over the reply; Interrupted follows
		return
	}
	c.heard.WriteString(text)
	c.heardAt = time.Now()
	_ = c.out.SendControl(messages.NewTranscriptMessage(c.heard.String(), false))
}

// beginResponse closes the user's utterance before the first model output
func (c *relayConversation) beginResponse() {
	if c.responding {
		return
	}
	c.responding = true
	c.respondedAt = time.Now()
	_ = c.out.SendControl(messages.NewTranscriptMessage(strings.TrimSpace(c.heard.String()), true))
	_ = c.out.SendControl(messages.NewStateChangeMessage(messages.PhaseProcessing))
}

func (c *relayConversation) onText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginResponse()
	_ = c.out.SendControl(messages.NewLLMResponseMessage(text, c.llmLatency().Milliseconds()))
}

func (c *relayConversation) onAudio(pcm []byte) {
	c.mu.Lock()
	c.beginResponse()
	c.mu.Unlock()

	if err := c.out.SendAudio(audio.DecodePCM16(pcm)); err != nil {
		c.log.Debug().Err(err).Msg("dropping model audio")
	}
}

func (c *relayConversation) onInterrupted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	_ = c.out.SendControl(messages.NewBargeInMessage())
}

func (c *relayConversation) onComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.responding {
		c.reset()
		return
	}
	llm := c.llmLatency()
	tts := time.Since(c.respondedAt)
	_ = c.out.SendControl(messages.NewTurnCompleteMessage(messages.Latency{
		LLMMS:   llm.Milliseconds(),
		TTSMS:   tts.Milliseconds(),
		TotalMS: (llm + tts).Milliseconds(),
	}))
	c.reset()
}

func (c *relayConversation) onError(err error) {
	_ = c.out.SendControl(messages.NewErrorMessage(messages.ErrCodeBackend, err.Error(), true))
}

func (c *relayConversation) llmLatency() time.Duration {
	if c.heardAt.IsZero() || c.respondedAt.Before(c.heardAt) {
		return 0
	}
	return c.respondedAt.Sub(c.heardAt)
}

func (c *relayConversation) reset() {
	c.heard.Reset()
	c.heardAt = time.Time{}
	c.responding = false
	c.respondedAt = time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
