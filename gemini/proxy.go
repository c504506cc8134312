// Package gemini relays voice conversations to the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice = "Zephyr"

	// OutputSampleRate is the rate of the PCM Gemini speaks in
	OutputSampleRate = 24000
)

var ErrProxyClosed = errors.New("proxy is closed or not connected")

// SetupOptions configure one Live session
type SetupOptions struct {
	Model        string
	SystemPrompt string
	// Voice is a prebuilt voice: Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr
	Voice    string
	Language string
}

// Proxy owns one Gemini Live session and fans its server messages out to
// callbacks. Callbacks run on the receive goroutine.
type Proxy struct {
	client  *genai.Client
	session *genai.Session
	log     zerolog.Logger

	OnAudio           func(pcm []byte) // s16le mono at OutputSampleRate
	OnText            func(text string)
	OnInputTranscript func(text string, finished bool)
	OnInterrupted     func()
	OnComplete        func()
	OnError           func(err error)

	mu     sync.RWMutex
	closed bool
}

func NewProxy(ctx context.Context, apiKey string, logger zerolog.Logger) (*Proxy, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Proxy{client: client, log: logger.With().Str("component", "gemini").Logger()}, nil
}

// Setup connects the Live session with audio output and both transcriptions
func (p *Proxy) Setup(ctx context.Context, opts SetupOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProxyClosed
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Voice == "" {
		opts.Voice = DefaultVoice
	}

	live := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			LanguageCode: opts.Language,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: opts.Voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if opts.SystemPrompt != "" {
		live.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: opts.SystemPrompt}}}
	}

	sess, err := p.client.Live.Connect(ctx, opts.Model, live)
	if err != nil {
		return fmt.Errorf("connect live session: %w", err)
	}
	p.session = sess
	p.log.Info().Str("model", opts.Model).Str("voice", opts.Voice).Msg("connected to Gemini Live")
	return nil
}

// current returns the live session, or nil once closed
func (p *Proxy) current() *genai.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	return p.session
}

// StartReceiving runs the receive loop until the session closes
func (p *Proxy) StartReceiving() {
	go p.receive()
}

func (p *Proxy) receive() {
	for {
		sess := p.current()
		if sess == nil {
			return
		}
		msg, err := sess.Receive()
		if err != nil {
			if p.current() == nil {
				return
			}
			p.log.Error().Err(err).Msg("gemini receive failed")
			if p.OnError != nil {
				p.OnError(err)
			}
			return
		}
		p.dispatch(msg)
	}
}

func (p *Proxy) dispatch(msg *genai.LiveServerMessage) {
	content := msg.ServerContent
	if content == nil {
		return
	}

	if t := content.InputTranscription; t != nil && p.OnInputTranscript != nil {
		p.OnInputTranscript(t.Text, t.Finished)
	}

	if content.Interrupted {
		p.log.Debug().Msg("model interrupted by user speech")
		if p.OnInterrupted != nil {
			p.OnInterrupted()
		}
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.Text != "" && !part.Thought && p.OnText != nil {
				p.OnText(part.Text)
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && p.OnAudio != nil {
				p.OnAudio(part.InlineData.Data)
			}
		}
	}

	if t := content.OutputTranscription; t != nil && t.Text != "" && p.OnText != nil {
		p.OnText(t.Text)
	}

	if content.TurnComplete && p.OnComplete != nil {
		p.OnComplete()
	}
}

// SendAudio forwards one s16le 16 kHz chunk
func (p *Proxy) SendAudio(pcm []byte) error {
	sess := p.current()
	if sess == nil {
		return ErrProxyClosed
	}
	err := sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: "audio/pcm;rate=16000", Data: pcm},
	})
	if err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.session != nil {
		return p.session.Close()
	}
	return nil
}
