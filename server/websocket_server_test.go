package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/messages"
	"github.com/room4-2/voicecall/transport"
)

type recordingConv struct {
	mu     sync.Mutex
	audio  [][]byte
	voices []string
	closed chan struct{}
	once   sync.Once
}

func (c *recordingConv) HandleAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *recordingConv) SelectVoice(voiceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voices = append(c.voices, voiceID)
	return nil
}

func (c *recordingConv) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordingConv) frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

type recordingBackend struct {
	err     error
	configs chan messages.SessionConfig
	convs   chan *recordingConv
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		configs: make(chan messages.SessionConfig, 4),
		convs:   make(chan *recordingConv, 4),
	}
}

func (b *recordingBackend) Start(ctx context.Context, cfg messages.SessionConfig, out Responder) (Conversation, error) {
	b.configs <- cfg
	if b.err != nil {
		return nil, b.err
	}
	conv := &recordingConv{closed: make(chan struct{})}
	b.convs <- conv
	return conv, nil
}

func startPeer(t *testing.T, backend Backend) (*Server, *httptest.Server) {
	t.Helper()
	peer := NewServerWebsocket(backend, Options{
		AgentName:      "Alex",
		CompanyName:    "Acme",
		AllowedOrigins: []string{"*"},
		ConfigTimeout:  2 * time.Second,
		Logger:         zerolog.Nop(),
	})
	srv := httptest.NewServer(peer.Handler())
	t.Cleanup(srv.Close)
	return peer, srv
}

func connect(t *testing.T, srv *httptest.Server, sessionID string) *transport.Channel {
	t.Helper()
	endpoint, err := transport.EndpointURL(srv.URL, sessionID)
	require.NoError(t, err)
	ch, err := transport.Dial(context.Background(), endpoint, transport.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func sendConfig(t *testing.T, ch *transport.Channel, sessionID string) {
	t.Helper()
	require.NoError(t, ch.SendControl(messages.NewConfigMessage(messages.SessionConfig{
		SessionID:        sessionID,
		VoiceID:          "Puck",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
	})))
}

func next(t *testing.T, ch *transport.Channel) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func nextControl(t *testing.T, ch *transport.Channel) messages.Control {
	t.Helper()
	ev := next(t, ch)
	ce, ok := ev.(transport.ControlEvent)
	require.True(t, ok, "expected control event, got %T", ev)
	return ce.Msg
}

func TestPeerHandshake(t *testing.T) {
	backend := newRecordingBackend()
	_, srv := startPeer(t, backend)

	ch := connect(t, srv, "call-1")
	sendConfig(t, ch, "call-1")

	ready, ok := nextControl(t, ch).(messages.Ready)
	require.True(t, ok)
	assert.Equal(t, "Alex", ready.AgentName)
	assert.Equal(t, "Acme", ready.CompanyName)

	cfg := <-backend.configs
	assert.Equal(t, "call-1", cfg.SessionID)
	assert.Equal(t, "Puck", cfg.VoiceID)
	assert.Equal(t, messages.EncodingPCM16LE, cfg.InputEncoding)
	assert.Equal(t, messages.EncodingF32LE, cfg.OutputEncoding)
}

func TestPeerUsesPathSessionID(t *testing.T) {
	backend := newRecordingBackend()
	_, srv := startPeer(t, backend)

	ch := connect(t, srv, "from-path")
	sendConfig(t, ch, "from-config")
	nextControl(t, ch)

	cfg := <-backend.configs
	assert.Equal(t, "from-path", cfg.SessionID)
}

func TestPeerRoutesClientMessages(t *testing.T) {
	backend := newRecordingBackend()
	_, srv := startPeer(t, backend)

	ch := connect(t, srv, "call-1")
	sendConfig(t, ch, "call-1")
	nextControl(t, ch)
	conv := <-backend.convs

	ch.SendAudio(audio.EncodePCM16(make([]float32, 160)))
	ch.SendAudio(audio.EncodePCM16(make([]float32, 160)))
	require.NoError(t, ch.SendControl(messages.NewVoiceSelectedMessage("Kore")))
	require.NoError(t, ch.SendControl(&messages.ClientMessage{Type: "mute"}))

	errMsg, ok := nextControl(t, ch).(messages.Error)
	require.True(t, ok)
	assert.Equal(t, messages.ErrCodeInvalidMessage, errMsg.Code)
	assert.False(t, errMsg.IsFatal())

	assert.Equal(t, 2, conv.frames())
	conv.mu.Lock()
	assert.Equal(t, []string{"Kore"}, conv.voices)
	conv.mu.Unlock()

	require.NoError(t, ch.SendControl(messages.NewEndCallMessage()))
	select {
	case <-conv.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("conversation not closed after end_call")
	}
}

func TestPeerRejectsAudioBeforeConfig(t *testing.T) {
	_, srv := startPeer(t, newRecordingBackend())

	ch := connect(t, srv, "call-1")
	ch.SendAudio(audio.EncodePCM16(make([]float32, 160)))

	errMsg, ok := nextControl(t, ch).(messages.Error)
	require.True(t, ok)
	assert.True(t, errMsg.IsFatal())

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer kept the connection open")
	}
}

func TestPeerBackendFailureIsFatal(t *testing.T) {
	backend := newRecordingBackend()
	backend.err = errors.New("model unavailable")
	_, srv := startPeer(t, backend)

	ch := connect(t, srv, "call-1")
	sendConfig(t, ch, "call-1")

	errMsg, ok := nextControl(t, ch).(messages.Error)
	require.True(t, ok)
	assert.Equal(t, messages.ErrCodeBackend, errMsg.Code)
	assert.Contains(t, errMsg.Message, "model unavailable")
	assert.True(t, errMsg.IsFatal())
}

func TestPeerRejectsDuplicateSession(t *testing.T) {
	backend := newRecordingBackend()
	peer, srv := startPeer(t, backend)

	ch := connect(t, srv, "call-1")
	sendConfig(t, ch, "call-1")
	nextControl(t, ch)
	assert.Equal(t, 1, peer.ActiveSessions())

	endpoint, err := transport.EndpointURL(srv.URL, "call-1")
	require.NoError(t, err)
	_, err = transport.Dial(context.Background(), endpoint, transport.Options{Logger: zerolog.Nop()})
	var connErr *transport.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, http.StatusConflict, connErr.StatusCode)
}

func TestPeerShutdownClosesSessions(t *testing.T) {
	peer, srv := startPeer(t, newRecordingBackend())

	ch := connect(t, srv, "call-1")
	sendConfig(t, ch, "call-1")
	nextControl(t, ch)

	require.NoError(t, peer.Shutdown(context.Background()))
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client still connected after shutdown")
	}
	assert.NoError(t, ch.Err())
}

func TestHealth(t *testing.T) {
	_, srv := startPeer(t, newRecordingBackend())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, string(body))
}

func TestScriptedBackendTurn(t *testing.T) {
	backend := NewScriptedBackend(Script{
		UtteranceFrames: 2,
		Transcript:      "hello there",
		Reply:           "hi there",
		ReplyFrames:     3,
	}, zerolog.Nop())
	_, srv := startPeer(t, backend)

	ch := connect(t, srv, "call-1")
	sendConfig(t, ch, "call-1")
	nextControl(t, ch)

	ch.SendAudio(audio.EncodePCM16(make([]float32, 160)))
	ch.SendAudio(audio.EncodePCM16(make([]float32, 160)))

	partial, ok := nextControl(t, ch).(messages.Transcript)
	require.True(t, ok)
	assert.False(t, partial.IsFinal)
	assert.Equal(t, "hello", partial.Text)

	final, ok := nextControl(t, ch).(messages.Transcript)
	require.True(t, ok)
	assert.True(t, final.IsFinal)
	assert.Equal(t, "hello there", final.Text)

	reply, ok := nextControl(t, ch).(messages.LLMResponse)
	require.True(t, ok)
	assert.Equal(t, "hi there", reply.Text)

	for i := 0; i < 3; i++ {
		ev, ok := next(t, ch).(transport.AudioEvent)
		require.True(t, ok)
		// 100ms at 24 kHz
		assert.Len(t, ev.Frame.Samples, 2400)
	}

	_, ok = nextControl(t, ch).(messages.TurnComplete)
	assert.True(t, ok)
}

func TestScriptedBackendBargeIn(t *testing.T) {
	backend := NewScriptedBackend(Script{
		UtteranceFrames: 1,
		ReplyFrames:     50,
		FrameDuration:   20 * time.Millisecond,
	}, zerolog.Nop())
	_, srv := startPeer(t, backend)

	ch := connect(t, srv, "call-1")
	sendConfig(t, ch, "call-1")
	nextControl(t, ch)

	ch.SendAudio(audio.EncodePCM16(make([]float32, 160)))
	for {
		if _, ok := next(t, ch).(transport.AudioEvent); ok {
			break
		}
	}

	ch.SendAudio(audio.EncodePCM16(make([]float32, 160)))
	for {
		ev := next(t, ch)
		ce, ok := ev.(transport.ControlEvent)
		if !ok {
			continue
		}
		_, isTurnComplete := ce.Msg.(messages.TurnComplete)
		require.False(t, isTurnComplete, "interrupted reply must not complete")
		if _, ok := ce.Msg.(messages.BargeIn); ok {
			break
		}
	}
}

func TestFirstWord(t *testing.T) {
	assert.Equal(t, "hello", firstWord("hello there"))
	assert.Equal(t, "hello", firstWord("hello"))
	assert.Equal(t, "", firstWord(""))
	assert.False(t, strings.Contains(firstWord("a b c"), " "))
}
