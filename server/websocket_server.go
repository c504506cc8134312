// Package server is a development voice pipeline peer. It speaks the client
// wire protocol over websockets and hands each conversation to a Backend.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/messages"
)

// Options configures the peer
type Options struct {
	Addr           string
	AgentName      string
	CompanyName    string
	AllowedOrigins []string
	// ConfigTimeout bounds the wait for the client's config message.
	ConfigTimeout time.Duration
	Logger        zerolog.Logger
}

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	backend    Backend
	opts       Options
	log        zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*peerConn
}

func NewServerWebsocket(backend Backend, opts Options) *Server {
	if opts.ConfigTimeout <= 0 {
		opts.ConfigTimeout = 10 * time.Second
	}
	s := &Server{
		backend: backend,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "peer").Logger(),
		conns:   make(map[string]*peerConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024, // 64KB for audio chunks
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range opts.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the peer's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{sessionID}", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.opts.Addr).Msg("voice peer starting")
	s.log.Info().Msgf("websocket endpoint: ws://localhost%s/ws/{session_id}", s.opts.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and drops live conversations
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down voice peer")

	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()
	for _, pc := range conns {
		_ = pc.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// ActiveSessions returns the number of connected clients
func (s *Server) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) register(pc *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conns[pc.ID]; exists {
		return false
	}
	s.conns[pc.ID] = pc
	return true
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[pc.ID] == pc {
		delete(s.conns, pc.ID)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	_, taken := s.conns[sessionID]
	s.mu.RUnlock()
	if taken {
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}

	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	log := s.log.With().Str("session_id", sessionID).Logger()
	pc := newPeerConn(sessionID, conn, log)
	if !s.register(pc) {
		_ = pc.SendControl(messages.NewErrorMessage(messages.ErrCodeSessionFailed, "session already connected", true))
		_ = pc.Close()
		return
	}
	defer func() {
		s.unregister(pc)
		_ = pc.Close()
		log.Info().Msg("session closed")
	}()

	cfg, err := s.awaitConfig(conn)
	if err != nil {
		log.Warn().Err(err).Msg("no valid config from client")
		_ = pc.SendControl(messages.NewErrorMessage(messages.ErrCodeInvalidMessage, err.Error(), true))
		return
	}
	if cfg.SessionID != "" && cfg.SessionID != sessionID {
		log.Warn().Str("config_session_id", cfg.SessionID).Msg("config session id differs from path, using path")
	}
	cfg.SessionID = sessionID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := s.backend.Start(ctx, *cfg, pc)
	if err != nil {
		log.Error().Err(err).Msg("backend failed to start conversation")
		_ = pc.SendControl(messages.NewErrorMessage(messages.ErrCodeBackend, err.Error(), true))
		return
	}
	defer conv.Close()

	if err := pc.SendControl(messages.NewReadyMessage(s.opts.AgentName, s.opts.CompanyName)); err != nil {
		return
	}
	log.Info().
		Str("voice_id", cfg.VoiceID).
		Int("output_sample_rate", cfg.OutputSampleRate).
		Msg("session ready")

	s.handleClientMessages(conn, pc, conv, log)
}

func (s *Server) awaitConfig(conn *websocket.Conn) (*messages.SessionConfig, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ConfigTimeout))
	defer conn.SetReadDeadline(time.Time{})

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("expected config message before audio")
	}
	typ, cfg, _, err := messages.DecodeClient(data)
	if err != nil {
		return nil, err
	}
	if typ != messages.TypeConfig || cfg == nil {
		return nil, fmt.Errorf("expected config message, got %q", typ)
	}
	return cfg, nil
}

func (s *Server) handleClientMessages(conn *websocket.Conn, pc *peerConn, conv Conversation, log zerolog.Logger) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("client read ended")
			}
			return
		}

		// Binary messages are raw PCM from the microphone
		if messageType == websocket.BinaryMessage {
			if err := conv.HandleAudio(data); err != nil {
				_ = pc.SendControl(messages.NewErrorMessage(messages.ErrCodeBackend, err.Error(), false))
			}
			continue
		}

		typ, _, voiceID, err := messages.DecodeClient(data)
		if err != nil {
			_ = pc.SendControl(messages.NewErrorMessage(messages.ErrCodeInvalidMessage, "Invalid message format", false))
			continue
		}

		switch typ {
		case messages.TypeEndCall:
			log.Info().Msg("client ended the call")
			return
		case messages.TypeVoiceSelected:
			if err := conv.SelectVoice(voiceID); err != nil {
				_ = pc.SendControl(messages.NewErrorMessage(messages.ErrCodeBackend, err.Error(), false))
			}
		case messages.TypeConfig:
			log.Debug().Msg("ignoring repeated config")
		default:
			_ = pc.SendControl(messages.NewErrorMessage(messages.ErrCodeInvalidMessage, "Unknown message type: "+typ, false))
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.ActiveSessions())
}
