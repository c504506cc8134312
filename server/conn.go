package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/messages"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
)

var (
	errConnClosed = errors.New("peer connection closed")
	errQueueFull  = errors.New("peer write queue full")
)

type outbound struct {
	messageType int
	data        []byte
}

// peerConn is the server side of one client connection
type peerConn struct {
	ID   string
	conn *websocket.Conn
	log  zerolog.Logger

	// Use channels for non-blocking writes
	writeChan chan outbound

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	writeDone chan struct{}
}

func newPeerConn(id string, conn *websocket.Conn, logger zerolog.Logger) *peerConn {
	// Configure WebSocket for audio-sized messages
	conn.SetReadLimit(512 * 1024)

	pc := &peerConn{
		ID:        id,
		conn:      conn,
		log:       logger,
		writeChan: make(chan outbound, writeBufferSize),
		CloseChan: make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go pc.writePump()
	return pc
}

// SendControl queues a structured message for the client
func (pc *peerConn) SendControl(v any) error {
	data, err := messages.Encode(v)
	if err != nil {
		return err
	}
	return pc.queueMessage(outbound{messageType: websocket.TextMessage, data: data})
}

// SendAudio queues one downlink speech frame as f32le
func (pc *peerConn) SendAudio(samples []float32) error {
	return pc.queueMessage(outbound{messageType: websocket.BinaryMessage, data: audio.EncodeFloat32LE(samples)})
}

// queueMessage adds a message to the write queue (non-blocking)
func (pc *peerConn) queueMessage(msg outbound) error {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if pc.closed {
		return errConnClosed
	}
	select {
	case pc.writeChan <- msg:
		return nil
	default:
		// Queue full, drop message (shouldn't happen with proper sizing)
		pc.log.Warn().Msg("write queue full, dropping message")
		return errQueueFull
	}
}

// writePump handles all outgoing messages in a single goroutine
func (pc *peerConn) writePump() {
	defer close(pc.writeDone)
	defer func() {
		// Send close message before exiting
		_ = pc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
	}()

	for {
		select {
		case msg, ok := <-pc.writeChan:
			if !ok {
				return
			}
			_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := pc.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				pc.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-pc.CloseChan:
			// Flush what was queued before close (final turn_complete, error)
			for {
				select {
				case msg, ok := <-pc.writeChan:
					if !ok {
						return
					}
					_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := pc.conn.WriteMessage(msg.messageType, msg.data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// IsClosed returns whether the connection is closed
func (pc *peerConn) IsClosed() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.closed
}

// Close stops writing, says goodbye and closes the socket
func (pc *peerConn) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	close(pc.CloseChan)
	pc.mu.Unlock()

	select {
	case <-pc.writeDone:
	case <-time.After(writeTimeout):
	}
	return pc.conn.Close()
}
