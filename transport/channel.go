package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/audio"
	"github.com/room4-2/voicecall/messages"
	"github.com/room4-2/voicecall/metrics"
)

const (
	defaultWriteQueue   = 256
	defaultEventQueue   = 256
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 4 * 1024 * 1024
	closeGrace          = 2 * time.Second
)

// Event is one inbound item, in arrival order: a ControlEvent or an AudioEvent.
type Event interface {
	isEvent()
}

// ControlEvent carries a decoded structured message
type ControlEvent struct {
	Msg messages.Control
}

// AudioEvent carries one inbound synthesized speech frame
type AudioEvent struct {
	Frame audio.InboundFrame
}

func (ControlEvent) isEvent() {}
func (AudioEvent) isEvent()   {}

// Options tunes a Channel. Zero values use defaults.
type Options struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
	WriteQueue   int
	Logger       zerolog.Logger
}

type outbound struct {
	messageType int
	data        []byte
}

// Channel owns exactly one duplex websocket connection to the voice pipeline.
// Outbound control and audio share one write queue drained by a single
// writer goroutine; inbound frames are demultiplexed by payload kind.
type Channel struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeTimeout time.Duration
	pingPeriod   time.Duration

	// Use channels for non-blocking writes
	writeChan  chan outbound
	events     chan Event
	quit       chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	open      atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens the connection. Handshake failures are returned as *ConnectError.
func Dial(ctx context.Context, endpoint string, opts Options) (*Channel, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   64 * 1024, // 64KB for audio chunks
			WriteBufferSize:  64 * 1024,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		connErr := &ConnectError{URL: endpoint, Err: err}
		if resp != nil {
			connErr.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, connErr
	}

	return newChannel(conn, opts), nil
}

func newChannel(conn *websocket.Conn, opts Options) *Channel {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.WriteQueue <= 0 {
		opts.WriteQueue = defaultWriteQueue
	}
	conn.SetReadLimit(opts.ReadLimit)

	c := &Channel{
		conn:         conn,
		log:          opts.Logger.With().Str("component", "transport").Logger(),
		writeTimeout: opts.WriteTimeout,
		pingPeriod:   opts.PingPeriod,
		writeChan:    make(chan outbound, opts.WriteQueue),
		events:       make(chan Event, defaultEventQueue),
		quit:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.open.Store(true)

	if c.pingPeriod > 0 {
		pongWait := c.pingPeriod * 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	go c.writePump()
	go c.readLoop()
	return c
}

// Events yields inbound items until the connection ends, then closes.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Done is closed once the read side has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// IsOpen reports whether sends are currently accepted
func (c *Channel) IsOpen() bool {
	return c.open.Load()
}

// SendControl queues a structured message. It never blocks on the network.
func (c *Channel) SendControl(v any) error {
	if !c.open.Load() {
		return ErrClosed
	}
	data, err := messages.Encode(v)
	if err != nil {
		return err
	}
	if !c.enqueue(outbound{messageType: websocket.TextMessage, data: data}) {
		return ErrQueueFull
	}
	return nil
}

// SendAudio queues one binary PCM frame. When the channel is not open, or the
// queue is saturated, the frame is dropped silently.
func (c *Channel) SendAudio(pcm []byte) {
	if !c.open.Load() {
		metrics.RecordTransportDrop("closed")
		return
	}
	if !c.enqueue(outbound{messageType: websocket.BinaryMessage, data: pcm}) {
		metrics.RecordTransportDrop("queue_full")
		c.log.Debug().Int("bytes", len(pcm)).Msg("write queue full, dropping audio frame")
	}
}

func (c *Channel) enqueue(msg outbound) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.writeChan <- msg:
		return true
	default:
		return false
	}
}

// Close flushes queued writes, says goodbye, and closes the connection.
// It is idempotent and waits for both goroutines to exit.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.open.Store(false)
		close(c.quit)

		select {
		case <-c.writerDone:
		case <-time.After(c.writeTimeout + closeGrace):
			c.log.Warn().Msg("writer did not stop in time, forcing close")
		}
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal error once the read side stopped. A close this
// side initiated, or a normal close by the peer, yields nil.
func (c *Channel) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// writePump handles all outgoing frames in a single goroutine
func (c *Channel) writePump() {
	defer close(c.writerDone)

	var pingC <-chan time.Time
	if c.pingPeriod > 0 {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-c.quit:
			// Drain what callers queued before Close (end_call, trailing audio).
			for {
				select {
				case msg := <-c.writeChan:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(c.writeTimeout),
					)
					return
				}
			}
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				if !c.closing.Load() {
					c.log.Warn().Err(err).Msg("write failed, closing connection")
					c.setErr(&ClosedError{Err: err})
				}
				c.open.Store(false)
				_ = c.conn.Close()
				return
			}
		case <-pingC:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (c *Channel) write(msg outbound) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(msg.messageType, msg.data)
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.events)
	defer c.open.Store(false)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("connection closed")
				return
			}
			c.log.Warn().Err(err).Msg("read failed")
			c.setErr(&ClosedError{Err: err})
			return
		}
		if c.pingPeriod > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2))
		}

		var ev Event
		switch messageType {
		case websocket.BinaryMessage:
			samples, decodeErr := audio.DecodeFloat32LE(data)
			if decodeErr != nil {
				c.dropped(&ProtocolError{Kind: "binary", Err: decodeErr})
				continue
			}
			ev = AudioEvent{Frame: audio.InboundFrame{Samples: samples}}
		case websocket.TextMessage:
			msg, decodeErr := messages.DecodeControl(data)
			if decodeErr != nil {
				c.dropped(&ProtocolError{Kind: "text", Err: decodeErr})
				continue
			}
			ev = ControlEvent{Msg: msg}
		default:
			continue
		}

		select {
		case c.events <- ev:
		case <-c.quit:
			return
		}
	}
}

func (c *Channel) dropped(err *ProtocolError) {
	metrics.ProtocolErrors.Inc()
	var decodeErr *messages.DecodeError
	if errors.As(err, &decodeErr) {
		c.log.Warn().Err(err).Msg("dropping malformed control message")
		return
	}
	c.log.Warn().Err(err).Msg("dropping malformed audio frame")
}
