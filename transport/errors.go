package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by sends after Close or after the peer went away.
	ErrClosed = errors.New("transport closed")

	// ErrQueueFull is returned when the outbound queue cannot take a control message.
	ErrQueueFull = errors.New("transport write queue full")
)

// ConnectError reports a failed handshake. The session never leaves connecting.
type ConnectError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: %v (http %d)", e.URL, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError describes an inbound payload that was dropped.
type ProtocolError struct {
	Kind string // "text" or "binary"
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dropped malformed %s payload: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ClosedError is the terminal error of a connection that ended without a clean close.
type ClosedError struct {
	Err error
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("transport closed unexpectedly: %v", e.Err)
}

func (e *ClosedError) Unwrap() error { return e.Err }

// Is lets callers match any unexpected close with errors.Is(err, ErrClosed).
func (e *ClosedError) Is(target error) bool { return target == ErrClosed }
