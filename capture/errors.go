package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by microphones when access was refused
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrNoDevice is returned by microphones when no input device exists
	ErrNoDevice = errors.New("no microphone available")

	// ErrRunning is returned by Start while capture is already active
	ErrRunning = errors.New("capture already running")

	// ErrStopped is returned by Start after Stop
	ErrStopped = errors.New("capture stopped")
)

// Error reports a microphone failure. The session keeps running receive-only.
type Error struct {
	Op  string // "open" or "read"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDenied reports whether err means the user or OS refused the microphone
func IsDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
