package capture

import (
	"sync"

	"github.com/room4-2/voicecall/audio"
)

// DefaultPendingFrames holds ~15s of speech at 16kHz with 4096-sample blocks
const DefaultPendingFrames = 60

// PendingBuffer keeps frames captured before the session is ready.
// When full, the oldest frame is evicted to make room.
type PendingBuffer struct {
	frames    []audio.OutboundFrame
	maxFrames int
	evicted   uint64
	mu        sync.Mutex
}

// NewPendingBuffer creates a buffer holding at most maxFrames frames
func NewPendingBuffer(maxFrames int) *PendingBuffer {
	if maxFrames <= 0 {
		maxFrames = DefaultPendingFrames
	}
	return &PendingBuffer{
		frames:    make([]audio.OutboundFrame, 0, maxFrames),
		maxFrames: maxFrames,
	}
}

// MaxFrames returns the buffer capacity
func (pb *PendingBuffer) MaxFrames() int {
	return pb.maxFrames
}

// Push appends a frame, evicting the oldest one if the buffer is full.
// It reports whether a frame was evicted.
func (pb *PendingBuffer) Push(frame audio.OutboundFrame) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	evicted := false
	if len(pb.frames) >= pb.maxFrames {
		copy(pb.frames, pb.frames[1:])
		pb.frames = pb.frames[:len(pb.frames)-1]
		pb.evicted++
		evicted = true
	}
	pb.frames = append(pb.frames, frame)
	return evicted
}

// Drain returns all buffered frames in capture order and empties the buffer
func (pb *PendingBuffer) Drain() []audio.OutboundFrame {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if len(pb.frames) == 0 {
		return nil
	}
	out := pb.frames
	pb.frames = make([]audio.OutboundFrame, 0, pb.maxFrames)
	return out
}

// Clear empties the buffer without returning data.
// It returns the number of discarded frames.
func (pb *PendingBuffer) Clear() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	n := len(pb.frames)
	pb.frames = pb.frames[:0]
	return n
}

// Len returns the number of buffered frames
func (pb *PendingBuffer) Len() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return len(pb.frames)
}

// Evicted returns how many frames were dropped for lack of room
func (pb *PendingBuffer) Evicted() uint64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.evicted
}
