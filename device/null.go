package device

import (
	"context"
	"sync"

	"github.com/room4-2/voicecall/audio"
)

// NullSpeaker discards audio but takes as long as real playback would.
// It stands in for a sound card on headless hosts.
type NullSpeaker struct {
	sampleRate int
	mu         sync.Mutex
	pace       *pacer
	played     int
}

// NewNullSpeaker creates a silent speaker at sampleRate
func NewNullSpeaker(sampleRate int) *NullSpeaker {
	return &NullSpeaker{sampleRate: sampleRate, pace: newPacer()}
}

// Play waits for the frame's duration or until ctx is cancelled
func (s *NullSpeaker) Play(ctx context.Context, frame audio.InboundFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pace.wait(ctx, frameDuration(len(frame.Samples), s.sampleRate)); err != nil {
		return err
	}
	s.played += len(frame.Samples)
	return nil
}

// Played returns how many samples finished playing
func (s *NullSpeaker) Played() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

func (s *NullSpeaker) Close() error { return nil }
