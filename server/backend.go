package server

import (
	"context"

	"github.com/room4-2/voicecall/messages"
)

// Responder is how a backend talks back to the connected client.
// Both calls queue and return immediately.
type Responder interface {
	SendControl(v any) error
	SendAudio(samples []float32) error
}

// Backend produces conversations for the peer
type Backend interface {
	// Start begins a conversation once the client sent its config.
	// Replies for the lifetime of the conversation go through out.
	Start(ctx context.Context, cfg messages.SessionConfig, out Responder) (Conversation, error)
}

// Conversation is one client session on the backend side
type Conversation interface {
	// HandleAudio receives one uplink frame of s16le mono PCM.
	HandleAudio(pcm []byte) error
	SelectVoice(voiceID string) error
	Close() error
}
