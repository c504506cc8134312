package messages

import "github.com/bytedance/sonic"

// Outbound message types (client -> voice pipeline)
const (
	TypeConfig        = "config"
	TypeVoiceSelected = "voice_selected"
	TypeEndCall       = "end_call"
)

// Audio encodings announced in the session config
const (
	EncodingPCM16LE = "pcm_s16le"
	EncodingF32LE   = "pcm_f32le"
)

// ClientMessage is the envelope every outbound structured message shares.
// The pipeline decodes the type first, then the rest of the object.
type ClientMessage struct {
	Type string `json:"type"`
}

// SessionConfig carries the session parameters sent once at connect
type SessionConfig struct {
	SessionID        string `json:"session_id"`
	Model            string `json:"model,omitempty"`
	VoiceID          string `json:"voice_id,omitempty"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	Language         string `json:"language,omitempty"`
	InputSampleRate  int    `json:"input_sample_rate"`
	OutputSampleRate int    `json:"output_sample_rate"`
	InputEncoding    string `json:"input_encoding"`
	OutputEncoding   string `json:"output_encoding"`
}

// ConfigMessage is {"type":"config","config":{...}}
type ConfigMessage struct {
	Type   string        `json:"type"`
	Config SessionConfig `json:"config"`
}

// VoiceSelectedMessage is {"type":"voice_selected","voice_id":"..."}
type VoiceSelectedMessage struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

// NewConfigMessage creates the connect-time config message
func NewConfigMessage(cfg SessionConfig) *ConfigMessage {
	if cfg.InputEncoding == "" {
		cfg.InputEncoding = EncodingPCM16LE
	}
	if cfg.OutputEncoding == "" {
		cfg.OutputEncoding = EncodingF32LE
	}
	return &ConfigMessage{Type: TypeConfig, Config: cfg}
}

// NewVoiceSelectedMessage creates a voice selection message
func NewVoiceSelectedMessage(voiceID string) *VoiceSelectedMessage {
	return &VoiceSelectedMessage{Type: TypeVoiceSelected, VoiceID: voiceID}
}

// NewEndCallMessage creates the best-effort goodbye sent before close
func NewEndCallMessage() *ClientMessage {
	return &ClientMessage{Type: TypeEndCall}
}

// DecodeClient parses an outbound message on the pipeline side.
// It returns the message type and, for config messages, the session config.
func DecodeClient(data []byte) (string, *SessionConfig, string, error) {
	var msg struct {
		Type    string         `json:"type"`
		Config  *SessionConfig `json:"config"`
		VoiceID string         `json:"voice_id"`
	}
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return "", nil, "", &DecodeError{Err: err}
	}
	if msg.Type == "" {
		return "", nil, "", &DecodeError{Err: ErrMissingType}
	}
	return msg.Type, msg.Config, msg.VoiceID, nil
}
