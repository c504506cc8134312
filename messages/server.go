package messages

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Inbound control types (voice pipeline -> client)
const (
	TypeReady          = "ready"
	TypeTranscript     = "transcript"
	TypeLLMResponse    = "llm_response"
	TypeStateChange    = "state_change"
	TypeTurnComplete   = "turn_complete"
	TypeBargeIn        = "barge_in"
	TypeTTSInterrupted = "tts_interrupted"
	TypeError          = "error"
)

// Conversational phases announced by state_change
const (
	PhaseListening  = "listening"
	PhaseProcessing = "processing"
	PhaseSpeaking   = "speaking"
)

// Error codes used by the pipeline
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeBackend        = "BACKEND_ERROR"
	ErrCodeSessionFailed  = "SESSION_FAILED"
)

// ErrMissingType is returned for structured payloads without a type field
var ErrMissingType = errors.New("message missing type")

// DecodeError wraps a structured payload that could not be parsed
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode control message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Control is one decoded inbound structured message.
// The set of implementations is closed to this package.
type Control interface {
	ControlType() string
	isControl()
}

// Ready confirms the pipeline is listening
type Ready struct {
	Type        string `json:"type"`
	AgentName   string `json:"agent_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}

// Transcript is a partial or final recognition result
type Transcript struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// LLMResponse is the agent's reply text
type LLMResponse struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// StateChange announces the pipeline's conversational phase
type StateChange struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// Latency is the per-stage breakdown of one turn
type Latency struct {
	STTMS   int64 `json:"stt_ms"`
	LLMMS   int64 `json:"llm_ms"`
	TTSMS   int64 `json:"tts_ms"`
	TotalMS int64 `json:"total_ms"`
}

// TurnComplete closes a listen -> process -> speak cycle
type TurnComplete struct {
	Type    string  `json:"type"`
	Latency Latency `json:"latency"`
}

// BargeIn signals the user interrupted agent speech
type BargeIn struct {
	Type string `json:"type"`
}

// TTSInterrupted signals synthesis was cut short by the pipeline
type TTSInterrupted struct {
	Type string `json:"type"`
}

// Error is an explicit backend error. Fatal errors end the session.
type Error struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	Fatal    bool   `json:"fatal,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// IsFatal reports whether the pipeline asked to end the session
func (e Error) IsFatal() bool {
	return e.Fatal || strings.EqualFold(e.Severity, "fatal")
}

// Unknown carries a well-formed message whose type this client does not handle
type Unknown struct {
	Type string
}

func (Ready) ControlType() string          { return TypeReady }
func (Transcript) ControlType() string     { return TypeTranscript }
func (LLMResponse) ControlType() string    { return TypeLLMResponse }
func (StateChange) ControlType() string    { return TypeStateChange }
func (TurnComplete) ControlType() string   { return TypeTurnComplete }
func (BargeIn) ControlType() string        { return TypeBargeIn }
func (TTSInterrupted) ControlType() string { return TypeTTSInterrupted }
func (Error) ControlType() string          { return TypeError }
func (u Unknown) ControlType() string      { return u.Type }

func (Ready) isControl()          {}
func (Transcript) isControl()     {}
func (LLMResponse) isControl()    {}
func (StateChange) isControl()    {}
func (TurnComplete) isControl()   {}
func (BargeIn) isControl()        {}
func (TTSInterrupted) isControl() {}
func (Error) isControl()          {}
func (Unknown) isControl()        {}

// DecodeControl classifies one structured payload by its type field
func DecodeControl(data []byte) (Control, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Err: err}
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, &DecodeError{Err: ErrMissingType}
	}

	var (
		msg Control
		err error
	)
	switch typ {
	case TypeReady:
		var m Ready
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeTranscript:
		var m Transcript
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeLLMResponse:
		var m LLMResponse
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeStateChange:
		var m StateChange
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeTurnComplete:
		var m TurnComplete
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeBargeIn:
		msg = BargeIn{Type: typ}
	case TypeTTSInterrupted:
		msg = TTSInterrupted{Type: typ}
	case TypeError:
		var m Error
		err = sonic.Unmarshal(data, &m)
		msg = m
	default:
		return Unknown{Type: typ}, nil
	}
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%s payload: %w", typ, err)}
	}
	return msg, nil
}

// Encode marshals any outbound or inbound message
func Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// NewReadyMessage creates a ready confirmation
func NewReadyMessage(agentName, companyName string) *Ready {
	return &Ready{Type: TypeReady, AgentName: agentName, CompanyName: companyName}
}

// NewTranscriptMessage creates a transcript update
func NewTranscriptMessage(text string, isFinal bool) *Transcript {
	return &Transcript{Type: TypeTranscript, Text: text, IsFinal: isFinal}
}

// NewLLMResponseMessage creates an agent reply
func NewLLMResponseMessage(text string, latencyMS int64) *LLMResponse {
	return &LLMResponse{Type: TypeLLMResponse, Text: text, LatencyMS: latencyMS}
}

// NewStateChangeMessage creates a phase announcement
func NewStateChangeMessage(state string) *StateChange {
	return &StateChange{Type: TypeStateChange, State: state}
}

// NewTurnCompleteMessage creates a turn_complete with its latency breakdown
func NewTurnCompleteMessage(latency Latency) *TurnComplete {
	return &TurnComplete{Type: TypeTurnComplete, Latency: latency}
}

// NewBargeInMessage creates a barge_in
func NewBargeInMessage() *BargeIn {
	return &BargeIn{Type: TypeBargeIn}
}

// NewTTSInterruptedMessage creates a tts_interrupted
func NewTTSInterruptedMessage() *TTSInterrupted {
	return &TTSInterrupted{Type: TypeTTSInterrupted}
}

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string, fatal bool) *Error {
	return &Error{Type: TypeError, Code: code, Message: message, Fatal: fatal}
}
