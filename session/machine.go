package session

import (
	"errors"
	"time"

	"github.com/room4-2/voicecall/messages"
)

// State is the conversational state of a session
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready" // listening
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Active reports whether a session in this state holds resources
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateReady, StateProcessing, StateSpeaking:
		return true
	}
	return false
}

// Conversational reports whether the backend confirmed the session
func (s State) Conversational() bool {
	switch s {
	case StateReady, StateProcessing, StateSpeaking:
		return true
	}
	return false
}

// Terminal reports whether the session has finished
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Event is everything the machine reacts to
type Event interface {
	EventName() string
	isEvent()
}

// StartRequested begins a new session
type StartRequested struct {
	SessionID  string
	VoiceID    string
	SampleRate int
}

// ConnectFailed reports that the session could not be established
type ConnectFailed struct{ Err error }

// ControlReceived wraps a control message from the pipeline
type ControlReceived struct{ Msg messages.Control }

// AudioReceived reports that a speech frame arrived
type AudioReceived struct{}

// TransportClosed reports that the connection ended underneath the session
type TransportClosed struct{ Err error }

// EndRequested is an explicit end by the host
type EndRequested struct{}

// CaptureStarted reports that the microphone was granted
type CaptureStarted struct{}

// CaptureFailed reports that the microphone was refused or failed
type CaptureFailed struct{ Err error }

// VoiceSelected records a voice change accepted by the client
type VoiceSelected struct{ VoiceID string }

func (StartRequested) EventName() string  { return "start_requested" }
func (ConnectFailed) EventName() string   { return "connect_failed" }
func (AudioReceived) EventName() string   { return "audio_received" }
func (TransportClosed) EventName() string { return "transport_closed" }
func (EndRequested) EventName() string    { return "end_requested" }
func (CaptureStarted) EventName() string  { return "capture_started" }
func (CaptureFailed) EventName() string   { return "capture_failed" }
func (VoiceSelected) EventName() string   { return "voice_selected" }

// EventName is the wire type of the wrapped message
func (e ControlReceived) EventName() string {
	if e.Msg == nil {
		return "control"
	}
	return e.Msg.ControlType()
}

func (StartRequested) isEvent()  {}
func (ConnectFailed) isEvent()   {}
func (ControlReceived) isEvent() {}
func (AudioReceived) isEvent()   {}
func (TransportClosed) isEvent() {}
func (EndRequested) isEvent()    {}
func (CaptureStarted) isEvent()  {}
func (CaptureFailed) isEvent()   {}
func (VoiceSelected) isEvent()   {}

// Action is a side effect the lifecycle manager must perform
type Action string

const (
	ActionOpenTransport Action = "open_transport"
	ActionStartCapture  Action = "start_capture"
	ActionFlushPending  Action = "flush_pending"
	ActionFlushPlayback Action = "flush_playback"
	ActionClearPending  Action = "clear_pending"
	ActionTeardown      Action = "teardown"
)

// Transition is the outcome of applying one event
type Transition struct {
	From    State
	To      State
	Event   string
	Actions []Action
	// Ignored is set when the event is not valid in From.
	Ignored bool
}

// Changed reports whether the state moved
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Has reports whether the transition requests action a
func (t Transition) Has(a Action) bool {
	for _, x := range t.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// Snapshot is a read-only copy of the session as the display layer sees it
type Snapshot struct {
	ID                string           `json:"session_id"`
	State             State            `json:"state"`
	AgentName         string           `json:"agent_name"`
	CompanyName       string           `json:"company_name"`
	VoiceID           string           `json:"voice_id,omitempty"`
	SampleRate        int              `json:"sample_rate,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	PartialTranscript string           `json:"partial_transcript,omitempty"`
	LastTranscript    string           `json:"last_transcript,omitempty"`
	LastResponse      string           `json:"last_response,omitempty"`
	LastLatency       messages.Latency `json:"last_latency"`
	Turns             int              `json:"turns"`
	CaptureActive     bool             `json:"capture_active"`
	StartedAt         time.Time        `json:"started_at"`
	EndedAt           time.Time        `json:"ended_at"`
}

// Defaults are the display values used until the pipeline announces its own
type Defaults struct {
	AgentName   string
	CompanyName string
}

// Machine is the only writer of session state. It is not safe for
// concurrent use; the Client serializes every Apply.
type Machine struct {
	snap     Snapshot
	defaults Defaults
	now      func() time.Time
}

// NewMachine creates an idle machine
func NewMachine(defaults Defaults) *Machine {
	return &Machine{
		snap:     Snapshot{State: StateIdle, AgentName: defaults.AgentName, CompanyName: defaults.CompanyName},
		defaults: defaults,
		now:      time.Now,
	}
}

// State returns the current state
func (m *Machine) State() State {
	return m.snap.State
}

// Snapshot returns a copy of the session
func (m *Machine) Snapshot() Snapshot {
	return m.snap
}

// Apply moves the machine for one event. Events that are not valid in the
// current state leave it untouched and come back with Ignored set.
func (m *Machine) Apply(ev Event) Transition {
	t := Transition{From: m.snap.State, To: m.snap.State, Event: ev.EventName()}
	if !m.apply(ev, &t) {
		t.Ignored = true
		t.To = t.From
		t.Actions = nil
		return t
	}
	t.To = m.snap.State
	return t
}

func (m *Machine) apply(ev Event, t *Transition) bool {
	state := m.snap.State

	switch e := ev.(type) {
	case StartRequested:
		if state.Active() {
			return false
		}
		m.snap = Snapshot{
			ID:          e.SessionID,
			State:       StateConnecting,
			AgentName:   m.defaults.AgentName,
			CompanyName: m.defaults.CompanyName,
			VoiceID:     e.VoiceID,
			SampleRate:  e.SampleRate,
			StartedAt:   m.now(),
		}
		t.Actions = []Action{ActionOpenTransport, ActionStartCapture}
		return true

	case ConnectFailed:
		if state != StateConnecting {
			return false
		}
		m.fail(e.Err)
		t.Actions = []Action{ActionTeardown}
		return true

	case TransportClosed:
		if !state.Active() {
			return false
		}
		if e.Err == nil {
			e.Err = errors.New("connection closed by the voice pipeline")
		}
		m.fail(e.Err)
		t.Actions = []Action{ActionTeardown}
		return true

	case EndRequested:
		if !state.Active() {
			return false
		}
		m.finish(StateEnded)
		t.Actions = []Action{ActionTeardown}
		return true

	case CaptureStarted:
		if !state.Active() {
			return false
		}
		m.snap.CaptureActive = true
		return true

	case CaptureFailed:
		if !state.Active() {
			return false
		}
		m.snap.CaptureActive = false
		if e.Err != nil {
			m.snap.LastError = e.Err.Error()
		}
		return true

	case VoiceSelected:
		if !state.Active() {
			return false
		}
		m.snap.VoiceID = e.VoiceID
		return true

	case AudioReceived:
		if state != StateProcessing {
			return false
		}
		m.snap.State = StateSpeaking
		return true

	case ControlReceived:
		return m.applyControl(e.Msg, t)
	}
	return false
}

func (m *Machine) applyControl(msg messages.Control, t *Transition) bool {
	state := m.snap.State

	switch c := msg.(type) {
	case messages.Ready:
		if state != StateConnecting {
			return false
		}
		if c.AgentName != "" {
			m.snap.AgentName = c.AgentName
		}
		if c.CompanyName != "" {
			m.snap.CompanyName = c.CompanyName
		}
		m.snap.State = StateReady
		t.Actions = []Action{ActionFlushPending}
		return true

	case messages.Transcript:
		if !state.Conversational() {
			return false
		}
		if !c.IsFinal {
			m.snap.PartialTranscript = c.Text
			return true
		}
		if state != StateReady {
			return false
		}
		m.snap.PartialTranscript = ""
		m.snap.LastTranscript = c.Text
		m.snap.State = StateProcessing
		return true

	case messages.LLMResponse:
		switch state {
		case StateProcessing:
			m.snap.LastResponse = c.Text
			m.snap.State = StateSpeaking
			return true
		case StateSpeaking:
			// streamed continuation of the same reply
			m.snap.LastResponse += c.Text
			return true
		}
		return false

	case messages.StateChange:
		switch {
		case state == StateReady && c.State == messages.PhaseProcessing:
			m.snap.State = StateProcessing
		case state == StateProcessing && c.State == messages.PhaseSpeaking:
			m.snap.State = StateSpeaking
		case state == StateSpeaking && c.State == messages.PhaseListening:
			m.snap.State = StateReady
		default:
			return false
		}
		return true

	case messages.TurnComplete:
		if state != StateSpeaking {
			return false
		}
		m.snap.LastLatency = c.Latency
		m.snap.Turns++
		m.snap.State = StateReady
		return true

	case messages.BargeIn, messages.TTSInterrupted:
		// ignored while connecting: there is no reply to interrupt before ready
		if !state.Conversational() {
			return false
		}
		m.snap.State = StateReady
		t.Actions = []Action{ActionFlushPlayback, ActionClearPending}
		return true

	case messages.Error:
		if !state.Active() {
			return false
		}
		m.snap.LastError = c.Message
		if c.IsFatal() {
			m.finish(StateFailed)
			t.Actions = []Action{ActionTeardown}
		}
		return true
	}
	return false
}

func (m *Machine) fail(err error) {
	if err != nil {
		m.snap.LastError = err.Error()
	}
	m.finish(StateFailed)
}

func (m *Machine) finish(state State) {
	m.snap.State = state
	m.snap.CaptureActive = false
	m.snap.EndedAt = m.now()
}
