// Package metrics provides Prometheus metrics for the voice session client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted tracks the total number of sessions begun.
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voicecall_sessions_started_total",
			Help: "Total number of voice sessions begun",
		},
	)

	// SessionsFinished tracks terminated sessions by outcome (ended, failed).
	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecall_sessions_finished_total",
			Help: "Total number of voice sessions torn down, by final state",
		},
		[]string{"state"},
	)

	// ActiveSessions is 1 while a session is live on this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecall_active_sessions",
			Help: "Number of currently live voice sessions",
		},
	)

	// StateTransitions tracks session state changes.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecall_state_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// IgnoredEvents tracks events that were not valid for the current state.
	IgnoredEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecall_ignored_events_total",
			Help: "Total number of events ignored by the state machine",
		},
		[]string{"state", "event"},
	)

	// TurnLatency tracks backend-reported end-to-end turn latency.
	TurnLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicecall_turn_latency_seconds",
			Help:    "Backend-reported total latency per conversational turn",
			Buckets: []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		},
	)

	// BargeIns tracks playback interruptions.
	BargeIns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voicecall_barge_ins_total",
			Help: "Total number of barge-in or tts_interrupted flushes",
		},
	)

	// CaptureFrames tracks outbound frames by disposition (sent, buffered, evicted).
	CaptureFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecall_capture_frames_total",
			Help: "Total number of captured frames by disposition",
		},
		[]string{"disposition"},
	)

	// TransportDrops tracks outbound frames dropped by the transport.
	TransportDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecall_transport_dropped_total",
			Help: "Total number of outbound frames dropped by the transport",
		},
		[]string{"reason"},
	)

	// ProtocolErrors tracks inbound payloads that could not be decoded.
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voicecall_protocol_errors_total",
			Help: "Total number of malformed inbound payloads dropped",
		},
	)

	// PlaybackFrames tracks inbound frames by disposition (played, flushed).
	PlaybackFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecall_playback_frames_total",
			Help: "Total number of inbound frames by disposition",
		},
		[]string{"disposition"},
	)
)

// RecordSessionStarted increments session start metrics.
func RecordSessionStarted() {
	SessionsStarted.Inc()
	ActiveSessions.Inc()
}

// RecordSessionFinished records the terminal state of a session.
func RecordSessionFinished(state string) {
	SessionsFinished.WithLabelValues(state).Inc()
	ActiveSessions.Dec()
}

// RecordStateTransition records a session state change.
func RecordStateTransition(fromState, toState string) {
	StateTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordIgnoredEvent records an event the current state does not accept.
func RecordIgnoredEvent(state, event string) {
	IgnoredEvents.WithLabelValues(state, event).Inc()
}

// RecordTurnLatency records a completed turn's total latency in milliseconds.
func RecordTurnLatency(totalMS int64) {
	if totalMS <= 0 {
		return
	}
	TurnLatency.Observe(float64(totalMS) / 1000)
}

// RecordCaptureFrame records what happened to one captured frame.
func RecordCaptureFrame(disposition string) {
	CaptureFrames.WithLabelValues(disposition).Inc()
}

// RecordTransportDrop records a dropped outbound frame.
func RecordTransportDrop(reason string) {
	TransportDrops.WithLabelValues(reason).Inc()
}

// RecordPlaybackFrames records n inbound frames with the given disposition.
func RecordPlaybackFrames(disposition string, n int) {
	if n <= 0 {
		return
	}
	PlaybackFrames.WithLabelValues(disposition).Add(float64(n))
}
