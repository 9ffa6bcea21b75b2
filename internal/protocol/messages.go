package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a media feeder.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	StreamID   string `json:"stream_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CallEvent is the bus mirror of an in-process call event.
type CallEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DTMFEvent is broadcast when a digit is confirmed for a session.
type DTMFEvent struct {
	SessionID string    `json:"session_id"`
	Digit     string    `json:"digit"`
	Timestamp time.Time `json:"timestamp"`
}

// HandoffNotice is broadcast when a handoff task is queued or assigned.
type HandoffNotice struct {
	SessionID string `json:"session_id"`
	HandoffID string `json:"handoff_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Position  int    `json:"queue_position,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectCallEventPrefix  = "call.event"
	SubjectDTMF             = "call.dtmf"
	SubjectHandoffQueued    = "call.handoff.queued"
	SubjectHandoffAssigned  = "call.handoff.assigned"
)
