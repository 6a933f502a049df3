package domain

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Region is a rectangular capture area in screen coordinates.
type Region struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"w"`
	Height int `json:"height" msgpack:"h"`
}

// IsZero reports whether the region covers the full screen.
func (r Region) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ScreenContext is one observation of on-screen text. It is superseded by the
// next observation and never mutated.
type ScreenContext struct {
	ID          uint64    `json:"id" msgpack:"id"`
	Timestamp   time.Time `json:"timestamp" msgpack:"ts"`
	Text        string    `json:"text" msgpack:"text"`
	Confidence  float64   `json:"confidence" msgpack:"conf"`
	Region      Region    `json:"region" msgpack:"region"`
	Fingerprint string    `json:"fingerprint" msgpack:"fp"`
}

// Turn is an immutable conversation entry. IDs are assigned by the store and
// strictly increase.
type Turn struct {
	ID        uint64    `json:"id" msgpack:"id"`
	Timestamp time.Time `json:"timestamp" msgpack:"ts"`
	Role      Role      `json:"role" msgpack:"role"`
	Text      string    `json:"text" msgpack:"text"`
	ContextID uint64    `json:"contextId,omitempty" msgpack:"ctx,omitempty"`
	RequestID string    `json:"requestId,omitempty" msgpack:"req,omitempty"`
	// Incomplete marks assistant text preserved from a stream that failed
	// after delivering fragments.
	Incomplete bool `json:"incomplete,omitempty" msgpack:"inc,omitempty"`
}

// VoiceState models the push-to-talk lifecycle.
type VoiceState string

const (
	VoiceStateIdle        VoiceState = "idle"
	VoiceStateListening   VoiceState = "listening"
	VoiceStateRecognizing VoiceState = "recognizing"
	VoiceStateTimeout     VoiceState = "timeout"
	VoiceStateError       VoiceState = "error"
)

// VoiceStateReason provides a structured reason for voice transitions.
type VoiceStateReason string

const (
	VoiceReasonMicCold          VoiceStateReason = "mic_cold"
	VoiceReasonListening        VoiceStateReason = "listening"
	VoiceReasonRestarted        VoiceStateReason = "restarted"
	VoiceReasonRecognizing      VoiceStateReason = "recognizing"
	VoiceReasonRecognized       VoiceStateReason = "recognized"
	VoiceReasonNoSpeech         VoiceStateReason = "no_speech"
	VoiceReasonNoTranscript     VoiceStateReason = "no_transcript"
	VoiceReasonCancelled        VoiceStateReason = "cancelled"
	VoiceReasonRecognitionError VoiceStateReason = "recognition_failed"
	VoiceReasonAudioError       VoiceStateReason = "audio_failed"
	VoiceReasonDeadline         VoiceStateReason = "deadline_exceeded"
)

// GenerationStatus is the lifecycle of a GenerationRequest.
type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationStreaming GenerationStatus = "streaming"
	GenerationCompleted GenerationStatus = "completed"
	GenerationCancelled GenerationStatus = "cancelled"
	GenerationFailed    GenerationStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s GenerationStatus) Terminal() bool {
	switch s {
	case GenerationCompleted, GenerationCancelled, GenerationFailed:
		return true
	default:
		return false
	}
}

// PromptMessage is one role-tagged entry in a prompt payload.
type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// PromptPayload is the bounded request body handed to a model client. It is
// rebuilt for every request and never persisted.
type PromptPayload struct {
	Messages  []PromptMessage `json:"messages"`
	ContextID uint64          `json:"contextId,omitempty"`
	// DroppedTurns counts history turns left out to respect the size bound.
	DroppedTurns int  `json:"droppedTurns,omitempty"`
	Truncated    bool `json:"truncated,omitempty"`
}

// Size returns the number of content bytes in the payload.
func (p PromptPayload) Size() int {
	n := 0
	for _, m := range p.Messages {
		n += len(m.Content)
	}
	return n
}

// Status summarizes the assistant runtime for the UI.
type Status struct {
	Voice            VoiceState `json:"voice"`
	Generating       bool       `json:"generating"`
	ActiveRequestID  string     `json:"activeRequestId,omitempty"`
	LatestContextID  uint64     `json:"latestContextId,omitempty"`
	HistoryTurnCount int        `json:"historyTurnCount"`
	Message          string     `json:"message,omitempty"`
}
