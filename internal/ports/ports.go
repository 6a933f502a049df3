package ports

import (
	"context"
	"time"

	"sage/internal/domain"
)

// Frame is one captured screen image.
type Frame struct {
	Image      []byte
	Format     string
	Region     domain.Region
	CapturedAt time.Time
}

// ScreenSource grabs frames. Implementations hold the display only for the
// duration of one Capture call.
type ScreenSource interface {
	Capture(ctx context.Context) (Frame, error)
}

// Extraction is raw OCR output for one frame.
type Extraction struct {
	Text       string
	Confidence float64
}

// TextExtractor turns a frame into text.
type TextExtractor interface {
	Extract(ctx context.Context, frame Frame) (Extraction, error)
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// ListenOptions bounds one listen call.
type ListenOptions struct {
	// Timeout is the window for speech to start.
	Timeout time.Duration
	// PhraseEnd is the trailing silence that ends a phrase.
	PhraseEnd time.Duration
	// PhraseLimit caps the total phrase duration.
	PhraseLimit time.Duration
}

// Audio is captured little-endian 16-bit PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the captured audio.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	samples := len(a.PCM) / (2 * a.Channels)
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// AudioSource records one phrase. It returns domain.ErrListenTimeout when no
// speech starts within the window. The microphone is released on return.
type AudioSource interface {
	Listen(ctx context.Context, opts ListenOptions) (Audio, error)
}

// SpeechRecognizer converts audio to text.
type SpeechRecognizer interface {
	Recognize(ctx context.Context, audio Audio) (string, error)
}

// SpeechSynthesizer speaks text. Failures are non-fatal to callers.
type SpeechSynthesizer interface {
	Speak(ctx context.Context, text string) error
}

// ModelClient streams a completion. onFragment is called in order for every
// incremental piece of text; a non-nil return aborts the stream. The returned
// text is the concatenation of all fragments.
type ModelClient interface {
	Stream(ctx context.Context, payload domain.PromptPayload, onFragment func(string) error) (string, error)
}

// RulesEngine transforms recognized transcripts using deterministic rules.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// TurnQuery selects turns in ascending id order. With FromID/ToID set the
// range is inclusive; Limit alone returns the newest Limit turns.
type TurnQuery struct {
	FromID uint64
	ToID   uint64
	Limit  int
}

// PrunePolicy bounds what the store retains.
type PrunePolicy struct {
	MaxAge      time.Duration
	MaxTurns    int
	MaxContexts int
	Now         time.Time
}

// PruneResult reports how many records were removed.
type PruneResult struct {
	Turns    int
	Contexts int
}

// StoreStats summarizes store contents.
type StoreStats struct {
	Turns       int
	Contexts    int
	LastTurnID  uint64
	LastContext uint64
}

// ConversationStore is the append-only persistence backend.
type ConversationStore interface {
	AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	AppendContext(ctx context.Context, sc domain.ScreenContext) (domain.ScreenContext, error)
	QueryTurns(ctx context.Context, q TurnQuery) ([]domain.Turn, error)
	RecentContexts(ctx context.Context, limit int) ([]domain.ScreenContext, error)
	Prune(ctx context.Context, policy PrunePolicy) (PruneResult, error)
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// EventSink emits assistant events to the UI.
type EventSink interface {
	ContextUpdated(sc domain.ScreenContext)
	TurnAppended(turn domain.Turn)
	FragmentReceived(requestID string, fragment string)
	GenerationCompleted(requestID string, text string)
	GenerationFailed(requestID string, code domain.ErrorCode, detail string, partial string)
	VoiceStateChanged(state domain.VoiceState, reason domain.VoiceStateReason)
}
