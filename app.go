package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"sage/internal/bootstrap"
	"sage/internal/config"
	"sage/internal/domain"
	"sage/internal/ports"
	"sage/internal/usecase"
)

const (
	eventContext   = "sage:context"
	eventTurn      = "sage:turn"
	eventFragment  = "sage:fragment"
	eventCompleted = "sage:completed"
	eventFailed    = "sage:failed"
	eventVoice     = "sage:voice"

	shutdownTimeout = 5 * time.Second
)

// App is the Wails application root. It forwards commands to the
// orchestrator and implements ports.EventSink for the frontend.
type App struct {
	ctx  context.Context
	emit func(ctx context.Context, name string, data ...interface{})

	orchestrator *usecase.Orchestrator
	cfg          config.Config
	logger       *zap.Logger
	bootErr      error
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit, logger: zap.NewNop()}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(ctx, a)
	if err != nil {
		a.fail(err)
		return
	}

	a.cfg = services.Config
	a.logger = services.Logger
	a.orchestrator = services.Orchestrator
	if err := a.orchestrator.Start(ctx); err != nil {
		a.fail(err)
		return
	}
	a.VoiceStateChanged(domain.VoiceStateIdle, domain.VoiceReasonMicCold)
}

func (a *App) fail(err error) {
	a.bootErr = err
	a.GenerationFailed("", domain.ErrorCodeStartup, err.Error(), "")
}

func (a *App) shutdown(ctx context.Context) {
	if a.orchestrator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		a.logger.Error("shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// SubmitText sends typed input and returns the generation request id.
func (a *App) SubmitText(text string) (string, error) {
	if err := a.requireReady(); err != nil {
		return "", err
	}
	return a.orchestrator.SubmitText(a.ctx, text)
}

// StartVoice starts a push-to-talk session.
func (a *App) StartVoice() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.orchestrator.StartVoice(); err != nil {
		return domain.Status{}, err
	}
	return a.orchestrator.Status(), nil
}

// CancelVoice discards an in-progress voice session.
func (a *App) CancelVoice() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.orchestrator.CancelVoice(); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		return err
	}
	return nil
}

// ClearConversation drops the conversation from future prompts. Saved
// history stays visible.
func (a *App) ClearConversation() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.orchestrator.ClearHistory(a.ctx)
}

// CaptureScreen refreshes the screen context now and reports whether it
// changed.
func (a *App) CaptureScreen() (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	return a.orchestrator.CaptureNow(a.ctx)
}

// StopGeneration cancels the streaming reply, if any.
func (a *App) StopGeneration() bool {
	if a.orchestrator == nil {
		return false
	}
	return a.orchestrator.StopGeneration()
}

// GetStatus returns the current runtime status.
func (a *App) GetStatus() domain.Status {
	if a.orchestrator == nil {
		if a.bootErr != nil {
			return domain.Status{Voice: domain.VoiceStateError, Message: a.bootErr.Error()}
		}
		return domain.Status{Voice: domain.VoiceStateIdle}
	}
	return a.orchestrator.Status()
}

// GetHistory returns the newest limit turns in ascending order.
func (a *App) GetHistory(limit int) ([]domain.Turn, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.orchestrator.History(a.ctx, ports.TurnQuery{Limit: limit})
}

// GetRecentContexts returns the in-memory screen context ring.
func (a *App) GetRecentContexts() []domain.ScreenContext {
	if a.orchestrator == nil {
		return nil
	}
	return a.orchestrator.RecentContexts()
}

// GetStats returns stored turn and context counts.
func (a *App) GetStats() (ports.StoreStats, error) {
	if err := a.requireReady(); err != nil {
		return ports.StoreStats{}, err
	}
	return a.orchestrator.Stats(a.ctx)
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"modelProvider": a.cfg.Model.Provider,
		"model":         a.cfg.Model.Model,
		"recognizer":    "Deepgram " + a.cfg.Deepgram.Model,
		"fallback":      a.cfg.Fallback.Model,
		"store":         a.cfg.Store.Backend,
		"screenCapture": fmt.Sprintf("%t", a.cfg.Screen.Enabled),
		"rulesFile":     a.cfg.Rules.Path,
		"audioInput":    a.cfg.Audio.InputDevice,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.orchestrator == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) send(name string, data interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, data)
}

// ContextUpdated emits a new screen observation.
func (a *App) ContextUpdated(sc domain.ScreenContext) {
	a.send(eventContext, sc)
}

// TurnAppended emits a persisted conversation turn.
func (a *App) TurnAppended(turn domain.Turn) {
	a.send(eventTurn, turn)
}

// FragmentReceived emits one streamed piece of the reply.
func (a *App) FragmentReceived(requestID string, fragment string) {
	a.send(eventFragment, map[string]string{"requestId": requestID, "text": fragment})
}

// GenerationCompleted emits the full reply.
func (a *App) GenerationCompleted(requestID string, text string) {
	a.send(eventCompleted, map[string]string{"requestId": requestID, "text": text})
}

// GenerationFailed emits a terminal failure. Partial holds any text streamed
// before the failure.
func (a *App) GenerationFailed(requestID string, code domain.ErrorCode, detail string, partial string) {
	a.send(eventFailed, map[string]string{
		"requestId": requestID,
		"code":      string(code),
		"message":   errorMessage(code, detail),
		"detail":    detail,
		"partial":   partial,
	})
}

// VoiceStateChanged emits push-to-talk lifecycle updates.
func (a *App) VoiceStateChanged(state domain.VoiceState, reason domain.VoiceStateReason) {
	a.send(eventVoice, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": voiceReasonMessage(reason),
	})
}

func voiceReasonMessage(reason domain.VoiceStateReason) string {
	switch reason {
	case domain.VoiceReasonMicCold:
		return "Mic cold"
	case domain.VoiceReasonListening:
		return "Listening..."
	case domain.VoiceReasonRestarted:
		return "Listening again; previous capture discarded"
	case domain.VoiceReasonRecognizing:
		return "Recognizing speech..."
	case domain.VoiceReasonRecognized:
		return "Speech recognized"
	case domain.VoiceReasonNoSpeech:
		return "No speech detected"
	case domain.VoiceReasonNoTranscript:
		return "No transcript captured"
	case domain.VoiceReasonCancelled:
		return "Voice input cancelled"
	case domain.VoiceReasonRecognitionError:
		return "Speech recognition failed"
	case domain.VoiceReasonAudioError:
		return "Microphone capture failed"
	case domain.VoiceReasonDeadline:
		return "Voice input took too long"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeCapture:
		return "Screen capture issue"
	case domain.ErrorCodeAudio:
		return "Microphone issue"
	case domain.ErrorCodeRecognition:
		return "Speech recognition error"
	case domain.ErrorCodeRules:
		return "Rules processing failed"
	case domain.ErrorCodeGeneration:
		return "The assistant could not finish its reply"
	case domain.ErrorCodeGenerationTimeout:
		return "The assistant took too long to reply"
	case domain.ErrorCodeStore:
		return "History could not be saved"
	case domain.ErrorCodeSynthesis:
		return "Spoken reply failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
