package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sage/internal/domain"
	"sage/internal/ports"
)

// VoiceConfig bounds one push-to-talk interaction.
type VoiceConfig struct {
	Listen ports.ListenOptions
	// Deadline caps the whole session, recognition included.
	Deadline time.Duration
}

// VoiceListener receives session output. Calls for one session arrive in
// order from the session goroutine.
type VoiceListener interface {
	VoiceStateChanged(state domain.VoiceState, reason domain.VoiceStateReason)
	VoiceFailed(code domain.ErrorCode, detail string)
	VoiceRecognized(text string)
}

// VoiceSession runs push-to-talk capture and recognition. At most one run is
// active; starting again cancels the current run first.
type VoiceSession struct {
	audio    ports.AudioSource
	primary  ports.SpeechRecognizer
	fallback ports.SpeechRecognizer
	rules    ports.RulesEngine
	listener VoiceListener
	cfg      VoiceConfig
	logger   *zap.Logger
	now      func() time.Time

	// startMu serializes Start and Cancel so a run is never orphaned.
	startMu sync.Mutex

	mu      sync.Mutex
	current *voiceRun
}

// NewVoiceSession wires a session. fallback and rules may be nil.
func NewVoiceSession(
	audio ports.AudioSource,
	primary ports.SpeechRecognizer,
	fallback ports.SpeechRecognizer,
	rules ports.RulesEngine,
	listener VoiceListener,
	cfg VoiceConfig,
	logger *zap.Logger,
) *VoiceSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Listen.Timeout <= 0 {
		cfg.Listen.Timeout = 5 * time.Second
	}
	return &VoiceSession{
		audio:    audio,
		primary:  primary,
		fallback: fallback,
		rules:    rules,
		listener: listener,
		cfg:      cfg,
		logger:   logger.Named("voice"),
		now:      time.Now,
	}
}

// Start begins listening. A running session is cancelled and fully released
// before the microphone is opened again.
func (v *VoiceSession) Start(ctx context.Context) {
	v.startMu.Lock()
	defer v.startMu.Unlock()

	v.mu.Lock()
	previous := v.current
	v.current = nil
	v.mu.Unlock()

	if previous != nil {
		previous.supersede()
		v.stopRun(previous)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if v.cfg.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, v.cfg.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	run := newVoiceRun(cancel, v.now())

	v.mu.Lock()
	v.current = run
	v.mu.Unlock()

	reason := domain.VoiceReasonListening
	if previous != nil {
		reason = domain.VoiceReasonRestarted
	}
	v.listener.VoiceStateChanged(domain.VoiceStateListening, reason)

	go v.run(runCtx, run)
}

// Cancel discards the active session and waits for it to unwind.
func (v *VoiceSession) Cancel() error {
	v.startMu.Lock()
	defer v.startMu.Unlock()

	v.mu.Lock()
	run := v.current
	v.current = nil
	v.mu.Unlock()

	if run == nil {
		return domain.ErrNoActiveSession
	}
	v.stopRun(run)
	return nil
}

// Stop cancels any active session. It is used on shutdown.
func (v *VoiceSession) Stop() {
	if err := v.Cancel(); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		v.logger.Warn("stop voice session", zap.Error(err))
	}
}

// State returns the state of the active session, or idle.
func (v *VoiceSession) State() domain.VoiceState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return domain.VoiceStateIdle
	}
	return v.current.getState()
}

func (v *VoiceSession) stopRun(run *voiceRun) {
	run.cancel()
	<-run.done
}

func (v *VoiceSession) run(ctx context.Context, run *voiceRun) {
	defer close(run.done)
	defer run.cancel()

	audio, err := v.audio.Listen(ctx, v.cfg.Listen)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			v.interrupted(ctx, run)
		case errors.Is(err, domain.ErrListenTimeout):
			v.transition(run, domain.VoiceStateTimeout, domain.VoiceReasonNoSpeech)
			v.finish(run, domain.VoiceStateIdle, domain.VoiceReasonNoSpeech)
		default:
			v.logger.Warn("audio capture failed", zap.Error(err))
			v.listener.VoiceFailed(domain.ErrorCodeAudio, err.Error())
			v.transition(run, domain.VoiceStateError, domain.VoiceReasonAudioError)
			v.finish(run, domain.VoiceStateIdle, domain.VoiceReasonAudioError)
		}
		return
	}

	v.transition(run, domain.VoiceStateRecognizing, domain.VoiceReasonRecognizing)
	text, err := v.recognize(ctx, audio)
	if ctx.Err() != nil {
		v.interrupted(ctx, run)
		return
	}
	if err != nil {
		v.logger.Warn("speech recognition failed", zap.Error(err))
		v.listener.VoiceFailed(domain.ErrorCodeRecognition, err.Error())
		v.transition(run, domain.VoiceStateError, domain.VoiceReasonRecognitionError)
		v.finish(run, domain.VoiceStateIdle, domain.VoiceReasonRecognitionError)
		return
	}

	text = v.applyRules(strings.TrimSpace(text))
	if text == "" {
		v.finish(run, domain.VoiceStateIdle, domain.VoiceReasonNoTranscript)
		return
	}

	v.logger.Debug("recognized speech",
		zap.Duration("audio", audio.Duration()),
		zap.Duration("elapsed", v.now().Sub(run.startedAt)),
	)
	v.listener.VoiceRecognized(text)
	v.finish(run, domain.VoiceStateIdle, domain.VoiceReasonRecognized)
}

// recognize tries the primary recognizer and then the fallback exactly once.
func (v *VoiceSession) recognize(ctx context.Context, audio ports.Audio) (string, error) {
	text, err := v.primary.Recognize(ctx, audio)
	if err == nil || v.fallback == nil || ctx.Err() != nil {
		return text, err
	}

	v.logger.Warn("primary recognizer failed, using fallback", zap.Error(err))
	text, fallbackErr := v.fallback.Recognize(ctx, audio)
	if fallbackErr != nil {
		return "", multierr.Combine(err, fallbackErr)
	}
	return text, nil
}

func (v *VoiceSession) applyRules(text string) string {
	if v.rules == nil || text == "" {
		return text
	}
	out, err := v.rules.Apply(text)
	if err != nil {
		v.logger.Warn("transcript rules failed", zap.Error(err))
		v.listener.VoiceFailed(domain.ErrorCodeRules, err.Error())
		if strings.TrimSpace(out) == "" {
			return text
		}
	}
	return strings.TrimSpace(out)
}

func (v *VoiceSession) interrupted(ctx context.Context, run *voiceRun) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		v.logger.Warn("voice session deadline exceeded", zap.Duration("deadline", v.cfg.Deadline))
		v.listener.VoiceFailed(domain.ErrorCodeAudio, "voice session deadline exceeded")
		v.transition(run, domain.VoiceStateTimeout, domain.VoiceReasonDeadline)
		v.finish(run, domain.VoiceStateIdle, domain.VoiceReasonDeadline)
		return
	}
	if run.isSuperseded() {
		v.release(run)
		return
	}
	v.finish(run, domain.VoiceStateIdle, domain.VoiceReasonCancelled)
}

func (v *VoiceSession) transition(run *voiceRun, state domain.VoiceState, reason domain.VoiceStateReason) {
	run.setState(state)
	v.listener.VoiceStateChanged(state, reason)
}

func (v *VoiceSession) finish(run *voiceRun, state domain.VoiceState, reason domain.VoiceStateReason) {
	v.release(run)
	run.setState(state)
	v.listener.VoiceStateChanged(state, reason)
}

func (v *VoiceSession) release(run *voiceRun) {
	v.mu.Lock()
	if v.current == run {
		v.current = nil
	}
	v.mu.Unlock()
}
