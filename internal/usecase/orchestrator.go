package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sage/internal/domain"
	"sage/internal/ports"
)

// BackgroundTask is a long-running unit supervised with the orchestrator,
// such as store retention.
type BackgroundTask interface {
	Run(ctx context.Context) error
}

// Dependencies are the collaborators the orchestrator drives. Screen and
// Extractor may be nil to disable capture; Audio and Recognizer may be nil to
// disable voice; Speaker may be nil.
type Dependencies struct {
	Screen     ports.ScreenSource
	Extractor  ports.TextExtractor
	Audio      ports.AudioSource
	Recognizer ports.SpeechRecognizer
	Fallback   ports.SpeechRecognizer
	Rules      ports.RulesEngine
	Model      ports.ModelClient
	Speaker    ports.SpeechSynthesizer
	Store      ports.ConversationStore
	Events     ports.EventSink
	Tasks      []BackgroundTask
}

// Config groups the per-component settings.
type Config struct {
	Capture    CaptureConfig
	Voice      VoiceConfig
	Prompt     PromptConfig
	Generation CoordinatorConfig
	// ContextRing is how many recent screen contexts are kept in memory.
	ContextRing    int
	SpeakResponses bool
	// StoreTimeout bounds each store call made from the dispatch loop.
	StoreTimeout time.Duration
}

type contextObserved struct {
	sc domain.ScreenContext
}

type intakeReceived struct {
	text   string
	source string
	reply  chan intakeReply
}

type intakeReply struct {
	requestID string
	err       error
}

type voiceStateChanged struct {
	state  domain.VoiceState
	reason domain.VoiceStateReason
}

type voiceFailed struct {
	code   domain.ErrorCode
	detail string
}

type generationDone struct {
	result GenerationResult
}

type historyCleared struct {
	done chan struct{}
}

// Orchestrator owns the capture loop, the voice session and the generation
// coordinator. Shared state is mutated only on its dispatch loop.
type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger

	capture     *CaptureLoop
	voice       *VoiceSession
	coordinator *Coordinator

	inbox    chan any
	quit     chan struct{}
	loopDone chan struct{}
	stopping chan struct{}
	ready    chan struct{}

	runCtx context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	startOnce    sync.Once
	shutdownOnce sync.Once
	started      bool
	shutdownErr  error

	// Owned by the dispatch loop.
	latest   *domain.ScreenContext
	recent   []domain.ScreenContext
	history  []domain.Turn
	requests map[string]uint64
	active   string
	speech   *speechJob

	statusMu sync.RWMutex
	status   domain.Status
	snapshot []domain.ScreenContext
}

type speechJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(deps Dependencies, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Model == nil {
		return nil, errors.New("model client is required")
	}
	if deps.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if deps.Events == nil {
		return nil, errors.New("event sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContextRing <= 0 {
		cfg.ContextRing = 8
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		inbox:    make(chan any, 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		stopping: make(chan struct{}),
		ready:    make(chan struct{}),
		requests: make(map[string]uint64),
		status:   domain.Status{Voice: domain.VoiceStateIdle},
	}
	o.coordinator = NewCoordinator(deps.Model, o, cfg.Generation, logger)
	if deps.Screen != nil && deps.Extractor != nil {
		o.capture = NewCaptureLoop(deps.Screen, deps.Extractor, o.postContext, cfg.Capture, logger)
	}
	if deps.Audio != nil && deps.Recognizer != nil {
		o.voice = NewVoiceSession(deps.Audio, deps.Recognizer, deps.Fallback, deps.Rules, o, cfg.Voice, logger)
	}
	return o, nil
}

// Start loads recent history and launches the dispatch loop, the capture
// loop and background tasks. Store failures while loading are logged.
func (o *Orchestrator) Start(ctx context.Context) error {
	err := domain.ErrShutdown
	o.startOnce.Do(func() {
		select {
		case <-o.stopping:
			return
		default:
		}

		o.runCtx, o.cancel = context.WithCancel(ctx)
		o.bootstrap(o.runCtx)
		o.publish()

		o.group.Go(func() error {
			o.loop()
			return nil
		})
		if o.capture != nil {
			o.group.Go(func() error { return o.capture.Run(o.runCtx) })
		}
		for _, task := range o.deps.Tasks {
			o.group.Go(func() error { return task.Run(o.runCtx) })
		}
		o.started = true
		close(o.ready)
		err = nil
		o.logger.Info("assistant started",
			zap.Int("history_turns", len(o.history)),
			zap.Bool("capture", o.capture != nil),
			zap.Bool("voice", o.voice != nil),
		)
	})
	return err
}

func (o *Orchestrator) bootstrap(ctx context.Context) {
	storeCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	turns, err := o.deps.Store.QueryTurns(storeCtx, ports.TurnQuery{Limit: o.historyCap()})
	if err != nil {
		o.logger.Warn("load history", zap.Error(err))
	} else {
		o.history = turns
	}

	contexts, err := o.deps.Store.RecentContexts(storeCtx, o.cfg.ContextRing)
	if err != nil {
		o.logger.Warn("load recent contexts", zap.Error(err))
		return
	}
	for i := len(contexts) - 1; i >= 0; i-- {
		o.remember(contexts[i])
	}
}

// SubmitText is the intake for typed input. It cancels any in-flight
// generation and returns the id of the new request.
func (o *Orchestrator) SubmitText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.ErrEmptyInput
	}
	if !o.running() {
		return "", domain.ErrShutdown
	}

	reply := make(chan intakeReply, 1)
	if err := o.post(ctx, intakeReceived{text: text, source: "text", reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.requestID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-o.loopDone:
		return "", domain.ErrShutdown
	}
}

// StartVoice begins a push-to-talk session, restarting any active one.
func (o *Orchestrator) StartVoice() error {
	if !o.running() {
		return domain.ErrShutdown
	}
	if o.voice == nil {
		return errors.New("voice input is not configured")
	}
	o.voice.Start(o.runCtx)
	return nil
}

// CancelVoice discards the active push-to-talk session.
func (o *Orchestrator) CancelVoice() error {
	if o.voice == nil {
		return domain.ErrNoActiveSession
	}
	return o.voice.Cancel()
}

// StopGeneration cancels the in-flight request without waiting. It reports
// whether a request was cancelled.
func (o *Orchestrator) StopGeneration() bool {
	return o.coordinator.Stop()
}

// ClearHistory forgets the conversation used to build prompts. Persisted
// turns stay in the store and return on the next start.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	if !o.running() {
		return domain.ErrShutdown
	}
	done := make(chan struct{})
	if err := o.post(ctx, historyCleared{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.loopDone:
		return domain.ErrShutdown
	}
}

// CaptureNow runs one screen capture cycle without waiting for the schedule.
// It reports whether the screen text changed.
func (o *Orchestrator) CaptureNow(ctx context.Context) (bool, error) {
	if !o.running() {
		return false, domain.ErrShutdown
	}
	if o.capture == nil {
		return false, errors.New("screen capture is not configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.runCtx, cancel)
	defer stop()
	return o.capture.Trigger(ctx)
}

// Status returns a snapshot of the runtime state.
func (o *Orchestrator) Status() domain.Status {
	o.statusMu.RLock()
	status := o.status
	o.statusMu.RUnlock()

	if id, _, ok := o.coordinator.Active(); ok {
		status.Generating = true
		status.ActiveRequestID = id
	} else {
		status.Generating = false
		status.ActiveRequestID = ""
	}
	return status
}

// RecentContexts returns the in-memory ring, oldest first.
func (o *Orchestrator) RecentContexts() []domain.ScreenContext {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	out := make([]domain.ScreenContext, len(o.snapshot))
	copy(out, o.snapshot)
	return out
}

// History reads persisted turns directly from the store.
func (o *Orchestrator) History(ctx context.Context, q ports.TurnQuery) ([]domain.Turn, error) {
	return o.deps.Store.QueryTurns(ctx, q)
}

// Stats reports store contents.
func (o *Orchestrator) Stats(ctx context.Context) (ports.StoreStats, error) {
	return o.deps.Store.Stats(ctx)
}

// Shutdown cancels capture, voice and generation, waits for each to unwind,
// then closes the store. It is safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		o.shutdownOnce.Do(o.shutdown)
		close(finished)
	}()

	select {
	case <-finished:
		return o.shutdownErr
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) shutdown() {
	close(o.stopping)
	o.startOnce.Do(func() {})

	var err error
	if o.started {
		o.cancel()
		if o.voice != nil {
			o.voice.Stop()
		}
		o.coordinator.Stop()
		o.coordinator.Wait()

		close(o.quit)
		err = multierr.Append(err, o.group.Wait())
		if o.speech != nil {
			<-o.speech.done
		}
	}

	if closeErr := o.deps.Store.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("close store: %w", closeErr))
	}
	o.shutdownErr = err
	o.logger.Info("assistant stopped", zap.Error(err))
}

func (o *Orchestrator) running() bool {
	select {
	case <-o.stopping:
		return false
	default:
	}
	select {
	case <-o.ready:
	default:
		return false
	}
	select {
	case <-o.loopDone:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) post(ctx context.Context, msg any) error {
	select {
	case o.inbox <- msg:
		return nil
	case <-o.loopDone:
		return domain.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) postContext(ctx context.Context, sc domain.ScreenContext) error {
	return o.post(ctx, contextObserved{sc: sc})
}

func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for {
		select {
		case msg := <-o.inbox:
			o.dispatch(msg)
		case <-o.quit:
			for {
				select {
				case msg := <-o.inbox:
					o.dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) dispatch(msg any) {
	switch m := msg.(type) {
	case contextObserved:
		o.handleContext(m.sc)
	case intakeReceived:
		id, err := o.handleIntake(m.text, m.source)
		if m.reply != nil {
			m.reply <- intakeReply{requestID: id, err: err}
		}
	case voiceStateChanged:
		o.statusMu.Lock()
		o.status.Voice = m.state
		o.statusMu.Unlock()
		o.deps.Events.VoiceStateChanged(m.state, m.reason)
	case voiceFailed:
		o.statusMu.Lock()
		o.status.Message = fmt.Sprintf("%s: %s", m.code, m.detail)
		o.statusMu.Unlock()
		o.deps.Events.GenerationFailed("", m.code, m.detail, "")
	case generationDone:
		o.handleGenerationDone(m.result)
	case historyCleared:
		o.logger.Info("conversation history cleared", zap.Int("turns", len(o.history)))
		o.history = nil
		o.publish()
		close(m.done)
	default:
		o.logger.Warn("unknown message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
	o.publish()
}

func (o *Orchestrator) handleContext(sc domain.ScreenContext) {
	if o.latest != nil && o.latest.Fingerprint == sc.Fingerprint {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	saved, err := o.deps.Store.AppendContext(ctx, sc)
	if err != nil {
		o.logger.Error("persist screen context", zap.Error(err))
		saved = sc
	}

	o.remember(saved)
	o.logger.Debug("screen context updated",
		zap.Uint64("context_id", saved.ID),
		zap.Int("chars", len(saved.Text)),
		zap.Float64("confidence", saved.Confidence),
	)
	o.deps.Events.ContextUpdated(saved)
}

func (o *Orchestrator) handleIntake(text, source string) (string, error) {
	if result, finished := o.coordinator.Interrupt(); finished {
		// The previous reply ended before its result reached the loop. It
		// belongs ahead of the new question.
		o.handleGenerationDone(result)
	} else if o.active != "" {
		o.logger.Debug("new intake cancelled in-flight generation", zap.String("request_id", o.active))
	}

	o.statusMu.Lock()
	o.status.Message = ""
	o.statusMu.Unlock()

	id := uuid.NewString()
	var contextID uint64
	if o.latest != nil {
		contextID = o.latest.ID
	}

	turn := domain.Turn{
		Role:      domain.RoleUser,
		Text:      text,
		ContextID: contextID,
		RequestID: id,
	}
	if saved, ok := o.appendTurn(turn); ok {
		turn = saved
	}
	o.pushHistory(turn)

	payload := BuildPrompt(o.cfg.Prompt, o.latest, o.history)
	o.requests[id] = payload.ContextID
	o.active = o.coordinator.Start(o.runCtx, id, payload)

	o.logger.Info("generation requested",
		zap.String("request_id", id),
		zap.String("source", source),
		zap.Int("messages", len(payload.Messages)),
		zap.Int("payload_chars", payload.Size()),
		zap.Int("dropped_turns", payload.DroppedTurns),
	)
	return id, nil
}

func (o *Orchestrator) handleGenerationDone(result GenerationResult) {
	contextID, pending := o.requests[result.RequestID]
	if !pending {
		// Already applied at intake.
		return
	}
	delete(o.requests, result.RequestID)
	if o.active == result.RequestID {
		o.active = ""
	}

	switch result.Status {
	case domain.GenerationCompleted:
		o.logger.Info("generation completed",
			zap.String("request_id", result.RequestID),
			zap.Int("attempts", result.Attempts),
			zap.Duration("elapsed", result.Elapsed),
		)
		o.recordReply(result, contextID, false)
		o.deps.Events.GenerationCompleted(result.RequestID, result.Text)
		if o.cfg.SpeakResponses && o.deps.Speaker != nil {
			o.speak(result.RequestID, result.Text)
		}
	case domain.GenerationFailed:
		o.logger.Error("generation failed",
			zap.String("request_id", result.RequestID),
			zap.String("code", string(result.Code)),
			zap.Int("attempts", result.Attempts),
			zap.Int("partial_chars", len(result.Text)),
			zap.Error(result.Err),
		)
		if result.Text != "" {
			o.recordReply(result, contextID, true)
		}
		detail := ""
		if result.Err != nil {
			detail = result.Err.Error()
		}
		o.deps.Events.GenerationFailed(result.RequestID, result.Code, detail, result.Text)
	default:
		o.logger.Debug("generation cancelled",
			zap.String("request_id", result.RequestID),
			zap.Int("discarded_chars", len(result.Text)),
		)
	}
}

func (o *Orchestrator) recordReply(result GenerationResult, contextID uint64, incomplete bool) {
	turn := domain.Turn{
		Role:       domain.RoleAssistant,
		Text:       result.Text,
		ContextID:  contextID,
		RequestID:  result.RequestID,
		Incomplete: incomplete,
	}
	if saved, ok := o.appendTurn(turn); ok {
		turn = saved
	}
	o.pushHistory(turn)
}

// appendTurn persists a turn. A failed write is logged and reported; the
// caller keeps the unsaved turn in memory.
func (o *Orchestrator) appendTurn(turn domain.Turn) (domain.Turn, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	saved, err := o.deps.Store.AppendTurn(ctx, turn)
	if err != nil {
		o.logger.Error("persist turn",
			zap.String("role", string(turn.Role)),
			zap.String("request_id", turn.RequestID),
			zap.Error(err),
		)
		o.deps.Events.GenerationFailed(turn.RequestID, domain.ErrorCodeStore, err.Error(), "")
		return turn, false
	}
	o.deps.Events.TurnAppended(saved)
	return saved, true
}

func (o *Orchestrator) speak(requestID, text string) {
	previous := o.speech
	ctx, cancel := context.WithCancel(o.runCtx)
	job := &speechJob{cancel: cancel, done: make(chan struct{})}
	o.speech = job
	if previous != nil {
		previous.cancel()
	}

	go func() {
		defer close(job.done)
		defer cancel()
		if previous != nil {
			<-previous.done
		}
		if ctx.Err() != nil {
			return
		}
		if err := o.deps.Speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
			o.logger.Warn("speak response", zap.String("request_id", requestID), zap.Error(err))
			o.deps.Events.GenerationFailed(requestID, domain.ErrorCodeSynthesis, err.Error(), "")
		}
	}()
}

func (o *Orchestrator) remember(sc domain.ScreenContext) {
	if sc.Fingerprint == "" {
		return
	}
	o.recent = append(o.recent, sc)
	if len(o.recent) > o.cfg.ContextRing {
		o.recent = o.recent[len(o.recent)-o.cfg.ContextRing:]
	}
	latest := o.recent[len(o.recent)-1]
	o.latest = &latest
}

func (o *Orchestrator) pushHistory(turn domain.Turn) {
	o.history = append(o.history, turn)
	if limit := o.historyCap(); len(o.history) > 2*limit {
		o.history = append([]domain.Turn(nil), o.history[len(o.history)-limit:]...)
	}
}

func (o *Orchestrator) historyCap() int {
	if o.cfg.Prompt.HistoryTurns > 0 {
		return o.cfg.Prompt.HistoryTurns
	}
	return 10
}

// publish copies loop-owned state into the status snapshot.
func (o *Orchestrator) publish() {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.HistoryTurnCount = len(o.history)
	if o.latest != nil {
		o.status.LatestContextID = o.latest.ID
	}
	o.snapshot = append(o.snapshot[:0], o.recent...)
}

// VoiceStateChanged implements VoiceListener.
func (o *Orchestrator) VoiceStateChanged(state domain.VoiceState, reason domain.VoiceStateReason) {
	o.postAsync(voiceStateChanged{state: state, reason: reason})
}

// VoiceFailed implements VoiceListener.
func (o *Orchestrator) VoiceFailed(code domain.ErrorCode, detail string) {
	o.postAsync(voiceFailed{code: code, detail: detail})
}

// VoiceRecognized implements VoiceListener; recognized speech joins typed
// input at the same intake.
func (o *Orchestrator) VoiceRecognized(text string) {
	o.postAsync(intakeReceived{text: text, source: "voice"})
}

// GenerationFragment implements GenerationListener. Fragments go straight to
// the sink; they do not touch loop-owned state.
func (o *Orchestrator) GenerationFragment(requestID string, fragment string) {
	o.deps.Events.FragmentReceived(requestID, fragment)
}

// GenerationDone implements GenerationListener.
func (o *Orchestrator) GenerationDone(result GenerationResult) {
	o.postAsync(generationDone{result: result})
}

func (o *Orchestrator) postAsync(msg any) {
	if err := o.post(context.Background(), msg); err != nil {
		o.logger.Debug("message dropped", zap.String("type", fmt.Sprintf("%T", msg)), zap.Error(err))
	}
}
