package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"sage/internal/domain"
	"sage/internal/ports"
)

type fakeScreen struct {
	err error
}

func (s *fakeScreen) Capture(context.Context) (ports.Frame, error) {
	if s.err != nil {
		return ports.Frame{}, s.err
	}
	return ports.Frame{Image: []byte("png"), Format: "png", Region: domain.Region{Width: 800, Height: 600}}, nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	results []ports.Extraction
	errs    []error
	calls   int
}

// Extract replays results in order and then repeats the last one.
func (e *fakeExtractor) Extract(context.Context, ports.Frame) (ports.Extraction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return ports.Extraction{}, e.errs[i]
	}
	if len(e.results) == 0 {
		return ports.Extraction{}, domain.ErrExtraction
	}
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	return e.results[i], nil
}

func (e *fakeExtractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type listenMode int

const (
	listenTimeout listenMode = iota
	listenBlock
	listenAudio
	listenFail
)

type fakeAudio struct {
	mode  listenMode
	calls atomic.Int32
}

func (a *fakeAudio) Listen(ctx context.Context, opts ports.ListenOptions) (ports.Audio, error) {
	a.calls.Add(1)
	switch a.mode {
	case listenTimeout:
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			return ports.Audio{}, domain.ErrListenTimeout
		case <-ctx.Done():
			return ports.Audio{}, ctx.Err()
		}
	case listenBlock:
		<-ctx.Done()
		return ports.Audio{}, ctx.Err()
	case listenFail:
		return ports.Audio{}, errors.New("device busy")
	default:
		return ports.Audio{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}, nil
	}
}

type fakeRecognizer struct {
	text  string
	err   error
	calls atomic.Int32
}

func (r *fakeRecognizer) Recognize(context.Context, ports.Audio) (string, error) {
	r.calls.Add(1)
	return r.text, r.err
}

type fakeRules struct {
	out string
	err error
}

func (r fakeRules) Apply(string) (string, error) {
	return r.out, r.err
}

type voiceEvent struct {
	state  domain.VoiceState
	reason domain.VoiceStateReason
}

type recordingVoiceListener struct {
	mu         sync.Mutex
	states     []voiceEvent
	failures   []domain.ErrorCode
	recognized []string
}

func (l *recordingVoiceListener) VoiceStateChanged(state domain.VoiceState, reason domain.VoiceStateReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, voiceEvent{state: state, reason: reason})
}

func (l *recordingVoiceListener) VoiceFailed(code domain.ErrorCode, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, code)
}

func (l *recordingVoiceListener) VoiceRecognized(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recognized = append(l.recognized, text)
}

func (l *recordingVoiceListener) snapshot() ([]voiceEvent, []domain.ErrorCode, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]voiceEvent(nil), l.states...),
		append([]domain.ErrorCode(nil), l.failures...),
		append([]string(nil), l.recognized...)
}

// fakeModel runs script for each Stream call and tracks how many calls are
// in flight at once.
type fakeModel struct {
	script func(call int, ctx context.Context, onFragment func(string) error) (string, error)

	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32

	mu       sync.Mutex
	payloads []domain.PromptPayload
}

func (m *fakeModel) Stream(ctx context.Context, payload domain.PromptPayload, onFragment func(string) error) (string, error) {
	call := int(m.calls.Add(1))
	m.mu.Lock()
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()

	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		peak := m.maxInflight.Load()
		if n <= peak || m.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}
	return m.script(call, ctx, onFragment)
}

func (m *fakeModel) lastPayload() domain.PromptPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.payloads) == 0 {
		return domain.PromptPayload{}
	}
	return m.payloads[len(m.payloads)-1]
}

// streamText relays each fragment and returns their concatenation.
func streamText(onFragment func(string) error, fragments ...string) (string, error) {
	text := ""
	for _, fragment := range fragments {
		if err := onFragment(fragment); err != nil {
			return text, err
		}
		text += fragment
	}
	return text, nil
}

type fakeSpeaker struct {
	err    error
	mu     sync.Mutex
	spoken []string
}

func (s *fakeSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return s.err
}

func (s *fakeSpeaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type fakeStore struct {
	mu         sync.Mutex
	turns      []domain.Turn
	contexts   []domain.ScreenContext
	failTurns  bool
	closed     bool
	closeCalls int

	// With hold set, AppendContext signals held and then blocks until hold
	// is closed.
	hold chan struct{}
	held chan struct{}
}

func (s *fakeStore) AppendTurn(_ context.Context, turn domain.Turn) (domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTurns || s.closed {
		return domain.Turn{}, domain.ErrStoreWrite
	}
	turn.ID = uint64(len(s.turns) + 1)
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.turns = append(s.turns, turn)
	return turn, nil
}

func (s *fakeStore) AppendContext(_ context.Context, sc domain.ScreenContext) (domain.ScreenContext, error) {
	if s.hold != nil {
		s.held <- struct{}{}
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ScreenContext{}, domain.ErrStoreWrite
	}
	sc.ID = uint64(len(s.contexts) + 1)
	s.contexts = append(s.contexts, sc)
	return sc, nil
}

func (s *fakeStore) QueryTurns(_ context.Context, q ports.TurnQuery) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append([]domain.Turn(nil), s.turns...)
	if q.Limit > 0 && len(turns) > q.Limit {
		turns = turns[len(turns)-q.Limit:]
	}
	return turns, nil
}

func (s *fakeStore) RecentContexts(_ context.Context, limit int) ([]domain.ScreenContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScreenContext, 0, limit)
	for i := len(s.contexts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.contexts[i])
	}
	return out, nil
}

func (s *fakeStore) Prune(context.Context, ports.PrunePolicy) (ports.PruneResult, error) {
	return ports.PruneResult{}, nil
}

func (s *fakeStore) Stats(context.Context) (ports.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.StoreStats{Turns: len(s.turns), Contexts: len(s.contexts)}, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

func (s *fakeStore) Turns() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Turn(nil), s.turns...)
}

func (s *fakeStore) Contexts() []domain.ScreenContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ScreenContext(nil), s.contexts...)
}

type failedEvent struct {
	requestID string
	code      domain.ErrorCode
	partial   string
}

type fakeEventSink struct {
	mu        sync.Mutex
	contexts  []domain.ScreenContext
	turns     []domain.Turn
	fragments []string
	completed map[string]string
	failed    []failedEvent
	voice     []voiceEvent
}

func newFakeEventSink() *fakeEventSink {
	return &fakeEventSink{completed: map[string]string{}}
}

func (s *fakeEventSink) ContextUpdated(sc domain.ScreenContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, sc)
}

func (s *fakeEventSink) TurnAppended(turn domain.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
}

func (s *fakeEventSink) FragmentReceived(requestID string, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments = append(s.fragments, requestID+":"+fragment)
}

func (s *fakeEventSink) GenerationCompleted(requestID string, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[requestID] = text
}

func (s *fakeEventSink) GenerationFailed(requestID string, code domain.ErrorCode, detail string, partial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, failedEvent{requestID: requestID, code: code, partial: partial})
}

func (s *fakeEventSink) VoiceStateChanged(state domain.VoiceState, reason domain.VoiceStateReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = append(s.voice, voiceEvent{state: state, reason: reason})
}

func (s *fakeEventSink) Completed(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.completed[requestID]
	return text, ok
}

func (s *fakeEventSink) Failed() []failedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]failedEvent(nil), s.failed...)
}

func (s *fakeEventSink) Fragments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fragments...)
}

func (s *fakeEventSink) VoiceStates() []domain.VoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.VoiceState, 0, len(s.voice))
	for _, ev := range s.voice {
		out = append(out, ev.state)
	}
	return out
}
