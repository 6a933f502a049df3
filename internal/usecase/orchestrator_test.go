package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sage/internal/domain"
	"sage/internal/ports"
)

type orchestratorHarness struct {
	orch   *Orchestrator
	store  *fakeStore
	events *fakeEventSink
	model  *fakeModel
}

func newHarness(t *testing.T, deps Dependencies, cfg Config) *orchestratorHarness {
	t.Helper()
	if deps.Store == nil {
		deps.Store = &fakeStore{}
	}
	if deps.Events == nil {
		deps.Events = newFakeEventSink()
	}
	if deps.Model == nil {
		deps.Model = &fakeModel{script: func(_ int, _ context.Context, onFragment func(string) error) (string, error) {
			return streamText(onFragment, "ok")
		}}
	}
	if cfg.Prompt.HistoryTurns == 0 {
		cfg.Prompt = PromptConfig{SystemPrompt: "persona", HistoryTurns: 10, MaxContextChars: 2000, MaxPayloadChars: 12000}
	}
	if cfg.Generation.MaxAttempts == 0 {
		cfg.Generation = CoordinatorConfig{MaxAttempts: 3, Backoff: time.Millisecond, Timeout: 5 * time.Second}
	}

	orch, err := NewOrchestrator(deps, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		_ = orch.Shutdown(context.Background())
	})

	model, _ := deps.Model.(*fakeModel)
	return &orchestratorHarness{
		orch:   orch,
		store:  deps.Store.(*fakeStore),
		events: deps.Events.(*fakeEventSink),
		model:  model,
	}
}

func (h *orchestratorHarness) waitCompleted(t *testing.T, requestID string) string {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.events.Completed(requestID)
		return ok
	}, 2*time.Second, time.Millisecond)
	text, _ := h.events.Completed(requestID)
	return text
}

func turnsByRole(turns []domain.Turn, role domain.Role) []domain.Turn {
	var out []domain.Turn
	for _, turn := range turns {
		if turn.Role == role {
			out = append(out, turn)
		}
	}
	return out
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewOrchestrator(Dependencies{Store: &fakeStore{}, Events: newFakeEventSink()}, Config{}, nil)
	assert.Error(t, err)
	_, err = NewOrchestrator(Dependencies{Model: &fakeModel{}, Events: newFakeEventSink()}, Config{}, nil)
	assert.Error(t, err)
	_, err = NewOrchestrator(Dependencies{Model: &fakeModel{}, Store: &fakeStore{}}, Config{}, nil)
	assert.Error(t, err)
}

func TestOrchestratorStoresOneContextForRepeatedText(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{results: []ports.Extraction{{Text: "Error: file not found", Confidence: 0.9}}}
	h := newHarness(t, Dependencies{Screen: &fakeScreen{}, Extractor: extractor}, Config{
		Capture: CaptureConfig{Interval: time.Millisecond, MaxInterval: time.Millisecond, ConfidenceThreshold: 0.5},
	})

	require.Eventually(t, func() bool { return extractor.Calls() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.orch.Shutdown(context.Background()))

	contexts := h.store.Contexts()
	require.Len(t, contexts, 1)
	assert.Equal(t, "Error: file not found", contexts[0].Text)
	assert.Equal(t, uint64(1), h.orch.Status().LatestContextID)
	assert.Len(t, h.orch.RecentContexts(), 1)
	assert.Empty(t, h.store.Turns())
}

func TestOrchestratorVoiceTimeoutCreatesNoTurns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Dependencies{
		Audio:      &fakeAudio{mode: listenTimeout},
		Recognizer: &fakeRecognizer{text: "unused"},
	}, Config{Voice: VoiceConfig{Listen: ports.ListenOptions{Timeout: 20 * time.Millisecond}}})

	assert.Equal(t, domain.VoiceStateIdle, h.orch.Status().Voice)
	require.NoError(t, h.orch.StartVoice())

	require.Eventually(t, func() bool { return len(h.events.VoiceStates()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []domain.VoiceState{
		domain.VoiceStateListening,
		domain.VoiceStateTimeout,
		domain.VoiceStateIdle,
	}, h.events.VoiceStates())
	assert.Equal(t, domain.VoiceStateIdle, h.orch.Status().Voice)
	assert.Empty(t, h.store.Turns())
	assert.ErrorIs(t, h.orch.CancelVoice(), domain.ErrNoActiveSession)
}

func TestOrchestratorVoiceIntakeStartsGeneration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Dependencies{
		Audio:      &fakeAudio{mode: listenAudio},
		Recognizer: &fakeRecognizer{text: "what is on screen"},
	}, Config{})

	require.NoError(t, h.orch.StartVoice())
	require.Eventually(t, func() bool { return len(h.store.Turns()) == 2 }, 2*time.Second, time.Millisecond)

	turns := h.store.Turns()
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, "what is on screen", turns[0].Text)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.Equal(t, turns[0].RequestID, turns[1].RequestID)
}

func TestOrchestratorNewSubmitCancelsPriorRequest(t *testing.T) {
	t.Parallel()

	firstStreaming := make(chan struct{})
	model := &fakeModel{script: func(call int, ctx context.Context, onFragment func(string) error) (string, error) {
		if call == 1 {
			_ = onFragment("old")
			close(firstStreaming)
			<-ctx.Done()
			return "old", ctx.Err()
		}
		return streamText(onFragment, "new ", "answer")
	}}
	h := newHarness(t, Dependencies{Model: model}, Config{})

	first, err := h.orch.SubmitText(context.Background(), "first question")
	require.NoError(t, err)
	<-firstStreaming
	assert.True(t, h.orch.Status().Generating)

	second, err := h.orch.SubmitText(context.Background(), "second question")
	require.NoError(t, err)
	assert.Equal(t, "new answer", h.waitCompleted(t, second))

	_, completed := h.events.Completed(first)
	assert.False(t, completed)

	require.Eventually(t, func() bool { return len(h.store.Turns()) == 3 }, 2*time.Second, time.Millisecond)
	turns := h.store.Turns()
	assistant := turnsByRole(turns, domain.RoleAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, "new answer", assistant[0].Text)
	assert.Equal(t, second, assistant[0].RequestID)
	assert.Len(t, turnsByRole(turns, domain.RoleUser), 2)
	assert.EqualValues(t, 1, model.maxInflight.Load())

	payload := model.lastPayload()
	require.NotEmpty(t, payload.Messages)
	assert.Equal(t, "second question", payload.Messages[len(payload.Messages)-1].Content)
}

func TestOrchestratorAppliesFinishedReplyBeforeQueuedIntake(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	model := &fakeModel{script: func(call int, _ context.Context, onFragment func(string) error) (string, error) {
		if call == 1 {
			<-release
			return streamText(onFragment, "a1")
		}
		return streamText(onFragment, "a2")
	}}
	store := &fakeStore{hold: make(chan struct{}), held: make(chan struct{}, 1)}
	h := newHarness(t, Dependencies{Model: model, Store: store}, Config{})

	first, err := h.orch.SubmitText(context.Background(), "q1")
	require.NoError(t, err)

	// Park the dispatch loop on a context write.
	require.NoError(t, h.orch.postContext(context.Background(), domain.ScreenContext{Text: "editor", Fingerprint: "fp"}))
	<-store.held

	type submitted struct {
		id  string
		err error
	}
	second := make(chan submitted, 1)
	go func() {
		id, err := h.orch.SubmitText(context.Background(), "q2")
		second <- submitted{id: id, err: err}
	}()
	require.Eventually(t, func() bool { return len(h.orch.inbox) == 1 }, 2*time.Second, time.Millisecond)

	// The first reply finishes while the new question waits ahead of its result.
	close(release)
	require.Eventually(t, func() bool { return len(h.orch.inbox) == 2 }, 2*time.Second, time.Millisecond)
	close(store.hold)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "a2", h.waitCompleted(t, got.id))
	assert.Equal(t, "a1", h.waitCompleted(t, first))

	require.Eventually(t, func() bool { return len(h.store.Turns()) == 4 }, 2*time.Second, time.Millisecond)
	var order []string
	for _, turn := range h.store.Turns() {
		order = append(order, string(turn.Role)+":"+turn.Text)
	}
	assert.Equal(t, []string{"user:q1", "assistant:a1", "user:q2", "assistant:a2"}, order)

	payload := model.lastPayload()
	require.Len(t, payload.Messages, 4)
	assert.Equal(t, domain.PromptMessage{Role: domain.RoleAssistant, Content: "a1"}, payload.Messages[2])
	assert.Equal(t, domain.PromptMessage{Role: domain.RoleUser, Content: "q2"}, payload.Messages[3])
}

func TestOrchestratorRetriesPreStreamFailures(t *testing.T) {
	t.Parallel()

	model := &fakeModel{script: func(call int, _ context.Context, onFragment func(string) error) (string, error) {
		if call <= 2 {
			return "", errors.New("dial tcp: connection refused")
		}
		return streamText(onFragment, "recovered")
	}}
	h := newHarness(t, Dependencies{Model: model}, Config{})

	id, err := h.orch.SubmitText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", h.waitCompleted(t, id))

	require.Eventually(t, func() bool { return len(h.store.Turns()) == 2 }, 2*time.Second, time.Millisecond)
	assistant := turnsByRole(h.store.Turns(), domain.RoleAssistant)
	require.Len(t, assistant, 1)
	assert.False(t, assistant[0].Incomplete)
	assert.Empty(t, h.events.Failed())
}

func TestOrchestratorPersistsIncompleteReply(t *testing.T) {
	t.Parallel()

	model := &fakeModel{script: func(_ int, _ context.Context, onFragment func(string) error) (string, error) {
		text, _ := streamText(onFragment, "half an ")
		return text, errors.New("stream reset")
	}}
	h := newHarness(t, Dependencies{Model: model}, Config{})

	id, err := h.orch.SubmitText(context.Background(), "explain")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.events.Failed()) == 1 }, 2*time.Second, time.Millisecond)
	failed := h.events.Failed()[0]
	assert.Equal(t, id, failed.requestID)
	assert.Equal(t, domain.ErrorCodeGeneration, failed.code)
	assert.Equal(t, "half an ", failed.partial)

	assistant := turnsByRole(h.store.Turns(), domain.RoleAssistant)
	require.Len(t, assistant, 1)
	assert.True(t, assistant[0].Incomplete)
	assert.Equal(t, "half an ", assistant[0].Text)
	assert.EqualValues(t, 1, model.calls.Load())
}

func TestOrchestratorStopGeneration(t *testing.T) {
	t.Parallel()

	streaming := make(chan struct{})
	model := &fakeModel{script: func(_ int, ctx context.Context, onFragment func(string) error) (string, error) {
		_ = onFragment("partial")
		close(streaming)
		<-ctx.Done()
		return "partial", ctx.Err()
	}}
	h := newHarness(t, Dependencies{Model: model}, Config{})

	_, err := h.orch.SubmitText(context.Background(), "long question")
	require.NoError(t, err)
	<-streaming

	assert.True(t, h.orch.StopGeneration())
	require.Eventually(t, func() bool { return !h.orch.Status().Generating }, 2*time.Second, time.Millisecond)
	assert.False(t, h.orch.StopGeneration())

	require.NoError(t, h.orch.Shutdown(context.Background()))
	assert.Empty(t, turnsByRole(h.store.Turns(), domain.RoleAssistant))
	assert.Empty(t, h.events.Failed())
}

func TestOrchestratorContinuesWhenStoreWriteFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Dependencies{Store: &fakeStore{failTurns: true}}, Config{})

	id, err := h.orch.SubmitText(context.Background(), "still answer me")
	require.NoError(t, err)
	assert.Equal(t, "ok", h.waitCompleted(t, id))
	assert.Empty(t, h.store.Turns())
	require.Eventually(t, func() bool { return h.orch.Status().HistoryTurnCount == 2 }, 2*time.Second, time.Millisecond)
	failed := h.events.Failed()
	require.Len(t, failed, 2)
	for _, f := range failed {
		assert.Equal(t, domain.ErrorCodeStore, f.code)
		assert.Equal(t, id, f.requestID)
	}
}

func TestOrchestratorSpeaksCompletedReplies(t *testing.T) {
	t.Parallel()

	speaker := &fakeSpeaker{err: errors.New("player missing")}
	h := newHarness(t, Dependencies{Speaker: speaker}, Config{SpeakResponses: true})

	id, err := h.orch.SubmitText(context.Background(), "say something")
	require.NoError(t, err)
	h.waitCompleted(t, id)

	require.Eventually(t, func() bool { return len(h.events.Failed()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"ok"}, speaker.Spoken())
	failed := h.events.Failed()[0]
	assert.Equal(t, domain.ErrorCodeSynthesis, failed.code)
	assert.Equal(t, id, failed.requestID)
}

func TestOrchestratorBootstrapsHistory(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	for _, turn := range conversation(4) {
		_, err := store.AppendTurn(context.Background(), turn)
		require.NoError(t, err)
	}
	_, err := store.AppendContext(context.Background(), domain.ScreenContext{Text: "Inbox (3)", Fingerprint: Fingerprint("Inbox (3)"), Confidence: 0.9})
	require.NoError(t, err)

	h := newHarness(t, Dependencies{Store: store}, Config{})
	status := h.orch.Status()
	assert.Equal(t, 4, status.HistoryTurnCount)
	assert.Equal(t, uint64(1), status.LatestContextID)

	id, err := h.orch.SubmitText(context.Background(), "and now?")
	require.NoError(t, err)
	h.waitCompleted(t, id)

	payload := h.model.lastPayload()
	require.Len(t, payload.Messages, 6)
	assert.Contains(t, payload.Messages[0].Content, "Inbox (3)")
	assert.Equal(t, uint64(1), payload.ContextID)
	assert.Equal(t, "turn 01", payload.Messages[1].Content)

	stats, err := h.orch.Stats(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.store.Turns()) == 6 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, stats.Contexts)

	history, err := h.orch.History(context.Background(), ports.TurnQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ok", history[1].Text)
}

func TestOrchestratorShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Dependencies{
		Audio:      &fakeAudio{mode: listenBlock},
		Recognizer: &fakeRecognizer{},
	}, Config{})

	require.NoError(t, h.orch.StartVoice())
	require.NoError(t, h.orch.Shutdown(context.Background()))
	require.NoError(t, h.orch.Shutdown(context.Background()))

	assert.Equal(t, 1, h.store.closeCalls)
	assert.Equal(t, domain.VoiceStateIdle, h.orch.Status().Voice)

	_, err := h.orch.SubmitText(context.Background(), "too late")
	assert.ErrorIs(t, err, domain.ErrShutdown)
	assert.ErrorIs(t, h.orch.StartVoice(), domain.ErrShutdown)
	assert.ErrorIs(t, h.orch.Start(context.Background()), domain.ErrShutdown)

	_, err = h.orch.SubmitText(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
}

func TestOrchestratorIntakeClearsStaleVoiceError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Dependencies{}, Config{})

	h.orch.VoiceFailed(domain.ErrorCodeRecognition, "deepgram: 503")
	require.Eventually(t, func() bool { return h.orch.Status().Message != "" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "recognition: deepgram: 503", h.orch.Status().Message)

	id, err := h.orch.SubmitText(context.Background(), "try again")
	require.NoError(t, err)
	h.waitCompleted(t, id)
	assert.Empty(t, h.orch.Status().Message)
}

func TestOrchestratorClearHistoryKeepsStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Dependencies{}, Config{})

	id, err := h.orch.SubmitText(context.Background(), "remember this")
	require.NoError(t, err)
	h.waitCompleted(t, id)
	require.Eventually(t, func() bool { return h.orch.Status().HistoryTurnCount == 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.orch.ClearHistory(context.Background()))
	assert.Zero(t, h.orch.Status().HistoryTurnCount)
	assert.Len(t, h.store.Turns(), 2)

	id, err = h.orch.SubmitText(context.Background(), "fresh start")
	require.NoError(t, err)
	h.waitCompleted(t, id)
	assert.Equal(t, []domain.PromptMessage{
		{Role: domain.RoleSystem, Content: "persona"},
		{Role: domain.RoleUser, Content: "fresh start"},
	}, h.model.lastPayload().Messages)
}

func TestOrchestratorCaptureNow(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{results: []ports.Extraction{
		{Text: "inbox empty", Confidence: 0.9},
		{Text: "3 new messages", Confidence: 0.9},
	}}
	h := newHarness(t, Dependencies{Screen: &fakeScreen{}, Extractor: extractor}, Config{
		Capture: CaptureConfig{Interval: time.Hour, MaxInterval: time.Hour},
	})
	require.Eventually(t, func() bool { return len(h.store.Contexts()) == 1 }, 2*time.Second, time.Millisecond)

	changed, err := h.orch.CaptureNow(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	require.Eventually(t, func() bool { return h.orch.Status().LatestContextID == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "3 new messages", h.store.Contexts()[1].Text)

	plain := newHarness(t, Dependencies{}, Config{})
	_, err = plain.orch.CaptureNow(context.Background())
	assert.Error(t, err)
}
