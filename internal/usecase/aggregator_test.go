package usecase

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sage/internal/domain"
)

func conversation(n int) []domain.Turn {
	turns := make([]domain.Turn, 0, n)
	for i := 1; i <= n; i++ {
		role := domain.RoleUser
		if i%2 == 0 {
			role = domain.RoleAssistant
		}
		turns = append(turns, domain.Turn{ID: uint64(i), Role: role, Text: fmt.Sprintf("turn %02d", i)})
	}
	return turns
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	t.Parallel()

	cfg := PromptConfig{SystemPrompt: "You are helpful.", HistoryTurns: 4, MaxContextChars: 40, MaxPayloadChars: 400}
	latest := &domain.ScreenContext{ID: 7, Text: "Error: file not found. Check the path and try again."}
	history := conversation(6)

	first := BuildPrompt(cfg, latest, history)
	second := BuildPrompt(cfg, latest, history)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("payload changed between identical builds (-first +second):\n%s", diff)
	}
}

func TestBuildPromptLayout(t *testing.T) {
	t.Parallel()

	cfg := PromptConfig{SystemPrompt: "You are helpful.", HistoryTurns: 10}
	latest := &domain.ScreenContext{ID: 3, Text: "Error: file not found"}
	history := []domain.Turn{
		{ID: 1, Role: domain.RoleUser, Text: "what is wrong?"},
		{ID: 2, Role: domain.RoleSystem, Text: "ignored"},
	}

	got := BuildPrompt(cfg, latest, history)
	want := domain.PromptPayload{
		ContextID: 3,
		Messages: []domain.PromptMessage{
			{Role: domain.RoleSystem, Content: "You are helpful.\n\n" + fmt.Sprintf(screenContextTemplate, "Error: file not found")},
			{Role: domain.RoleUser, Content: "what is wrong?"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
}

func TestBuildPromptWithoutContext(t *testing.T) {
	t.Parallel()

	got := BuildPrompt(PromptConfig{SystemPrompt: "persona"}, nil, conversation(1))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "persona", got.Messages[0].Content)
	assert.Zero(t, got.ContextID)

	empty := BuildPrompt(PromptConfig{SystemPrompt: "persona"}, &domain.ScreenContext{ID: 2}, conversation(1))
	assert.Equal(t, "persona", empty.Messages[0].Content)
	assert.Zero(t, empty.ContextID)
}

func TestBuildPromptKeepsNewestTurns(t *testing.T) {
	t.Parallel()

	got := BuildPrompt(PromptConfig{HistoryTurns: 10}, nil, conversation(12))
	require.Len(t, got.Messages, 10)
	assert.Equal(t, "turn 03", got.Messages[0].Content)
	assert.Equal(t, "turn 12", got.Messages[9].Content)
	assert.Equal(t, 2, got.DroppedTurns)
}

func TestBuildPromptCapsScreenTextAtSentence(t *testing.T) {
	t.Parallel()

	latest := &domain.ScreenContext{ID: 1, Text: "First sentence here. Second sentence is long."}
	got := BuildPrompt(PromptConfig{MaxContextChars: 30}, latest, nil)

	require.Len(t, got.Messages, 1)
	assert.Equal(t, fmt.Sprintf(screenContextTemplate, "First sentence here."), got.Messages[0].Content)
	assert.True(t, got.Truncated)
}

func TestBuildPromptDropsOldestTurnsToFitPayload(t *testing.T) {
	t.Parallel()

	history := conversation(5)
	history[4].Text = strings.Repeat("x", 50)
	cfg := PromptConfig{SystemPrompt: "persona", MaxPayloadChars: 7 + 50 + 7}

	got := BuildPrompt(cfg, nil, history)
	assert.LessOrEqual(t, got.Size(), cfg.MaxPayloadChars)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "turn 04", got.Messages[1].Content)
	assert.Equal(t, history[4].Text, got.Messages[2].Content)
	assert.Equal(t, 3, got.DroppedTurns)
}

func TestBuildPromptAlwaysKeepsLatestTurn(t *testing.T) {
	t.Parallel()

	history := []domain.Turn{{ID: 1, Role: domain.RoleUser, Text: strings.Repeat("q", 100)}}
	latest := &domain.ScreenContext{ID: 1, Text: "screen words"}
	got := BuildPrompt(PromptConfig{SystemPrompt: "persona", MaxPayloadChars: 50}, latest, history)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "persona", got.Messages[0].Content)
	assert.Equal(t, history[0].Text, got.Messages[1].Content)
	assert.Zero(t, got.ContextID)
	assert.True(t, got.Truncated)
}

func TestBuildPromptShrinksScreenBlockToFit(t *testing.T) {
	t.Parallel()

	screen := strings.Repeat("word ", 200)
	latest := &domain.ScreenContext{ID: 9, Text: strings.TrimSpace(screen)}
	history := []domain.Turn{{ID: 1, Role: domain.RoleUser, Text: "help"}}
	cfg := PromptConfig{SystemPrompt: "persona", MaxContextChars: 2000, MaxPayloadChars: 400}

	got := BuildPrompt(cfg, latest, history)
	assert.LessOrEqual(t, got.Size(), cfg.MaxPayloadChars)
	assert.Equal(t, uint64(9), got.ContextID)
	assert.True(t, got.Truncated)
	assert.True(t, strings.HasPrefix(got.Messages[0].Content, "persona\n\nCurrent screen context:\nword word"))
	assert.NotContains(t, got.Messages[0].Content, "wor\n")
}

func TestCutAtBoundary(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", cutAtBoundary("short", 10))
	assert.Equal(t, "alpha beta", cutAtBoundary("alpha beta gamma", 12))
	assert.Equal(t, "abcdefgh", cutAtBoundary("abcdefghijkl", 8))
	assert.Equal(t, "héllo", cutAtBoundary("héllo wörld", 7))
	assert.Equal(t, "", cutAtBoundary("anything", 0))
}
