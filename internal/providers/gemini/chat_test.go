package gemini

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"sage/internal/domain"
)

func TestConvertSplitsSystemInstruction(t *testing.T) {
	t.Parallel()

	c := &ChatClient{cfg: Config{Model: "m", Temperature: 0.7, MaxTokens: 500}}
	cfg, contents := c.convert(domain.PromptPayload{Messages: []domain.PromptMessage{
		{Role: domain.RoleSystem, Content: "persona"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleUser, Content: "again"},
	}})

	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "persona", cfg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, int32(500), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.7, *cfg.Temperature, 1e-6)

	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, "again", contents[2].Parts[0].Text)
}

func TestChunkTextSkipsThoughts(t *testing.T) {
	t.Parallel()

	chunk := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "thinking", Thought: true},
			{Text: "answer"},
		}},
	}}}
	assert.Equal(t, "answer", chunkText(chunk))
	assert.Equal(t, "", chunkText(&genai.GenerateContentResponse{}))
}

func TestNewChatClientValidates(t *testing.T) {
	t.Parallel()

	_, err := NewChatClient(context.Background(), Config{Model: "m"})
	require.Error(t, err)
	_, err = NewChatClient(context.Background(), Config{APIKey: "k"})
	require.Error(t, err)
}

func TestStreamRelaysServerSentChunks(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			_, _ = io.WriteString(w, fmt.Sprintf(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":%q}]},"index":0}]}`+"\n\n", part))
		}
	}))
	defer server.Close()

	client, err := NewChatClient(context.Background(), Config{APIKey: "k", BaseURL: server.URL, Model: "gemini-test"})
	require.NoError(t, err)

	var fragments []string
	text, err := client.Stream(context.Background(), domain.PromptPayload{Messages: []domain.PromptMessage{
		{Role: domain.RoleUser, Content: "hi"},
	}}, func(f string) error {
		fragments = append(fragments, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, fragments)
}

func TestStreamRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	client, err := NewChatClient(context.Background(), Config{APIKey: "k", Model: "gemini-test"})
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), domain.PromptPayload{}, func(string) error { return nil })
	require.ErrorIs(t, err, domain.ErrGeneration)
}
