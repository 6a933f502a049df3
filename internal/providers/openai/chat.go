package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"sage/internal/domain"
)

// Config selects an OpenAI-compatible endpoint. Groq and OpenAI both work.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

func newClient(apiKey string, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	return openai.NewClientWithConfig(cfg)
}

// ChatClient implements ports.ModelClient over the chat completions stream.
type ChatClient struct {
	client *openai.Client
	cfg    Config
}

func NewChatClient(cfg Config) (*ChatClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("model API key is not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("model name is not configured")
	}
	return &ChatClient{client: newClient(cfg.APIKey, cfg.BaseURL), cfg: cfg}, nil
}

func (c *ChatClient) Stream(ctx context.Context, payload domain.PromptPayload, onFragment func(string) error) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toMessages(payload),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", wrapErr(ctx, err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), nil
		}
		if err != nil {
			return text.String(), wrapErr(ctx, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		fragment := resp.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		text.WriteString(fragment)
		if err := onFragment(fragment); err != nil {
			return text.String(), err
		}
	}
}

func toMessages(payload domain.PromptPayload) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case domain.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case domain.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return messages
}

// wrapErr keeps context errors unwrapped so callers can tell a cancel from
// a provider failure.
func wrapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", domain.ErrGeneration, err)
}
