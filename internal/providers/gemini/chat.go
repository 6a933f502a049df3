package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"sage/internal/domain"
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// ChatClient implements ports.ModelClient over GenerateContentStream.
type ChatClient struct {
	client *genai.Client
	cfg    Config
}

func NewChatClient(ctx context.Context, cfg Config) (*ChatClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini API key is not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("model name is not configured")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &ChatClient{client: client, cfg: cfg}, nil
}

func (c *ChatClient) Stream(ctx context.Context, payload domain.PromptPayload, onFragment func(string) error) (string, error) {
	cfg, contents := c.convert(payload)
	if len(contents) == 0 {
		return "", fmt.Errorf("%w: no contents", domain.ErrGeneration)
	}

	var text strings.Builder
	for chunk, err := range c.client.Models.GenerateContentStream(ctx, c.cfg.Model, contents, cfg) {
		if err != nil {
			if ctx.Err() != nil {
				return text.String(), ctx.Err()
			}
			return text.String(), fmt.Errorf("%w: %v", domain.ErrGeneration, err)
		}
		fragment := chunkText(chunk)
		if fragment == "" {
			continue
		}
		text.WriteString(fragment)
		if err := onFragment(fragment); err != nil {
			return text.String(), err
		}
	}
	return text.String(), nil
}

func (c *ChatClient) convert(payload domain.PromptPayload) (*genai.GenerateContentConfig, []*genai.Content) {
	cfg := &genai.GenerateContentConfig{}
	if c.cfg.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if c.cfg.Temperature > 0 {
		temperature := c.cfg.Temperature
		cfg.Temperature = &temperature
	}

	var (
		system   []*genai.Part
		contents []*genai.Content
	)
	for _, m := range payload.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, genai.NewPartFromText(m.Content))
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: system}
	}
	return cfg, contents
}

func chunkText(chunk *genai.GenerateContentResponse) string {
	if chunk == nil || len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range chunk.Candidates[0].Content.Parts {
		if p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
