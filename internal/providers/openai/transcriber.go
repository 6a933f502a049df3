package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"sage/internal/audio"
	"sage/internal/domain"
	"sage/internal/ports"
)

// Transcriber implements ports.SpeechRecognizer with the Whisper endpoint.
type Transcriber struct {
	client   *openai.Client
	model    string
	language string
}

func NewTranscriber(apiKey string, baseURL string, model string, language string) (*Transcriber, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("transcription API key is not configured")
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &Transcriber{client: newClient(apiKey, baseURL), model: model, language: language}, nil
}

func (t *Transcriber) Recognize(ctx context.Context, a ports.Audio) (string, error) {
	if len(a.PCM) == 0 {
		return "", fmt.Errorf("%w: no audio", domain.ErrRecognition)
	}
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "speech.wav",
		Reader:   bytes.NewReader(audio.EncodeWAV(a)),
		Language: t.language,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", domain.ErrRecognition, err)
	}
	return strings.TrimSpace(resp.Text), nil
}
