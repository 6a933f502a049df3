package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type player interface {
	Play(ctx context.Context, r io.Reader) error
}

// Speaker implements ports.SpeechSynthesizer: text is rendered by the speech
// endpoint and handed to a local player.
type Speaker struct {
	client *openai.Client
	model  string
	voice  string
	player player
}

func NewSpeaker(apiKey string, baseURL string, model string, voice string, p player) (*Speaker, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("speech API key is not configured")
	}
	if p == nil {
		return nil, errors.New("speech player is required")
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &Speaker{client: newClient(apiKey, baseURL), model: model, voice: voice, player: p}, nil
}

func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	if err := s.player.Play(ctx, resp); err != nil {
		return fmt.Errorf("speech playback failed: %w", err)
	}
	return nil
}
