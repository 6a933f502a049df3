package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sage/internal/audio"
	"sage/internal/config"
	"sage/internal/logging"
	"sage/internal/ports"
	"sage/internal/providers/deepgram"
	"sage/internal/providers/gemini"
	"sage/internal/providers/openai"
	"sage/internal/rules"
	"sage/internal/screen"
	"sage/internal/store"
	"sage/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Orchestrator *usecase.Orchestrator
	Config       config.Config
	Logger       *zap.Logger
}

// Build loads configuration and wires all backend dependencies.
func Build(ctx context.Context, eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return Services{}, err
	}
	return BuildWith(ctx, cfg, logger, eventSink)
}

// BuildWith wires the runtime graph from an already resolved configuration.
func BuildWith(ctx context.Context, cfg config.Config, logger *zap.Logger, eventSink ports.EventSink) (Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rulesEngine, err := rules.Load(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	model, err := newModelClient(ctx, cfg.Model)
	if err != nil {
		return Services{}, err
	}

	conversations, err := store.Open(cfg.Store, logger.Named("store"))
	if err != nil {
		return Services{}, err
	}

	deps := usecase.Dependencies{
		Audio: audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand, ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		}, cfg.Audio.ChunkSize, cfg.Audio.SpeechThreshold),
		Recognizer: deepgram.NewRecognizer(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}),
		Rules:  rulesEngine,
		Model:  model,
		Store:  conversations,
		Events: eventSink,
		Tasks:  []usecase.BackgroundTask{store.NewPruner(conversations, cfg.Store, logger.Named("retention"))},
	}

	if cfg.Screen.Enabled {
		if err := wireScreen(cfg.Screen, &deps); err != nil {
			return Services{}, multierr.Append(err, conversations.Close())
		}
	}

	if strings.TrimSpace(cfg.Fallback.APIKey) != "" {
		fallback, err := openai.NewTranscriber(cfg.Fallback.APIKey, cfg.Fallback.BaseURL, cfg.Fallback.Model, cfg.Fallback.Language)
		if err != nil {
			return Services{}, multierr.Append(err, conversations.Close())
		}
		deps.Fallback = fallback
	} else {
		logger.Info("no fallback recognizer configured")
	}

	if cfg.Speech.SpeakResponses {
		speaker, err := openai.NewSpeaker(cfg.Speech.APIKey, cfg.Speech.BaseURL, cfg.Speech.Model, cfg.Speech.Voice, audio.NewPlayer(cfg.Speech.PlayerCommand))
		if err != nil {
			logger.Warn("spoken responses disabled", zap.Error(err))
		} else {
			deps.Speaker = speaker
		}
	}

	orchestrator, err := usecase.NewOrchestrator(deps, orchestratorConfig(cfg, deps.Speaker != nil), logger)
	if err != nil {
		return Services{}, multierr.Append(err, conversations.Close())
	}

	return Services{Orchestrator: orchestrator, Config: cfg, Logger: logger}, nil
}

func newModelClient(ctx context.Context, cfg config.ModelConfig) (ports.ModelClient, error) {
	switch cfg.Provider {
	case "gemini":
		client, err := gemini.NewChatClient(ctx, gemini.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "", "openai", "groq":
		client, err := openai.NewChatClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}

func wireScreen(cfg config.ScreenConfig, deps *usecase.Dependencies) error {
	region, err := screen.ParseRegion(cfg.Region)
	if err != nil {
		return err
	}
	source, err := screen.NewCommandSource(cfg.CaptureCommand, region)
	if err != nil {
		return err
	}
	deps.Screen = source
	deps.Extractor = screen.NewTesseractExtractor(cfg.OCRCommand, cfg.OCRLanguage)
	return nil
}

func orchestratorConfig(cfg config.Config, speak bool) usecase.Config {
	return usecase.Config{
		Capture: usecase.CaptureConfig{
			Interval:            cfg.Screen.Interval,
			MaxInterval:         cfg.Screen.MaxInterval,
			ConfidenceThreshold: cfg.Screen.ConfidenceThreshold,
			CycleTimeout:        cfg.Screen.CycleTimeout,
		},
		Voice: usecase.VoiceConfig{
			Listen: ports.ListenOptions{
				Timeout:     cfg.Audio.ListenTimeout,
				PhraseEnd:   cfg.Audio.PhraseEnd,
				PhraseLimit: cfg.Audio.PhraseLimit,
			},
			Deadline: cfg.Audio.SessionDeadline,
		},
		Prompt: usecase.PromptConfig{
			SystemPrompt:    cfg.Prompt.SystemPrompt,
			HistoryTurns:    cfg.Prompt.HistoryTurns,
			MaxContextChars: cfg.Prompt.MaxContextChars,
			MaxPayloadChars: cfg.Prompt.MaxPayloadChars,
		},
		Generation: usecase.CoordinatorConfig{
			Timeout:     cfg.Model.RequestTimeout,
			MaxAttempts: cfg.Model.MaxAttempts,
			Backoff:     cfg.Model.RetryBackoff,
		},
		ContextRing:    cfg.Screen.RingSize,
		SpeakResponses: speak,
	}
}
