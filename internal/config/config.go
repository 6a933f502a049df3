package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultPersona = `You are SAGE, a helpful desktop AI assistant. You can see the text on the user's screen.

Key behaviors:
- Be concise but helpful
- Use screen context to provide relevant assistance
- Offer actionable suggestions based on what's visible
- Ask clarifying questions when needed`

// Config stores runtime configuration for the assistant.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Fallback FallbackConfig `yaml:"fallback"`
	Speech   SpeechConfig   `yaml:"speech"`
	Audio    AudioConfig    `yaml:"audio"`
	Screen   ScreenConfig   `yaml:"screen"`
	Prompt   PromptConfig   `yaml:"prompt"`
	Store    StoreConfig    `yaml:"store"`
	Rules    RulesConfig    `yaml:"rules"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ModelConfig struct {
	Provider       string        `yaml:"provider"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Temperature    float32       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

type DeepgramConfig struct {
	APIKey      string `yaml:"api_key"`
	APIBaseURL  string `yaml:"api_base_url"`
	Model       string `yaml:"model"`
	Language    string `yaml:"language"`
	SmartFormat bool   `yaml:"smart_format"`
}

type FallbackConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type SpeechConfig struct {
	SpeakResponses bool   `yaml:"speak_responses"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	Voice          string `yaml:"voice"`
	PlayerCommand  string `yaml:"player_command"`
}

type AudioConfig struct {
	RecorderCommand string        `yaml:"recorder_command"`
	InputFormat     string        `yaml:"input_format"`
	InputDevice     string        `yaml:"input_device"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	ChunkSize       int           `yaml:"chunk_size"`
	ListenTimeout   time.Duration `yaml:"listen_timeout"`
	PhraseEnd       time.Duration `yaml:"phrase_end"`
	PhraseLimit     time.Duration `yaml:"phrase_limit"`
	SpeechThreshold float64       `yaml:"speech_threshold"`
	SessionDeadline time.Duration `yaml:"session_deadline"`
}

type ScreenConfig struct {
	Enabled             bool          `yaml:"enabled"`
	CaptureCommand      string        `yaml:"capture_command"`
	OCRCommand          string        `yaml:"ocr_command"`
	OCRLanguage         string        `yaml:"ocr_language"`
	Interval            time.Duration `yaml:"interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	Region              string        `yaml:"region"`
	RingSize            int           `yaml:"ring_size"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout"`
}

type PromptConfig struct {
	SystemPrompt    string `yaml:"system_prompt"`
	HistoryTurns    int    `yaml:"history_turns"`
	MaxContextChars int    `yaml:"max_context_chars"`
	MaxPayloadChars int    `yaml:"max_payload_chars"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	MaxTurns      int           `yaml:"max_turns"`
	MaxContexts   int           `yaml:"max_contexts"`
	MaxAge        time.Duration `yaml:"max_age"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type RulesConfig struct {
	Path           string `yaml:"path"`
	IterationLimit int    `yaml:"iteration_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when nothing is overridden.
func Default(home string) Config {
	dataDir := filepath.Join(home, ".local", "share", "sage")
	return Config{
		Model: ModelConfig{
			Provider:       "openai",
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "openai/gpt-oss-20b",
			Temperature:    0.7,
			MaxTokens:      500,
			RequestTimeout: 60 * time.Second,
			MaxAttempts:    3,
			RetryBackoff:   500 * time.Millisecond,
		},
		Deepgram: DeepgramConfig{
			APIBaseURL:  "https://api.deepgram.com/v1",
			Model:       "nova-2",
			SmartFormat: true,
		},
		Fallback: FallbackConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "whisper-1",
		},
		Speech: SpeechConfig{
			SpeakResponses: true,
			BaseURL:        "https://api.openai.com/v1",
			Model:          "tts-1",
			Voice:          "alloy",
			PlayerCommand:  "ffplay",
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkSize:       4096,
			ListenTimeout:   5 * time.Second,
			PhraseEnd:       time.Second,
			PhraseLimit:     10 * time.Second,
			SpeechThreshold: 500,
			SessionDeadline: 30 * time.Second,
		},
		Screen: ScreenConfig{
			Enabled:             true,
			CaptureCommand:      "grim",
			OCRCommand:          "tesseract",
			OCRLanguage:         "eng",
			Interval:            5 * time.Second,
			MaxInterval:         30 * time.Second,
			ConfidenceThreshold: 0.5,
			RingSize:            8,
			CycleTimeout:        20 * time.Second,
		},
		Prompt: PromptConfig{
			SystemPrompt:    defaultPersona,
			HistoryTurns:    10,
			MaxContextChars: 2000,
			MaxPayloadChars: 12000,
		},
		Store: StoreConfig{
			Backend:       "badger",
			Path:          filepath.Join(dataDir, "history"),
			MaxTurns:      1000,
			MaxContexts:   2000,
			PruneInterval: 24 * time.Hour,
		},
		Rules: RulesConfig{
			Path:           filepath.Join(home, ".config", "sage", "substitutions.rules"),
			IterationLimit: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   filepath.Join(dataDir, "logs", "sage.log"),
		},
	}
}

// Load resolves configuration from defaults, an optional YAML file, and
// environment variables, in that order.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := Default(home)

	path := strings.TrimSpace(os.Getenv("SAGE_CONFIG_FILE"))
	if path == "" {
		path = filepath.Join(home, ".config", "sage", "config.yaml")
	}
	if err := loadFile(path, &cfg); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	normalize(&cfg, Default(home))
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Model.Provider = envOrDefault("SAGE_MODEL_PROVIDER", cfg.Model.Provider)
	cfg.Model.APIKey = firstNonEmpty(os.Getenv("SAGE_MODEL_API_KEY"), os.Getenv("GROQ_API_KEY"), cfg.Model.APIKey)
	cfg.Model.BaseURL = envOrDefault("SAGE_MODEL_BASE_URL", cfg.Model.BaseURL)
	cfg.Model.Model = envOrDefault("SAGE_MODEL", cfg.Model.Model)
	cfg.Model.Temperature = float32(envOrDefaultFloat("SAGE_MODEL_TEMPERATURE", float64(cfg.Model.Temperature)))
	cfg.Model.MaxTokens = envOrDefaultInt("SAGE_MODEL_MAX_TOKENS", cfg.Model.MaxTokens)
	cfg.Model.RequestTimeout = envOrDefaultDuration("SAGE_MODEL_TIMEOUT", cfg.Model.RequestTimeout)
	cfg.Model.MaxAttempts = envOrDefaultInt("SAGE_MODEL_MAX_ATTEMPTS", cfg.Model.MaxAttempts)
	cfg.Model.RetryBackoff = envOrDefaultDuration("SAGE_MODEL_RETRY_BACKOFF", cfg.Model.RetryBackoff)

	cfg.Deepgram.APIKey = firstNonEmpty(os.Getenv("DEEPGRAM_API_KEY"), cfg.Deepgram.APIKey)
	cfg.Deepgram.APIBaseURL = envOrDefault("DEEPGRAM_API_BASE", cfg.Deepgram.APIBaseURL)
	cfg.Deepgram.Model = envOrDefault("DEEPGRAM_MODEL", cfg.Deepgram.Model)
	cfg.Deepgram.Language = envOrDefault("DEEPGRAM_LANGUAGE", cfg.Deepgram.Language)
	cfg.Deepgram.SmartFormat = envOrDefaultBool("DEEPGRAM_SMART_FORMAT", cfg.Deepgram.SmartFormat)

	cfg.Fallback.APIKey = firstNonEmpty(os.Getenv("SAGE_FALLBACK_API_KEY"), os.Getenv("OPENAI_API_KEY"), cfg.Fallback.APIKey)
	cfg.Fallback.BaseURL = envOrDefault("SAGE_FALLBACK_BASE_URL", cfg.Fallback.BaseURL)
	cfg.Fallback.Model = envOrDefault("SAGE_FALLBACK_MODEL", cfg.Fallback.Model)

	cfg.Speech.SpeakResponses = envOrDefaultBool("SAGE_SPEAK_RESPONSES", cfg.Speech.SpeakResponses)
	cfg.Speech.APIKey = firstNonEmpty(os.Getenv("SAGE_TTS_API_KEY"), os.Getenv("OPENAI_API_KEY"), cfg.Speech.APIKey)
	cfg.Speech.Voice = envOrDefault("SAGE_TTS_VOICE", cfg.Speech.Voice)
	cfg.Speech.PlayerCommand = envOrDefault("SAGE_TTS_PLAYER", cfg.Speech.PlayerCommand)

	cfg.Audio.RecorderCommand = envOrDefault("SAGE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("SAGE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("SAGE_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("SAGE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("SAGE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ListenTimeout = envOrDefaultDuration("SAGE_LISTEN_TIMEOUT", cfg.Audio.ListenTimeout)
	cfg.Audio.PhraseEnd = envOrDefaultDuration("SAGE_PHRASE_END", cfg.Audio.PhraseEnd)

	cfg.Screen.Enabled = envOrDefaultBool("SAGE_SCREEN_ENABLED", cfg.Screen.Enabled)
	cfg.Screen.CaptureCommand = envOrDefault("SAGE_SCREEN_COMMAND", cfg.Screen.CaptureCommand)
	cfg.Screen.OCRCommand = envOrDefault("SAGE_OCR_COMMAND", cfg.Screen.OCRCommand)
	cfg.Screen.Interval = envOrDefaultDuration("SAGE_SCREEN_INTERVAL", cfg.Screen.Interval)
	cfg.Screen.ConfidenceThreshold = envOrDefaultFloat("SAGE_OCR_CONFIDENCE", cfg.Screen.ConfidenceThreshold)
	cfg.Screen.Region = envOrDefault("SAGE_SCREEN_REGION", cfg.Screen.Region)

	cfg.Prompt.HistoryTurns = envOrDefaultInt("SAGE_HISTORY_TURNS", cfg.Prompt.HistoryTurns)

	cfg.Store.Backend = envOrDefault("SAGE_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = envOrDefault("SAGE_STORE_PATH", cfg.Store.Path)
	cfg.Store.MaxTurns = envOrDefaultInt("SAGE_STORE_MAX_TURNS", cfg.Store.MaxTurns)

	cfg.Rules.Path = envOrDefault("SAGE_RULES_FILE", cfg.Rules.Path)

	cfg.Logging.Level = envOrDefault("SAGE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOrDefault("SAGE_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = envOrDefault("SAGE_LOG_FILE", cfg.Logging.File)
}

func normalize(cfg *Config, def Config) {
	if cfg.Model.MaxAttempts <= 0 {
		cfg.Model.MaxAttempts = def.Model.MaxAttempts
	}
	if cfg.Model.RequestTimeout <= 0 {
		cfg.Model.RequestTimeout = def.Model.RequestTimeout
	}
	if cfg.Model.RetryBackoff < 0 {
		cfg.Model.RetryBackoff = def.Model.RetryBackoff
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = def.Audio.SampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = def.Audio.Channels
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = def.Audio.ChunkSize
	}
	if cfg.Audio.ListenTimeout <= 0 {
		cfg.Audio.ListenTimeout = def.Audio.ListenTimeout
	}
	if cfg.Audio.PhraseEnd <= 0 {
		cfg.Audio.PhraseEnd = def.Audio.PhraseEnd
	}
	if cfg.Audio.PhraseLimit <= 0 {
		cfg.Audio.PhraseLimit = def.Audio.PhraseLimit
	}
	if cfg.Audio.SessionDeadline <= 0 {
		cfg.Audio.SessionDeadline = def.Audio.SessionDeadline
	}
	if cfg.Screen.Interval <= 0 {
		cfg.Screen.Interval = def.Screen.Interval
	}
	if cfg.Screen.MaxInterval < cfg.Screen.Interval {
		cfg.Screen.MaxInterval = cfg.Screen.Interval
	}
	if cfg.Screen.ConfidenceThreshold < 0 || cfg.Screen.ConfidenceThreshold > 1 {
		cfg.Screen.ConfidenceThreshold = def.Screen.ConfidenceThreshold
	}
	if cfg.Screen.RingSize <= 0 {
		cfg.Screen.RingSize = def.Screen.RingSize
	}
	if cfg.Prompt.HistoryTurns <= 0 {
		cfg.Prompt.HistoryTurns = def.Prompt.HistoryTurns
	}
	if cfg.Prompt.MaxContextChars <= 0 {
		cfg.Prompt.MaxContextChars = def.Prompt.MaxContextChars
	}
	if cfg.Prompt.MaxPayloadChars <= 0 {
		cfg.Prompt.MaxPayloadChars = def.Prompt.MaxPayloadChars
	}
	if strings.TrimSpace(cfg.Prompt.SystemPrompt) == "" {
		cfg.Prompt.SystemPrompt = def.Prompt.SystemPrompt
	}
	switch cfg.Store.Backend {
	case "badger", "sqlite":
	default:
		cfg.Store.Backend = def.Store.Backend
	}
	if cfg.Store.PruneInterval <= 0 {
		cfg.Store.PruneInterval = def.Store.PruneInterval
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = def.Rules.IterationLimit
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// envOrDefaultDuration accepts Go durations ("1.5s") or bare milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		if ms < 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
