// Package config provides configuration management for the sidekick runtime.
// It loads settings from environment variables with the SIDEKICK_ prefix
// (optionally seeded from a .env file) and the personality definition from a
// YAML file. The resulting Config is built once at startup and passed into
// each component's constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration settings for the sidekick.
type Config struct {
	System      SystemConfig
	LLM         LLMConfig
	RateLimits  RateLimitConfig
	Retry       RetryConfig
	Speech      SpeechConfig
	Avatar      AvatarConfig
	YouTube     YouTubeConfig
	Voice       VoiceConfig
	Safety      SafetyConfig
	Personality Personality
}

// SystemConfig contains runtime loop and process settings.
type SystemConfig struct {
	LogLevel         string        // debug, info, warn, error (default: info)
	LogFormat        string        // console or json (default: console)
	TickInterval     time.Duration // Sleep between loop ticks (default: 1s)
	QueueSize        int           // Priority queue capacity (default: 1000)
	IdleProbability  float64       // Chance per empty IDLE tick of an idle decision (default: 0.15)
	DecisionTimeout  time.Duration // Upper bound for a single decision (default: 45s)
	ShutdownTimeout  time.Duration // Upper bound for the shutdown sequence (default: 20s)
	StatsInterval    time.Duration // Housekeeping stats interval (default: 1m)
	DataPath         string        // Data directory for the journal (default: ./data)
	StatusAddr       string        // Status server listen address, empty disables (default: "")
	PersonalityPath  string        // Personality YAML path (default: config/personality.yaml)
	WatchPersonality bool          // Reload personality on file change (default: true)
}

// LLMConfig contains decision backend configuration.
type LLMConfig struct {
	Provider        string        // anthropic, openai, ollama, gemini (default: anthropic)
	AnthropicAPIKey string        // Anthropic API key
	AnthropicModel  string        // Anthropic model (default: claude-sonnet-4-20250514)
	OpenAIAPIKey    string        // OpenAI API key
	OpenAIModel     string        // OpenAI model (default: gpt-4o-mini)
	OpenAIBaseURL   string        // OpenAI-compatible base URL (default: https://api.openai.com)
	OllamaURL       string        // Ollama API URL (default: http://localhost:11434)
	OllamaModel     string        // Ollama model (default: qwen2.5:7b)
	GeminiAPIKey    string        // Gemini API key
	GeminiModel     string        // Gemini model (default: gemini-2.0-flash)
	RequestTimeout  time.Duration // Per HTTP call timeout (default: 60s)
}

// RateLimitConfig contains budget settings for the decision backend and TTS.
type RateLimitConfig struct {
	DecisionMaxRPM      int // Sliding-window requests per minute (default: 50)
	MaxContextTokens    int // Estimated prompt budget before shrinking (default: 2000)
	MaxOutputTokens     int // Output cap enforced by the decision client (default: 1000)
	TTSMaxCharsPerMonth int // Informational TTS budget (default: 100000)
}

// RetryConfig contains retry-with-backoff settings for the decision backend.
type RetryConfig struct {
	MaxAttempts int           // Total attempts including the first (default: 3)
	BaseDelay   time.Duration // First backoff delay (default: 2s)
	MaxDelay    time.Duration // Backoff ceiling (default: 10s)
}

// SpeechConfig contains text-to-speech settings.
type SpeechConfig struct {
	ElevenLabsAPIKey string // ElevenLabs API key
	ModelID          string // ElevenLabs model (default: eleven_turbo_v2_5)
	PlayerCommand    string // Command used to play an audio file; {file} is substituted (default: ffplay)
	MaxChars         int    // Speech length cap (default: 500)
}

// AvatarConfig contains VTube Studio connection settings.
type AvatarConfig struct {
	Host       string // VTube Studio host (default: localhost)
	Port       int    // VTube Studio port (default: 8001)
	Token      string // Plugin authentication token
	PluginName string // Plugin name shown in VTube Studio (default: Sidekick)
	Developer  string // Plugin developer shown in VTube Studio
	UseHotkeys bool   // Trigger hotkeys instead of injecting parameters (default: true)
	Required   bool   // Abort startup when the avatar is unreachable (default: true)
}

// YouTubeConfig contains live chat settings.
type YouTubeConfig struct {
	APIKey       string        // YouTube Data API key
	VideoID      string        // Live video ID; empty disables chat
	PollInterval time.Duration // Minimum poll interval (default: 2s)
}

// VoiceConfig contains operator speech input settings.
type VoiceConfig struct {
	Enabled bool   // Read transcribed operator speech (default: true)
	Source  string // "stdin" or a file/FIFO path (default: stdin)
}

// SafetyConfig contains physical input safety settings.
type SafetyConfig struct {
	EnableInput         bool // Allow control-input actions at all (default: false)
	DryRun              bool // Log control inputs instead of executing them (default: true)
	MaxActionsPerSecond int  // Physical input rate cap (default: 10)
}

// LoadConfig loads configuration from an optional .env file, environment
// variables and the personality file. envFile may be empty, in which case
// ".env" is tried and silently skipped when absent.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := buildBaseConfig()

	// An explicitly empty SIDEKICK_PERSONALITY_PATH selects the built-in
	// personality; a missing file at the default path does the same.
	if path, ok := os.LookupEnv("SIDEKICK_PERSONALITY_PATH"); ok && path == "" {
		cfg.System.PersonalityPath = ""
	} else if !ok {
		if _, err := os.Stat(cfg.System.PersonalityPath); errors.Is(err, os.ErrNotExist) {
			cfg.System.PersonalityPath = ""
		}
	}

	personality, err := LoadPersonality(cfg.System.PersonalityPath)
	if err != nil {
		return nil, err
	}
	if voiceID := getEnv("SIDEKICK_ELEVENLABS_VOICE_ID", ""); voiceID != "" {
		personality.Voice.VoiceID = voiceID
	}
	cfg.Personality = personality

	return cfg, nil
}

// Validate checks that the credentials required by the selected providers are
// present and that numeric settings are in range. All problems are reported.
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case "anthropic", "":
		if c.LLM.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("SIDEKICK_ANTHROPIC_API_KEY is not set"))
		}
	case "openai":
		if c.LLM.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("SIDEKICK_OPENAI_API_KEY is not set"))
		}
	case "gemini":
		if c.LLM.GeminiAPIKey == "" {
			errs = append(errs, errors.New("SIDEKICK_GEMINI_API_KEY is not set"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM provider %q", c.LLM.Provider))
	}

	if c.Speech.ElevenLabsAPIKey == "" {
		errs = append(errs, errors.New("SIDEKICK_ELEVENLABS_API_KEY is not set"))
	}
	if c.Personality.Voice.VoiceID == "" {
		errs = append(errs, errors.New("SIDEKICK_ELEVENLABS_VOICE_ID is not set"))
	}
	if c.Avatar.Required && c.Avatar.Token == "" {
		errs = append(errs, errors.New("SIDEKICK_VTUBE_TOKEN is not set (can be obtained after first connection)"))
	}
	if c.YouTube.VideoID != "" && c.YouTube.APIKey == "" {
		errs = append(errs, errors.New("SIDEKICK_YOUTUBE_API_KEY is required when SIDEKICK_YOUTUBE_VIDEO_ID is set"))
	}

	if c.System.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size must be >= 1, got %d", c.System.QueueSize))
	}
	if c.System.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be > 0, got %v", c.System.TickInterval))
	}
	if c.System.IdleProbability < 0 || c.System.IdleProbability > 1 {
		errs = append(errs, fmt.Errorf("idle probability must be in [0,1], got %v", c.System.IdleProbability))
	}
	if c.RateLimits.DecisionMaxRPM < 1 {
		errs = append(errs, fmt.Errorf("decision max RPM must be >= 1, got %d", c.RateLimits.DecisionMaxRPM))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry attempts must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Safety.MaxActionsPerSecond < 1 {
		errs = append(errs, fmt.Errorf("max actions per second must be >= 1, got %d", c.Safety.MaxActionsPerSecond))
	}

	return errors.Join(errs...)
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:         getEnv("SIDEKICK_LOG_LEVEL", "info"),
			LogFormat:        getEnv("SIDEKICK_LOG_FORMAT", "console"),
			TickInterval:     getEnvDuration("SIDEKICK_TICK_INTERVAL", time.Second),
			QueueSize:        getEnvInt("SIDEKICK_QUEUE_SIZE", 1000),
			IdleProbability:  getEnvFloat("SIDEKICK_IDLE_PROBABILITY", 0.15),
			DecisionTimeout:  getEnvDuration("SIDEKICK_DECISION_TIMEOUT", 45*time.Second),
			ShutdownTimeout:  getEnvDuration("SIDEKICK_SHUTDOWN_TIMEOUT", 20*time.Second),
			StatsInterval:    getEnvDuration("SIDEKICK_STATS_INTERVAL", time.Minute),
			DataPath:         getEnv("SIDEKICK_DATA_PATH", "./data"),
			StatusAddr:       getEnv("SIDEKICK_STATUS_ADDR", ""),
			PersonalityPath:  getEnv("SIDEKICK_PERSONALITY_PATH", "config/personality.yaml"),
			WatchPersonality: getEnvBool("SIDEKICK_WATCH_PERSONALITY", true),
		},
		LLM: LLMConfig{
			Provider:        getEnv("SIDEKICK_LLM_PROVIDER", "anthropic"),
			AnthropicAPIKey: getEnv("SIDEKICK_ANTHROPIC_API_KEY", ""),
			AnthropicModel:  getEnv("SIDEKICK_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			OpenAIAPIKey:    getEnv("SIDEKICK_OPENAI_API_KEY", ""),
			OpenAIModel:     getEnv("SIDEKICK_OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL:   getEnv("SIDEKICK_OPENAI_BASE_URL", "https://api.openai.com"),
			OllamaURL:       getEnv("SIDEKICK_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:     getEnv("SIDEKICK_OLLAMA_MODEL", "qwen2.5:7b"),
			GeminiAPIKey:    getEnv("SIDEKICK_GEMINI_API_KEY", ""),
			GeminiModel:     getEnv("SIDEKICK_GEMINI_MODEL", "gemini-2.0-flash"),
			RequestTimeout:  getEnvDuration("SIDEKICK_LLM_TIMEOUT", 60*time.Second),
		},
		RateLimits: RateLimitConfig{
			DecisionMaxRPM:      getEnvInt("SIDEKICK_DECISION_MAX_RPM", 50),
			MaxContextTokens:    getEnvInt("SIDEKICK_MAX_CONTEXT_TOKENS", 2000),
			MaxOutputTokens:     getEnvInt("SIDEKICK_MAX_OUTPUT_TOKENS", 1000),
			TTSMaxCharsPerMonth: getEnvInt("SIDEKICK_TTS_MAX_CHARS_PER_MONTH", 100000),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("SIDEKICK_RETRY_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("SIDEKICK_RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:    getEnvDuration("SIDEKICK_RETRY_MAX_DELAY", 10*time.Second),
		},
		Speech: SpeechConfig{
			ElevenLabsAPIKey: getEnv("SIDEKICK_ELEVENLABS_API_KEY", ""),
			ModelID:          getEnv("SIDEKICK_ELEVENLABS_MODEL", "eleven_turbo_v2_5"),
			PlayerCommand:    getEnv("SIDEKICK_PLAYER_COMMAND", "ffplay -nodisp -autoexit -loglevel quiet {file}"),
			MaxChars:         getEnvInt("SIDEKICK_SPEECH_MAX_CHARS", 500),
		},
		Avatar: AvatarConfig{
			Host:       getEnv("SIDEKICK_VTUBE_HOST", "localhost"),
			Port:       getEnvInt("SIDEKICK_VTUBE_PORT", 8001),
			Token:      getEnv("SIDEKICK_VTUBE_TOKEN", ""),
			PluginName: getEnv("SIDEKICK_VTUBE_PLUGIN_NAME", "Sidekick"),
			Developer:  getEnv("SIDEKICK_VTUBE_PLUGIN_DEVELOPER", "Sidekick Project"),
			UseHotkeys: getEnvBool("SIDEKICK_VTUBE_USE_HOTKEYS", true),
			Required:   getEnvBool("SIDEKICK_VTUBE_REQUIRED", true),
		},
		YouTube: YouTubeConfig{
			APIKey:       getEnv("SIDEKICK_YOUTUBE_API_KEY", ""),
			VideoID:      getEnv("SIDEKICK_YOUTUBE_VIDEO_ID", ""),
			PollInterval: getEnvDuration("SIDEKICK_YOUTUBE_POLL_INTERVAL", 2*time.Second),
		},
		Voice: VoiceConfig{
			Enabled: getEnvBool("SIDEKICK_VOICE_ENABLED", true),
			Source:  getEnv("SIDEKICK_VOICE_SOURCE", "stdin"),
		},
		Safety: SafetyConfig{
			EnableInput:         getEnvBool("SIDEKICK_ENABLE_INPUT", false),
			DryRun:              getEnvBool("SIDEKICK_INPUT_DRY_RUN", true),
			MaxActionsPerSecond: getEnvInt("SIDEKICK_MAX_ACTIONS_PER_SECOND", 10),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("1.5s") as well as bare
// numbers, which are read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
