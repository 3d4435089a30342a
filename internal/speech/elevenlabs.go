// Package speech synthesizes the sidekick's lines with ElevenLabs and plays
// them back one at a time.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/scrypster/sidekick/internal/config"
	"github.com/scrypster/sidekick/internal/llm"
	"go.uber.org/zap"
)

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ElevenLabsConfig holds configuration for the ElevenLabs client.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	ModelID string        // default: eleven_turbo_v2_5
	BaseURL string        // default: https://api.elevenlabs.io
	Timeout time.Duration // default: 30s
	Voice   config.VoiceSettings
	Logger  *zap.Logger
}

// ElevenLabsClient implements Synthesizer with the text-to-speech endpoint.
type ElevenLabsClient struct {
	cfg            ElevenLabsConfig
	client         *http.Client
	circuitBreaker *llm.CircuitBreaker
	logger         *zap.Logger
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ElevenLabsClient{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: llm.NewCircuitBreaker("elevenlabs", cfg.Logger),
		logger:         cfg.Logger.Named("elevenlabs"),
	}
}

type ttsRequest struct {
	Text          string           `json:"text"`
	ModelID       string           `json:"model_id"`
	VoiceSettings ttsVoiceSettings `json:"voice_settings"`
}

type ttsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Synthesize returns MP3 audio for text.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.cfg.VoiceID == "" {
		return nil, errors.New("speech: no voice configured")
	}
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.synthesize(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("speech: synthesis failed: %w", err)
	}
	return result.([]byte), nil
}

func (c *ElevenLabsClient) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: c.cfg.ModelID,
		VoiceSettings: ttsVoiceSettings{
			Stability:       c.cfg.Voice.Stability,
			SimilarityBoost: c.cfg.Voice.SimilarityBoost,
			Style:           c.cfg.Voice.Style,
			UseSpeakerBoost: c.cfg.Voice.UseSpeakerBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(c.cfg.VoiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &llm.APIError{Provider: "elevenlabs", StatusCode: resp.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		return nil, errors.New("elevenlabs returned no audio")
	}

	c.logger.Debug("synthesized speech", zap.Int("chars", len(text)), zap.Int("bytes", len(data)))
	return data, nil
}

var _ Synthesizer = (*ElevenLabsClient)(nil)
