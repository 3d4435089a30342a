package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey  string
	Model   string        // default: gemini-2.0-flash
	BaseURL string        // optional override, used by tests
	Timeout time.Duration // default: 60s
	Logger  *zap.Logger
}

// GeminiClient implements Completer using Google's GenAI SDK.
type GeminiClient struct {
	cfg            GeminiConfig
	client         *genai.Client
	circuitBreaker *CircuitBreaker
}

// NewGeminiClient creates a Gemini client. The SDK client is created eagerly
// so that a bad key or config fails at startup.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		cfg:            cfg,
		client:         client,
		circuitBreaker: NewCircuitBreaker("gemini", cfg.Logger),
	}, nil
}

// Complete sends a single-turn generation request to Gemini.
func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return Completion{}, fmt.Errorf("gemini circuit breaker open: %w", err)
		}
		return Completion{}, err
	}
	return result.(Completion), nil
}

func (c *GeminiClient) complete(ctx context.Context, cr CompletionRequest) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(cr.Temperature)),
		MaxOutputTokens: int32(cr.MaxTokens),
	}
	if cr.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(cr.SystemPrompt, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model,
		[]*genai.Content{genai.NewContentFromText(cr.UserPrompt, genai.RoleUser)},
		genCfg,
	)
	if err != nil {
		return Completion{}, mapGeminiError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Completion{}, fmt.Errorf("gemini returned empty content")
	}

	out := Completion{Text: text, Model: c.cfg.Model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// mapGeminiError converts SDK API errors into *APIError so the retry policy
// treats every backend alike.
func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "gemini", StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &APIError{Provider: "gemini", StatusCode: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return fmt.Errorf("GenAI generate failed: %w", err)
}

// GetModel returns the configured model name.
func (c *GeminiClient) GetModel() string {
	return c.cfg.Model
}

// Compile-time assertion.
var _ Completer = (*GeminiClient)(nil)
