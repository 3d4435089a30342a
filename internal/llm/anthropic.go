package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	Model   string        // default: claude-sonnet-4-20250514
	BaseURL string        // default: https://api.anthropic.com
	Timeout time.Duration // default: 60s
	Logger  *zap.Logger
}

// AnthropicClient implements Completer using the Anthropic Messages API.
type AnthropicClient struct {
	cfg            AnthropicConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// NewAnthropicClient creates a new Anthropic client with the given configuration.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AnthropicClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		circuitBreaker: NewCircuitBreaker("anthropic", cfg.Logger),
	}
}

// anthropicMessagesRequest is the request body for POST /v1/messages.
type anthropicMessagesRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicMessagesResponse is the response body from POST /v1/messages.
type anthropicMessagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends a single-turn completion to Anthropic.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return Completion{}, fmt.Errorf("anthropic circuit breaker open: %w", err)
		}
		return Completion{}, err
	}
	return result.(Completion), nil
}

func (c *AnthropicClient) complete(ctx context.Context, cr CompletionRequest) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody := anthropicMessagesRequest{
		Model:       c.cfg.Model,
		MaxTokens:   cr.MaxTokens,
		System:      cr.SystemPrompt,
		Temperature: cr.Temperature,
		Messages: []anthropicMessage{
			{Role: "user", Content: cr.UserPrompt},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Completion{}, newAPIError("anthropic", resp, body)
	}

	var respData anthropicMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return Completion{}, fmt.Errorf("failed to decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range respData.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, fmt.Errorf("anthropic returned empty content")
	}

	model := respData.Model
	if model == "" {
		model = c.cfg.Model
	}
	return Completion{
		Text:         text.String(),
		Model:        model,
		InputTokens:  respData.Usage.InputTokens,
		OutputTokens: respData.Usage.OutputTokens,
	}, nil
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

// Compile-time assertion.
var _ Completer = (*AnthropicClient)(nil)
