package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OllamaClient handles communication with the Ollama API for local inference.
// It wraps all HTTP calls with circuit breaker protection to prevent cascading failures.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name to use for completions (default: qwen2.5:7b)
	Model string

	// Timeout is the request timeout duration (default: 60s)
	Timeout time.Duration

	Logger *zap.Logger
}

// generateRequest represents the request body for /api/generate endpoint
type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// generateResponse represents the response from /api/generate endpoint
type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaClient creates a new Ollama client with the given configuration.
// If configuration values are not provided, the following defaults are used:
//   - BaseURL: http://localhost:11434
//   - Model: qwen2.5:7b
//   - Timeout: 60 seconds
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "qwen2.5:7b"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &OllamaClient{
		baseURL: config.BaseURL,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		circuitBreaker: NewCircuitBreaker("ollama", config.Logger),
		model:          config.Model,
		timeout:        config.Timeout,
	}
}

// Complete sends a completion request to Ollama.
// The request is wrapped with circuit breaker protection.
func (c *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, req)
	})

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return Completion{}, fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return Completion{}, err
	}

	return result.(Completion), nil
}

func (c *OllamaClient) complete(ctx context.Context, cr CompletionRequest) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := generateRequest{
		Model:  c.model,
		System: cr.SystemPrompt,
		Prompt: cr.UserPrompt,
		Stream: false,
		Options: generateOptions{
			Temperature: cr.Temperature,
			NumPredict:  cr.MaxTokens,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Completion{}, newAPIError("ollama", resp, body)
	}

	var respData generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return Completion{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return Completion{
		Text:         respData.Response,
		Model:        c.model,
		InputTokens:  respData.PromptEvalCount,
		OutputTokens: respData.EvalCount,
	}, nil
}

// HealthCheck verifies that Ollama is reachable by checking the /api/version endpoint.
// This does not use circuit breaker protection since it's a health check itself.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// Compile-time assertions.
var (
	_ Completer     = (*OllamaClient)(nil)
	_ HealthChecker = (*OllamaClient)(nil)
)
