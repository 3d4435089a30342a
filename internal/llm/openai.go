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

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: gpt-4o-mini
	BaseURL string        // default: https://api.openai.com
	Timeout time.Duration // default: 60s
	Logger  *zap.Logger
}

// OpenAIClient implements Completer using the OpenAI chat completions API.
// Any OpenAI-compatible server can be used through BaseURL.
type OpenAIClient struct {
	cfg            OpenAIConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// NewOpenAIClient creates a new OpenAI client with the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		circuitBreaker: NewCircuitBreaker("openai", cfg.Logger),
	}
}

// openAIChatRequest is the request body for POST /v1/chat/completions.
type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openAIChatResponse is the response body from POST /v1/chat/completions.
type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a single-turn chat completion to OpenAI.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return Completion{}, fmt.Errorf("openai circuit breaker open: %w", err)
		}
		return Completion{}, err
	}
	return result.(Completion), nil
}

func (c *OpenAIClient) complete(ctx context.Context, cr CompletionRequest) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := make([]openAIChatMessage, 0, 2)
	if cr.SystemPrompt != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: cr.SystemPrompt})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: cr.UserPrompt})

	reqBody := openAIChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: cr.Temperature,
		MaxTokens:   cr.MaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Completion{}, newAPIError("openai", resp, body)
	}

	var respData openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return Completion{}, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(respData.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai returned no choices")
	}

	model := respData.Model
	if model == "" {
		model = c.cfg.Model
	}
	return Completion{
		Text:         respData.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  respData.Usage.PromptTokens,
		OutputTokens: respData.Usage.CompletionTokens,
	}, nil
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

// Compile-time assertion.
var _ Completer = (*OpenAIClient)(nil)
