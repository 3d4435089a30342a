package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicClient_Complete(t *testing.T) {
	var got anthropicMessagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "SPEAK: hello chat"}],
			"usage": {"input_tokens": 42, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL})
	comp, err := client.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "be nice",
		UserPrompt:   "say hi",
		MaxTokens:    300,
		Temperature:  1.0,
	})
	require.NoError(t, err)

	assert.Equal(t, "SPEAK: hello chat", comp.Text)
	assert.Equal(t, 42, comp.InputTokens)
	assert.Equal(t, 7, comp.OutputTokens)
	assert.Equal(t, 49, comp.TotalTokens())

	assert.Equal(t, "be nice", got.System)
	assert.Equal(t, 300, got.MaxTokens)
	assert.InDelta(t, 1.0, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "say hi", got.Messages[0].Content)
}

func TestAnthropicClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	}))
	defer srv.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 529, apiErr.StatusCode)
	assert.True(t, IsTransient(err))
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "EMOTION: happy"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	comp, err := client.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "sys",
		UserPrompt:   "usr",
		MaxTokens:    200,
		Temperature:  0.8,
	})
	require.NoError(t, err)

	assert.Equal(t, "EMOTION: happy", comp.Text)
	assert.Equal(t, "gpt-4o-mini", comp.Model)
	assert.Equal(t, 13, comp.TotalTokens())
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, 200, got.MaxTokens)
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestOllamaClient_Complete(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"response": "THINK: quiet stream", "done": true, "prompt_eval_count": 30, "eval_count": 5}`))
		case "/api/version":
			_, _ = w.Write([]byte(`{"version": "0.5.0"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "llama3"})
	comp, err := client.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "sys",
		UserPrompt:   "usr",
		MaxTokens:    100,
		Temperature:  0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "THINK: quiet stream", comp.Text)
	assert.Equal(t, 35, comp.TotalTokens())
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, "sys", got.System)
	assert.False(t, got.Stream)
	assert.Equal(t, 100, got.Options.NumPredict)

	require.NoError(t, client.HealthCheck(context.Background()))
}

func TestCircuitBreaker_OpensOnTransientFailures(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CircuitBreakerConfig{
		Name:                 "test",
		MaxFailures:          2,
		Timeout:              time.Minute,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()
	fail := func() (interface{}, error) { return nil, serverError }

	_, err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, serverError)
	_, err = cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, serverError)
	assert.Equal(t, "open", cb.State())

	_, err = cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	m := cb.Metrics()
	assert.Equal(t, uint64(3), m.TotalRequests)
	assert.Equal(t, uint64(3), m.TotalFailures)
}

func TestCircuitBreaker_TerminalErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute})
	badRequest := &APIError{StatusCode: 400}

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, badRequest })
		assert.True(t, errors.Is(err, badRequest))
	}
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := cb.Execute(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMapGeminiError(t *testing.T) {
	err := mapGeminiError(errors.New("boom"))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "boom")
}
