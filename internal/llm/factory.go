package llm

import (
	"context"
	"fmt"

	"github.com/scrypster/sidekick/internal/config"
	"go.uber.org/zap"
)

// NewCompleter creates the decision backend selected by cfg.Provider.
func NewCompleter(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Completer, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.AnthropicModel,
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		}), nil
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		}), nil
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		}), nil
	case "gemini":
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
