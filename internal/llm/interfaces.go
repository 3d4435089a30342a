package llm

import "context"

// CompletionRequest is a single system+user prompt exchange.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

// Completion is the backend's answer. Token counts are zero when the backend
// does not report usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns input plus output tokens.
func (c Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// Completer is the interface for decision backends.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	GetModel() string
}

// HealthChecker is implemented by backends that can be probed at startup
// without spending tokens.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// UsageRecorder receives token usage for every successful decision call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, model string, inputTokens, outputTokens int) error
}
