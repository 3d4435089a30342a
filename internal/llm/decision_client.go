package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRetriesExhausted is matched by the error returned when every attempt of
// a decision call failed with a transient error.
var ErrRetriesExhausted = errors.New("decision retries exhausted")

// RetryError reports a decision call that used up its attempts.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("decision call failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both ErrRetriesExhausted and the last attempt's error.
func (e *RetryError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// DecisionClientConfig controls retries and the output cap.
type DecisionClientConfig struct {
	MaxAttempts     int           // default: 3
	BaseDelay       time.Duration // default: 2s
	MaxDelay        time.Duration // default: 10s
	MaxOutputTokens int           // requests asking for more are clamped; 0 disables
}

// DecisionStats is a snapshot of the client's counters.
type DecisionStats struct {
	Requests              uint64  `json:"requests"`
	InputTokens           uint64  `json:"input_tokens"`
	OutputTokens          uint64  `json:"output_tokens"`
	TotalTokens           uint64  `json:"total_tokens"`
	Failures              uint64  `json:"failures"`
	Exhausted             uint64  `json:"exhausted"`
	AverageTokens         float64 `json:"average_tokens_per_request"`
	RateLimitRemaining    int     `json:"rate_limit_remaining"`
	RateLimitMaxPerMinute int     `json:"rate_limit_max"`
	Model                 string  `json:"model"`
}

// DecisionClient wraps a Completer with rate limiting, retry with capped
// exponential backoff and usage accounting. Every attempt acquires a rate
// limiter slot first.
type DecisionClient struct {
	backend Completer
	limiter *RateLimiter
	cfg     DecisionClientConfig
	usage   UsageRecorder
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger

	mu           sync.Mutex
	requests     uint64
	inputTokens  uint64
	outputTokens uint64
	failures     uint64
	exhausted    uint64
}

// NewDecisionClient creates a DecisionClient. usage may be nil.
func NewDecisionClient(backend Completer, limiter *RateLimiter, cfg DecisionClientConfig, usage UsageRecorder, logger *zap.Logger) *DecisionClient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionClient{
		backend: backend,
		limiter: limiter,
		cfg:     cfg,
		usage:   usage,
		sleep:   sleepContext,
		logger:  logger.Named("decision_client"),
	}
}

// Complete calls the backend, retrying transient failures. Non-transient
// failures are returned immediately. When all attempts fail the error is a
// *RetryError matching ErrRetriesExhausted.
func (c *DecisionClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if c.cfg.MaxOutputTokens > 0 && (req.MaxTokens <= 0 || req.MaxTokens > c.cfg.MaxOutputTokens) {
		req.MaxTokens = c.cfg.MaxOutputTokens
	}

	var last error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return Completion{}, fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		comp, err := c.backend.Complete(ctx, req)
		if err == nil {
			c.recordSuccess(ctx, comp)
			return comp, nil
		}

		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		last = err

		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		if !IsTransient(err) {
			c.logger.Error("decision call failed", zap.Int("attempt", attempt), zap.Error(err))
			return Completion{}, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.Backoff(attempt)
		c.logger.Warn("decision call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return Completion{}, err
		}
	}

	c.mu.Lock()
	c.exhausted++
	c.mu.Unlock()
	c.logger.Error("decision call exhausted retries",
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.Error(last))
	return Completion{}, &RetryError{Attempts: c.cfg.MaxAttempts, Last: last}
}

// Backoff returns the delay after the given failed attempt (1-based):
// BaseDelay doubled per attempt, capped at MaxDelay.
func (c *DecisionClient) Backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	return min(d, c.cfg.MaxDelay)
}

// Stats returns the client's counters.
func (c *DecisionClient) Stats() DecisionStats {
	c.mu.Lock()
	s := DecisionStats{
		Requests:     c.requests,
		InputTokens:  c.inputTokens,
		OutputTokens: c.outputTokens,
		TotalTokens:  c.inputTokens + c.outputTokens,
		Failures:     c.failures,
		Exhausted:    c.exhausted,
		Model:        c.backend.GetModel(),
	}
	c.mu.Unlock()

	if s.Requests > 0 {
		s.AverageTokens = float64(s.TotalTokens) / float64(s.Requests)
	}
	if c.limiter != nil {
		s.RateLimitRemaining = c.limiter.Remaining()
		s.RateLimitMaxPerMinute = c.limiter.Max()
	}
	return s
}

// HealthCheck probes the backend when it supports probing.
func (c *DecisionClient) HealthCheck(ctx context.Context) error {
	if hc, ok := c.backend.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (c *DecisionClient) recordSuccess(ctx context.Context, comp Completion) {
	c.mu.Lock()
	c.requests++
	c.inputTokens += uint64(comp.InputTokens)
	c.outputTokens += uint64(comp.OutputTokens)
	c.mu.Unlock()

	c.logger.Debug("decision call succeeded",
		zap.String("model", comp.Model),
		zap.Int("input_tokens", comp.InputTokens),
		zap.Int("output_tokens", comp.OutputTokens))

	if c.usage != nil {
		if err := c.usage.RecordUsage(ctx, comp.Model, comp.InputTokens, comp.OutputTokens); err != nil {
			c.logger.Warn("failed to record usage", zap.Error(err))
		}
	}
}
