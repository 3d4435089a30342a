package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCompleter returns the scripted results in order, then repeats the last.
type scriptedCompleter struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   []CompletionRequest
}

type scriptedResult struct {
	comp Completion
	err  error
}

func (s *scriptedCompleter) Complete(_ context.Context, req CompletionRequest) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	r := s.results[min(len(s.calls)-1, len(s.results)-1)]
	return r.comp, r.err
}

func (s *scriptedCompleter) GetModel() string { return "scripted" }

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingUsage struct {
	mu      sync.Mutex
	entries []int
}

func (r *recordingUsage) RecordUsage(_ context.Context, _ string, in, out int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, in+out)
	return nil
}

func newTestDecisionClient(backend Completer, limiter *RateLimiter, usage UsageRecorder, clock *fakeClock) *DecisionClient {
	dc := NewDecisionClient(backend, limiter, DecisionClientConfig{
		MaxAttempts:     3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        10 * time.Second,
		MaxOutputTokens: 1000,
	}, usage, nil)
	dc.sleep = clock.Sleep
	return dc
}

var serverError = &APIError{Provider: "test", StatusCode: http.StatusInternalServerError}

func TestDecisionClient_SuccessAccounting(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedCompleter{results: []scriptedResult{
		{comp: Completion{Text: "SPEAK: hi", Model: "m", InputTokens: 100, OutputTokens: 20}},
	}}
	usage := &recordingUsage{}
	dc := newTestDecisionClient(backend, newTestLimiter(50, clock), usage, clock)

	for i := 0; i < 2; i++ {
		comp, err := dc.Complete(context.Background(), CompletionRequest{UserPrompt: "x", MaxTokens: 300})
		require.NoError(t, err)
		assert.Equal(t, "SPEAK: hi", comp.Text)
	}

	stats := dc.Stats()
	assert.Equal(t, uint64(2), stats.Requests)
	assert.Equal(t, uint64(240), stats.TotalTokens)
	assert.InDelta(t, 120.0, stats.AverageTokens, 1e-9)
	assert.Equal(t, uint64(0), stats.Failures)
	assert.Equal(t, 48, stats.RateLimitRemaining)
	assert.Equal(t, []int{120, 120}, usage.entries)
}

func TestDecisionClient_RetriesTransientWithBackoff(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedCompleter{results: []scriptedResult{
		{err: serverError},
		{err: serverError},
		{comp: Completion{Text: "ok"}},
	}}
	limiter := newTestLimiter(50, clock)
	dc := newTestDecisionClient(backend, limiter, nil, clock)

	comp, err := dc.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", comp.Text)
	assert.Equal(t, 3, backend.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.sleeps)

	// Every attempt took a rate limiter slot.
	assert.Equal(t, 47, limiter.Remaining())
	assert.Equal(t, uint64(2), dc.Stats().Failures)
}

func TestDecisionClient_ExhaustedRetries(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedCompleter{results: []scriptedResult{{err: serverError}}}
	dc := newTestDecisionClient(backend, newTestLimiter(50, clock), nil, clock)

	_, err := dc.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	assert.Equal(t, 3, backend.callCount())
	assert.Len(t, clock.sleeps, 2)
	stats := dc.Stats()
	assert.Equal(t, uint64(3), stats.Failures)
	assert.Equal(t, uint64(1), stats.Exhausted)
}

func TestDecisionClient_TerminalErrorNotRetried(t *testing.T) {
	clock := newFakeClock()
	badRequest := &APIError{Provider: "test", StatusCode: http.StatusBadRequest}
	backend := &scriptedCompleter{results: []scriptedResult{{err: badRequest}}}
	dc := newTestDecisionClient(backend, newTestLimiter(50, clock), nil, clock)

	_, err := dc.Complete(context.Background(), CompletionRequest{})
	assert.ErrorIs(t, err, badRequest)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, 1, backend.callCount())
	assert.Empty(t, clock.sleeps)
}

func TestDecisionClient_ClampsOutputTokens(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedCompleter{results: []scriptedResult{{comp: Completion{Text: "ok"}}}}
	dc := newTestDecisionClient(backend, nil, nil, clock)

	_, err := dc.Complete(context.Background(), CompletionRequest{MaxTokens: 5000})
	require.NoError(t, err)
	_, err = dc.Complete(context.Background(), CompletionRequest{MaxTokens: 200})
	require.NoError(t, err)

	assert.Equal(t, 1000, backend.calls[0].MaxTokens)
	assert.Equal(t, 200, backend.calls[1].MaxTokens)
}

func TestDecisionClient_Backoff(t *testing.T) {
	dc := NewDecisionClient(&scriptedCompleter{}, nil, DecisionClientConfig{
		BaseDelay: 2 * time.Second,
		MaxDelay:  10 * time.Second,
	}, nil, nil)

	assert.Equal(t, 2*time.Second, dc.Backoff(1))
	assert.Equal(t, 4*time.Second, dc.Backoff(2))
	assert.Equal(t, 8*time.Second, dc.Backoff(3))
	assert.Equal(t, 10*time.Second, dc.Backoff(4))
	assert.Equal(t, 10*time.Second, dc.Backoff(10))
}

func TestDecisionClient_ContextCancelledDuringBackoff(t *testing.T) {
	backend := &scriptedCompleter{results: []scriptedResult{{err: serverError}}}
	dc := NewDecisionClient(backend, nil, DecisionClientConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := dc.Complete(ctx, CompletionRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, backend.callCount())
}

func TestDecisionClient_HealthCheck(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"version":"0.3.0"}`))
	}))
	defer srv.Close()

	dc := NewDecisionClient(NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "llama3"}), nil, DecisionClientConfig{}, nil, nil)
	require.NoError(t, dc.HealthCheck(context.Background()))

	down.Store(true)
	err := dc.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	srv.Close()
	assert.Error(t, dc.HealthCheck(context.Background()))

	noProbe := NewDecisionClient(&scriptedCompleter{}, nil, DecisionClientConfig{}, nil, nil)
	assert.NoError(t, noProbe.HealthCheck(context.Background()))
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &APIError{StatusCode: 429}, true},
		{"408", &APIError{StatusCode: 408}, true},
		{"529 overloaded", &APIError{StatusCode: 529}, true},
		{"503", &APIError{StatusCode: 503}, true},
		{"400", &APIError{StatusCode: 400}, false},
		{"401", &APIError{StatusCode: 401}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"circuit open", ErrCircuitOpen, false},
		{"decode", errors.New("failed to decode response"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
