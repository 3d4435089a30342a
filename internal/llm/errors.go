package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx response from a decision backend.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, body)
}

// Transient reports whether the request may succeed if retried.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	case 529: // Anthropic "overloaded"
		return true
	}
	return e.StatusCode >= 500
}

// IsTransient reports whether err is worth retrying: transient API statuses,
// network failures and per-call timeouts. Cancellation of the caller's
// context, an open circuit and malformed responses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func newAPIError(provider string, resp *http.Response, body []byte) *APIError {
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
