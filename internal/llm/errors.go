package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// RateLimited reports whether the error is a 429.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether a retry could plausibly succeed.
// Server errors and rate limits are retryable; other client errors
// (bad request, auth, content policy) are terminal.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.RateLimited()
}

// IsRetryable classifies any completion error. Transport failures and
// timeouts are retryable; context cancellation is not, so a paused project
// stops immediately instead of burning retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsRateLimited reports whether the error chain contains a 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}
