package types

import (
	"errors"
	"fmt"
)

// Package types holds the wire-level types shared by the model gateway and
// its provider clients.

// Message is one chat turn sent to a completion model.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// CompletionParams tunes a completion call.
type CompletionParams struct {
	MaxTokens   int
	Temperature float64
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// APIError is a non-2xx provider response. Status drives the gateway's
// retry-vs-failover decision: 5xx retries, 4xx fails over.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether err is worth retrying on the same provider:
// connection errors, timeouts, and 5xx responses. Anything else (4xx,
// malformed responses) goes to the next provider.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}
	// Connection errors and timeouts arrive as transport errors, not APIError.
	return !errors.Is(err, ErrUnsupported)
}

// ErrUnsupported is returned by a provider that does not implement the
// requested operation (e.g. completions-only providers asked to embed).
var ErrUnsupported = errors.New("operation not supported by provider")
