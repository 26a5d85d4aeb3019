// Package llm implements wick.Client for the supported model providers:
// any OpenAI-compatible chat completions API and the Anthropic messages
// API. Resolve maps a model spec to the right client.
package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a provider-level failure, carrying the HTTP status when the
// provider answered at all.
type Error struct {
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRateLimit reports whether err is a provider 429.
func IsRateLimit(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusTooManyRequests
}
