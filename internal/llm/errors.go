package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError is returned by providers. Retryable marks rate-limit and
// quota failures; everything else is fatal for the enclosing call.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// rateLimitSignatures are the substrings known providers use for throttling and quota exhaustion.
var rateLimitSignatures = []string{
	"429",
	"resource_exhausted",
	"rate_limit",
	"rate limit",
	"quota",
	"too many requests",
}

// IsRateLimitMessage reports whether msg matches a known rate-limit signature.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range rateLimitSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Classify converts any error into a *ProviderError. Errors that already are
// provider errors keep their classification; others are classified by message.
func Classify(err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{
		Message:   err.Error(),
		Retryable: IsRateLimitMessage(err.Error()),
		Err:       err,
	}
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// NewRetryable builds a retryable provider error.
func NewRetryable(status int, msg string) *ProviderError {
	return &ProviderError{StatusCode: status, Message: msg, Retryable: true}
}

// NewFatal builds a fatal provider error.
func NewFatal(status int, msg string) *ProviderError {
	return &ProviderError{StatusCode: status, Message: msg}
}
