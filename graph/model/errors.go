package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingAPIKey is returned by providers constructed without credentials.
var ErrMissingAPIKey = errors.New("api key is required")

// ErrEmptyResponse is returned when the provider answered without any
// candidate text.
var ErrEmptyResponse = errors.New("provider returned no content")

// Error codes used in ProviderError.
const (
	CodeInvalidAPIKey = "invalid_api_key"
	CodeRateLimited   = "rate_limited"
	CodeQuotaExceeded = "quota_exceeded"
	CodeTimeout       = "timeout"
	CodeServerError   = "server_error"
	CodeNetwork       = "network_error"
	CodeContentBlock  = "content_blocked"
	CodeAPIError      = "api_error"
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the SDK error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Classify maps an SDK error to a *ProviderError. The SDKs expose status
// codes in their error text, so classification works on the message.
// Context cancellation passes through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	classified := &ProviderError{Provider: provider, Message: err.Error(), Cause: err}
	lower := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded) || containsAny(lower, "timeout", "deadline"):
		classified.Code, classified.Retryable = CodeTimeout, true
	case containsAny(lower, "429", "rate limit", "rate_limit", "too many requests"):
		classified.Code, classified.Retryable = CodeRateLimited, true
	case containsAny(lower, "401", "403", "unauthorized", "invalid api key", "incorrect api key", "authentication", "permission_error"):
		classified.Code = CodeInvalidAPIKey
	case containsAny(lower, "insufficient_quota", "quota", "billing"):
		classified.Code = CodeQuotaExceeded
	case containsAny(lower, "500", "502", "503", "504", "529", "overloaded", "internal server error", "bad gateway", "service unavailable"):
		classified.Code, classified.Retryable = CodeServerError, true
	case containsAny(lower, "connection", "network", "eof", "no such host"):
		classified.Code, classified.Retryable = CodeNetwork, true
	default:
		classified.Code = CodeAPIError
	}
	return classified
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
