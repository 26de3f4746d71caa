// Package providers implements the LLM Client contract against concrete
// vendor APIs. Every provider exposes the same streaming Complete interface;
// the Conversation Engine and the Vision Worker are the only callers.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes why a provider request failed, driving the
// retry decision.
type FailoverReason string

const (
	FailoverBilling        FailoverReason = "billing"         // HTTP 402
	FailoverRateLimit      FailoverReason = "rate_limit"      // HTTP 429
	FailoverAuth           FailoverReason = "auth"            // HTTP 401, 403
	FailoverTimeout        FailoverReason = "timeout"         //
	FailoverServerError    FailoverReason = "server_error"    // HTTP 5xx
	FailoverInvalidRequest FailoverReason = "invalid_request" // HTTP 400
	FailoverUnknown        FailoverReason = "unknown"         //
)

// IsRetryable returns true if the reason suggests retrying may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider.
type ProviderError struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%d %s): %s", e.Provider, e.Reason, e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Reason, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ClassifyStatus maps an HTTP status code onto a FailoverReason.
func ClassifyStatus(status int) FailoverReason {
	switch {
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

// isRetryableError is the string-level fallback used when a vendor SDK
// doesn't surface a typed error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "overloaded", "timeout", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
