package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"
)

// Failure reasons the campaign engine reacts to. They are derived from the
// provider's error payload and recorded on the contact outcome.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonUnreachableNumber = "unreachable_number"
)

// APIError is the provider's JSON error envelope returned on non-2xx
// responses.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	MoreInfo   string `json:"more_info,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Reason maps the provider rejection onto the outcome reasons the engine
// acts on. Providers encode these in free-form messages, so this matches on
// the stable fragments rather than numeric codes.
func (e *APIError) Reason() string {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "account balance"),
		strings.Contains(msg, "account suspended"):
		return ReasonInsufficientFunds
	case strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "not a valid phone number"),
		strings.Contains(msg, "invalid 'to' phone number"):
		return ReasonUnreachableNumber
	}
	return ""
}

// IsTransient classifies an error from the client: transport faults and
// provider 429/5xx are retryable, provider rejections and an open circuit
// are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Anything else is a transport-level failure.
	return true
}

// FailureReason extracts the engine-facing reason from an error, or returns
// the error text when the provider gave no classifiable payload.
func FailureReason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if r := apiErr.Reason(); r != "" {
			return r
		}
		return apiErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
