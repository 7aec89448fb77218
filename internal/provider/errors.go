package provider

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of provider failure classes the pipeline
// dispatches on.
type ErrorKind string

const (
	// KindAuth covers invalid, expired, or permission-restricted keys.
	// Never retried against the same provider.
	KindAuth ErrorKind = "auth"
	// KindRateLimit covers quota and throughput rejections.
	KindRateLimit ErrorKind = "rate_limit"
	// KindOutage covers 5xx responses and transport-level failures.
	KindOutage ErrorKind = "outage"
	// KindBadResponse covers malformed bodies and broken streams.
	KindBadResponse ErrorKind = "bad_response"
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int // HTTP status when applicable, else 0.
	Message  string
	wrapped  error
}

// NewError builds a classified error. wrapped may be nil.
func NewError(providerName string, kind ErrorKind, status int, message string, wrapped error) *Error {
	return &Error{Provider: providerName, Kind: kind, Status: status, Message: message, wrapped: wrapped}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// KindOf extracts the failure kind from an error chain. Unclassified errors
// (including context cancellation) report ok=false.
func KindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsAuth reports whether err is a classified auth failure.
func IsAuth(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAuth
}

// classifyStatus maps an HTTP status code to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindOutage
	default:
		return KindBadResponse
	}
}
