// Package sluice provides a Go client for the sluice orchestration API.
package sluice

import (
	"errors"
	"fmt"
)

// Error is an error response from the sluice API: the HTTP status plus the
// server's error code and message. RequestID correlates with the server's
// logs when present.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sluice: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return statusIs(err, 404)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	return statusIs(err, 401)
}

// IsRateLimited reports whether err is a 429 from the API: the org's rate
// limit or monthly budget on /v1/chat, or the per-address limit on the
// token endpoint.
func IsRateLimited(err error) bool {
	return statusIs(err, 429)
}

// IsConflict reports whether err is a 409, which /v1/chat returns when an
// Idempotency-Key is reused with a different request body.
func IsConflict(err error) bool {
	return statusIs(err, 409)
}

func statusIs(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}
