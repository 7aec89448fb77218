package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for chat submissions. These prevent a single
// oversized request from exhausting the analysis pipeline or filling
// Postgres TEXT columns with caller-controlled garbage.
const (
	MaxMessageLen      = 64 * 1024 // 64 KB
	MaxHistoryTurns    = 50
	MaxHistoryTurnLen  = 32 * 1024 // 32 KB per turn
	MaxTaskTypeHintLen = 200
)

// ChatRequest is the request body for POST /v1/chat.
type ChatRequest struct {
	Message      string        `json:"message"`
	History      []ChatMessage `json:"history,omitempty"`
	TaskTypeHint string        `json:"task_type_hint,omitempty"`
	OrgID        uuid.UUID     `json:"-"` // Set from auth claims, not from request body.
	UserID       uuid.UUID     `json:"-"`
}

// Validate checks per-field length limits on everything that flows into
// the analysis pipeline.
func (r ChatRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	if len(r.History) > MaxHistoryTurns {
		return fmt.Errorf("history exceeds maximum of %d turns", MaxHistoryTurns)
	}
	for i, turn := range r.History {
		if turn.Role != "user" && turn.Role != "assistant" {
			return fmt.Errorf("history[%d].role must be \"user\" or \"assistant\"", i)
		}
		if len(turn.Content) > MaxHistoryTurnLen {
			return fmt.Errorf("history[%d] exceeds maximum length of %d bytes", i, MaxHistoryTurnLen)
		}
	}
	if len(r.TaskTypeHint) > MaxTaskTypeHintLen {
		return fmt.Errorf("task_type_hint exceeds maximum length of %d characters", MaxTaskTypeHintLen)
	}
	return nil
}

// ChatAccepted is the response body for POST /v1/chat.
type ChatAccepted struct {
	JobID uuid.UUID `json:"job_id"`
}

// EstimateRequest is the query contract for GET /v1/estimate.
type EstimateRequest struct {
	ModelID      string `json:"model_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeHalted        = "SECURITY_HALT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest exchanges an API key for a short-lived JWT.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries the issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateKeyRequest is the request body for POST /v1/keys.
type CreateKeyRequest struct {
	Label     string  `json:"label"`
	ExpiresAt *string `json:"expires_at,omitempty"` // RFC3339
}

// APIKeyWithRawKey is returned exactly once, at key creation. The raw key
// is never stored and cannot be recovered afterwards.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

// OrgSettings is the body of GET/PUT /v1/settings.
type OrgSettings struct {
	SecurityThreshold int `json:"security_threshold"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string   `json:"status"` // healthy | degraded | unhealthy
	Version       string   `json:"version"`
	Postgres      string   `json:"postgres"` // connected | disconnected | unconfigured
	Providers     []string `json:"providers"`
	CatalogModels int      `json:"catalog_models"`
	InFlightJobs  int      `json:"in_flight_jobs"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}
