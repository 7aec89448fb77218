package sluice

import (
	"time"

	"github.com/google/uuid"
)

// Phase names as they appear in PhaseUpdate.Phase. A job emits phases in
// pipeline order; Complete or Cancelled is always last.
const (
	PhaseAnalyzing  = "analyzing"
	PhaseSecurity   = "security"
	PhaseModel      = "model"
	PhasePrompt     = "prompt"
	PhaseParameters = "parameters"
	PhaseGenerating = "generating"
	PhaseResponse   = "response"
	PhaseComplete   = "complete"
	PhaseCancelled  = "cancelled"
)

// Phase statuses as they appear in PhaseUpdate.Status.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// ChatMessage is one turn of conversation context.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message      string        `json:"message"`
	History      []ChatMessage `json:"history,omitempty"`
	TaskTypeHint string        `json:"task_type_hint,omitempty"`

	// IdempotencyKey, when set, is sent as the Idempotency-Key header:
	// retrying the same key and body within the server's replay window
	// returns the original job instead of starting a new one.
	IdempotencyKey string `json:"-"`
}

// ChatAccepted is the response to POST /v1/chat. The job ID is the handle
// for the event stream, cancellation, and the durable record.
type ChatAccepted struct {
	JobID uuid.UUID `json:"job_id"`
}

// PhaseUpdate is one observable step of a job, as decoded from the event
// stream. Updates arrive in emission order with strictly increasing Seq.
type PhaseUpdate struct {
	JobID      uuid.UUID      `json:"job_id"`
	Seq        int64          `json:"seq"`
	Phase      string         `json:"phase"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Terminal reports whether this update ends its job's stream.
func (u PhaseUpdate) Terminal() bool {
	return u.Phase == PhaseComplete || u.Phase == PhaseCancelled
}

// Token returns the streamed token chunk carried by a generating update,
// or "" for updates that carry none.
func (u PhaseUpdate) Token() string {
	if u.Phase != PhaseGenerating {
		return ""
	}
	s, _ := u.Payload["token"].(string)
	return s
}

// ResponseText returns the full response text carried by a response-phase
// update, or "" for other updates.
func (u PhaseUpdate) ResponseText() string {
	if u.Phase != PhaseResponse {
		return ""
	}
	s, _ := u.Payload["response"].(string)
	return s
}

// Job is the durable record of one orchestration run.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Status      string     `json:"status"` // running | completed | halted | cancelled | failed
	Provider    string     `json:"provider,omitempty"`
	Model       string     `json:"model,omitempty"`
	Attempts    int        `json:"attempts"`
	CostUSD     float64    `json:"cost_usd"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ModelPricing is the per-million-token price of a model in USD.
type ModelPricing struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// ModelOption is one entry in the server's model catalog.
type ModelOption struct {
	Provider      string        `json:"provider"`
	ModelID       string        `json:"model_id"`
	DisplayName   string        `json:"display_name"`
	CostTier      string        `json:"cost_tier"`  // ultra-low | low | medium | high | premium
	SpeedTier     string        `json:"speed_tier"` // fastest | fast | medium | slow
	ContextWindow int           `json:"context_window"`
	Strengths     []string      `json:"strengths,omitempty"`
	Multimodal    bool          `json:"multimodal,omitempty"`
	Pricing       *ModelPricing `json:"pricing,omitempty"`
}

// CatalogResponse is the body of GET /v1/catalog.
type CatalogResponse struct {
	Models     []ModelOption `json:"models"`
	Generation int64         `json:"generation"`
	BuiltAt    time.Time     `json:"built_at"`
}

// EstimateRequest parameterizes GET /v1/estimate. ModelID is required;
// either InputTokens or Message must be set. OutputTokens of zero uses
// the server's planning default.
type EstimateRequest struct {
	ModelID      string
	InputTokens  int
	OutputTokens int
	Message      string
}

// CostEstimate is the priced breakdown inside an EstimateResponse.
type CostEstimate struct {
	InputCost   float64 `json:"input_cost"`
	OutputCost  float64 `json:"output_cost"`
	TotalCost   float64 `json:"total_cost"`
	Display     string  `json:"display"`
	Unavailable bool    `json:"unavailable,omitempty"`
}

// EstimateResponse is the body of GET /v1/estimate.
type EstimateResponse struct {
	ModelID      string       `json:"model_id"`
	Provider     string       `json:"provider"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	Estimate     CostEstimate `json:"estimate"`
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
