package sluice

import (
	"time"

	"github.com/google/uuid"
)

// Phase names as they appear in PhaseUpdate.Phase. One job emits phases in
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

// PhaseUpdate is one observable step of a job, as delivered to EventHooks.
// Updates for a job arrive in emission order with gap-free sequence
// numbers. It has no internal package imports, so it is safe to use from
// outside the module.
type PhaseUpdate struct {
	JobID      uuid.UUID
	Seq        int64
	Phase      string
	Status     string
	Payload    map[string]any
	Error      string
	OccurredAt time.Time
}

// Terminal reports whether this update ends its job's stream.
func (u PhaseUpdate) Terminal() bool {
	return u.Phase == PhaseComplete || u.Phase == PhaseCancelled
}

// Message is one turn of conversation context passed to a Provider.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Parameters holds the generation parameters for one attempt.
type Parameters struct {
	Temperature float64 // 0-1
	TopP        float64 // 0-1
	MaxTokens   int
}

// ModelRef identifies the catalog model a response was generated on.
type ModelRef struct {
	Provider    string
	ModelID     string
	DisplayName string
}

// Verdict is a Judge's review of one generated response.
type Verdict struct {
	// Passed accepts the response as-is.
	Passed bool
	// UserSummary optionally replaces the raw response text shown to the
	// user when the verdict passes.
	UserSummary string
	// Validation carries the judge's reasoning, for logs.
	Validation string
	// FailReason says what was wrong when Passed is false.
	FailReason string
}

// ScanResult is one redaction pass over outbound text. RedactedText is
// always set, even when nothing was found.
type ScanResult struct {
	HasSensitiveData bool
	RedactedText     string
	Findings         []Finding
}

// Finding counts the occurrences of one detected data type.
type Finding struct {
	Type  string
	Count int
}
