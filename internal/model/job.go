// Package model defines the core domain types for the sluice pipeline.
//
// Types use strong typing (UUIDs, time.Time, string enums) and avoid
// interface{} wherever possible. Everything here is transport- and
// storage-agnostic; JSON tags exist because the same shapes flow over the
// event stream and into JSONB columns.
package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an orchestration job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusHalted    JobStatus = "halted"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusFailed    JobStatus = "failed"
)

// Phase identifies a pipeline stage in the event stream.
type Phase string

const (
	// PhaseAnalyzing covers the pre-check and the consolidated analysis call.
	PhaseAnalyzing Phase = "analyzing"
	// PhaseSecurity carries halt notifications from the security gate.
	PhaseSecurity Phase = "security"
	// PhaseModel announces the routing decision.
	PhaseModel Phase = "model"
	// PhasePrompt announces the optimized prompt.
	PhasePrompt Phase = "prompt"
	// PhaseParameters announces the tuned generation parameters.
	PhaseParameters Phase = "parameters"
	// PhaseGenerating carries streamed token chunks, clear markers, and
	// reroute notices.
	PhaseGenerating Phase = "generating"
	// PhaseResponse carries the full assembled response text.
	PhaseResponse Phase = "response"
	// PhaseComplete is always the final event for a finished job.
	PhaseComplete Phase = "complete"
	// PhaseCancelled is the terminal acknowledgement of a cancel request.
	PhaseCancelled Phase = "cancelled"
)

// PhaseStatus is the progress state carried by a single update.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusProcessing PhaseStatus = "processing"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusError      PhaseStatus = "error"
)

// PhaseUpdate is the only externally observable artifact of pipeline
// progress. Updates for a single job are delivered in emission order;
// Seq is assigned by the event hub and is strictly increasing per job.
type PhaseUpdate struct {
	JobID      uuid.UUID      `json:"job_id"`
	Seq        int64          `json:"seq"`
	Phase      Phase          `json:"phase"`
	Status     PhaseStatus    `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ChatMessage is one turn of conversation context.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Job is the durable record of one orchestration run.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Status      JobStatus  `json:"status"`
	Provider    string     `json:"provider,omitempty"`
	Model       string     `json:"model,omitempty"`
	Attempts    int        `json:"attempts"`
	CostUSD     float64    `json:"cost_usd"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
