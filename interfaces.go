package sluice

import (
	"context"
	"net/http"
)

// Provider is one AI vendor supplied by the embedding application.
// When registered via WithProvider it joins (or, on a name collision,
// replaces) the adapters built from API-key configuration. Implementations
// must be safe for concurrent use; one instance serves all jobs.
type Provider interface {
	// Name returns the stable provider identifier used in the catalog.
	Name() string

	// Generate returns the full completion in one call.
	Generate(ctx context.Context, modelID string, messages []Message, params Parameters) (string, error)

	// Stream sends tokens to onToken as they arrive and returns the full
	// assembled text. Cancellation is observed between chunks via ctx.
	Stream(ctx context.Context, modelID string, messages []Message, params Parameters, onToken func(token string)) (string, error)
}

// Redactor masks sensitive data in outbound text. When provided via
// WithRedactor it replaces the built-in pattern scanner. Implementations
// must be safe for concurrent use.
type Redactor interface {
	Scan(ctx context.Context, text string) (ScanResult, error)
}

// Judge reviews generated responses before they are accepted. When
// provided via WithJudge it replaces the built-in model-based validator.
// Errors fail open: the response is accepted and the error logged.
type Judge interface {
	Validate(ctx context.Context, prompt, response string, generated ModelRef) (Verdict, error)
}

// EventHook observes every phase update across all jobs, in stamp order.
// Hooks run on pipeline goroutines and must return quickly; a slow hook
// stalls event delivery. Failures are logged and never fail the job.
type EventHook interface {
	OnPhaseUpdate(ctx context.Context, update PhaseUpdate) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Registered routes run inside the standard middleware chain (logging,
// tracing, auth), like the built-in API. Called once during New, after
// the built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)
