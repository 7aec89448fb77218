package model

import (
	"time"

	"github.com/google/uuid"
)

// RuleConditions are the optional predicates of a router rule. All present
// conditions must hold for the rule to match; absent conditions are
// wildcards.
type RuleConditions struct {
	TaskTypes        []string     `json:"task_types,omitempty"`
	Complexity       []Complexity `json:"complexity,omitempty"`
	SecurityScoreMax *int         `json:"security_score_max,omitempty"`
	PromptLengthMin  *int         `json:"prompt_length_min,omitempty"`
	PromptLengthMax  *int         `json:"prompt_length_max,omitempty"`
	CustomRegex      string       `json:"custom_regex,omitempty"`
}

// RouterRule is one user-configurable routing rule. Rules are evaluated in
// stored order, first match wins.
type RouterRule struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Enabled       bool           `json:"enabled"`
	Conditions    RuleConditions `json:"conditions"`
	ModelPriority []string       `json:"model_priority"` // ordered model IDs
	Reasoning     string         `json:"reasoning,omitempty"`
}

// ConfigScope says which level a router config was loaded from.
type ConfigScope string

const (
	ScopeOrg  ConfigScope = "org"
	ScopeUser ConfigScope = "user"
)

// RouterConfig is a versioned set of routing rules plus a catch-all model
// list. Loaded read-only per job; a user-level config shadows the org-level
// one entirely.
type RouterConfig struct {
	Rules    []RouterRule `json:"rules"`
	CatchAll []string     `json:"catch_all,omitempty"`
	Scope    ConfigScope  `json:"scope"`
	Version  int          `json:"version"`
}

// DecisionSource records which mechanism produced a routing decision.
type DecisionSource string

const (
	SourceRule      DecisionSource = "rule"
	SourceCatchAll  DecisionSource = "catch_all"
	SourceHeuristic DecisionSource = "heuristic"
	SourceFailover  DecisionSource = "failover"
	SourceUpgrade   DecisionSource = "upgrade"
)

// RouteDecision is the outcome of model selection: a primary model, an
// optional pre-computed fallback, and a human-readable reason.
type RouteDecision struct {
	Primary   ModelOption    `json:"primary"`
	Fallback  *ModelOption   `json:"fallback,omitempty"`
	Reasoning string         `json:"reasoning"`
	Source    DecisionSource `json:"source"`
}

// ProviderFailure records one provider-level error during a job, for
// analytics and to exclude the provider from further attempts in the same
// job.
type ProviderFailure struct {
	JobID    uuid.UUID `json:"job_id"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// ParameterTuning holds the generation parameters for one attempt.
type ParameterTuning struct {
	Temperature float64 `json:"temperature"` // 0-1
	TopP        float64 `json:"top_p"`       // 0-1
	MaxTokens   int     `json:"max_tokens"`
}

// CostEstimate is the projected spend for one generation.
// Unavailable is set when the model has no pricing entry; the dollar
// fields are zero in that case and must not be read as a real price.
type CostEstimate struct {
	InputCost   float64 `json:"input_cost"`
	OutputCost  float64 `json:"output_cost"`
	TotalCost   float64 `json:"total_cost"`
	Display     string  `json:"display"`
	Unavailable bool    `json:"unavailable,omitempty"`
}

// SecurityHalt is the durable record of a gate rejection.
type SecurityHalt struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	OrgID       uuid.UUID `json:"org_id"`
	Score       int       `json:"score"`
	Threshold   int       `json:"threshold"`
	Explanation string    `json:"explanation"`
	Flags       []string  `json:"flags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidationVerdict is the judge's read of a generated response.
type ValidationVerdict struct {
	Passed      bool   `json:"passed"`
	UserSummary string `json:"user_summary,omitempty"`
	Validation  string `json:"validation,omitempty"`
	FailReason  string `json:"fail_reason,omitempty"`
}
