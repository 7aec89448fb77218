package model

// Sentiment is the coarse emotional read of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Complexity buckets a request by how much model capability it needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Core task types. TaskType on AnalysisResult is a plain string because
// orgs can register custom task-type definitions; these constants are the
// built-in vocabulary the routing layer knows about.
const (
	TaskCoding        = "coding"
	TaskCreative      = "creative"
	TaskAnalysis      = "analysis"
	TaskMath          = "math"
	TaskConversation  = "conversation"
	TaskSummarization = "summarization"
	TaskResearch      = "research"
	TaskGeneral       = "general"
)

// PromptQuality scores how well-formed the user's prompt is.
// All fields are 0-100.
type PromptQuality struct {
	Score         int      `json:"score"`
	Clarity       int      `json:"clarity"`
	Specificity   int      `json:"specificity"`
	Actionability int      `json:"actionability"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// PreCheck is the deterministic pattern-scan result computed before any
// external call. FloorScore is one of 0, 4, 6, 8.
type PreCheck struct {
	FloorScore int      `json:"floor_score"`
	Flags      []string `json:"flags,omitempty"`
}

// AnalysisResult is the consolidated read of one message. Created once per
// job; SecurityScore may only be raised (never lowered) when the pre-check
// floor is merged in.
type AnalysisResult struct {
	Intent                string        `json:"intent"`
	Sentiment             Sentiment     `json:"sentiment"`
	SentimentDetail       string        `json:"sentiment_detail,omitempty"`
	Style                 string        `json:"style,omitempty"`
	SecurityScore         int           `json:"security_score"` // 0-10
	SecurityExplanation   string        `json:"security_explanation,omitempty"`
	TaskType              string        `json:"task_type"`
	Complexity            Complexity    `json:"complexity"`
	RequiresDeepReasoning bool          `json:"requires_deep_reasoning,omitempty"`
	PromptQuality         PromptQuality `json:"prompt_quality"`
}

// CustomTaskType is an org-defined task type the analyzer may classify into
// and router rules may match on.
type CustomTaskType struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
