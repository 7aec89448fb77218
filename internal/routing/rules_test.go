package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/routing"
)

func ptr[T any](v T) *T { return &v }

// ruleCatalog is a small three-provider catalog for config evaluation
// tests; the decision-tree tests use the embedded seed instead.
func ruleCatalog(t *testing.T) *catalog.Snapshot {
	t.Helper()
	c := catalog.New([]model.ModelOption{
		{Provider: "anthropic", ModelID: "anth-strong", CostTier: model.TierHigh, ContextWindow: 200000, Strengths: []string{"coding"}},
		{Provider: "openai", ModelID: "oai-mid", CostTier: model.TierMedium, ContextWindow: 128000, Strengths: []string{"coding"}},
		{Provider: "gemini", ModelID: "gem-cheap", CostTier: model.TierLow, ContextWindow: 1000000, Strengths: []string{"speed"}},
	})
	return c.Snapshot()
}

func avail(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func allAvail(string) bool { return true }

func analysisFor(task string, cx model.Complexity) *model.AnalysisResult {
	return &model.AnalysisResult{
		TaskType:   task,
		Complexity: cx,
		Sentiment:  model.SentimentNeutral,
	}
}

func enabledRule(name string, cond model.RuleConditions, priority ...string) model.RouterRule {
	return model.RouterRule{ID: name, Name: name, Enabled: true, Conditions: cond, ModelPriority: priority}
}

// ---- Rule ordering ----

func TestFirstMatchingRuleWins(t *testing.T) {
	cfg := &model.RouterConfig{Rules: []model.RouterRule{
		enabledRule("first", model.RuleConditions{}, "anth-strong"),
		enabledRule("second", model.RuleConditions{}, "oai-mid"),
	}}

	d := routing.EvaluateConfig(cfg, "hello", analysisFor(model.TaskGeneral, model.ComplexitySimple), ruleCatalog(t), allAvail)
	require.NotNil(t, d)
	assert.Equal(t, "anth-strong", d.Primary.ModelID)
	assert.Contains(t, d.Reasoning, `"first"`)
	assert.Equal(t, model.SourceRule, d.Source)
}

func TestMatchedRuleWithNothingAvailableIsSkipped(t *testing.T) {
	cfg := &model.RouterConfig{Rules: []model.RouterRule{
		enabledRule("anthropic only", model.RuleConditions{}, "anth-strong"),
		enabledRule("openai backup", model.RuleConditions{}, "oai-mid"),
	}}

	d := routing.EvaluateConfig(cfg, "hello", analysisFor(model.TaskGeneral, model.ComplexitySimple), ruleCatalog(t), avail("openai"))
	require.NotNil(t, d)
	assert.Equal(t, "oai-mid", d.Primary.ModelID, "an unavailable match must not be terminal")
	assert.Contains(t, d.Reasoning, `"openai backup"`)
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	rule := enabledRule("off", model.RuleConditions{}, "anth-strong")
	rule.Enabled = false
	cfg := &model.RouterConfig{Rules: []model.RouterRule{rule}, CatchAll: []string{"oai-mid"}}

	d := routing.EvaluateConfig(cfg, "hello", analysisFor(model.TaskGeneral, model.ComplexitySimple), ruleCatalog(t), allAvail)
	require.NotNil(t, d)
	assert.Equal(t, "oai-mid", d.Primary.ModelID)
	assert.Equal(t, model.SourceCatchAll, d.Source)
}

// ---- Nil returns ----

func TestEvaluateConfigNilCases(t *testing.T) {
	snap := ruleCatalog(t)
	res := analysisFor(model.TaskGeneral, model.ComplexitySimple)

	assert.Nil(t, routing.EvaluateConfig(nil, "hello", res, snap, allAvail), "nil config")
	assert.Nil(t, routing.EvaluateConfig(&model.RouterConfig{}, "hello", res, snap, allAvail), "empty rules and catch-all")
	assert.Nil(t, routing.EvaluateConfig(&model.RouterConfig{
		Rules:    []model.RouterRule{enabledRule("r", model.RuleConditions{}, "anth-strong")},
		CatchAll: []string{"oai-mid"},
	}, "hello", res, snap, avail("gemini")), "nothing in any list available")
}

// ---- Conditions ----

func TestComplexityConditionIgnoresTaskType(t *testing.T) {
	cfg := &model.RouterConfig{Rules: []model.RouterRule{
		enabledRule("simple only", model.RuleConditions{Complexity: []model.Complexity{model.ComplexitySimple}}, "oai-mid"),
	}}
	snap := ruleCatalog(t)

	for _, task := range []string{model.TaskCoding, model.TaskCreative, "custom-type"} {
		d := routing.EvaluateConfig(cfg, "hi", analysisFor(task, model.ComplexitySimple), snap, allAvail)
		require.NotNil(t, d, "task %s", task)
		assert.Equal(t, "oai-mid", d.Primary.ModelID)
	}

	d := routing.EvaluateConfig(cfg, "hi", analysisFor(model.TaskCoding, model.ComplexityComplex), snap, allAvail)
	assert.Nil(t, d, "complex must not match a simple-only rule")
}

func TestConditionPredicates(t *testing.T) {
	snap := ruleCatalog(t)
	tests := []struct {
		name      string
		cond      model.RuleConditions
		message   string
		res       *model.AnalysisResult
		wantMatch bool
	}{
		{
			name:      "task type in set",
			cond:      model.RuleConditions{TaskTypes: []string{"coding", "math"}},
			message:   "hi",
			res:       analysisFor(model.TaskCoding, model.ComplexitySimple),
			wantMatch: true,
		},
		{
			name:      "task type compares case-insensitively",
			cond:      model.RuleConditions{TaskTypes: []string{"Coding"}},
			message:   "hi",
			res:       analysisFor("coding", model.ComplexitySimple),
			wantMatch: true,
		},
		{
			name:      "task type outside set",
			cond:      model.RuleConditions{TaskTypes: []string{"math"}},
			message:   "hi",
			res:       analysisFor(model.TaskCoding, model.ComplexitySimple),
			wantMatch: false,
		},
		{
			name:      "security score at the limit",
			cond:      model.RuleConditions{SecurityScoreMax: ptr(4)},
			message:   "hi",
			res:       &model.AnalysisResult{TaskType: "general", Complexity: model.ComplexitySimple, SecurityScore: 4},
			wantMatch: true,
		},
		{
			name:      "security score over the limit",
			cond:      model.RuleConditions{SecurityScoreMax: ptr(4)},
			message:   "hi",
			res:       &model.AnalysisResult{TaskType: "general", Complexity: model.ComplexitySimple, SecurityScore: 5},
			wantMatch: false,
		},
		{
			name:      "length inside window",
			cond:      model.RuleConditions{PromptLengthMin: ptr(3), PromptLengthMax: ptr(10)},
			message:   "hello",
			res:       analysisFor(model.TaskGeneral, model.ComplexitySimple),
			wantMatch: true,
		},
		{
			name:      "length below window",
			cond:      model.RuleConditions{PromptLengthMin: ptr(10)},
			message:   "short",
			res:       analysisFor(model.TaskGeneral, model.ComplexitySimple),
			wantMatch: false,
		},
		{
			name:      "length above window",
			cond:      model.RuleConditions{PromptLengthMax: ptr(3)},
			message:   "much too long",
			res:       analysisFor(model.TaskGeneral, model.ComplexitySimple),
			wantMatch: false,
		},
		{
			name:      "custom regex matches",
			cond:      model.RuleConditions{CustomRegex: `(?i)\binvoice\b`},
			message:   "please check this Invoice",
			res:       analysisFor(model.TaskGeneral, model.ComplexitySimple),
			wantMatch: true,
		},
		{
			name:      "custom regex non-match",
			cond:      model.RuleConditions{CustomRegex: `(?i)\binvoice\b`},
			message:   "please check this receipt",
			res:       analysisFor(model.TaskGeneral, model.ComplexitySimple),
			wantMatch: false,
		},
		{
			name:      "invalid regex is no condition",
			cond:      model.RuleConditions{CustomRegex: `[unclosed`},
			message:   "anything at all",
			res:       analysisFor(model.TaskGeneral, model.ComplexitySimple),
			wantMatch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &model.RouterConfig{Rules: []model.RouterRule{enabledRule("r", tt.cond, "oai-mid")}}
			d := routing.EvaluateConfig(cfg, tt.message, tt.res, snap, allAvail)
			if tt.wantMatch {
				require.NotNil(t, d)
				assert.Equal(t, "oai-mid", d.Primary.ModelID)
			} else {
				assert.Nil(t, d)
			}
		})
	}
}

// ---- Fallback selection ----

func TestFallbackIsNextDistinctAvailable(t *testing.T) {
	cfg := &model.RouterConfig{Rules: []model.RouterRule{
		enabledRule("r", model.RuleConditions{}, "anth-strong", "oai-mid", "gem-cheap"),
	}}

	d := routing.EvaluateConfig(cfg, "hi", analysisFor(model.TaskGeneral, model.ComplexitySimple), ruleCatalog(t), allAvail)
	require.NotNil(t, d)
	assert.Equal(t, "anth-strong", d.Primary.ModelID)
	require.NotNil(t, d.Fallback)
	assert.Equal(t, "oai-mid", d.Fallback.ModelID)

	// With openai gone the fallback skips to the next available entry.
	d = routing.EvaluateConfig(cfg, "hi", analysisFor(model.TaskGeneral, model.ComplexitySimple), ruleCatalog(t), avail("anthropic", "gemini"))
	require.NotNil(t, d)
	require.NotNil(t, d.Fallback)
	assert.Equal(t, "gem-cheap", d.Fallback.ModelID)
}

func TestSingleEntryListHasNoFallback(t *testing.T) {
	cfg := &model.RouterConfig{Rules: []model.RouterRule{
		enabledRule("r", model.RuleConditions{}, "anth-strong"),
	}}

	d := routing.EvaluateConfig(cfg, "hi", analysisFor(model.TaskGeneral, model.ComplexitySimple), ruleCatalog(t), allAvail)
	require.NotNil(t, d)
	assert.Nil(t, d.Fallback)
}

// ---- Default coding rule shape ----

func TestCodingRuleRoutesComplexCodingRequest(t *testing.T) {
	cfg := &model.RouterConfig{
		Rules: []model.RouterRule{enabledRule("Coding tasks", model.RuleConditions{
			TaskTypes: []string{model.TaskCoding},
		}, "anth-strong", "oai-mid")},
		CatchAll: []string{"gem-cheap"},
	}

	d := routing.EvaluateConfig(cfg, "refactor this package", analysisFor(model.TaskCoding, model.ComplexityComplex), ruleCatalog(t), allAvail)
	require.NotNil(t, d)
	assert.Equal(t, "anth-strong", d.Primary.ModelID)
	assert.Contains(t, d.Reasoning, "Coding tasks")
}
