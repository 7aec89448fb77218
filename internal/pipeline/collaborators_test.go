package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/pipeline"
	"github.com/sluice-ai/sluice/internal/provider"
)

func TestHeuristicTuner(t *testing.T) {
	target := model.ModelOption{ModelID: "gpt-5", ContextWindow: 400000}

	tests := []struct {
		name      string
		res       *model.AnalysisResult
		target    model.ModelOption
		wantTemp  float64
		wantTopP  float64
		wantMax   int
	}{
		{
			name:     "nil analysis falls back to defaults",
			res:      nil,
			target:   target,
			wantTemp: 0.7, wantTopP: 0.95, wantMax: 2048,
		},
		{
			name:     "simple coding runs cold",
			res:      &model.AnalysisResult{TaskType: model.TaskCoding, Complexity: model.ComplexitySimple},
			target:   target,
			wantTemp: 0.2, wantTopP: 0.95, wantMax: 1024,
		},
		{
			name:     "math runs coldest",
			res:      &model.AnalysisResult{TaskType: model.TaskMath, Complexity: model.ComplexityModerate},
			target:   target,
			wantTemp: 0.1, wantTopP: 0.95, wantMax: 2048,
		},
		{
			name:     "complex creative runs hot with a wide nucleus",
			res:      &model.AnalysisResult{TaskType: model.TaskCreative, Complexity: model.ComplexityComplex},
			target:   target,
			wantTemp: 0.9, wantTopP: 0.98, wantMax: 4096,
		},
		{
			name: "deep reasoning widens the output budget",
			res: &model.AnalysisResult{
				TaskType:              model.TaskAnalysis,
				Complexity:            model.ComplexityComplex,
				RequiresDeepReasoning: true,
			},
			target:   target,
			wantTemp: 0.4, wantTopP: 0.95, wantMax: 8192,
		},
		{
			name:     "small context window caps the output budget",
			res:      &model.AnalysisResult{TaskType: model.TaskCoding, Complexity: model.ComplexityComplex},
			target:   model.ModelOption{ModelID: "tiny", ContextWindow: 8000},
			wantTemp: 0.2, wantTopP: 0.95, wantMax: 2000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := pipeline.HeuristicTuner{}.Tune(context.Background(), tt.res, tt.target)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantTemp, params.Temperature, 1e-9)
			assert.InDelta(t, tt.wantTopP, params.TopP, 1e-9)
			assert.Equal(t, tt.wantMax, params.MaxTokens)
		})
	}
}

func TestNoopOptimizerPassesThrough(t *testing.T) {
	out, err := pipeline.NoopOptimizer{}.Optimize(context.Background(), "leave me alone", nil)
	require.NoError(t, err)
	assert.Equal(t, "leave me alone", out)
}

func newTestJudge(fakes ...*fakeProvider) *pipeline.ModelJudge {
	reg := provider.NewRegistry()
	for _, f := range fakes {
		reg.Register(f)
	}
	return pipeline.NewModelJudge(reg, catalog.New(testModels()), discardLogger())
}

func TestModelJudgeParsesVerdict(t *testing.T) {
	openai := newFakeProvider("openai")
	openai.verdicts = []string{failVerdict}
	judge := newTestJudge(openai)

	verdict, err := judge.Validate(context.Background(), "the question", "the answer", model.ModelOption{})
	require.NoError(t, err)
	assert.False(t, verdict.Passed)
	assert.Equal(t, "incomplete", verdict.FailReason)
	assert.Equal(t, "needs another pass", verdict.UserSummary)

	_, judgeCalls, _ := openai.counts()
	assert.Equal(t, 1, judgeCalls)
}

func TestModelJudgeStripsCodeFences(t *testing.T) {
	openai := newFakeProvider("openai")
	openai.verdicts = []string{"```json\n" + passVerdict + "\n```"}
	judge := newTestJudge(openai)

	verdict, err := judge.Validate(context.Background(), "q", "a", model.ModelOption{})
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.Equal(t, "response covers the request", verdict.UserSummary)
}

func TestModelJudgeRejectsProse(t *testing.T) {
	openai := newFakeProvider("openai")
	openai.verdicts = []string{"Looks good to me!"}
	judge := newTestJudge(openai)

	_, err := judge.Validate(context.Background(), "q", "a", model.ModelOption{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judge verdict")
}

func TestModelJudgeWithoutProvidersErrors(t *testing.T) {
	judge := newTestJudge() // catalog is populated, nothing is configured

	_, err := judge.Validate(context.Background(), "q", "a", model.ModelOption{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no judge model available")
}
