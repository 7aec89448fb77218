package pipeline

import (
	"context"

	"github.com/sluice-ai/sluice/internal/model"
)

// Optimizer rewrites the user prompt before generation. Returning the
// input unchanged is a valid result; errors fail open to the original
// prompt.
type Optimizer interface {
	Optimize(ctx context.Context, message string, res *model.AnalysisResult) (string, error)
}

// Tuner derives generation parameters from the analysis and the selected
// model. Errors fail open to defaultParameters.
type Tuner interface {
	Tune(ctx context.Context, res *model.AnalysisResult, target model.ModelOption) (model.ParameterTuning, error)
}

// Judge reviews a generated response before it is released. The generated
// option names the model that produced the response so implementations can
// grade with a different one. Errors fail open to a pass.
type Judge interface {
	Validate(ctx context.Context, prompt, response string, generated model.ModelOption) (model.ValidationVerdict, error)
}

// NoopOptimizer passes prompts through unchanged.
type NoopOptimizer struct{}

func (NoopOptimizer) Optimize(_ context.Context, message string, _ *model.AnalysisResult) (string, error) {
	return message, nil
}

// HeuristicTuner maps the analysis onto generation parameters with a fixed
// table. No model call involved, so it cannot fail.
type HeuristicTuner struct{}

func (HeuristicTuner) Tune(_ context.Context, res *model.AnalysisResult, target model.ModelOption) (model.ParameterTuning, error) {
	params := defaultParameters()
	if res == nil {
		return params, nil
	}
	switch res.TaskType {
	case model.TaskCoding:
		params.Temperature = 0.2
	case model.TaskMath:
		params.Temperature = 0.1
	case model.TaskCreative:
		params.Temperature = 0.9
		params.TopP = 0.98
	case model.TaskAnalysis, model.TaskResearch:
		params.Temperature = 0.4
	case model.TaskSummarization:
		params.Temperature = 0.3
	}
	switch res.Complexity {
	case model.ComplexitySimple:
		params.MaxTokens = 1024
	case model.ComplexityComplex:
		params.MaxTokens = 4096
	}
	if res.RequiresDeepReasoning {
		params.MaxTokens = 8192
	}
	// Leave room for the conversation inside small context windows.
	if target.ContextWindow > 0 && params.MaxTokens > target.ContextWindow/4 {
		params.MaxTokens = target.ContextWindow / 4
	}
	return params, nil
}

// defaultParameters are the settings used when tuning is unavailable.
func defaultParameters() model.ParameterTuning {
	return model.ParameterTuning{Temperature: 0.7, TopP: 0.95, MaxTokens: 2048}
}
