package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/provider"
	"github.com/sluice-ai/sluice/internal/routing"
)

// judgeParams keep the verdict short and deterministic.
var judgeParams = model.ParameterTuning{Temperature: 0, TopP: 1, MaxTokens: 400}

// ModelJudge is the default validation judge: one call to the cheapest
// model of the fastest tier, asking for a structured verdict. Deployments
// needing different criteria swap in their own Judge.
type ModelJudge struct {
	providers *provider.Registry
	catalog   *catalog.Catalog
	logger    *slog.Logger
}

// NewModelJudge creates the default judge over the given registry and
// catalog.
func NewModelJudge(providers *provider.Registry, cat *catalog.Catalog, logger *slog.Logger) *ModelJudge {
	return &ModelJudge{providers: providers, catalog: cat, logger: logger}
}

// Validate asks the judge model for a verdict on one response.
func (j *ModelJudge) Validate(ctx context.Context, prompt, response string, _ model.ModelOption) (model.ValidationVerdict, error) {
	snap := j.catalog.Snapshot()
	target := routing.SelectAnalysisModel(snap, j.providers.Available)
	if target == nil {
		return model.ValidationVerdict{}, fmt.Errorf("pipeline: no judge model available")
	}
	p := j.providers.Get(target.Provider)
	if p == nil {
		return model.ValidationVerdict{}, fmt.Errorf("pipeline: judge provider %q not configured", target.Provider)
	}

	messages := []model.ChatMessage{{Role: "user", Content: judgePrompt(prompt, response)}}
	raw, err := p.Generate(ctx, target.ModelID, messages, judgeParams)
	if err != nil {
		return model.ValidationVerdict{}, fmt.Errorf("pipeline: judge call: %w", err)
	}
	verdict, err := parseVerdict(raw)
	if err != nil {
		return model.ValidationVerdict{}, fmt.Errorf("pipeline: judge verdict: %w", err)
	}
	return verdict, nil
}

func judgePrompt(prompt, response string) string {
	var b strings.Builder
	b.WriteString("You are reviewing an assistant response for quality. Respond with a single JSON verdict object, no prose, no markdown fences, matching exactly this shape:\n\n")
	b.WriteString(`{"passed": true, "user_summary": "one sentence for the end user", "validation": "one sentence on what was checked", "fail_reason": "set only when passed is false"}`)
	b.WriteString("\n\npassed is false only when the response ignores the request, is substantially incomplete, or contradicts itself.")
	b.WriteString("\n\nRequest:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nResponse:\n")
	b.WriteString(response)
	return b.String()
}

// parseVerdict tolerates markdown fences around the verdict object.
func parseVerdict(raw string) (model.ValidationVerdict, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var verdict model.ValidationVerdict
	if err := json.Unmarshal([]byte(cleaned), &verdict); err != nil {
		return model.ValidationVerdict{}, err
	}
	return verdict, nil
}
