package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/sluice-ai/sluice/internal/analysis"
	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/routing"
)

// defaultHaltThreshold mirrors the orchestrator's default security gate.
// Orgs can lower theirs; the preview takes the threshold as a parameter
// so agents working on behalf of a stricter org can match it.
const defaultHaltThreshold = 8

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcplib.NewTool("sluice_preview_route",
		mcplib.WithDescription(`Preview how sluice would route a message: which model it would pick, why, and what the generation would roughly cost. Nothing is sent to any AI provider and no job is created.

WHEN TO USE:
- Before submitting an expensive prompt, to check it lands on the model tier you expect
- To explain to a user why their request went to a particular model
- To test whether a draft prompt trips the security pre-check before actually sending it
- To compare routing outcomes while rewording a prompt

WHAT YOU GET BACK:
- security: pre-check score 0-10, matched flags, and whether a real job would halt at the given threshold
- analysis: detected task type, complexity, and whether deep reasoning cues were found
- route: primary model, precomputed fallback, and the reasoning string
- estimate: projected cost in USD for the estimated input tokens plus a default output allowance

The preview uses the local classifiers only. A submitted job additionally runs the model-based analyzer and any org or user router rules, so its decision can differ; treat the preview as the floor the heuristics guarantee, not a promise.

EXAMPLE: {"message": "Refactor this function to use a worker pool"} returns a coding-tier route with its cost estimate.`),
		mcplib.WithString("message",
			mcplib.Description("The user message to preview routing for"),
			mcplib.Required(),
		),
		mcplib.WithBoolean("assume_all_providers",
			mcplib.Description("Pretend every provider in the catalog is configured, instead of consulting the live registry. Useful when exploring routing from a host with no API keys loaded"),
		),
		mcplib.WithNumber("halt_threshold",
			mcplib.Description("Security score at or above which a real job would halt"),
			mcplib.Min(0),
			mcplib.Max(10),
			mcplib.DefaultNumber(defaultHaltThreshold),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
	), s.handlePreviewRoute)

	s.mcpServer.AddTool(mcplib.NewTool("sluice_estimate_cost",
		mcplib.WithDescription(`Estimate the USD cost of one generation on a specific catalog model.

WHEN TO USE:
- To compare what the same prompt costs on two models before choosing
- To budget a batch of requests against a known model
- When you already know the token counts and just need pricing applied

WHAT YOU GET BACK: input cost, output cost, total, and a human-readable display string. If the catalog has no pricing for the model, "unavailable" is true and the dollar fields are zero.

Pass either input_tokens directly or a message to estimate them from. output_tokens defaults to the same allowance the live pipeline budgets for a response.

EXAMPLE: {"model_id": "gpt-4o-mini", "input_tokens": 1200, "output_tokens": 800}`),
		mcplib.WithString("model_id",
			mcplib.Description("Catalog model ID, e.g. claude-sonnet-4-5 or gpt-4o-mini"),
			mcplib.Required(),
		),
		mcplib.WithNumber("input_tokens",
			mcplib.Description("Input token count. If omitted, message is required and tokens are estimated from it"),
			mcplib.Min(0),
		),
		mcplib.WithString("message",
			mcplib.Description("Message to estimate input tokens from, when input_tokens is not given"),
		),
		mcplib.WithNumber("output_tokens",
			mcplib.Description("Expected output token count"),
			mcplib.Min(0),
			mcplib.DefaultNumber(routing.DefaultOutputTokens),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
	), s.handleEstimateCost)

	s.mcpServer.AddTool(mcplib.NewTool("sluice_catalog_models",
		mcplib.WithDescription(`List the models in sluice's routing catalog with their tiers, capabilities, and per-million-token pricing.

WHEN TO USE:
- To discover what model IDs are valid for sluice_estimate_cost
- To find the cheapest model with a given strength (e.g. coding, multimodal)
- To check which providers the running instance actually has keys for (available_only)

WHAT YOU GET BACK: the matching catalog entries, a total count, and the catalog generation. The generation increments when a refresh changes the catalog, so two calls returning the same generation saw identical data.

EXAMPLE: {"provider": "anthropic", "cost_tier": "high"}`),
		mcplib.WithString("provider",
			mcplib.Description("Only models from this provider (openai, anthropic, google)"),
		),
		mcplib.WithString("cost_tier",
			mcplib.Description("Only models in this cost tier: ultra-low, low, medium, high, or premium"),
		),
		mcplib.WithBoolean("available_only",
			mcplib.Description("Only models whose provider is configured with a working key on this instance"),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
	), s.handleCatalogModels)
}

func (s *Server) handlePreviewRoute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	message := request.GetString("message", "")
	if message == "" {
		return errorResult("message is required"), nil
	}
	assumeAll := request.GetBool("assume_all_providers", false)
	threshold := request.GetInt("halt_threshold", defaultHaltThreshold)

	pre := analysis.PreCheck(message)
	res := analysis.Heuristic(message, pre, nil)

	available := s.providers.Available
	if assumeAll {
		available = func(string) bool { return true }
	}

	snap := s.catalog.Snapshot()
	estTokens := routing.EstimateTokens(message)
	dec, err := routing.Decide(message, res, snap, available, estTokens)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	out := previewRouteResult{
		Security: previewSecurity{
			Score:         res.SecurityScore,
			Flags:         pre.Flags,
			Explanation:   res.SecurityExplanation,
			WouldHalt:     res.SecurityScore >= threshold,
			HaltThreshold: threshold,
		},
		Analysis: previewAnalysis{
			TaskType:              res.TaskType,
			Complexity:            res.Complexity,
			RequiresDeepReasoning: res.RequiresDeepReasoning,
		},
		Route:        dec,
		Estimate:     routing.EstimateCost(dec.Primary, estTokens, routing.DefaultOutputTokens),
		InputTokens:  estTokens,
		OutputTokens: routing.DefaultOutputTokens,
	}
	return jsonResult(out)
}

func (s *Server) handleEstimateCost(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	modelID := request.GetString("model_id", "")
	if modelID == "" {
		return errorResult("model_id is required"), nil
	}

	snap := s.catalog.Snapshot()
	opt, ok := snap.ByID(modelID)
	if !ok {
		return errorResult(fmt.Sprintf("model %q is not in the catalog; call sluice_catalog_models for valid IDs", modelID)), nil
	}

	inputTokens := request.GetInt("input_tokens", 0)
	if inputTokens <= 0 {
		message := request.GetString("message", "")
		if message == "" {
			return errorResult("either input_tokens or message is required"), nil
		}
		inputTokens = routing.EstimateTokens(message)
	}
	outputTokens := request.GetInt("output_tokens", routing.DefaultOutputTokens)

	out := estimateCostResult{
		Provider:     opt.Provider,
		ModelID:      opt.ModelID,
		DisplayName:  opt.DisplayName,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Estimate:     routing.EstimateCost(opt, inputTokens, outputTokens),
	}
	return jsonResult(out)
}

func (s *Server) handleCatalogModels(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	providerFilter := request.GetString("provider", "")
	tierFilter := request.GetString("cost_tier", "")
	availableOnly := request.GetBool("available_only", false)

	snap := s.catalog.Snapshot()
	models := make([]model.ModelOption, 0, snap.Len())
	for _, m := range snap.Models() {
		if providerFilter != "" && m.Provider != providerFilter {
			continue
		}
		if tierFilter != "" && string(m.CostTier) != tierFilter {
			continue
		}
		if availableOnly && !s.providers.Available(m.Provider) {
			continue
		}
		models = append(models, m)
	}

	out := catalogModelsResult{
		Models:     models,
		Total:      len(models),
		Generation: snap.Generation(),
	}
	return jsonResult(out)
}

type previewSecurity struct {
	Score         int      `json:"score"`
	Flags         []string `json:"flags,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
	WouldHalt     bool     `json:"would_halt"`
	HaltThreshold int      `json:"halt_threshold"`
}

type previewAnalysis struct {
	TaskType              string           `json:"task_type"`
	Complexity            model.Complexity `json:"complexity"`
	RequiresDeepReasoning bool             `json:"requires_deep_reasoning"`
}

type previewRouteResult struct {
	Security     previewSecurity      `json:"security"`
	Analysis     previewAnalysis      `json:"analysis"`
	Route        *model.RouteDecision `json:"route"`
	Estimate     model.CostEstimate   `json:"estimate"`
	InputTokens  int                  `json:"input_tokens"`
	OutputTokens int                  `json:"output_tokens"`
}

type estimateCostResult struct {
	Provider     string             `json:"provider"`
	ModelID      string             `json:"model_id"`
	DisplayName  string             `json:"display_name"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	Estimate     model.CostEstimate `json:"estimate"`
}

type catalogModelsResult struct {
	Models     []model.ModelOption `json:"models"`
	Total      int                 `json:"total"`
	Generation int64               `json:"generation"`
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(out)},
		},
	}, nil
}
