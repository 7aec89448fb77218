package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcplib.NewPrompt("cost-aware-routing",
		mcplib.WithPromptDescription("Walks an agent through previewing and pricing its sluice requests before submitting them, so a batch of work lands on the right model tier instead of the most expensive one."),
		mcplib.WithArgument("task",
			mcplib.ArgumentDescription("Short description of the work about to be sent through sluice"),
			mcplib.RequiredArgument(),
		),
		mcplib.WithArgument("budget_usd",
			mcplib.ArgumentDescription("Optional spending cap for the whole task, in USD"),
		),
	), s.handleCostAwareRoutingPrompt)
}

func (s *Server) handleCostAwareRoutingPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	task := request.Params.Arguments["task"]
	if task == "" {
		return nil, fmt.Errorf("mcp: cost-aware-routing prompt requires a task argument")
	}

	budgetLine := ""
	if budget := request.Params.Arguments["budget_usd"]; budget != "" {
		budgetLine = fmt.Sprintf(" The total spend must stay under $%s; if the projection exceeds it, use a cheaper model or reduce the batch.", budget)
	}

	text := fmt.Sprintf(`You are about to send work through sluice, an AI request router. The task: %s.

Plan the spend before submitting:

1. Call sluice_preview_route with a representative message from the task. Note the primary model, the routing reasoning, and the cost estimate.
2. If the estimate looks high for the task's difficulty, call sluice_catalog_models to find a cheaper tier with the strengths the task needs, then sluice_estimate_cost on that model with the same token counts to compare.
3. If the preview's security score is at or above the halt threshold, rework the message first; a submitted job would be refused at the gate.
4. Project the whole batch: multiply the per-request total by the number of requests.%s

Prefer the router's own choice unless the comparison shows a clearly cheaper model with the right strengths; the router already weighs capability against cost.`, task, budgetLine)

	return &mcplib.GetPromptResult{
		Description: "Cost planning steps for routing work through sluice",
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}
