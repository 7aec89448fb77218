package routing

import (
	"fmt"

	"github.com/sluice-ai/sluice/internal/model"
)

// DefaultOutputTokens is assumed for a generation when the caller has no
// better estimate.
const DefaultOutputTokens = 500

// EstimateTokens approximates the token count of text. Four characters per
// token tracks English prose closely enough for routing and cost purposes.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateConversationTokens sums the current message and all prior turns.
func EstimateConversationTokens(message string, history []model.ChatMessage) int {
	n := EstimateTokens(message)
	for _, turn := range history {
		n += EstimateTokens(turn.Content)
	}
	return n
}

// EstimateCost projects the spend for one generation. outputTokens at or
// below zero uses DefaultOutputTokens. A model with no pricing entry yields
// an estimate flagged unavailable rather than a fake zero cost.
func EstimateCost(m model.ModelOption, inputTokens, outputTokens int) model.CostEstimate {
	if outputTokens <= 0 {
		outputTokens = DefaultOutputTokens
	}
	if m.Pricing == nil {
		return model.CostEstimate{
			Unavailable: true,
			Display:     fmt.Sprintf("cost unavailable (no pricing for %s)", m.ModelID),
		}
	}

	in := float64(inputTokens) / 1_000_000 * m.Pricing.InputPerMTok
	out := float64(outputTokens) / 1_000_000 * m.Pricing.OutputPerMTok
	total := in + out
	return model.CostEstimate{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  total,
		Display:    FormatUSD(total),
	}
}

// FormatUSD renders a dollar amount with precision tiered by magnitude, so
// sub-cent estimates stay readable instead of rounding to $0.00.
func FormatUSD(usd float64) string {
	switch {
	case usd > 1:
		return fmt.Sprintf("$%.2f", usd)
	case usd > 0.01:
		return fmt.Sprintf("$%.3f", usd)
	case usd > 0.001:
		return fmt.Sprintf("$%.4f", usd)
	default:
		return "< $0.001"
	}
}
