package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sluice-ai/sluice/internal/model"
	"github.com/sluice-ai/sluice/internal/routing"
)

// ---- Token estimation ----

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, routing.EstimateTokens(""))
	assert.Equal(t, 1, routing.EstimateTokens("abcd"))
	assert.Equal(t, 2, routing.EstimateTokens("abcde"), "partial chunks round up")
	assert.Equal(t, 25, routing.EstimateTokens(string(make([]byte, 100))))
}

func TestEstimateConversationTokens(t *testing.T) {
	history := []model.ChatMessage{
		{Role: "user", Content: "12345678"},      // 2 tokens
		{Role: "assistant", Content: "12345678"}, // 2 tokens
	}
	assert.Equal(t, 5, routing.EstimateConversationTokens("abcd", history))
}

// ---- Cost estimation ----

func TestEstimateCost(t *testing.T) {
	m := model.ModelOption{
		ModelID: "m",
		Pricing: &model.ModelPricing{InputPerMTok: 0.15, OutputPerMTok: 0.60},
	}

	est := routing.EstimateCost(m, 1_000_000, 0)
	assert.False(t, est.Unavailable)
	assert.InDelta(t, 0.15, est.InputCost, 1e-9)
	assert.InDelta(t, 0.0003, est.OutputCost, 1e-9, "zero output tokens assumes the default 500")
	assert.InDelta(t, 0.1503, est.TotalCost, 1e-9)
	assert.Equal(t, "$0.150", est.Display)
}

func TestEstimateCostWithoutPricing(t *testing.T) {
	est := routing.EstimateCost(model.ModelOption{ModelID: "mystery"}, 1000, 500)
	assert.True(t, est.Unavailable)
	assert.Zero(t, est.TotalCost)
	assert.Contains(t, est.Display, "unavailable")
	assert.Contains(t, est.Display, "mystery")
}

func TestFormatUSDTiers(t *testing.T) {
	tests := []struct {
		usd  float64
		want string
	}{
		{2.345678, "$2.35"},
		{1.001, "$1.00"},
		{1.0, "$1.000"},
		{0.0234, "$0.023"},
		{0.0034, "$0.0034"},
		{0.0009, "< $0.001"},
		{0, "< $0.001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, routing.FormatUSD(tt.usd), "usd=%v", tt.usd)
	}
}
