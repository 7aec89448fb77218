package model

// CostTier is the ordinal price classification of a model. The same order
// is used by the default decision tree, the failover scorer, and the
// validation upgrade selector.
type CostTier string

const (
	TierUltraLow CostTier = "ultra-low"
	TierLow      CostTier = "low"
	TierMedium   CostTier = "medium"
	TierHigh     CostTier = "high"
	TierPremium  CostTier = "premium"
)

// tierOrder maps each tier to its rank. Unknown tiers rank below ultra-low
// so malformed catalog entries never win an upgrade.
var tierOrder = map[CostTier]int{
	TierUltraLow: 0,
	TierLow:      1,
	TierMedium:   2,
	TierHigh:     3,
	TierPremium:  4,
}

// Order returns the tier's rank in the total order, or -1 for an unknown
// tier.
func (t CostTier) Order() int {
	if o, ok := tierOrder[t]; ok {
		return o
	}
	return -1
}

// Above reports whether t is strictly more expensive than other.
func (t CostTier) Above(other CostTier) bool {
	return t.Order() > other.Order()
}

// TierDistance returns the absolute rank distance between two tiers.
func TierDistance(a, b CostTier) int {
	d := a.Order() - b.Order()
	if d < 0 {
		return -d
	}
	return d
}

// SpeedTier is the coarse latency classification of a model.
type SpeedTier string

const (
	SpeedFastest SpeedTier = "fastest"
	SpeedFast    SpeedTier = "fast"
	SpeedMedium  SpeedTier = "medium"
	SpeedSlow    SpeedTier = "slow"
)

var speedOrder = map[SpeedTier]int{
	SpeedFastest: 0,
	SpeedFast:    1,
	SpeedMedium:  2,
	SpeedSlow:    3,
}

// Order returns the speed rank (lower is faster), or the slowest rank for
// an unknown tier.
func (s SpeedTier) Order() int {
	if o, ok := speedOrder[s]; ok {
		return o
	}
	return len(speedOrder)
}

// ModelPricing is the per-million-token price of a model in USD.
type ModelPricing struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// ModelOption is one entry in the catalog snapshot. Immutable: the catalog
// is rebuilt wholesale on refresh, never mutated in place.
type ModelOption struct {
	Provider      string        `json:"provider"`
	ModelID       string        `json:"model_id"`
	DisplayName   string        `json:"display_name"`
	CostTier      CostTier      `json:"cost_tier"`
	SpeedTier     SpeedTier     `json:"speed_tier"`
	ContextWindow int           `json:"context_window"`
	Strengths     []string      `json:"strengths,omitempty"`
	Multimodal    bool          `json:"multimodal,omitempty"`
	Pricing       *ModelPricing `json:"pricing,omitempty"` // nil when unknown
}

// HasStrength reports whether the model carries the given capability tag.
func (m ModelOption) HasStrength(tag string) bool {
	for _, s := range m.Strengths {
		if s == tag {
			return true
		}
	}
	return false
}

// StrengthOverlap counts capability tags present on both models.
func StrengthOverlap(a, b ModelOption) int {
	n := 0
	for _, s := range a.Strengths {
		if b.HasStrength(s) {
			n++
		}
	}
	return n
}
