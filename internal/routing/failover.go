package routing

import (
	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
)

// SelectAlternative picks the reroute target after a provider failure.
// Providers in excluded never come back; among the rest the lowest score
// wins, where score = 10*tierDistance - 3*strengthOverlap against the
// failed model. Tier distance dominates, shared strengths only break
// near-ties, so the reroute stays in the same cost bracket when it can.
// Returns nil when every provider is excluded or unavailable.
func SelectAlternative(failed model.ModelOption, snap *catalog.Snapshot, available func(string) bool, excluded map[string]bool) *model.ModelOption {
	var best *model.ModelOption
	bestScore := 0
	for _, c := range snap.Models() {
		if excluded[c.Provider] || !available(c.Provider) {
			continue
		}
		score := 10*model.TierDistance(c.CostTier, failed.CostTier) - 3*model.StrengthOverlap(c, failed)
		if best == nil || score < bestScore {
			cc := c
			best = &cc
			bestScore = score
		}
	}
	return best
}
