package routing

import (
	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
)

// SelectUpgrade picks the retry model after a failed validation: the
// cheapest model strictly above the current cost tier, skipping providers
// that already failed this job. Returns nil when no higher tier is
// reachable, which ends the retry loop with the current response.
func SelectUpgrade(current model.ModelOption, snap *catalog.Snapshot, available func(string) bool, excluded map[string]bool) *model.ModelOption {
	var best *model.ModelOption
	for _, c := range snap.Models() {
		if !c.CostTier.Above(current.CostTier) {
			continue
		}
		if excluded[c.Provider] || !available(c.Provider) {
			continue
		}
		if best == nil || upgradeBefore(c, *best) {
			cc := c
			best = &cc
		}
	}
	return best
}

// upgradeBefore orders upgrade candidates lowest tier first, then by input
// price, keeping each upgrade as small as the catalog allows.
func upgradeBefore(a, b model.ModelOption) bool {
	if a.CostTier.Order() != b.CostTier.Order() {
		return a.CostTier.Order() < b.CostTier.Order()
	}
	return inputPrice(a) < inputPrice(b)
}
