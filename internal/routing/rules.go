// Package routing decides which model serves a job.
//
// Two mechanisms feed the decision. EvaluateConfig walks user-configured
// rules first-match-wins; when no config produces a decision it returns
// nil and the caller runs Decide, the built-in heuristic tree. The same
// cost-tier order also drives the failover and upgrade selectors, so a
// reroute or retry always moves through the catalog the same way the
// original selection did.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
)

// EvaluateConfig walks cfg's rules in stored order and returns the first
// decision backed by an available provider, then tries the catch-all list.
// A nil return means the config cannot produce a decision and the caller
// should fall back to the heuristic tree. Never an error: a broken config
// degrades to nil.
func EvaluateConfig(cfg *model.RouterConfig, message string, res *model.AnalysisResult, snap *catalog.Snapshot, available func(string) bool) *model.RouteDecision {
	if cfg == nil || res == nil || snap == nil {
		return nil
	}

	for _, rule := range cfg.Rules {
		if !ruleMatches(rule, message, res) {
			continue
		}
		primary, ok := firstAvailable(rule.ModelPriority, snap, available)
		if !ok {
			// Matched but nothing in its list is available. Keep
			// scanning; a later rule may still serve the job.
			continue
		}
		reasoning := fmt.Sprintf("Matched routing rule %q", rule.Name)
		if rule.Reasoning != "" {
			reasoning += ": " + rule.Reasoning
		}
		return &model.RouteDecision{
			Primary:   primary,
			Fallback:  nextDistinct(rule.ModelPriority, primary.ModelID, snap, available),
			Reasoning: reasoning,
			Source:    model.SourceRule,
		}
	}

	if primary, ok := firstAvailable(cfg.CatchAll, snap, available); ok {
		return &model.RouteDecision{
			Primary:   primary,
			Fallback:  nextDistinct(cfg.CatchAll, primary.ModelID, snap, available),
			Reasoning: "No routing rule matched; using the catch-all list",
			Source:    model.SourceCatchAll,
		}
	}
	return nil
}

// ruleMatches applies every present condition; absent conditions are
// wildcards. An invalid custom regex is treated as no condition at all,
// not as a non-match.
func ruleMatches(rule model.RouterRule, message string, res *model.AnalysisResult) bool {
	if !rule.Enabled {
		return false
	}
	c := rule.Conditions
	if len(c.TaskTypes) > 0 && !containsFold(c.TaskTypes, res.TaskType) {
		return false
	}
	if len(c.Complexity) > 0 && !complexityIn(c.Complexity, res.Complexity) {
		return false
	}
	if c.SecurityScoreMax != nil && res.SecurityScore > *c.SecurityScoreMax {
		return false
	}
	if c.PromptLengthMin != nil && len(message) < *c.PromptLengthMin {
		return false
	}
	if c.PromptLengthMax != nil && len(message) > *c.PromptLengthMax {
		return false
	}
	if c.CustomRegex != "" {
		if re, err := regexp.Compile(c.CustomRegex); err == nil && !re.MatchString(message) {
			return false
		}
	}
	return true
}

// firstAvailable resolves the first entry of an ordered model-ID list that
// exists in the catalog and whose provider is available.
func firstAvailable(ids []string, snap *catalog.Snapshot, available func(string) bool) (model.ModelOption, bool) {
	for _, id := range ids {
		m, ok := snap.ByID(id)
		if ok && available(m.Provider) {
			return m, true
		}
	}
	return model.ModelOption{}, false
}

// nextDistinct returns the next available model from the same list that is
// not the primary, as the pre-computed fallback.
func nextDistinct(ids []string, primaryID string, snap *catalog.Snapshot, available func(string) bool) *model.ModelOption {
	for _, id := range ids {
		if id == primaryID {
			continue
		}
		m, ok := snap.ByID(id)
		if ok && available(m.Provider) {
			return &m
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func complexityIn(list []model.Complexity, v model.Complexity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
