package routing

import (
	"fmt"
	"math"
	"regexp"

	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/model"
)

// ConfigError is terminal: no configured provider can serve the request at
// all. The message names the missing capability so an operator can fix the
// deployment rather than chase a transient.
type ConfigError struct {
	Capability string
	Detail     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("routing: no available model provides %s: %s", e.Capability, e.Detail)
}

const (
	// largeContextThreshold is the token estimate above which only
	// large-context models are considered.
	largeContextThreshold = 200_000

	// longMessageThreshold is the message length that disqualifies the
	// cheap default tier on its own.
	longMessageThreshold = 1500
)

// Built-in priority lists for the decision tree, cheapest-first or
// strongest-first depending on the gate. Entries missing from the current
// catalog snapshot are skipped, so a renamed model degrades to the next
// entry instead of breaking selection.
var (
	cheapPriority = []string{
		"gemini-2.5-flash-lite", "gpt-4o-mini", "gpt-5-mini",
		"gemini-2.5-flash", "claude-haiku-4-5",
	}
	reasoningPriority  = []string{"o3", "claude-opus-4-1", "gpt-5", "gemini-2.5-pro"}
	multimodalPriority = []string{"gpt-4o", "gemini-2.5-pro", "gpt-5", "gemini-2.5-flash"}
	generalPriority    = []string{"claude-sonnet-4-5", "gpt-4o", "gemini-2.5-flash", "gpt-5-mini"}

	taskPriorities = map[string][]string{
		model.TaskCoding:        {"claude-sonnet-4-5", "gpt-5", "claude-opus-4-1", "gpt-5-mini"},
		model.TaskCreative:      {"claude-sonnet-4-5", "gpt-4o", "claude-opus-4-1"},
		model.TaskMath:          {"o3", "gpt-5", "gemini-2.5-pro"},
		model.TaskAnalysis:      {"claude-sonnet-4-5", "o3", "gpt-5"},
		model.TaskResearch:      {"gemini-2.5-pro", "gpt-5", "claude-sonnet-4-5"},
		model.TaskSummarization: {"gemini-2.5-flash", "gpt-4o-mini", "claude-haiku-4-5"},
		model.TaskConversation:  {"gpt-4o-mini", "gemini-2.5-flash-lite", "claude-haiku-4-5"},
	}
)

var (
	speedCueRe      = regexp.MustCompile(`(?i)\b(?:quick(?:ly)?|fast(?:est)?|asap|briefly|in\s+a\s+hurry|real\s+quick|short\s+answer|one\s+sentence|tl;?dr)\b`)
	multimodalCueRe = regexp.MustCompile(`(?i)\b(?:image|picture|photo|screenshot|diagram|chart|graph|drawing|visual)s?\b`)
)

// Decide runs the built-in decision tree: ordered gates, first applicable
// wins. estTokens is the projected input size including history. The only
// error is a ConfigError when the request cannot be served by anything
// available.
func Decide(message string, res *model.AnalysisResult, snap *catalog.Snapshot, available func(string) bool, estTokens int) (*model.RouteDecision, error) {
	candidates := snap.ForProviders(available)
	if len(candidates) == 0 {
		return nil, &ConfigError{
			Capability: "any model",
			Detail:     "no providers are configured or reachable",
		}
	}

	// Gate 1: oversized input restricts the field to large-context models.
	if estTokens > largeContextThreshold {
		large := withContext(candidates, estTokens)
		if len(large) == 0 {
			return nil, &ConfigError{
				Capability: "a large context window",
				Detail:     fmt.Sprintf("request needs roughly %d tokens and no available model accepts that many", estTokens),
			}
		}
		primary := cheapestOf(large)
		return decision(primary, large,
			fmt.Sprintf("Estimated %d input tokens requires a large context window; %s accepts it at the lowest cost", estTokens, primary.DisplayName)), nil
	}

	// Gate 2: cheap by default. Substantive creative, coding, or
	// proof-style work and long messages skip this gate.
	if !needsCapableModel(message, res) {
		if d := walkPriority(cheapPriority, snap, available, candidates,
			"Routine request routed to the cheapest capable tier"); d != nil {
			return d, nil
		}
	}

	// Gate 3: explicit speed asks win over task fit.
	if speedCueRe.MatchString(message) {
		primary := fastestOf(candidates)
		return decision(primary, candidates,
			fmt.Sprintf("Speed keywords detected; %s is the fastest available model", primary.DisplayName)), nil
	}

	// Gate 4: per-task priority lists.
	if ids, ok := taskPriorities[res.TaskType]; ok {
		if d := walkPriority(ids, snap, available, candidates,
			fmt.Sprintf("Selected a model known to be strong at %s tasks", res.TaskType)); d != nil {
			return d, nil
		}
	}

	// Gate 5: deep reasoning wants the most capable list.
	if res.RequiresDeepReasoning {
		if d := walkPriority(reasoningPriority, snap, available, candidates,
			"Deep reasoning required; selected from the most capable models"); d != nil {
			return d, nil
		}
	}

	// Gate 6: multimodal cues require a multimodal-capable model.
	if multimodalCueRe.MatchString(message) {
		if d := walkPriority(multimodalPriority, snap, available, candidates,
			"Multimodal content referenced; selected a multimodal-capable model"); d != nil {
			return d, nil
		}
	}

	// Gate 7: general default, then anything at all.
	if d := walkPriority(generalPriority, snap, available, candidates,
		"General-purpose request; selected a balanced default"); d != nil {
		return d, nil
	}
	primary := candidates[0]
	return decision(primary, candidates,
		fmt.Sprintf("No preferred model available; using %s", primary.DisplayName)), nil
}

// needsCapableModel reports whether the request disqualifies the cheap
// default tier.
func needsCapableModel(message string, res *model.AnalysisResult) bool {
	if res.Complexity == model.ComplexityComplex {
		return true
	}
	if len(message) > longMessageThreshold {
		return true
	}
	switch res.TaskType {
	case model.TaskCoding, model.TaskCreative, model.TaskMath:
		// Substantive work in these types skips the cheap tier; trivial
		// asks still take it.
		if res.Complexity != model.ComplexitySimple {
			return true
		}
	}
	return res.RequiresDeepReasoning
}

// walkPriority resolves the first available entry of a built-in priority
// list into a full decision, or nil when none resolves.
func walkPriority(ids []string, snap *catalog.Snapshot, available func(string) bool, candidates []model.ModelOption, reasoning string) *model.RouteDecision {
	primary, ok := firstAvailable(ids, snap, available)
	if !ok {
		return nil
	}
	return decision(primary, candidates, reasoning)
}

func decision(primary model.ModelOption, candidates []model.ModelOption, reasoning string) *model.RouteDecision {
	return &model.RouteDecision{
		Primary:   primary,
		Fallback:  differentBracket(primary, candidates),
		Reasoning: reasoning,
		Source:    model.SourceHeuristic,
	}
}

// differentBracket picks a fallback from another provider or cost bracket
// than the primary, preferring the cheapest such option.
func differentBracket(primary model.ModelOption, candidates []model.ModelOption) *model.ModelOption {
	var best *model.ModelOption
	for _, c := range candidates {
		if c.ModelID == primary.ModelID {
			continue
		}
		if c.Provider == primary.Provider && c.CostTier == primary.CostTier {
			continue
		}
		if best == nil || cheaper(c, *best) {
			cc := c
			best = &cc
		}
	}
	return best
}

func withContext(candidates []model.ModelOption, tokens int) []model.ModelOption {
	out := make([]model.ModelOption, 0, len(candidates))
	for _, c := range candidates {
		if c.ContextWindow >= tokens {
			out = append(out, c)
		}
	}
	return out
}

func cheapestOf(candidates []model.ModelOption) model.ModelOption {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if cheaper(c, best) {
			best = c
		}
	}
	return best
}

func fastestOf(candidates []model.ModelOption) model.ModelOption {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.SpeedTier.Order() != best.SpeedTier.Order() {
			if c.SpeedTier.Order() < best.SpeedTier.Order() {
				best = c
			}
			continue
		}
		if cheaper(c, best) {
			best = c
		}
	}
	return best
}

// SelectCheapest returns the lowest-input-price available model, or nil
// when nothing is available.
func SelectCheapest(snap *catalog.Snapshot, available func(string) bool) *model.ModelOption {
	candidates := snap.ForProviders(available)
	if len(candidates) == 0 {
		return nil
	}
	best := cheapestOf(candidates)
	return &best
}

// SelectAnalysisModel picks the model for the consolidated analysis call:
// the cheapest model in the fastest speed tier that is available.
func SelectAnalysisModel(snap *catalog.Snapshot, available func(string) bool) *model.ModelOption {
	candidates := snap.ForProviders(available)
	if len(candidates) == 0 {
		return nil
	}
	best := fastestOf(candidates)
	return &best
}

// cheaper orders models by input price, with cost tier breaking ties.
// Models without pricing sort last.
func cheaper(a, b model.ModelOption) bool {
	pa, pb := inputPrice(a), inputPrice(b)
	if pa != pb {
		return pa < pb
	}
	return a.CostTier.Order() < b.CostTier.Order()
}

func inputPrice(m model.ModelOption) float64 {
	if m.Pricing == nil {
		return math.MaxFloat64
	}
	return m.Pricing.InputPerMTok
}
