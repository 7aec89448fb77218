package analysis

import (
	"regexp"
	"strings"

	"github.com/sluice-ai/sluice/internal/model"
)

// Local classifiers used when the structured analyzer output cannot be
// parsed. Everything here is pure and costs nothing, so the fallback path
// stays cheap even when the provider is misbehaving.

// Heuristic builds an AnalysisResult from the local classifiers alone, with
// the pre-check floor merged in. Route previews use it to answer "where
// would this message go" without spending an analyzer call; the scores it
// produces match what the split fallback starts from.
func Heuristic(message string, pre model.PreCheck, custom []model.CustomTaskType) *model.AnalysisResult {
	res := &model.AnalysisResult{
		Intent:                heuristicIntent(message),
		Sentiment:             model.SentimentNeutral,
		Style:                 "neutral",
		TaskType:              heuristicTaskType(message, custom),
		Complexity:            heuristicComplexity(message),
		RequiresDeepReasoning: heuristicDeepReasoning(message),
		PromptQuality:         heuristicQuality(message),
	}
	mergeFloor(res, pre)
	return res
}

var taskKeywords = []struct {
	task  string
	words []string
}{
	{model.TaskCoding, []string{"code", "function", "debug", "compile", "script", " api", "refactor", "implement", "regex", "sql", "python", "golang", "typescript", "javascript", "stack trace", "unit test", "null pointer"}},
	{model.TaskMath, []string{"calculate", "solve", "equation", "integral", "derivative", "probability", "theorem", "proof", "algebra", "geometry"}},
	{model.TaskSummarization, []string{"summarize", "summarise", "tl;dr", "tldr", "key points", "condense", "shorten this"}},
	{model.TaskCreative, []string{"write a story", "short story", "poem", "fiction", "blog post", "essay", "screenplay", "lyrics", "tagline", "slogan"}},
	{model.TaskResearch, []string{"research", "sources", "citations", "literature review", "investigate", "state of the art"}},
	{model.TaskAnalysis, []string{"analyze", "analyse", "evaluate", "assess", "compare", "pros and cons", "tradeoff", "trade-off", "review this"}},
}

var smallTalkRe = regexp.MustCompile(`(?i)^\s*(?:hi|hello|hey|yo|howdy|thanks|thank you|good\s+(?:morning|afternoon|evening))\b`)

func heuristicTaskType(message string, custom []model.CustomTaskType) string {
	lower := strings.ToLower(message)
	for _, ct := range custom {
		if ct.Name != "" && strings.Contains(lower, strings.ToLower(ct.Name)) {
			return ct.Name
		}
	}
	for _, tk := range taskKeywords {
		for _, w := range tk.words {
			if strings.Contains(lower, w) {
				return tk.task
			}
		}
	}
	if len(lower) < 60 && smallTalkRe.MatchString(message) {
		return model.TaskConversation
	}
	return model.TaskGeneral
}

var complexityCues = []string{
	"architecture", "design a system", "distributed", "end to end", "end-to-end",
	"step by step", "multi-step", "optimize", "prove", "formal", "comprehensive",
	"in depth", "in-depth", "tradeoff", "trade-off", "scalab", "migrate",
}

func heuristicComplexity(message string) model.Complexity {
	lower := strings.ToLower(message)
	cues := 0
	for _, c := range complexityCues {
		if strings.Contains(lower, c) {
			cues++
		}
	}
	switch {
	case len(message) > 600 || cues >= 2:
		return model.ComplexityComplex
	case len(message) < 80 && cues == 0:
		return model.ComplexitySimple
	default:
		return model.ComplexityModerate
	}
}

var reasoningCues = []string{
	"prove", "proof", "theorem", "derive", "derivation", "step by step",
	"rigorous", "formal logic", "from first principles", "chain of thought",
	"explain the reasoning", "why does this work",
}

func heuristicDeepReasoning(message string) bool {
	lower := strings.ToLower(message)
	for _, c := range reasoningCues {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func heuristicIntent(message string) string {
	switch heuristicTaskType(message, nil) {
	case model.TaskCoding:
		return "get help with a coding task"
	case model.TaskMath:
		return "solve a mathematical problem"
	case model.TaskCreative:
		return "generate creative writing"
	case model.TaskSummarization:
		return "condense existing content"
	case model.TaskResearch:
		return "gather researched information"
	case model.TaskAnalysis:
		return "analyze or evaluate a subject"
	case model.TaskConversation:
		return "casual conversation"
	default:
		return "general assistance"
	}
}

var (
	digitRe      = regexp.MustCompile(`\d`)
	imperativeRe = regexp.MustCompile(`(?i)^\s*(?:write|build|create|explain|list|fix|translate|generate|implement|summarize|summarise|compare|describe|draft|refactor|make)\b`)
	formatCueRe  = regexp.MustCompile(`(?i)\b(?:format|bullet|table|json|markdown|numbered list|paragraphs?|word limit|\d+\s+words)\b`)
)

// heuristicQuality scores prompt quality from surface features only. Scores
// land mid-range on purpose; without a model read there is no basis for
// extreme marks.
func heuristicQuality(message string) model.PromptQuality {
	trimmed := strings.TrimSpace(message)
	words := len(strings.Fields(trimmed))

	clarity := 50
	if words >= 8 {
		clarity += 15
	}
	if strings.Contains(trimmed, "?") || imperativeRe.MatchString(trimmed) {
		clarity += 10
	}

	specificity := 40
	if digitRe.MatchString(trimmed) {
		specificity += 15
	}
	if len(trimmed) > 200 {
		specificity += 10
	}
	if strings.Contains(strings.ToLower(trimmed), "for example") || strings.Contains(strings.ToLower(trimmed), "e.g.") {
		specificity += 10
	}

	actionability := 45
	if imperativeRe.MatchString(trimmed) {
		actionability += 20
	}
	if formatCueRe.MatchString(trimmed) {
		actionability += 10
	}

	var suggestions []string
	if words < 8 {
		suggestions = append(suggestions, "Describe the desired outcome in more detail")
	}
	if !strings.Contains(trimmed, "?") && !imperativeRe.MatchString(trimmed) {
		suggestions = append(suggestions, "Phrase the request as a direct question or instruction")
	}
	if !formatCueRe.MatchString(trimmed) {
		suggestions = append(suggestions, "Specify the expected output format")
	}

	clarity = clampInt(clarity, 0, 100)
	specificity = clampInt(specificity, 0, 100)
	actionability = clampInt(actionability, 0, 100)
	return model.PromptQuality{
		Score:         (clarity + specificity + actionability) / 3,
		Clarity:       clarity,
		Specificity:   specificity,
		Actionability: actionability,
		Suggestions:   suggestions,
	}
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
