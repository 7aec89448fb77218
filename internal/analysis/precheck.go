package analysis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sluice-ai/sluice/internal/model"
)

// Floor scores assigned by the deterministic pre-check. The analyzer merges
// the floor into the LLM score with max, so no downstream model output can
// lower it.
const (
	FloorNone     = 0
	FloorWatch    = 4
	FloorElevated = 6
	FloorCritical = 8
)

// FlagCriticalPattern is present on every tier-one hit, alongside the flag
// naming the specific pattern family.
const FlagCriticalPattern = "critical-pattern"

type patternRule struct {
	re   *regexp.Regexp
	flag string
}

// Tier one: direct instruction-override and jailbreak phrasing.
var criticalPatterns = []patternRule{
	{regexp.MustCompile(`(?i)\bignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?|directives?)`), "instruction-override"},
	{regexp.MustCompile(`(?i)\bdisregard\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier|your)\s+(?:instructions?|prompts?|rules?|guidelines?)`), "instruction-override"},
	{regexp.MustCompile(`(?i)\bforget\s+(?:all\s+|any\s+)?(?:previous|prior|your)\s+(?:instructions?|rules?|training)`), "instruction-override"},
	{regexp.MustCompile(`(?i)\boverride\s+(?:your\s+)?(?:instructions?|programming|safety)`), "instruction-override"},
	{regexp.MustCompile(`(?i)\b(?:reveal|show|print|output|repeat|display)\s+(?:to\s+me\s+|me\s+)?(?:your\s+|the\s+)?(?:system|initial|hidden|original)\s+(?:prompt|instructions?|message)`), "prompt-extraction"},
	{regexp.MustCompile(`(?i)\bwhat\s+(?:is|was|are)\s+(?:your|the)\s+(?:system\s+prompt|initial\s+instructions?)`), "prompt-extraction"},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:dan\b|in\s+developer\s+mode|unfiltered|jailbroken|free\s+of\s+(?:all\s+)?restrictions)`), "jailbreak-persona"},
	{regexp.MustCompile(`(?i)\b(?:enter|enable|activate)\s+(?:developer|god|dan|jailbreak|unrestricted)\s+mode\b`), "jailbreak-persona"},
	{regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`), "jailbreak-persona"},
	{regexp.MustCompile(`(?i)\bpretend\s+(?:you\s+are|to\s+be)\s+(?:an?\s+ai\s+)?(?:with\s+no|without)\s+(?:any\s+)?(?:rules|restrictions|limitations|filters)`), "jailbreak-persona"},
	{regexp.MustCompile(`(?i)\b(?:bypass|disable|turn\s+off)\s+(?:your\s+|the\s+)?(?:safety|content|moderation)\s+(?:filters?|guidelines?|policies|systems?)`), "filter-bypass"},
	{regexp.MustCompile(`(?i)\brespond\s+without\s+(?:any\s+)?(?:restrictions?|censorship|filters?)`), "filter-bypass"},
}

// Tier two: asking to learn AI exploitation techniques. Checked only when no
// tier-one pattern fired.
var exploitLearningPatterns = []patternRule{
	{regexp.MustCompile(`(?i)\bhow\s+(?:do\s+i|to|can\s+i|would\s+i)\s+(?:jailbreak|exploit|manipulate|trick)\s+(?:an?\s+)?(?:ai|llms?|language\s+models?|chatbots?|assistants?)`), "exploit-learning"},
	{regexp.MustCompile(`(?i)\b(?:techniques?|methods?|ways?|tricks?)\s+(?:for|to|of)\s+(?:jailbreak(?:ing)?|exploit(?:ing)?|manipulat(?:e|ing))\s+(?:an?\s+)?(?:ai|llms?|language\s+models?|chatbots?)`), "exploit-learning"},
	{regexp.MustCompile(`(?i)\bprompt\s+injection\s+(?:attacks?|tutorials?|guides?|examples?|techniques?|payloads?)`), "exploit-learning"},
	{regexp.MustCompile(`(?i)\bteach\s+me\s+(?:how\s+)?to\s+(?:jailbreak|exploit|manipulate)\b`), "exploit-learning"},
	{regexp.MustCompile(`(?i)\bhow\s+(?:do\s+)?(?:ai|llm)\s+jailbreaks?\s+work\b`), "exploit-learning"},
}

// Tier three: social-engineering signals. Each detector is one distinct
// signal; two or more raise the floor to elevated, exactly one to watch.
var (
	authorityRe = regexp.MustCompile(`(?i)\b(?:this\s+is|i\s+am|i'm)\s+(?:your|the)\s+(?:ceo|boss|manager|supervisor|administrator|admin|it\s+(?:department|support)|security\s+team|bank)\b|\bon\s+behalf\s+of\s+(?:the\s+)?(?:ceo|management|it\s+(?:department|support)|your\s+bank)\b`)
	urgencyRe   = regexp.MustCompile(`(?i)\b(?:urgent(?:ly)?|immediately|right\s+away|asap|act\s+now|within\s+the\s+hour|before\s+it'?s\s+too\s+late)\b`)
	transferRe  = regexp.MustCompile(`(?i)\b(?:wire|transfer|send)\s+(?:the\s+)?(?:money|funds|payment|\$)|\b(?:share|send|give|provide|confirm)\s+(?:me\s+)?(?:your|the)\s+(?:passwords?|credentials?|account\s+numbers?|routing\s+numbers?|ssn|social\s+security|credit\s+cards?|card\s+numbers?|verification\s+codes?|one.time\s+codes?|api\s+keys?)`)
	phishingRe  = regexp.MustCompile(`(?i)\b(?:click|follow)\s+(?:this|the)\s+link\s+to\s+(?:verify|confirm|update|unlock|restore)|\bverify\s+your\s+(?:account|identity|password|payment)|\byour\s+account\s+(?:has\s+been|will\s+be)\s+(?:suspended|locked|closed|compromised|deactivated)`)
)

// PreCheck scores a raw message against the pattern tiers, most severe
// first. Pure function, no I/O; it runs before any provider call so a
// compromised downstream model cannot bypass it.
func PreCheck(message string) model.PreCheck {
	var flags []string
	for _, p := range criticalPatterns {
		if p.re.MatchString(message) {
			flags = appendUnique(flags, p.flag)
		}
	}
	if len(flags) > 0 {
		return model.PreCheck{
			FloorScore: FloorCritical,
			Flags:      append([]string{FlagCriticalPattern}, flags...),
		}
	}

	for _, p := range exploitLearningPatterns {
		if p.re.MatchString(message) {
			flags = appendUnique(flags, p.flag)
		}
	}
	if len(flags) > 0 {
		return model.PreCheck{FloorScore: FloorElevated, Flags: flags}
	}

	var signals []string
	if authorityRe.MatchString(message) {
		signals = append(signals, "authority-impersonation")
	}
	if urgencyRe.MatchString(message) && transferRe.MatchString(message) {
		signals = append(signals, "urgency-transfer")
	}
	if phishingRe.MatchString(message) {
		signals = append(signals, "phishing")
	}
	switch len(signals) {
	case 0:
		return model.PreCheck{FloorScore: FloorNone}
	case 1:
		return model.PreCheck{FloorScore: FloorWatch, Flags: signals}
	default:
		return model.PreCheck{FloorScore: FloorElevated, Flags: signals}
	}
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

// floorNote describes the patterns behind a floor score, for appending to
// the LLM's security explanation when the floor wins the merge.
func floorNote(pre model.PreCheck) string {
	return fmt.Sprintf("Pattern pre-check detected %s (floor score %d).",
		strings.Join(pre.Flags, ", "), pre.FloorScore)
}
