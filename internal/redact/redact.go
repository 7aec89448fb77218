// Package redact detects and masks sensitive data in text before it is sent
// to a model provider.
//
// The built-in Scanner is a single pattern pass over a fixed set of
// detectors (credentials, emails, government and card numbers, phone
// numbers). Deployments that route through a dedicated DLP service can
// substitute their own implementation; the Redactor interface is the
// contract.
package redact

import (
	"context"
	"regexp"
)

// Finding reports one category of sensitive data located during a scan,
// with the number of values masked.
type Finding struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Scan is the result of one redaction pass. RedactedText is always set,
// even when nothing was found.
type Scan struct {
	HasSensitiveData bool      `json:"hasSensitiveData"`
	RedactedText     string    `json:"redactedText"`
	Findings         []Finding `json:"findings,omitempty"`
}

// Redactor masks sensitive data in outbound text.
// Implementations must be safe for concurrent use.
type Redactor interface {
	Scan(ctx context.Context, text string) (Scan, error)
}

// Detector type names, used in findings and in the typed placeholders that
// replace matched values.
const (
	TypeAPIKey     = "api-key"
	TypeCredential = "credential"
	TypeEmail      = "email"
	TypeSSN        = "ssn"
	TypeCreditCard = "credit-card"
	TypePhone      = "phone"
)

// detector pairs a pattern with its type. keep, when set, can veto a match
// so that a checksum or similar secondary test decides.
type detector struct {
	kind string
	re   *regexp.Regexp
	keep func(match string) bool
}

// Scanner is the built-in Redactor. Each detected value is replaced with a
// typed placeholder such as "[REDACTED:email]".
type Scanner struct {
	detectors []detector
}

// NewScanner creates a Scanner with the default detector set. Detectors run
// in a fixed order so that key-shaped values are masked before the digit
// detectors see them.
func NewScanner() *Scanner {
	return &Scanner{detectors: []detector{
		{kind: TypeAPIKey, re: regexp.MustCompile(`\b(?:sk|pk|rk)[-_](?:(?:live|test)[-_])?[A-Za-z0-9]{16,}\b|\bAKIA[0-9A-Z]{16}\b|\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
		{kind: TypeCredential, re: regexp.MustCompile(`(?i)\b(?:api[_-]?key|api[_-]?token|access[_-]?token|auth[_-]?token|secret|passw(?:or)?d)["']?\s*[:=]\s*["']?\S{8,}|\bbearer\s+[A-Za-z0-9._\-]{20,}`)},
		{kind: TypeEmail, re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
		{kind: TypeSSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{kind: TypeCreditCard, re: regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`), keep: func(m string) bool { return !luhnValid(m) }},
		{kind: TypePhone, re: regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{3}\)[\s.\-]?|\b\d{3}[\s.\-])\d{3}[\s.\-]\d{4}\b|\+\d{10,14}\b`)},
	}}
}

// Scan runs every detector over text and returns the masked result together
// with per-type counts. Detectors see the output of earlier detectors, so a
// value never matches twice.
func (s *Scanner) Scan(_ context.Context, text string) (Scan, error) {
	redacted := text
	var findings []Finding
	for _, d := range s.detectors {
		count := 0
		redacted = d.re.ReplaceAllStringFunc(redacted, func(m string) string {
			if d.keep != nil && d.keep(m) {
				return m
			}
			count++
			return "[REDACTED:" + d.kind + "]"
		})
		if count > 0 {
			findings = append(findings, Finding{Type: d.kind, Count: count})
		}
	}
	return Scan{
		HasSensitiveData: len(findings) > 0,
		RedactedText:     redacted,
		Findings:         findings,
	}, nil
}

// luhnValid reports whether the digits of a card candidate pass the Luhn
// checksum. Candidates that fail are left in place so order numbers and
// other long digit runs survive redaction.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Noop passes text through unchanged. Used when redaction is disabled.
type Noop struct{}

// Scan returns the input as-is with no findings.
func (Noop) Scan(_ context.Context, text string) (Scan, error) {
	return Scan{RedactedText: text}, nil
}
