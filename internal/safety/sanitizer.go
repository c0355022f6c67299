package safety

import (
	"regexp"
	"strings"
)

// injectionPattern is one heuristic signal: a compiled regex and the
// score it contributes when it matches.
type injectionPattern struct {
	name   string
	re     *regexp.Regexp
	weight float64
}

var injectionPatterns = []injectionPattern{
	{"ignore_instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`), 0.4},
	{"disregard_system", regexp.MustCompile(`(?i)disregard\s+(the\s+)?system\s+prompt`), 0.4},
	{"role_override", regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s+mode`), 0.35},
	{"reveal_prompt", regexp.MustCompile(`(?i)(reveal|print|show)\s+(your\s+)?(system\s+prompt|instructions)`), 0.3},
	{"fake_delimiter", regexp.MustCompile(`(?i)\[?(end|/)?(system|instructions?)\]?\s*[-=]{3,}`), 0.2},
	{"command_substitution", regexp.MustCompile("\\$\\([^)]*\\)|`[^`]*`"), 0.15},
}

// Finding is one matched heuristic pattern.
type Finding struct {
	Pattern string
	Weight  float64
}

// ScanResult is the outcome of scanning text for prompt-injection
// heuristics: a 0.0-1.0 score and the patterns that contributed to it.
type ScanResult struct {
	Score    float64
	Findings []Finding
}

// Suspicious reports whether the score clears the given sensitivity
// threshold.
func (r ScanResult) Suspicious(threshold float64) bool {
	return r.Score >= threshold
}

// Sanitizer scores free text for prompt-injection heuristics and can
// neutralize the patterns it finds.
type Sanitizer struct{}

// NewSanitizer creates a Sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Inspect scores text against the injection pattern set. The score is
// the sum of matched pattern weights, capped at 1.0.
func (s *Sanitizer) Inspect(text string) ScanResult {
	var result ScanResult
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			result.Findings = append(result.Findings, Finding{Pattern: p.name, Weight: p.weight})
			result.Score += p.weight
		}
	}
	if result.Score > 1.0 {
		result.Score = 1.0
	}
	return result
}

// Sanitize escapes meta-characters that commonly close a prompt context
// (fenced-code delimiters, role-tag brackets) and quotes command-
// substitution sequences, returning text that can be safely embedded
// inside a larger prompt without the escaped fragment breaking out of
// it.
func (s *Sanitizer) Sanitize(text string) string {
	replacer := strings.NewReplacer(
		"```", "'''",
		"[system]", "[ system ]",
		"[/system]", "[ /system ]",
		"<|", "< |",
		"|>", "| >",
	)
	sanitized := replacer.Replace(text)
	sanitized = dollarCommandSub.ReplaceAllString(sanitized, `\$($1)`)
	sanitized = strings.ReplaceAll(sanitized, "`", "'")
	return sanitized
}

var dollarCommandSub = regexp.MustCompile(`\$\(([^)]*)\)`)
