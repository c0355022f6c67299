package safety

import (
	"context"
	"log/slog"
)

// Action selects what a Policy does once it decides text is suspicious.
type Action string

const (
	ActionWarn     Action = "warn"
	ActionBlock    Action = "block"
	ActionSanitize Action = "sanitize"
)

// DecisionTag discriminates Decision.
type DecisionTag string

const (
	DecisionAllow    DecisionTag = "allow"
	DecisionWarn     DecisionTag = "warn"
	DecisionBlock    DecisionTag = "block"
	DecisionSanitize DecisionTag = "sanitize"
)

// Decision is the outcome of running Policy.Evaluate against a piece of
// text: exactly one of Allow, Warn(reason), Block(reason), or
// Sanitize(sanitized, reason), discriminated by Tag.
type Decision struct {
	Tag       DecisionTag
	Reason    string
	Sanitized string
}

// PolicyConfig configures a Policy's sensitivity.
type PolicyConfig struct {
	// Action is what happens once a scan clears Threshold or a leak is
	// found.
	Action Action
	// Threshold is the minimum Sanitizer score treated as suspicious.
	Threshold float64
}

// DefaultPolicyConfig returns conservative defaults: sanitize suspicious
// input rather than blocking it outright, at a moderate threshold.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{Action: ActionSanitize, Threshold: 0.5}
}

// Policy combines the Validator, Sanitizer, and LeakDetector behind a
// single decision per spec.md's §4.8 action table.
type Policy struct {
	config    PolicyConfig
	validator *Validator
	sanitizer *Sanitizer
	leaks     *LeakDetector
	logger    *slog.Logger
}

// NewPolicy creates a Policy from its collaborators. A nil logger falls
// back to slog's default logger.
func NewPolicy(config PolicyConfig, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		config:    config,
		validator: NewValidator(logger),
		sanitizer: NewSanitizer(),
		leaks:     NewLeakDetector(),
		logger:    logger.With("component", "safety.policy"),
	}
}

// ValidateURL delegates to the Validator.
func (p *Policy) ValidateURL(ctx context.Context, rawURL string) error {
	return p.validator.ValidateURL(ctx, rawURL)
}

// Evaluate scans text for prompt-injection heuristics and known
// credential leaks, then applies the configured Action. A leak always
// upgrades the decision to at least the configured action, even if the
// injection score alone would not have crossed Threshold.
func (p *Policy) Evaluate(text string) Decision {
	scan := p.sanitizer.Inspect(text)
	leaks := p.leaks.Scan(text)

	suspicious := scan.Suspicious(p.config.Threshold) || len(leaks) > 0
	if !suspicious {
		return Decision{Tag: DecisionAllow}
	}

	reason := suspicionReason(scan, leaks)
	p.logger.Warn("suspicious input", "reason", reason, "score", scan.Score, "leaks", len(leaks))

	switch p.config.Action {
	case ActionBlock:
		return Decision{Tag: DecisionBlock, Reason: reason}
	case ActionSanitize:
		return Decision{Tag: DecisionSanitize, Reason: reason, Sanitized: p.sanitizer.Sanitize(text)}
	default:
		return Decision{Tag: DecisionWarn, Reason: reason}
	}
}

func suspicionReason(scan ScanResult, leaks []Leak) string {
	if len(leaks) > 0 {
		return "credential leak detected: " + leaks[0].Kind
	}
	if len(scan.Findings) > 0 {
		return "prompt injection heuristic matched: " + scan.Findings[0].Pattern
	}
	return "suspicious input"
}
