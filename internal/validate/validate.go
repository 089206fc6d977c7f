// Package validate applies an ordered rule chain to generated post text.
// Each rule passes, warns, or fails with a reason; the first failure aborts
// the chain.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hyperxav/clara-engine/internal/driver"
	"github.com/hyperxav/clara-engine/internal/model"
)

// Verdict is the outcome of one rule.
type Verdict int

const (
	Pass Verdict = iota
	Warn
	Fail
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Warn:
		return "warn"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Input carries the text under validation and the tenant context the rules
// need.
type Input struct {
	// Text is the candidate post text.
	Text string
	// RecentPublished holds the tenant's most recent published texts,
	// newest first.
	RecentPublished []string
}

// Rule is one link in the chain.
type Rule interface {
	// Name identifies the rule in logs and failure reasons.
	Name() string

	// Check evaluates the rule. Reason is set on Warn and Fail.
	Check(ctx context.Context, in Input) (Verdict, string, error)
}

// Chain runs rules in order. It is safe for concurrent use once built.
type Chain struct {
	rules  []Rule
	logger *slog.Logger
}

// NewChain creates a Chain over the given rules.
func NewChain(logger *slog.Logger, rules ...Rule) (*Chain, error) {
	if logger == nil {
		return nil, fmt.Errorf("validate: logger must not be nil")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("validate: at least one rule is required")
	}
	return &Chain{rules: rules, logger: logger}, nil
}

// Validate runs the chain. The first failing rule produces a validation
// error naming the rule and reason; warnings are logged and do not stop the
// chain. Rule evaluation errors (e.g. an unreachable safety scorer) are
// returned as-is so the caller can retry transient ones.
func (c *Chain) Validate(ctx context.Context, in Input) error {
	for _, r := range c.rules {
		verdict, reason, err := r.Check(ctx, in)
		if err != nil {
			return fmt.Errorf("validate: rule %s: %w", r.Name(), err)
		}
		switch verdict {
		case Warn:
			c.logger.Warn("validation warning", "rule", r.Name(), "reason", reason)
		case Fail:
			return model.NewError(model.KindValidation,
				fmt.Sprintf("validate: rule %s failed: %s", r.Name(), reason), nil)
		}
	}
	return nil
}

// Normalize collapses runs of whitespace to single spaces and trims the
// ends. Length and duplication rules compare normalized text.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// NonEmpty fails on a trimmed empty string.
type NonEmpty struct{}

func (NonEmpty) Name() string { return "non_empty" }

func (NonEmpty) Check(_ context.Context, in Input) (Verdict, string, error) {
	if strings.TrimSpace(in.Text) == "" {
		return Fail, "text is empty", nil
	}
	return Pass, "", nil
}

// Length fails when the normalized text exceeds the maximum. Rune count,
// not bytes, so multibyte text is not over-penalized.
type Length struct {
	Max int
}

func (Length) Name() string { return "length" }

func (l Length) Check(_ context.Context, in Input) (Verdict, string, error) {
	n := len([]rune(Normalize(in.Text)))
	if n > l.Max {
		return Fail, fmt.Sprintf("text is %d characters, limit is %d", n, l.Max), nil
	}
	return Pass, "", nil
}

// BlockedWords fails when the text contains any configured word,
// case-insensitively.
type BlockedWords struct {
	Words []string
}

func (BlockedWords) Name() string { return "blocked_words" }

func (b BlockedWords) Check(_ context.Context, in Input) (Verdict, string, error) {
	lower := strings.ToLower(in.Text)
	for _, w := range b.Words {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return Fail, fmt.Sprintf("text contains blocked word %q", w), nil
		}
	}
	return Pass, "", nil
}

// ContentSafety fails when the scorer rates the text at or above the
// threshold. Scores in [0, 1], higher meaning more likely unsafe.
type ContentSafety struct {
	Scorer    driver.SafetyScorer
	Threshold float64
}

func (ContentSafety) Name() string { return "content_safety" }

func (s ContentSafety) Check(ctx context.Context, in Input) (Verdict, string, error) {
	score, err := s.Scorer.Score(ctx, in.Text)
	if err != nil {
		return Fail, "", err
	}
	if score >= s.Threshold {
		return Fail, fmt.Sprintf("safety score %.2f at or above threshold %.2f", score, s.Threshold), nil
	}
	return Pass, "", nil
}

// Duplication fails when the text equals any recent published post after
// case-folding and whitespace normalization.
type Duplication struct{}

func (Duplication) Name() string { return "duplication" }

func (Duplication) Check(_ context.Context, in Input) (Verdict, string, error) {
	candidate := strings.ToLower(Normalize(in.Text))
	for _, prior := range in.RecentPublished {
		if candidate == strings.ToLower(Normalize(prior)) {
			return Fail, "text duplicates a recently published post", nil
		}
	}
	return Pass, "", nil
}

// Default builds the standard chain in evaluation order: non-empty, length,
// blocked words, content safety, duplication. The safety rule is omitted
// when scorer is nil.
func Default(logger *slog.Logger, maxLen int, blocked []string, scorer driver.SafetyScorer, safetyThreshold float64) (*Chain, error) {
	rules := []Rule{
		NonEmpty{},
		Length{Max: maxLen},
		BlockedWords{Words: blocked},
	}
	if scorer != nil {
		rules = append(rules, ContentSafety{Scorer: scorer, Threshold: safetyThreshold})
	}
	rules = append(rules, Duplication{})
	return NewChain(logger, rules...)
}
