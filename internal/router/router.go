// Package router implements the cognitive router (C5): a pure, side-effect
// free classifier that decides whether an incoming message should take the
// fast path (a canned/deterministic response, bypassing the LLM pipeline
// entirely) or the slow path (the full LLM-1/LLM-2/safety/review pipeline).
package router

import (
	"regexp"
	"strings"
)

// Lane identifies which path a message should take.
type Lane string

const (
	// Fast messages are handled without invoking the LLM pipeline.
	Fast Lane = "fast"
	// Slow messages are routed through the full generation pipeline.
	Slow Lane = "slow"
)

// Rule pairs a name with a compiled fast-path pattern; every rule routes to
// Fast. Patterns are matched case-insensitively against the whole trimmed
// message text.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Router classifies incoming text by matching it against anchored
// whole-string command patterns. Any matching rule routes fast; the rules
// are built from a map, so their order (and which rule MatchedRule reports
// when several match) is not defined. Anything unmatched — including empty or whitespace-only text — routes
// slow, since only an explicit fast-path command should skip generation.
type Router struct {
	rules []Rule
}

// New compiles the given command patterns into fast-path rules. Each
// pattern is wrapped with ^(?i: ... )$ so it must match the entire message.
func New(patterns map[string]string) (*Router, error) {
	rules := make([]Rule, 0, len(patterns))
	for name, pattern := range patterns {
		re, err := regexp.Compile(`(?i)^(?:` + pattern + `)$`)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Name: name, Pattern: re})
	}
	return &Router{rules: rules}, nil
}

// DefaultPatterns returns the baseline fast-path command set: simple
// acknowledgements and control words that never need the LLM pipeline.
func DefaultPatterns() map[string]string {
	return map[string]string{
		"stop":  `stop|cancel|unsubscribe`,
		"ping":  `ping`,
		"menu":  `menu|help|options`,
	}
}

// Route classifies text into a Lane. It has no side effects and does not
// mutate the Router; the same input always produces the same output.
func (r *Router) Route(text string) Lane {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Slow
	}
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(trimmed) {
			return Fast
		}
	}
	return Slow
}

// MatchedRule returns the name of the rule that would classify text as
// fast, and whether any rule matched. Useful for logging/metrics without
// re-implementing the match loop at call sites.
func (r *Router) MatchedRule(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(trimmed) {
			return rule.Name, true
		}
	}
	return "", false
}
