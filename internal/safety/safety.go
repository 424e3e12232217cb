// Package safety implements the safety evaluator (C9): a deterministic,
// rules-first risk scorer over a refined reply. Grounded on
// internal/observability's sensitive-key pattern list (a configured list
// of named patterns, matched case-insensitively) generalized from
// redacting log payloads to flagging risky reply text.
package safety

import (
	"regexp"
	"strings"

	"nadia/internal/model"
)

// Rule is one named, weighted risk pattern. A Rule with Reject set forces
// recommendation=reject on any match, regardless of accumulated risk
// (spec.md §4.6 "explicit-rule hits force reject").
type Rule struct {
	Flag    string
	Pattern *regexp.Regexp
	Weight  float64
	Reject  bool
}

// Evaluator scores a refined reply's bubbles against a fixed rule set.
// Evaluation is a pure function of its inputs: the same bubbles and
// context always produce the same Safety value (spec.md §4.6
// "deterministic given inputs").
type Evaluator struct {
	rules          []Rule
	reviewThreshold float64
}

// New builds an Evaluator from rules. reviewThreshold is the risk level
// above which recommendation is forced to at least "review" (spec.md §4.6
// default 0.7).
func New(rules []Rule, reviewThreshold float64) *Evaluator {
	if reviewThreshold <= 0 {
		reviewThreshold = 0.7
	}
	return &Evaluator{rules: rules, reviewThreshold: reviewThreshold}
}

// DefaultRules returns a baseline rule set covering the categories a
// reviewer dashboard typically needs surfaced: self-harm language, a
// request for payment/financial details, and hostile/abusive language.
// Operators are expected to extend or replace this set via config.
func DefaultRules() []Rule {
	return []Rule{
		{
			Flag:    "self_harm",
			Pattern: regexp.MustCompile(`(?i)\b(kill myself|suicide|self[- ]harm|end my life)\b`),
			Weight:  1.0,
			Reject:  true,
		},
		{
			Flag:    "financial_request",
			Pattern: regexp.MustCompile(`(?i)\b(wire transfer|send (me )?money|gift card|credit card number|bank account)\b`),
			Weight:  0.6,
		},
		{
			Flag:    "hostile_language",
			Pattern: regexp.MustCompile(`(?i)\b(i hate you|shut up|idiot|stupid)\b`),
			Weight:  0.3,
		},
		{
			Flag:    "contact_info_request",
			Pattern: regexp.MustCompile(`(?i)\b(what('?s| is) your (phone number|address|real name))\b`),
			Weight:  0.2,
		},
	}
}

// Evaluate scores joined bubble text (plus optional prior-turn context for
// rules that need it) and returns the resulting Safety value. It never
// mutates its inputs and never calls out to the network — the evaluator
// is a pure function so its output is reproducible for audit.
func (e *Evaluator) Evaluate(bubbles []string, context string) model.Safety {
	text := strings.Join(bubbles, "\n") + "\n" + context

	var risk float64
	var flags []string
	forceReject := false

	for _, rule := range e.rules {
		if rule.Pattern.MatchString(text) {
			flags = append(flags, rule.Flag)
			risk += rule.Weight
			if rule.Reject {
				forceReject = true
			}
		}
	}
	if risk > 1.0 {
		risk = 1.0
	}

	rec := model.RecommendApprove
	if risk > e.reviewThreshold {
		rec = model.RecommendReview
	}
	if forceReject {
		rec = model.RecommendReject
	}

	return model.Safety{
		Risk:           risk,
		Flags:          flags,
		Recommendation: rec,
	}
}
