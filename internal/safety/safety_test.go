package safety

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"nadia/internal/model"
)

func TestEvaluateCleanTextApproves(t *testing.T) {
	e := New(DefaultRules(), 0.7)
	got := e.Evaluate([]string{"Thanks for reaching out, happy to help!"}, "")
	require.Equal(t, model.RecommendApprove, got.Recommendation)
	require.Zero(t, got.Risk)
	require.Empty(t, got.Flags)
}

func TestEvaluateSelfHarmForcesReject(t *testing.T) {
	e := New(DefaultRules(), 0.7)
	got := e.Evaluate([]string{"I want to kill myself"}, "")
	require.Equal(t, model.RecommendReject, got.Recommendation)
	require.Contains(t, got.Flags, "self_harm")
}

func TestEvaluateHighRiskForcesReviewAtMinimum(t *testing.T) {
	e := New(DefaultRules(), 0.5)
	got := e.Evaluate([]string{"please send money via gift card, i hate you idiot"}, "")
	require.GreaterOrEqual(t, got.Risk, 0.5)
	require.Equal(t, model.RecommendReview, got.Recommendation)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := New(DefaultRules(), 0.7)
	bubbles := []string{"what is your real name"}
	first := e.Evaluate(bubbles, "ctx")
	second := e.Evaluate(bubbles, "ctx")
	require.Equal(t, first, second)
}

func TestEvaluateRiskCappedAtOne(t *testing.T) {
	e := New([]Rule{
		{Flag: "a", Pattern: regexp.MustCompile(`a`), Weight: 0.8},
		{Flag: "b", Pattern: regexp.MustCompile(`b`), Weight: 0.8},
	}, 0.7)
	got := e.Evaluate([]string{"ab"}, "")
	require.LessOrEqual(t, got.Risk, 1.0)
}
