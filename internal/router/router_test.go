package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(DefaultPatterns())
	require.NoError(t, err)
	return r
}

func TestRouteMatchesFastCommands(t *testing.T) {
	r := newTestRouter(t)
	require.Equal(t, Fast, r.Route("stop"))
	require.Equal(t, Fast, r.Route("  STOP  "))
	require.Equal(t, Fast, r.Route("ping"))
	require.Equal(t, Fast, r.Route("help"))
}

func TestRouteDefaultsToSlow(t *testing.T) {
	r := newTestRouter(t)
	require.Equal(t, Slow, r.Route("tell me about your day"))
	require.Equal(t, Slow, r.Route("stop telling me"))
}

func TestRouteEmptyTextIsSlow(t *testing.T) {
	r := newTestRouter(t)
	require.Equal(t, Slow, r.Route(""))
	require.Equal(t, Slow, r.Route("   "))
}

func TestMatchedRuleReportsName(t *testing.T) {
	r := newTestRouter(t)
	name, ok := r.MatchedRule("menu")
	require.True(t, ok)
	require.Equal(t, "menu", name)

	_, ok = r.MatchedRule("something else entirely")
	require.False(t, ok)
}

func TestRouteIsPure(t *testing.T) {
	r := newTestRouter(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, Fast, r.Route("ping"))
	}
}
