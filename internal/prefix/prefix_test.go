package prefix

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nadia/internal/llm"
)

func writePersona(t *testing.T, tokens int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.txt")
	// chars/4 heuristic: each 5-char "word " counts as at least one token.
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("word ", tokens)), 0o600))
	return path
}

func TestLoadRejectsBelowMinimumTokens(t *testing.T) {
	path := writePersona(t, 10)
	_, err := Load(context.Background(), path, 1024, nil)
	require.Error(t, err)
}

func TestLoadAcceptsSufficientTokens(t *testing.T) {
	path := writePersona(t, 2000)
	m, err := Load(context.Background(), path, 1024, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, m.PrefixTokens(), 1024)
}

func TestBuildMessagesStablePrefixIsByteIdentical(t *testing.T) {
	path := writePersona(t, 2000)
	m, err := Load(context.Background(), path, 1024, nil)
	require.NoError(t, err)

	msgs1, tok1 := m.BuildMessages(UserContext{Name: "Ada"}, "hello")
	msgs2, tok2 := m.BuildMessages(UserContext{Name: "Grace", Summary: "prior chat"}, "hi there")

	require.Equal(t, tok1, tok2)
	require.Equal(t, msgs1[0].Content, msgs2[0].Content)
	require.True(t, msgs1[0].Cacheable)
	require.Equal(t, "system", msgs1[0].Role)
}

func TestBuildMessagesOmitsEmptyOptionalFields(t *testing.T) {
	path := writePersona(t, 2000)
	m, err := Load(context.Background(), path, 1024, nil)
	require.NoError(t, err)

	msgs, _ := m.BuildMessages(UserContext{}, "hello")
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[1].Role)
}

func TestBuildMessagesIncludesUserAndSummary(t *testing.T) {
	path := writePersona(t, 2000)
	m, err := Load(context.Background(), path, 1024, nil)
	require.NoError(t, err)

	msgs, _ := m.BuildMessages(UserContext{Name: "Ada", Summary: "discussed billing"}, "hello")
	require.Len(t, msgs, 4)
	require.Contains(t, msgs[1].Content, "Ada")
	require.Contains(t, msgs[2].Content, "billing")
}

func TestBuildRefinementMessagesWrapsDraft(t *testing.T) {
	path := writePersona(t, 2000)
	m, err := Load(context.Background(), path, 1024, nil)
	require.NoError(t, err)

	msgs, _ := m.BuildRefinementMessages(UserContext{}, "draft text")
	last := msgs[len(msgs)-1]
	require.Contains(t, last.Content, "<draft>")
	require.Contains(t, last.Content, "draft text")
}

type fakeTokenizer struct{ count int }

func (f fakeTokenizer) CountTokens(ctx context.Context, text string) (int, error) { return f.count, nil }
func (f fakeTokenizer) CountMessagesTokens(ctx context.Context, msgs []llm.Message) (int, error) {
	return f.count, nil
}

func TestWarmUpUsesTokenizer(t *testing.T) {
	path := writePersona(t, 2000)
	m, err := Load(context.Background(), path, 1024, fakeTokenizer{count: 1500})
	require.NoError(t, err)
	require.NoError(t, m.WarmUp(context.Background()))
}
