// Package prefix builds the message array handed to each LLM call and
// guarantees that its leading system message never changes, so providers
// that support prompt caching (Anthropic's cache_control, spec.md §4.4) can
// reuse it across requests instead of re-processing the persona text on
// every turn.
package prefix

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"nadia/internal/llm"
)

// Manager loads the persona text once at boot and exposes BuildMessages to
// assemble a full message array around it.
type Manager struct {
	mu sync.RWMutex

	stablePrefix string
	prefixTokens int

	tokenizer llm.Tokenizer
	minTokens int
}

// Load reads the persona file at path, tokenises it with tok (falling back
// to the chars/4 heuristic if tok is nil), and asserts it meets minTokens.
// A violation is fatal at boot per spec.md §7 FatalConfigError — the caller
// is expected to abort the process on a non-nil error.
func Load(ctx context.Context, path string, minTokens int, tok llm.Tokenizer) (*Manager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prefix: read persona file %q: %w", path, err)
	}
	text := string(raw)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("prefix: persona file %q is empty", path)
	}

	count, err := countTokens(ctx, tok, text)
	if err != nil {
		return nil, fmt.Errorf("prefix: tokenising persona file: %w", err)
	}
	if count < minTokens {
		return nil, fmt.Errorf("prefix: persona text is %d tokens, below the required minimum of %d", count, minTokens)
	}

	return &Manager{
		stablePrefix: text,
		prefixTokens: count,
		tokenizer:    tok,
		minTokens:    minTokens,
	}, nil
}

func countTokens(ctx context.Context, tok llm.Tokenizer, text string) (int, error) {
	if tok == nil {
		return llm.EstimateTokens(text), nil
	}
	return tok.CountTokens(ctx, text)
}

// PrefixTokens returns the token count of the stable prefix, computed once
// at Load.
func (m *Manager) PrefixTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefixTokens
}

// StablePrefix returns the persona text, byte-identical across calls.
func (m *Manager) StablePrefix() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stablePrefix
}

// UserContext carries the optional per-turn context BuildMessages folds
// into the second and third system messages.
type UserContext struct {
	Name    string
	Summary string
}

// BuildMessages assembles the ordered message array for one LLM call:
//  1. system   = the stable prefix, byte-identical across every call
//  2. system   = "Current user: <name>"       (only if userCtx.Name is set)
//  3. system   = "Conversation context: <summary>" (only if summary is set)
//  4. user     = currentText
//
// It returns the built messages alongside the stable prefix's token count,
// so callers can report prefix/total token splits without re-tokenising.
func (m *Manager) BuildMessages(userCtx UserContext, currentText string) ([]llm.Message, int) {
	m.mu.RLock()
	stable := m.stablePrefix
	prefixTokens := m.prefixTokens
	m.mu.RUnlock()

	msgs := make([]llm.Message, 0, 4)
	msgs = append(msgs, llm.Message{Role: "system", Content: stable, Cacheable: true})

	if name := strings.TrimSpace(userCtx.Name); name != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: "Current user: " + name})
	}
	if summary := strings.TrimSpace(userCtx.Summary); summary != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: "Conversation context: " + summary})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: currentText})

	return msgs, prefixTokens
}

// BuildRefinementMessages builds the LLM-2 call: the same stable prefix and
// optional context messages, with the current instruction wrapping the
// LLM-1 draft in explicit delimiters so the refiner can address it as a
// distinct, clearly-bounded block (spec.md §4.4).
func (m *Manager) BuildRefinementMessages(userCtx UserContext, draft string) ([]llm.Message, int) {
	instruction := "Refine the following draft reply. Respond only with the refined reply.\n\n" +
		"<draft>\n" + draft + "\n</draft>"
	return m.BuildMessages(userCtx, instruction)
}

// WarmUp issues a zero-cost tokenisation pass over the stable prefix alone,
// useful as a boot-time warm-up call so the first real request doesn't pay
// for cold cache population (spec.md §4.4).
func (m *Manager) WarmUp(ctx context.Context) error {
	m.mu.RLock()
	stable := m.stablePrefix
	tok := m.tokenizer
	m.mu.RUnlock()

	if tok == nil {
		return nil
	}
	_, err := tok.CountTokens(ctx, stable)
	return err
}
