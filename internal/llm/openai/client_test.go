package openai

import (
	"testing"

	"nadia/internal/llm"
)

func TestAdaptMessagesMapsRoles(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "persona"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	out := adaptMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
}

func TestBuildInputItemsCarriesInstructions(t *testing.T) {
	items, instructions := buildInputItems([]llm.Message{
		{Role: "system", Content: "persona"},
		{Role: "user", Content: "hi"},
	})
	if instructions != "persona" {
		t.Fatalf("expected system message to become instructions, got %q", instructions)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 input item, got %d", len(items))
	}
}

func TestEstimateCostUSDScalesWithTokens(t *testing.T) {
	low := estimateCostUSD("gpt-4o-mini", 1000, 0)
	high := estimateCostUSD("gpt-4o-mini", 2000, 0)
	if high <= low {
		t.Fatalf("expected cost to scale with token count: low=%v high=%v", low, high)
	}
}
