package anthropic

import (
	"context"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"nadia/internal/llm"
	"nadia/internal/observability"
)

// MessagesTokenizer implements llm.Tokenizer using the Messages API's
// /v1/messages/count_tokens endpoint, so the stable-prefix builder (C4)
// can assert its >=1024-token floor against the real tokenizer instead of
// the chars/4 heuristic.
type MessagesTokenizer struct {
	sdk   anthropicsdk.Client
	model string
	cache *llm.TokenCache
}

// NewMessagesTokenizer builds a tokenizer for one model, optionally backed
// by a shared cache so identical prefixes aren't re-counted every call.
func NewMessagesTokenizer(sdk anthropicsdk.Client, model string, cache *llm.TokenCache) *MessagesTokenizer {
	return &MessagesTokenizer{sdk: sdk, model: model, cache: cache}
}

// CountTokens counts a single string's tokens.
func (t *MessagesTokenizer) CountTokens(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	if t.cache != nil {
		if count, ok := t.cache.Get(text); ok {
			return count, nil
		}
	}
	count, err := t.CountMessagesTokens(ctx, []llm.Message{{Role: "user", Content: text}})
	if err != nil {
		return 0, err
	}
	if t.cache != nil {
		t.cache.Set(text, count)
	}
	return count, nil
}

// CountMessagesTokens counts an entire conversation via the count_tokens
// endpoint, which accounts for Anthropic's message-formatting overhead.
func (t *MessagesTokenizer) CountMessagesTokens(ctx context.Context, msgs []llm.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	log := observability.LoggerWithTrace(ctx)
	apiMsgs, system := buildMessageParams(msgs)

	params := anthropicsdk.MessageCountTokensParams{
		Messages: apiMsgs,
		Model:    anthropicsdk.Model(t.model),
	}
	if strings.TrimSpace(system) != "" {
		params.System = anthropicsdk.MessageCountTokensParamsSystemUnion{OfString: anthropicsdk.String(system)}
	}

	result, err := t.sdk.Messages.CountTokens(ctx, params)
	if err != nil {
		log.Warn().Err(err).Str("model", t.model).Int("messages", len(msgs)).Msg("anthropic_count_tokens_error")
		return 0, err
	}
	return int(result.InputTokens), nil
}

func buildMessageParams(msgs []llm.Message) ([]anthropicsdk.MessageParam, string) {
	params := make([]anthropicsdk.MessageParam, 0, len(msgs))
	var system string

	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			if strings.TrimSpace(m.Content) != "" {
				params = append(params, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
			}
		case "assistant":
			if strings.TrimSpace(m.Content) != "" {
				params = append(params, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
			}
		}
	}
	return params, system
}

var _ llm.Tokenizer = (*MessagesTokenizer)(nil)
