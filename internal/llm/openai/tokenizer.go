package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nadia/internal/llm"
	"nadia/internal/observability"
)

// InputTokensTokenizer implements llm.Tokenizer using the Responses API's
// /v1/responses/input_tokens preflight endpoint, which the SDK does not
// wrap directly.
type InputTokensTokenizer struct {
	sdkClient any // unused beyond identifying the provider at construction
	model     string
	cache     *llm.TokenCache
	baseURL   string
	apiKey    string
	http      *http.Client
}

// NewInputTokensTokenizer builds a tokenizer for one model. baseURL/apiKey
// are threaded through separately since the SDK client does not expose
// them for raw requests.
func NewInputTokensTokenizer(sdkClient any, model string, cache *llm.TokenCache) *InputTokensTokenizer {
	return &InputTokensTokenizer{sdkClient: sdkClient, model: model, cache: cache, http: http.DefaultClient}
}

type inputTokensRequest struct {
	Model        string `json:"model"`
	Input        []any  `json:"input"`
	Instructions string `json:"instructions,omitempty"`
}

type inputTokensResponse struct {
	TotalTokens int `json:"total_tokens"`
}

// CountTokens counts a single string's tokens.
func (t *InputTokensTokenizer) CountTokens(ctx context.Context, text string) (int, error) {
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

// CountMessagesTokens counts an entire conversation via the preflight
// input_tokens endpoint.
func (t *InputTokensTokenizer) CountMessagesTokens(ctx context.Context, msgs []llm.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	log := observability.LoggerWithTrace(ctx)
	input, instructions := buildInputItems(msgs)

	req := inputTokensRequest{Model: t.model, Input: input}
	if strings.TrimSpace(instructions) != "" {
		req.Instructions = instructions
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal input_tokens request: %w", err)
	}

	baseURL := strings.TrimSuffix(strings.TrimSpace(t.baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/responses/input_tokens", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create input_tokens request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("input_tokens request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read input_tokens response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("body", string(respBody)).Msg("input_tokens_api_error")
		return 0, fmt.Errorf("input_tokens returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result inputTokensResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("unmarshal input_tokens response: %w", err)
	}
	return result.TotalTokens, nil
}

func buildInputItems(msgs []llm.Message) ([]any, string) {
	items := make([]any, 0, len(msgs))
	var instructions string
	for _, m := range msgs {
		switch m.Role {
		case "system":
			instructions = m.Content
		case "assistant":
			items = append(items, map[string]any{
				"type":   "message",
				"role":   "assistant",
				"status": "completed",
				"content": []map[string]any{
					{"type": "output_text", "text": m.Content},
				},
			})
		default:
			items = append(items, map[string]any{
				"type": "message",
				"role": "user",
				"content": []map[string]any{
					{"type": "input_text", "text": m.Content},
				},
			})
		}
	}
	return items, instructions
}

var _ llm.Tokenizer = (*InputTokensTokenizer)(nil)
