// Package openai adapts the Chat Completions API to the llm.Client
// capability interface. Used as LLM-2 (refiner) by default; config can
// swap it into the LLM-1 slot instead (spec.md §9 Open Question).
package openai

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"nadia/internal/config"
	"nadia/internal/llm"
	"nadia/internal/observability"
)

// Client is an OpenAI-backed llm.Client.
type Client struct {
	sdk     sdk.Client
	model   string
	baseURL string
	apiKey  string

	mu         sync.RWMutex
	lastCost   float64
	lastPrompt int
	lastCompl  int
}

// New builds a client from a ProviderConfig.
func New(cfg config.ProviderConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model, baseURL: cfg.BaseURL, apiKey: cfg.APIKey}
}

// GenerateResponse sends the message list as one Chat Completions call.
func (c *Client) GenerateResponse(ctx context.Context, msgs []llm.Message) (string, error) {
	log := observability.LoggerWithTrace(ctx)
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: adaptMessages(msgs),
	}

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", dur).Msg("openai_generate_error")
		return "", classifyError(err)
	}
	if len(comp.Choices) == 0 {
		return "", &llm.Error{Provider: "openai", Kind: llm.KindDecode, Err: errNoChoices}
	}

	promptTokens := int(comp.Usage.PromptTokens)
	completionTokens := int(comp.Usage.CompletionTokens)
	cost := estimateCostUSD(c.model, promptTokens, completionTokens)

	c.mu.Lock()
	c.lastCost = cost
	c.lastPrompt = promptTokens
	c.lastCompl = completionTokens
	c.mu.Unlock()

	llm.RecordTokenMetrics(c.model, promptTokens, completionTokens)
	log.Debug().
		Str("model", c.model).
		Dur("duration", dur).
		Int("prompt_tokens", promptTokens).
		Int("completion_tokens", completionTokens).
		Msg("openai_generate_ok")

	return comp.Choices[0].Message.Content, nil
}

func (c *Client) ModelName() string { return c.model }

func (c *Client) LastCostUSD() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCost
}

func (c *Client) LastTokens() (prompt, completion int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPrompt, c.lastCompl
}

// Tokenizer returns a Tokenizer backed by the Responses API's preflight
// input_tokens endpoint.
func (c *Client) Tokenizer(cache *llm.TokenCache) llm.Tokenizer {
	t := NewInputTokensTokenizer(c.sdk, c.model, cache)
	t.baseURL = c.baseURL
	t.apiKey = c.apiKey
	return t
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func classifyError(err error) error {
	return &llm.Error{Provider: "openai", Kind: llm.KindTransport, Err: err}
}

var errNoChoices = errNoChoicesErr("openai: response had no choices")

type errNoChoicesErr string

func (e errNoChoicesErr) Error() string { return string(e) }

// estimateCostUSD applies a conservative flat per-million-token rate; the
// review dashboard treats these figures as approximate (spec.md §3
// Metering.Estimated).
func estimateCostUSD(model string, promptTokens, completionTokens int) float64 {
	const inputPerM, outputPerM = 0.15, 0.60
	return float64(promptTokens)/1_000_000*inputPerM + float64(completionTokens)/1_000_000*outputPerM
}
