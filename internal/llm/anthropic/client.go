// Package anthropic adapts the Anthropic Messages API to the llm.Client
// capability interface, applying prompt-cache control to the stable
// prefix so repeated calls within the cache TTL skip re-processing the
// persona and history (spec.md §4.4).
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"nadia/internal/config"
	"nadia/internal/llm"
	"nadia/internal/observability"
)

const defaultMaxTokens int64 = 1024

// Client is a Claude-backed llm.Client.
type Client struct {
	sdk       anthropicsdk.Client
	model     string
	maxTokens int64

	mu         sync.RWMutex
	lastCost   float64
	lastPrompt int
	lastCompl  int
}

// New builds a client from a ProviderConfig. The HTTP client is injected so
// callers can share connection pooling/instrumentation across providers.
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
		model = string(anthropicsdk.ModelClaude3_7SonnetLatest)
	}
	return &Client{
		sdk:       anthropicsdk.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

// GenerateResponse sends the message list as one Messages.New call. Any
// message marked Cacheable gets a 5-minute ephemeral cache breakpoint so the
// stable prefix is reused across calls within the TTL.
func (c *Client) GenerateResponse(ctx context.Context, msgs []llm.Message) (string, error) {
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return "", err
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.model),
		Messages:  converted,
		System:    sys,
		MaxTokens: c.maxTokens,
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", dur).Msg("anthropic_generate_error")
		return "", classifyError(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	promptTokens := int(resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)
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
		Msg("anthropic_generate_ok")

	return sb.String(), nil
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

// Tokenizer returns a Tokenizer backed by Anthropic's count_tokens
// endpoint, with a caller-supplied cache to avoid round-tripping on
// repeated prefixes.
func (c *Client) Tokenizer(cache *llm.TokenCache) llm.Tokenizer {
	return NewMessagesTokenizer(c.sdk, c.model, cache)
}

var cacheControl = anthropicsdk.CacheControlEphemeralParam{TTL: anthropicsdk.CacheControlEphemeralTTLTTL5m}

func adaptMessages(msgs []llm.Message) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("anthropic: messages required")
	}
	var system []anthropicsdk.TextBlockParam
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))

	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "system":
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			block := anthropicsdk.TextBlockParam{Text: m.Content}
			if m.Cacheable {
				block.CacheControl = cacheControl
			}
			system = append(system, block)
		case "user":
			out = append(out, anthropicsdk.NewUserMessage(textBlock(m)))
		case "assistant":
			out = append(out, anthropicsdk.NewAssistantMessage(textBlock(m)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return system, out, nil
}

func textBlock(m llm.Message) anthropicsdk.ContentBlockParamUnion {
	if !m.Cacheable {
		return anthropicsdk.NewTextBlock(m.Content)
	}
	return anthropicsdk.ContentBlockParamUnion{OfText: &anthropicsdk.TextBlockParam{Text: m.Content, CacheControl: cacheControl}}
}

func classifyError(err error) error {
	return &llm.Error{Provider: "anthropic", Kind: llm.KindTransport, Err: err}
}

// estimateCostUSD applies a conservative flat per-million-token rate since
// Anthropic's price list changes independently of this pipeline; the
// review dashboard treats these figures as approximate (spec.md §3
// Metering.Estimated).
func estimateCostUSD(model string, promptTokens, completionTokens int) float64 {
	const inputPerM, outputPerM = 3.0, 15.0
	return float64(promptTokens)/1_000_000*inputPerM + float64(completionTokens)/1_000_000*outputPerM
}
