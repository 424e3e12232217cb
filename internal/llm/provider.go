// Package llm is the two-stage generation abstraction (C3): a narrow
// capability interface plus one concrete client per provider. The pipeline
// never depends on streaming, tool calls, or image generation — each LLM
// call produces one text response that is cached for cost/token reporting.
package llm

import (
	"context"
	"fmt"
)

// Message is one turn in the conversation sent to a provider. Role is
// "system", "user", or "assistant"; the pipeline never emits "tool".
type Message struct {
	Role    string
	Content string
	// Cacheable marks a message eligible for provider-side prompt caching
	// (spec.md §4.4 stable-prefix invariant). Only the stable prefix built
	// by internal/prefix sets this.
	Cacheable bool
}

// Client is the capability every LLM stage needs: generate one response,
// report what model answered, and report the cost/token accounting for the
// last call so the caller can persist it on the interaction row.
type Client interface {
	GenerateResponse(ctx context.Context, msgs []Message) (string, error)
	ModelName() string
	LastCostUSD() float64
	LastTokens() (prompt, completion int)
}

// ErrorKind classifies a provider failure so callers can decide whether to
// retry, back off, or surface a fatal error (spec.md §7).
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindQuota       ErrorKind = "quota"
	KindTransport   ErrorKind = "transport"
	KindDecode      ErrorKind = "decode"
	KindTimeout     ErrorKind = "timeout"
)

// Error wraps a provider failure with enough structure for the caller to
// route retries without parsing error strings.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm(%s): %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a caller should retry this failure after a
// backoff (rate limits and transport hiccups) versus giving up (quota
// exhaustion, a response the SDK couldn't decode).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
