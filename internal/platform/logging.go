package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LoggingClient is a development/testing stand-in for a real chat-platform
// adapter: it logs every call instead of reaching a network, resolves a
// user id to itself as a handle, and fabricates a message id on send. It
// satisfies Client so the rest of the pipeline (C7, C11) can be wired and
// exercised end-to-end before a concrete platform integration exists
// (spec.md §1 — the chat platform is an external collaborator, out of
// this module's scope).
type LoggingClient struct {
	log zerolog.Logger
}

// NewLoggingClient builds a LoggingClient that writes through log.
func NewLoggingClient(log zerolog.Logger) *LoggingClient {
	return &LoggingClient{log: log}
}

func (c *LoggingClient) ResolveInputEntity(ctx context.Context, userID string) (string, error) {
	c.log.Debug().Str("user_id", userID).Msg("platform_resolve_input_entity")
	return userID, nil
}

func (c *LoggingClient) ResolveEntity(ctx context.Context, userID string) (string, error) {
	c.log.Debug().Str("user_id", userID).Msg("platform_resolve_entity")
	return userID, nil
}

func (c *LoggingClient) SetTyping(ctx context.Context, chatID string, duration time.Duration) error {
	c.log.Debug().Str("chat_id", chatID).Dur("duration", duration).Msg("platform_set_typing")
	return nil
}

func (c *LoggingClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	c.log.Info().Str("chat_id", chatID).Str("text", text).Msg("platform_send_message")
	return fmt.Sprintf("logged-%d", time.Now().UnixNano()), nil
}
