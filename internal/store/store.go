// Package store is the key-value store client (C1): short-term conversation
// history, typing state, message buffers, and the durable queues (WAL,
// review, outbound) all live in Redis. In-memory state elsewhere in the
// pipeline treats this package as the source of truth on restart; every
// appender here writes through immediately (spec.md §9 design note).
package store

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeyWAL            = "nadia_message_queue"
	keyWALProcessing  = "nadia_message_queue:processing"
	KeyReviewQueue    = "nadia_review_queue"
	KeyOutboundQueue  = "nadia_approved_messages"
	KeyMessageBuffer  = "nadia_message_buffer"
	KeyTypingPrefix   = "nadia_typing_state:"
	historyTTL        = 7 * 24 * time.Hour
	typingTTL         = 30 * time.Second
	historyCapDefault = 50
)

// Config configures the Redis connection.
type Config struct {
	URL                   string
	TLSInsecureSkipVerify bool
}

// Client wraps a Redis connection with the operations the pipeline needs.
// It deliberately exposes a small, named surface rather than the raw
// redis.UniversalClient so call sites can't reach for ad-hoc commands that
// would bypass the key/TTL conventions documented in spec.md §6.
type Client struct {
	rdb redis.UniversalClient
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		return nil, err
	}
	return &Client{rdb: rdb}, nil
}

// NewFromUniversalClient wraps an already-constructed client (used by
// tests with a redismock client).
func NewFromUniversalClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks connectivity; used by health checks and the recovery agent.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Raw exposes the underlying client. The review approve script does not go
// through it: that script lives in this package (ApproveTransition).
func (c *Client) Raw() redis.UniversalClient { return c.rdb }
