package store

import (
	"context"
	"encoding/json"
)

// BufferedMessage is one message accumulated in a user's adaptive batching
// window (C6) before the batch is dispatched to generation.
type BufferedMessage struct {
	InteractionID string `json:"interaction_id"`
	Text          string `json:"text"`
}

// AppendToBuffer adds a message to a user's in-flight batch buffer. The
// buffer is mirrored to Redis on every append (not just on window close) so
// a crash mid-window loses at most the in-process timer state, never the
// buffered text (spec.md §9 design note on KV as source of truth).
func (c *Client) AppendToBuffer(ctx context.Context, userID string, msg BufferedMessage) ([]BufferedMessage, error) {
	existing, err := c.GetBuffer(ctx, userID)
	if err != nil {
		return nil, err
	}
	existing = append(existing, msg)
	raw, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.HSet(ctx, KeyMessageBuffer, userID, raw).Err(); err != nil {
		return nil, err
	}
	return existing, nil
}

// GetBuffer returns the messages currently buffered for a user.
func (c *Client) GetBuffer(ctx context.Context, userID string) ([]BufferedMessage, error) {
	raw, err := c.rdb.HGet(ctx, KeyMessageBuffer, userID).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []BufferedMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ClearBuffer empties a user's batch buffer once it has been dispatched.
func (c *Client) ClearBuffer(ctx context.Context, userID string) error {
	return c.rdb.HDel(ctx, KeyMessageBuffer, userID).Err()
}

// BufferedUserCount reports how many users currently have a non-empty
// buffer. The recovery agent does not call it.
func (c *Client) BufferedUserCount(ctx context.Context) (int64, error) {
	return c.rdb.HLen(ctx, KeyMessageBuffer).Result()
}

// AllBufferedUsers returns every user_id with a pending buffer. The
// recovery agent does not call it: a buffer left behind by a restart is
// not drained or re-armed by recovery.
func (c *Client) AllBufferedUsers(ctx context.Context) ([]string, error) {
	return c.rdb.HKeys(ctx, KeyMessageBuffer).Result()
}
