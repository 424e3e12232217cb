package store

import (
	"context"
)

// SetTyping records that a user is (or is no longer) actively typing.
// Redis hash fields have no independent TTL on the server versions this
// pipeline targets, so each user's typing flag is its own string key with
// a 30s expiry rather than a field in a shared hash — the absence of the
// key, not a stored "false", is what signals "not typing" (spec.md §6).
func (c *Client) SetTyping(ctx context.Context, userID string, typing bool) error {
	if !typing {
		return c.rdb.Del(ctx, KeyTypingPrefix+userID).Err()
	}
	return c.rdb.Set(ctx, KeyTypingPrefix+userID, "1", typingTTL).Err()
}

// IsTyping reports whether a user's typing signal is still fresh.
func (c *Client) IsTyping(ctx context.Context, userID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, KeyTypingPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
