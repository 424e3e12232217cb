package store

import "context"

const keyMessageNumberPrefix = "nadia_msgnum:"

// NextMessageNumber atomically returns the next strictly-increasing
// message_number for a conversation (model.Interaction invariant, spec.md
// §3). The counter has no expiry — a conversation's numbering must never
// repeat for the lifetime of the system.
func (c *Client) NextMessageNumber(ctx context.Context, conversationID string) (int64, error) {
	return c.rdb.Incr(ctx, keyMessageNumberPrefix+conversationID).Result()
}
