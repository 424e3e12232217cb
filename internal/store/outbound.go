package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PushOutbound enqueues an approved interaction for paced delivery. A
// single FIFO list is sufficient to preserve per-conversation ordering
// (spec.md §4.11 invariant) because it is strictly stronger than that
// requirement: a single global order implies every per-conversation
// sub-order is preserved too.
func (c *Client) PushOutbound(ctx context.Context, interactionID string) error {
	return c.rdb.LPush(ctx, KeyOutboundQueue, interactionID).Err()
}

// PopOutbound blocks up to timeout for the next approved interaction ready
// to send.
func (c *Client) PopOutbound(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := c.rdb.BRPop(ctx, timeout, KeyOutboundQueue).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BRPop returns [key, value].
	return id[1], nil
}

// OutboundLen reports the current outbound backlog, checked by the review
// manager before approving new interactions (spec.md §7 BackpressureError).
func (c *Client) OutboundLen(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, KeyOutboundQueue).Result()
}

// RequeueFront reinserts interactionIDs so they are the next popped, in
// the given order, ahead of anything already queued. Used by the paced
// sender (C11) when a send fails partway through an interaction's bubbles
// and the remaining interactions must resume before any later approvals
// (spec.md §4.9). BRPop pops from the tail, so ids are RPushed in reverse
// so the first id ends up closest to the tail.
func (c *Client) RequeueFront(ctx context.Context, interactionIDs []string) error {
	if len(interactionIDs) == 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for i := len(interactionIDs) - 1; i >= 0; i-- {
		pipe.RPush(ctx, KeyOutboundQueue, interactionIDs[i])
	}
	_, err := pipe.Exec(ctx)
	return err
}

func isRedisNil(err error) bool {
	return err == redis.Nil
}
