package store

import (
	"context"
	"time"
)

const keyRetryCountPrefix = "nadia_wal_retries:"
const retryCountTTL = 24 * time.Hour

// IncrRetryCount increments and returns the number of times the recovery
// agent (C12) has attempted to replay a WAL entry. The counter expires
// after a day so a long-dormant interaction id doesn't pin memory forever.
func (c *Client) IncrRetryCount(ctx context.Context, interactionID string) (int64, error) {
	key := keyRetryCountPrefix + interactionID
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	c.rdb.Expire(ctx, key, retryCountTTL)
	return n, nil
}

// ResetRetryCount clears an interaction's replay counter after a
// successful replay.
func (c *Client) ResetRetryCount(ctx context.Context, interactionID string) error {
	return c.rdb.Del(ctx, keyRetryCountPrefix+interactionID).Err()
}
