package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ReviewEnqueue adds an interaction to the review sorted set, scored by its
// priority (model.Priority) so ZRevRange returns highest-priority first.
func (c *Client) ReviewEnqueue(ctx context.Context, interactionID string, priority float64) error {
	return c.rdb.ZAdd(ctx, KeyReviewQueue, redis.Z{Score: priority, Member: interactionID}).Err()
}

// ReviewRemove drops an interaction from the review queue once it has been
// approved, rejected, or failed.
func (c *Client) ReviewRemove(ctx context.Context, interactionID string) error {
	return c.rdb.ZRem(ctx, KeyReviewQueue, interactionID).Err()
}

// ReviewLen reports the current review backlog. No backpressure check in
// this module reads it; the review manager's backpressure uses OutboundLen.
func (c *Client) ReviewLen(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, KeyReviewQueue).Result()
}

// ReviewTop returns up to limit interaction IDs ordered by descending
// priority, for the reviewer dashboard's queue listing.
func (c *Client) ReviewTop(ctx context.Context, limit int64) ([]string, error) {
	return c.rdb.ZRevRange(ctx, KeyReviewQueue, 0, limit-1).Result()
}

// ReviewScore returns the current priority score of a queued interaction,
// and false when the id is not in the queue. The review manager does not
// call it; Approve and Reject detect a stale decision from the Postgres
// review status instead.
func (c *Client) ReviewScore(ctx context.Context, interactionID string) (float64, bool, error) {
	score, err := c.rdb.ZScore(ctx, KeyReviewQueue, interactionID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// approveScript moves an interaction from the review sorted set to the
// outbound list as one atomic unit (spec.md §4.7/§5: approve is a single
// script spanning both key spaces). It is also idempotent: once the id is
// no longer a member of the sorted set the script is a no-op, so a
// reviewer-dashboard retry of Approve after a partial failure (Postgres
// committed, this script not yet run) can safely call it again without
// double-pushing to the outbound list.
var approveScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// ApproveTransition runs approveScript against the review and outbound
// keys for interactionID.
func (c *Client) ApproveTransition(ctx context.Context, interactionID string) error {
	return approveScript.Run(ctx, c.rdb, []string{KeyReviewQueue, KeyOutboundQueue}, interactionID).Err()
}
