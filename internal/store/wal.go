package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// WALEntry is a single raw inbound message recorded before any processing
// begins, so a crash between receipt and durable interaction-row creation
// never silently drops a message (spec.md §4.1 durability invariant).
type WALEntry struct {
	ID            string    `json:"id"`
	ConversationID string   `json:"conversation_id"`
	UserID        string    `json:"user_id"`
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Enqueue appends a message to the write-ahead log. LPush/BRPopLPush keeps
// the queue FIFO (oldest at the tail).
func (c *Client) Enqueue(ctx context.Context, e WALEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.LPush(ctx, KeyWAL, raw).Err()
}

// Claim blocks up to timeout for the next WAL entry and atomically moves it
// to a processing list. The entry is not considered acknowledged until Ack
// is called, so a crash mid-processing leaves it recoverable from the
// processing list (reconciled by the recovery agent, C12).
func (c *Client) Claim(ctx context.Context, timeout time.Duration) (*WALEntry, string, error) {
	raw, err := c.rdb.BRPopLPush(ctx, KeyWAL, keyWALProcessing, timeout).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var e WALEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, "", err
	}
	return &e, raw, nil
}

// Ack removes a claimed entry from the processing list once its durable
// interaction row has been created.
func (c *Client) Ack(ctx context.Context, raw string) error {
	return c.rdb.LRem(ctx, keyWALProcessing, 1, raw).Err()
}

// PendingProcessing returns every entry still sitting in the processing
// list, used by the recovery agent at boot and on its periodic sweep to
// replay work a prior process claimed but never acknowledged.
func (c *Client) PendingProcessing(ctx context.Context) ([]string, error) {
	return c.rdb.LRange(ctx, keyWALProcessing, 0, -1).Result()
}

// Requeue moves a stuck processing-list entry back onto the WAL head so it
// is claimed again.
func (c *Client) Requeue(ctx context.Context, raw string) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, keyWALProcessing, 1, raw)
	pipe.LPush(ctx, KeyWAL, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// WALLen reports the current WAL backlog, used for observability counters.
func (c *Client) WALLen(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, KeyWAL).Result()
}

// AckByID removes the WAL entry matching id directly from the WAL list.
// The orchestrator (C8) writes and then fully processes one entry within
// the same call, so it never goes through Claim/Ack's raw-string handle —
// it only knows the logical id, so this scans the (bounded) WAL list for
// the matching entry instead. A crash between Enqueue and AckByID simply
// leaves the entry for the recovery agent to Claim and replay.
func (c *Client) AckByID(ctx context.Context, id string) error {
	raws, err := c.rdb.LRange(ctx, KeyWAL, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var e WALEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.ID == id {
			return c.rdb.LRem(ctx, KeyWAL, 1, raw).Err()
		}
	}
	return nil
}
