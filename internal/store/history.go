package store

import (
	"context"
	"encoding/json"
)

// HistoryTurn is one exchange recorded for a user's short-term
// conversational memory, consumed by the prefix builder (C4) to assemble
// the rolling context window placed after the stable prefix.
type HistoryTurn struct {
	Role string `json:"role"` // "user" | "assistant"
	Text string `json:"text"`
}

const historyCapField = historyCapDefault

// AppendHistory records a turn for a user, trimming to the most recent N
// turns and refreshing the 7-day TTL on every write (spec.md §6).
func (c *Client) AppendHistory(ctx context.Context, userID string, turn HistoryTurn) error {
	raw, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	key := historyKey(userID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -historyCapField, -1)
	pipe.Expire(ctx, key, historyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// History returns the stored turns for a user, oldest first.
func (c *Client) History(ctx context.Context, userID string) ([]HistoryTurn, error) {
	raws, err := c.rdb.LRange(ctx, historyKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	turns := make([]HistoryTurn, 0, len(raws))
	for _, raw := range raws {
		var t HistoryTurn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func historyKey(userID string) string {
	return "user:" + userID + ":history"
}
