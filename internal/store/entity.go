package store

import "context"

const keyEntityHandlePrefix = "nadia_entity_handle:"

// SetEntityHandle durably records a resolved user_id -> chat-platform peer
// handle mapping, so a process restart doesn't need to re-resolve every
// peer the entity resolver (C7) has already seen (spec.md §4.3a).
func (c *Client) SetEntityHandle(ctx context.Context, userID, handle string) error {
	return c.rdb.Set(ctx, keyEntityHandlePrefix+userID, handle, 0).Err()
}

// GetEntityHandle looks up a previously resolved handle. The bool return
// is false (with a nil error) on a cache miss.
func (c *Client) GetEntityHandle(ctx context.Context, userID string) (string, bool, error) {
	handle, err := c.rdb.Get(ctx, keyEntityHandlePrefix+userID).Result()
	if isRedisNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return handle, true, nil
}
