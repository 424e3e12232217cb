package db

import (
	"context"
	"database/sql"
	"time"
)

// UserCursor tracks the last interaction delivered to a user, so the
// recovery agent (C12) can detect a gap between the outbound queue and
// what was actually sent after a crash.
type UserCursor struct {
	UserID            string
	LastInteractionID string
	LastDeliveredAt   *time.Time
}

// UpsertCursor advances a user's delivery cursor.
func (d *DB) UpsertCursor(ctx context.Context, c UserCursor) error {
	_, err := d.pool.Exec(ctx, `
INSERT INTO user_cursors (user_id, last_interaction_id, last_delivered_at, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id) DO UPDATE SET
    last_interaction_id = EXCLUDED.last_interaction_id,
    last_delivered_at = EXCLUDED.last_delivered_at,
    updated_at = NOW()`, c.UserID, c.LastInteractionID, c.LastDeliveredAt)
	return err
}

// GetCursor returns a user's delivery cursor, or ErrNotFound if none has
// been recorded yet.
func (d *DB) GetCursor(ctx context.Context, userID string) (UserCursor, error) {
	var c UserCursor
	var lastInteractionID sql.NullString
	var lastDeliveredAt sql.NullTime
	err := d.pool.QueryRow(ctx, `
SELECT user_id, last_interaction_id, last_delivered_at FROM user_cursors WHERE user_id = $1`, userID).
		Scan(&c.UserID, &lastInteractionID, &lastDeliveredAt)
	if err != nil {
		if isNoRows(err) {
			return UserCursor{}, ErrNotFound
		}
		return UserCursor{}, err
	}
	if lastInteractionID.Valid {
		c.LastInteractionID = lastInteractionID.String
	}
	if lastDeliveredAt.Valid {
		v := lastDeliveredAt.Time
		c.LastDeliveredAt = &v
	}
	return c, nil
}
