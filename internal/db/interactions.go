package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"nadia/internal/model"
)

// CreateInteraction inserts the durable row for a newly received message,
// before any generation has happened. The WAL entry (internal/store) is
// only acknowledged once the whole pipeline finishes, so a replay of the
// same id (recovery re-claiming a WAL entry whose ack never landed, after
// the row was already fully created) hits ON CONFLICT DO NOTHING instead
// of a primary-key error.
func (d *DB) CreateInteraction(ctx context.Context, in model.Interaction) error {
	_, err := d.pool.Exec(ctx, `
INSERT INTO interactions (id, user_id, conversation_id, message_number, user_message, user_message_timestamp, review_status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (id) DO NOTHING`,
		in.ID, in.UserID, in.ConversationID, in.MessageNumber, in.UserMessage, in.UserMessageTimestamp, in.ReviewStatus)
	return err
}

// UpdateGeneration records the two LLM stages' output and metering once
// generation completes.
func (d *DB) UpdateGeneration(ctx context.Context, in model.Interaction) error {
	_, err := d.pool.Exec(ctx, `
UPDATE interactions SET
    llm1_raw_response = $2,
    llm2_bubbles = $3,
    llm1_model = $4, llm1_prompt_tokens = $5, llm1_completion_tokens = $6, llm1_cost_usd = $7, llm1_estimated = $8,
    llm2_model = $9, llm2_prompt_tokens = $10, llm2_completion_tokens = $11, llm2_cost_usd = $12, llm2_estimated = $13
WHERE id = $1`,
		in.ID, in.LLM1RawResponse, in.LLM2Bubbles,
		in.LLM1.Model, in.LLM1.PromptTokens, in.LLM1.CompletionTokens, in.LLM1.CostUSD, in.LLM1.Estimated,
		in.LLM2.Model, in.LLM2.PromptTokens, in.LLM2.CompletionTokens, in.LLM2.CostUSD, in.LLM2.Estimated,
	)
	return err
}

// UpdateSafety records the constitution evaluator's verdict.
func (d *DB) UpdateSafety(ctx context.Context, id string, s model.Safety) error {
	_, err := d.pool.Exec(ctx, `
UPDATE interactions SET safety_risk = $2, safety_flags = $3, safety_recommendation = $4
WHERE id = $1`, id, s.Risk, s.Flags, string(s.Recommendation))
	return err
}

// TransitionStatus applies a review-queue status change, validating the
// DAG (model.ValidTransition) before writing. Returns ErrNotFound if no row
// matches id.
func (d *DB) TransitionStatus(ctx context.Context, id string, from, to model.ReviewStatus) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("db: invalid status transition %s -> %s", from, to)
	}
	cmd, err := d.pool.Exec(ctx, `
UPDATE interactions SET review_status = $3
WHERE id = $1 AND review_status = $2`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordReview stores the human reviewer's edits and timing once a
// decision has been made.
func (d *DB) RecordReview(ctx context.Context, id string, finalBubbles, editTags []string, notes string, qualityScore *int, reviewSeconds float64, cta *model.CTAData, customerStatus *string) error {
	var ctaKind sql.NullString
	var ctaPayload []byte
	if cta != nil {
		ctaKind = sql.NullString{String: cta.Kind, Valid: true}
		raw, err := json.Marshal(cta.Payload)
		if err != nil {
			return err
		}
		ctaPayload = raw
	}
	_, err := d.pool.Exec(ctx, `
UPDATE interactions SET
    final_bubbles = $2, edit_tags = $3, reviewer_notes = $4, quality_score = $5,
    review_seconds = $6, cta_kind = $7, cta_payload = $8, customer_status = $9, reviewed_at = NOW()
WHERE id = $1`, id, finalBubbles, editTags, notes, qualityScore, reviewSeconds, ctaKind, ctaPayload, customerStatus)
	return err
}

// RecordReviewAndTransition stores a reviewer's decision and applies the
// status transition in a single statement, so the two writes review.go
// used to issue separately (RecordReview then TransitionStatus) can no
// longer be split by a crash or error in between. Returns ErrNotFound if
// no row matches id with review_status = from.
func (d *DB) RecordReviewAndTransition(ctx context.Context, id string, from, to model.ReviewStatus, finalBubbles, editTags []string, notes string, qualityScore *int, reviewSeconds float64, cta *model.CTAData, customerStatus *string) error {
	var ctaKind sql.NullString
	var ctaPayload []byte
	if cta != nil {
		ctaKind = sql.NullString{String: cta.Kind, Valid: true}
		raw, err := json.Marshal(cta.Payload)
		if err != nil {
			return err
		}
		ctaPayload = raw
	}
	cmd, err := d.pool.Exec(ctx, `
UPDATE interactions SET
    final_bubbles = $3, edit_tags = $4, reviewer_notes = $5, quality_score = $6,
    review_seconds = $7, cta_kind = $8, cta_payload = $9, customer_status = $10, reviewed_at = NOW(),
    review_status = $2
WHERE id = $1 AND review_status = $11`,
		id, string(to), finalBubbles, editTags, notes, qualityScore, reviewSeconds, ctaKind, ctaPayload, customerStatus, string(from))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSent records the delivery timestamp once the paced sender has
// successfully transmitted every bubble.
func (d *DB) MarkSent(ctx context.Context, id string) error {
	_, err := d.pool.Exec(ctx, `
UPDATE interactions SET review_status = $2, messages_sent_at = NOW()
WHERE id = $1`, id, string(model.StatusSent))
	return err
}

// Get returns one interaction by id.
func (d *DB) Get(ctx context.Context, id string) (model.Interaction, error) {
	row := d.pool.QueryRow(ctx, selectColumns+`WHERE id = $1`, id)
	return scanInteraction(row)
}

// ListByStatus returns interactions in a given status, most recent first,
// used by the recovery agent and dashboard listings.
func (d *DB) ListByStatus(ctx context.Context, status model.ReviewStatus, limit int) ([]model.Interaction, error) {
	rows, err := d.pool.Query(ctx, selectColumns+`WHERE review_status = $1 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const selectColumns = `
SELECT id, user_id, conversation_id, message_number, user_message, user_message_timestamp,
       llm1_raw_response, llm2_bubbles, final_bubbles, edit_tags, reviewer_notes, quality_score,
       safety_risk, safety_flags, safety_recommendation,
       llm1_model, llm1_prompt_tokens, llm1_completion_tokens, llm1_cost_usd, llm1_estimated,
       llm2_model, llm2_prompt_tokens, llm2_completion_tokens, llm2_cost_usd, llm2_estimated,
       review_status, review_seconds, cta_kind, cta_payload, customer_status,
       created_at, reviewed_at, messages_sent_at
FROM interactions
`

func scanInteraction(row pgx.Row) (model.Interaction, error) {
	var in model.Interaction
	var qualityScore sql.NullInt32
	var ctaKind, customerStatus sql.NullString
	var ctaPayload []byte
	var reviewedAt, sentAt sql.NullTime

	err := row.Scan(
		&in.ID, &in.UserID, &in.ConversationID, &in.MessageNumber, &in.UserMessage, &in.UserMessageTimestamp,
		&in.LLM1RawResponse, &in.LLM2Bubbles, &in.FinalBubbles, &in.EditTags, &in.ReviewerNotes, &qualityScore,
		&in.Safety.Risk, &in.Safety.Flags, &in.Safety.Recommendation,
		&in.LLM1.Model, &in.LLM1.PromptTokens, &in.LLM1.CompletionTokens, &in.LLM1.CostUSD, &in.LLM1.Estimated,
		&in.LLM2.Model, &in.LLM2.PromptTokens, &in.LLM2.CompletionTokens, &in.LLM2.CostUSD, &in.LLM2.Estimated,
		&in.ReviewStatus, &in.ReviewSeconds, &ctaKind, &ctaPayload, &customerStatus,
		&in.CreatedAt, &reviewedAt, &sentAt,
	)
	if err != nil {
		if isNoRows(err) {
			return model.Interaction{}, ErrNotFound
		}
		return model.Interaction{}, err
	}
	if qualityScore.Valid {
		v := int(qualityScore.Int32)
		in.QualityScore = &v
	}
	if ctaKind.Valid {
		cta := &model.CTAData{Kind: ctaKind.String}
		if len(ctaPayload) > 0 {
			if err := json.Unmarshal(ctaPayload, &cta.Payload); err != nil {
				return model.Interaction{}, err
			}
		}
		in.CTAData = cta
	}
	if customerStatus.Valid {
		v := customerStatus.String
		in.CustomerStatus = &v
	}
	if reviewedAt.Valid {
		v := reviewedAt.Time
		in.ReviewedAt = &v
	}
	if sentAt.Valid {
		v := sentAt.Time
		in.MessagesSentAt = &v
	}
	return in, nil
}
