// Package review implements the review-queue manager (C10): the priority
// sorted-set wrapper reviewers interact with through the dashboard.
// Grounded on internal/store's sorted-set/outbound-list primitives
// (Redis-pipeline patterns adapted from the teacher's cache layer) and
// internal/db's row-update-then-branch idiom for idempotent mutations.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nadia/internal/db"
	"nadia/internal/model"
	"nadia/internal/store"
)

// StaleReviewError is returned when a second approve/reject call for the
// same interaction id carries different parameters than the first
// (spec.md §4.7 invariant).
type StaleReviewError struct {
	InteractionID string
}

func (e *StaleReviewError) Error() string {
	return fmt.Sprintf("review: stale decision for interaction %s", e.InteractionID)
}

// BackpressureError is returned by Approve when the outbound queue is
// already at or above its configured high-water mark (spec.md §7).
type BackpressureError struct {
	OutboundLen int64
	HighWater   int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("review: outbound queue backpressure (len=%d, high_water=%d)", e.OutboundLen, e.HighWater)
}

// Store is the subset of internal/store.Client the manager needs.
type Store interface {
	ReviewEnqueue(ctx context.Context, interactionID string, priority float64) error
	ReviewRemove(ctx context.Context, interactionID string) error
	ReviewTop(ctx context.Context, limit int64) ([]string, error)
	ReviewScore(ctx context.Context, interactionID string) (float64, bool, error)
	// ApproveTransition atomically (and idempotently) moves interactionID
	// from the review sorted set to the outbound list in one script, so a
	// crash between the two writes can't leave the queues inconsistent
	// (spec.md §4.7/§5).
	ApproveTransition(ctx context.Context, interactionID string) error
	OutboundLen(ctx context.Context) (int64, error)
}

// DB is the subset of internal/db.DB the manager needs.
type DB interface {
	Get(ctx context.Context, id string) (model.Interaction, error)
	TransitionStatus(ctx context.Context, id string, from, to model.ReviewStatus) error
	RecordReview(ctx context.Context, id string, finalBubbles, editTags []string, notes string, qualityScore *int, reviewSeconds float64, cta *model.CTAData, customerStatus *string) error
	// RecordReviewAndTransition writes the reviewer decision and the
	// status transition as a single statement (see internal/db's
	// implementation), closing the window RecordReview+TransitionStatus
	// used to leave open.
	RecordReviewAndTransition(ctx context.Context, id string, from, to model.ReviewStatus, finalBubbles, editTags []string, notes string, qualityScore *int, reviewSeconds float64, cta *model.CTAData, customerStatus *string) error
}

// Manager mediates every read/write the reviewer dashboard performs
// against the pending-review sorted set and the underlying relational
// rows.
type Manager struct {
	store              Store
	db                 DB
	outboundHighWater  int
	riskWeight         float64
}

// New builds a Manager. outboundHighWater <= 0 disables backpressure.
func New(st Store, database DB, riskWeight float64, outboundHighWater int) *Manager {
	if riskWeight <= 0 {
		riskWeight = 1.0
	}
	return &Manager{store: st, db: database, outboundHighWater: outboundHighWater, riskWeight: riskWeight}
}

// Enqueue adds interaction to the pending-review sorted set, scored by
// model.Priority. Re-enqueuing the same id updates its score (ZAdd is
// idempotent by member), satisfying the "dedupe by interaction id"
// requirement without an extra existence check.
func (m *Manager) Enqueue(ctx context.Context, in model.Interaction) error {
	age := time.Since(in.CreatedAt).Seconds()
	priority := model.Priority(in.Safety.Risk, age, m.riskWeight)
	return m.store.ReviewEnqueue(ctx, in.ID, priority)
}

// ListPending returns up to limit pending interactions ordered by
// descending priority (spec.md §4.7 "priority descending, then arrival
// ascending" — priority already folds in an age term so a plain
// descending sort satisfies both clauses).
func (m *Manager) ListPending(ctx context.Context, limit int64) ([]model.Interaction, error) {
	ids, err := m.store.ReviewTop(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Interaction, 0, len(ids))
	for _, id := range ids {
		in, err := m.db.Get(ctx, id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// ApproveRequest carries a reviewer's decision for Approve.
type ApproveRequest struct {
	FinalBubbles  []string
	EditTags      []string
	Notes         string
	QualityScore  *int
	ReviewSeconds float64
	CTA           *model.CTAData
	CustomerStatus *string
}

// Approve transitions id from pending to approved and moves it from the
// review sorted set to the outbound queue. Calling Approve again with the
// same final bubbles, edit tags, quality score and notes is a no-op
// success on the Postgres write (idempotent retry), but still re-runs the atomic Redis transition script, since a
// prior call may have committed the Postgres row and crashed before the
// script ran — ApproveTransition is itself idempotent so this cannot
// double-push. Calling it again with any of those four fields different
// returns StaleReviewError. A full outbound queue returns BackpressureError
// without mutating anything.
func (m *Manager) Approve(ctx context.Context, id string, req ApproveRequest) error {
	current, err := m.db.Get(ctx, id)
	if err != nil {
		return err
	}

	alreadyDecided := false
	switch current.ReviewStatus {
	case model.StatusApproved, model.StatusSent:
		if !sameDecision(current, req) {
			return &StaleReviewError{InteractionID: id}
		}
		alreadyDecided = true
	case model.StatusPending:
		// proceed below
	default:
		return &StaleReviewError{InteractionID: id}
	}

	if !alreadyDecided {
		if m.outboundHighWater > 0 {
			n, err := m.store.OutboundLen(ctx)
			if err != nil {
				return err
			}
			if n >= int64(m.outboundHighWater) {
				return &BackpressureError{OutboundLen: n, HighWater: m.outboundHighWater}
			}
		}
		if err := m.db.RecordReviewAndTransition(ctx, id, model.StatusPending, model.StatusApproved,
			req.FinalBubbles, req.EditTags, req.Notes, req.QualityScore, req.ReviewSeconds, req.CTA, req.CustomerStatus); err != nil {
			return err
		}
	}

	return m.store.ApproveTransition(ctx, id)
}

func sameDecision(in model.Interaction, req ApproveRequest) bool {
	if len(in.FinalBubbles) != len(req.FinalBubbles) {
		return false
	}
	for i := range in.FinalBubbles {
		if in.FinalBubbles[i] != req.FinalBubbles[i] {
			return false
		}
	}
	if len(in.EditTags) != len(req.EditTags) {
		return false
	}
	for i := range in.EditTags {
		if in.EditTags[i] != req.EditTags[i] {
			return false
		}
	}
	if (in.QualityScore == nil) != (req.QualityScore == nil) ||
		(in.QualityScore != nil && *in.QualityScore != *req.QualityScore) {
		return false
	}
	return in.ReviewerNotes == req.Notes
}

// Reject transitions id from pending to rejected and removes it from the
// sorted set. Idempotent on an identical reason for an already-rejected
// id; a different reason on a second call returns StaleReviewError. As
// with Approve, the Redis-side removal always re-runs even when the
// Postgres write was already committed by a prior call, since ZREM on an
// already-absent member is itself a no-op.
func (m *Manager) Reject(ctx context.Context, id, reason string) error {
	current, err := m.db.Get(ctx, id)
	if err != nil {
		return err
	}

	alreadyDecided := false
	switch current.ReviewStatus {
	case model.StatusRejected:
		if current.ReviewerNotes != reason {
			return &StaleReviewError{InteractionID: id}
		}
		alreadyDecided = true
	case model.StatusPending:
		// proceed below
	default:
		return &StaleReviewError{InteractionID: id}
	}

	if !alreadyDecided {
		if err := m.db.RecordReviewAndTransition(ctx, id, model.StatusPending, model.StatusRejected, nil, nil, reason, nil, 0, nil, nil); err != nil {
			return err
		}
	}

	return m.store.ReviewRemove(ctx, id)
}

// EditPatch is a reviewer's in-progress edit to a still-pending
// interaction (spec.md §4.7 "edit: only allowed when status=pending").
type EditPatch struct {
	FinalBubbles []string
	EditTags     []string
	Notes        string
}

// Edit applies a patch to a pending interaction without changing its
// status or queue membership. Returns StaleReviewError if the
// interaction is no longer pending.
func (m *Manager) Edit(ctx context.Context, id string, patch EditPatch) error {
	current, err := m.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.ReviewStatus != model.StatusPending {
		return &StaleReviewError{InteractionID: id}
	}
	return m.db.RecordReview(ctx, id, patch.FinalBubbles, patch.EditTags, patch.Notes, current.QualityScore, current.ReviewSeconds, current.CTAData, current.CustomerStatus)
}
