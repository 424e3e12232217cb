// Package recovery implements the boot-time and periodic reconciliation
// agent (C12): it re-drives WAL entries that never reached a terminal
// status, reclaims anything stuck in the WAL's processing list from a
// prior crash, and flags gaps between per-user delivery cursors and what
// the chat platform has actually seen.
package recovery

import (
	"context"
	"time"

	"nadia/internal/db"
	"nadia/internal/model"
	"nadia/internal/observability"
	"nadia/internal/store"
)

// DefaultMaxRetries bounds how many times the agent replays the same WAL
// entry before giving up and marking it permanently failed.
const DefaultMaxRetries = 5

// DefaultClaimTimeout is how long a single WAL claim blocks before the
// drain loop concludes the queue is empty.
const DefaultClaimTimeout = 200 * time.Millisecond

// DefaultSweepInterval is how often the periodic reconciliation pass runs
// after the initial boot-time pass.
const DefaultSweepInterval = 30 * time.Second

// WAL is the subset of internal/store.Client the agent drains directly
// (as opposed to internal/orchestrator, which only ever Enqueues/AckByIDs
// within a single synchronous call).
type WAL interface {
	Claim(ctx context.Context, timeout time.Duration) (*store.WALEntry, string, error)
	Ack(ctx context.Context, raw string) error
	Requeue(ctx context.Context, raw string) error
	PendingProcessing(ctx context.Context) ([]string, error)
}

// RetryStore tracks bounded per-interaction replay attempts.
type RetryStore interface {
	IncrRetryCount(ctx context.Context, interactionID string) (int64, error)
	ResetRetryCount(ctx context.Context, interactionID string) error
}

// DB is the subset of internal/db.DB the agent needs.
type DB interface {
	TransitionStatus(ctx context.Context, id string, from, to model.ReviewStatus) error
	GetCursor(ctx context.Context, userID string) (db.UserCursor, error)
}

// Processor is the orchestrator capability the agent replays WAL entries
// through.
type Processor interface {
	Replay(ctx context.Context, entry store.WALEntry) error
}

// CursorSource reports the last message id the chat platform has seen for
// a user. No concrete implementation ships with this module — spec.md's
// platform operations list has no "list recent events" call, so this is a
// hook a platform integration can satisfy later. A nil CursorSource
// disables cursor reconciliation.
type CursorSource interface {
	LastSeenMessageID(ctx context.Context, userID string) (string, error)
}

// Agent runs the boot + periodic reconciliation pass.
type Agent struct {
	wal           WAL
	db            DB
	retry         RetryStore
	processor     Processor
	cursors       CursorSource
	maxRetries    int
	claimTimeout  time.Duration
	sweepInterval time.Duration
}

// New builds an Agent. cursors may be nil.
func New(wal WAL, database DB, retry RetryStore, processor Processor, cursors CursorSource) *Agent {
	return &Agent{
		wal:           wal,
		db:            database,
		retry:         retry,
		processor:     processor,
		cursors:       cursors,
		maxRetries:    DefaultMaxRetries,
		claimTimeout:  DefaultClaimTimeout,
		sweepInterval: DefaultSweepInterval,
	}
}

// Run performs the boot-time pass, then repeats it on sweepInterval until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context, userIDs []string) error {
	a.runOnce(ctx, userIDs)

	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.runOnce(ctx, userIDs)
		}
	}
}

func (a *Agent) runOnce(ctx context.Context, userIDs []string) {
	log := observability.LoggerWithTrace(ctx)
	if err := a.ReclaimStuckProcessing(ctx); err != nil {
		log.Error().Err(err).Msg("recovery_reclaim_processing_failed")
	}
	if err := a.DrainWAL(ctx); err != nil {
		log.Error().Err(err).Msg("recovery_drain_wal_failed")
	}
	a.ReconcileCursors(ctx, userIDs)
}

// ReclaimStuckProcessing moves every entry left in the WAL processing
// list (a prior recovery-agent crash between Claim and Ack) back onto the
// main WAL list so DrainWAL picks them up uniformly.
func (a *Agent) ReclaimStuckProcessing(ctx context.Context) error {
	stuck, err := a.wal.PendingProcessing(ctx)
	if err != nil {
		return err
	}
	for _, raw := range stuck {
		if err := a.wal.Requeue(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

// DrainWAL claims every entry currently on the WAL until the queue is
// empty, replaying each through the orchestrator. A replay failure
// requeues the entry for a later pass (bounded by maxRetries); an entry
// that has exceeded maxRetries is marked permanently failed instead of
// replayed again (spec.md §4.10).
func (a *Agent) DrainWAL(ctx context.Context) error {
	log := observability.LoggerWithTrace(ctx)
	// Failed entries stay in the processing list until this pass ends, so
	// the pass does not claim them again.
	var deferred []string
	defer func() {
		for _, raw := range deferred {
			_ = a.wal.Requeue(ctx, raw)
		}
	}()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry, raw, err := a.wal.Claim(ctx, a.claimTimeout)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		attempts, err := a.retry.IncrRetryCount(ctx, entry.ID)
		if err != nil {
			log.Error().Err(err).Str("interaction_id", entry.ID).Msg("recovery_retry_count_failed")
			deferred = append(deferred, raw)
			continue
		}
		if int(attempts) > a.maxRetries {
			if err := a.db.TransitionStatus(ctx, entry.ID, model.StatusPending, model.StatusFailed); err != nil {
				log.Error().Err(err).Str("interaction_id", entry.ID).Msg("recovery_mark_failed_error")
			}
			_ = a.wal.Ack(ctx, raw)
			log.Error().Str("interaction_id", entry.ID).Int64("attempts", attempts).Msg("recovery_gave_up_permanently_failed")
			continue
		}

		if err := a.processor.Replay(ctx, *entry); err != nil {
			log.Warn().Err(err).Str("interaction_id", entry.ID).Int64("attempt", attempts).Msg("recovery_replay_failed")
			deferred = append(deferred, raw)
			continue
		}
		_ = a.retry.ResetRetryCount(ctx, entry.ID)
		_ = a.wal.Ack(ctx, raw)
	}
}

// ReconcileCursors compares each user's recorded delivery cursor against
// what the platform reports as last-seen. A mismatch is logged as a gap
// for operator follow-up; synthesizing the missing inbound event itself
// requires the original event payload, which no spec.md platform
// operation exposes, so this is detection, not replay.
func (a *Agent) ReconcileCursors(ctx context.Context, userIDs []string) {
	if a.cursors == nil {
		return
	}
	log := observability.LoggerWithTrace(ctx)
	for _, userID := range userIDs {
		cursor, err := a.db.GetCursor(ctx, userID)
		if err != nil {
			continue // no cursor recorded yet; nothing to compare
		}
		lastSeen, err := a.cursors.LastSeenMessageID(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("recovery_cursor_lookup_failed")
			continue
		}
		if lastSeen != "" && lastSeen != cursor.LastInteractionID {
			log.Warn().
				Str("user_id", userID).
				Str("cursor_last_interaction_id", cursor.LastInteractionID).
				Str("platform_last_seen_id", lastSeen).
				Msg("recovery_cursor_gap_detected")
		}
	}
}
