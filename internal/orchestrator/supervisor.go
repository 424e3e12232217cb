// Package orchestrator implements the supervisor/pipeline orchestrator
// (C8): it receives coalesced batches from the activity tracker (C6) and
// drives them through WAL persistence, the two-stage LLM generation, the
// safety evaluator, and the review queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"nadia/internal/db"
	"nadia/internal/llm"
	"nadia/internal/model"
	"nadia/internal/observability"
	"nadia/internal/prefix"
	"nadia/internal/store"
	"nadia/internal/tracker"
)

// DefaultBubbleSeparator is the literal token LLM-2 output is split on to
// produce the ordered bubble list (spec.md §4.8, configurable).
const DefaultBubbleSeparator = "[GLOBO]"

// DefaultHistoryTurnsInSummary bounds how many recent turns are folded
// into the prefix-builder's "Conversation context" summary line.
const DefaultHistoryTurnsInSummary = 6

// DefaultDedupeTTL bounds how long a recently-dispatched batch's
// fingerprint (its joined interaction ids) is remembered, guarding against a duplicate OnBatchReady call for
// the same burst being processed twice.
const DefaultDedupeTTL = 5 * time.Minute

// WAL is the subset of internal/store.Client the orchestrator writes to
// directly (as opposed to through the recovery agent's Claim/Ack path).
type WAL interface {
	Enqueue(ctx context.Context, entry store.WALEntry) error
	AckByID(ctx context.Context, id string) error
}

// Counter issues monotone per-conversation message numbers.
type Counter interface {
	NextMessageNumber(ctx context.Context, conversationID string) (int64, error)
}

// History is the conversation-history capability the orchestrator reads
// (for prompt context) and writes to (after a successful turn).
type History interface {
	AppendHistory(ctx context.Context, userID string, turn store.HistoryTurn) error
	History(ctx context.Context, userID string) ([]store.HistoryTurn, error)
}

// DB is the subset of internal/db.DB the orchestrator needs.
type DB interface {
	Get(ctx context.Context, id string) (model.Interaction, error)
	CreateInteraction(ctx context.Context, in model.Interaction) error
	UpdateGeneration(ctx context.Context, in model.Interaction) error
	UpdateSafety(ctx context.Context, id string, s model.Safety) error
	TransitionStatus(ctx context.Context, id string, from, to model.ReviewStatus) error
}

// ReviewEnqueuer is the review-queue manager capability the orchestrator
// needs once safety scoring is complete.
type ReviewEnqueuer interface {
	Enqueue(ctx context.Context, in model.Interaction) error
}

// PrefixBuilder is the C4 capability the orchestrator calls twice per
// interaction (draft, then refine).
type PrefixBuilder interface {
	BuildMessages(userCtx prefix.UserContext, currentText string) ([]llm.Message, int)
	BuildRefinementMessages(userCtx prefix.UserContext, draft string) ([]llm.Message, int)
}

// SafetyEvaluator is the C9 capability.
type SafetyEvaluator interface {
	Evaluate(bubbles []string, context string) model.Safety
}

// Supervisor implements tracker.Dispatcher, driving every coalesced batch
// through WAL -> LLM-1 -> LLM-2 -> safety -> review enqueue.
type Supervisor struct {
	wal     WAL
	counter Counter
	hist    History
	db      DB
	review  ReviewEnqueuer
	prefix  PrefixBuilder
	llm1    llm.Client
	llm2    llm.Client
	safety  SafetyEvaluator
	dedupe  DedupeStore

	bubbleSeparator string
	dedupeTTL       time.Duration
	now             func() time.Time
}

// Config bundles the dependencies New needs, named so construction sites
// read as a small service-locator rather than a long positional list
// (spec.md §9 design note on collapsing cyclic references via an explicit
// DAG passed at construction).
type Config struct {
	WAL             WAL
	Counter         Counter
	History         History
	DB              DB
	Review          ReviewEnqueuer
	Prefix          PrefixBuilder
	LLM1            llm.Client
	LLM2            llm.Client
	Safety          SafetyEvaluator
	Dedupe          DedupeStore
	BubbleSeparator string
}

// New builds a Supervisor from cfg, applying defaults for any zero-value
// tuning knobs.
func New(cfg Config) *Supervisor {
	sep := cfg.BubbleSeparator
	if sep == "" {
		sep = DefaultBubbleSeparator
	}
	return &Supervisor{
		wal:             cfg.WAL,
		counter:         cfg.Counter,
		hist:            cfg.History,
		db:              cfg.DB,
		review:          cfg.Review,
		prefix:          cfg.Prefix,
		llm1:            cfg.LLM1,
		llm2:            cfg.LLM2,
		safety:          cfg.Safety,
		dedupe:          cfg.Dedupe,
		bubbleSeparator: sep,
		dedupeTTL:       DefaultDedupeTTL,
		now:             time.Now,
	}
}

// OnBatchReady implements tracker.Dispatcher. It writes the batch's WAL
// entry immediately; every failure after that point is handled
// internally (row marked failed, WAL entry retained for the recovery
// agent) rather than returned, since the batch has already been durably
// handed off. An error is returned only when the WAL write itself fails,
// in which case the tracker's own fallback re-enqueues the raw buffered
// messages instead.
func (o *Supervisor) OnBatchReady(ctx context.Context, batch tracker.Batch) error {
	interactionID := uuid.NewString()
	conversationID := batch.UserID // one conversation per user (spec.md §9 Open Question)
	text := joinBatch(batch.Messages)
	now := o.now()

	if o.dedupe != nil {
		key := "orch:batch:" + conversationID + ":" + dedupeFingerprint(batch)
		if seen, err := o.dedupe.Get(ctx, key); err == nil && seen != "" {
			return nil
		}
		_ = o.dedupe.Set(ctx, key, interactionID, o.dedupeTTL)
	}

	entry := store.WALEntry{
		ID:             interactionID,
		ConversationID: conversationID,
		UserID:         batch.UserID,
		Text:           text,
		ReceivedAt:     now,
	}
	if err := o.wal.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("orchestrator: wal enqueue: %w", err)
	}

	log := observability.LoggerWithTrace(ctx).With().Str("interaction_id", interactionID).Logger()
	if err := o.process(ctx, entry, now); err != nil {
		level := log.Error()
		if isTransient(err) {
			level = log.Warn()
		}
		level.Err(err).Msg("orchestrator_process_failed")
	}
	return nil
}

// process runs steps 2-6 of spec.md §4.8 for one already-WAL-written
// entry. It looks up entry.ID before doing anything else and resumes from
// whatever stage the row's data shows was last completed, so a replay of
// an entry whose WAL ack never landed (the id's CreateInteraction row,
// generation, and/or safety verdict may already be durably written from a
// prior attempt) doesn't collide with the row's primary key, burn a second
// message number, re-spend LLM tokens, or push a second copy onto the
// review queue.
func (o *Supervisor) process(ctx context.Context, entry store.WALEntry, now time.Time) error {
	in, err := o.db.Get(ctx, entry.ID)
	switch {
	case err == nil:
		// Resuming: in already holds whatever a prior attempt persisted.
	case errors.Is(err, db.ErrNotFound):
		msgNum, numErr := o.counter.NextMessageNumber(ctx, entry.ConversationID)
		if numErr != nil {
			return fmt.Errorf("next message number: %w", numErr)
		}
		in = model.Interaction{
			ID:                   entry.ID,
			UserID:               entry.UserID,
			ConversationID:       entry.ConversationID,
			MessageNumber:        msgNum,
			UserMessage:          entry.Text,
			UserMessageTimestamp: entry.ReceivedAt,
			ReviewStatus:         model.StatusPending,
			CreatedAt:            now,
		}
		if createErr := o.db.CreateInteraction(ctx, in); createErr != nil {
			return fmt.Errorf("create interaction row: %w", createErr)
		}
	default:
		return fmt.Errorf("lookup existing interaction: %w", err)
	}

	if in.ReviewStatus != model.StatusPending {
		// A reviewer already approved/rejected/sent this interaction, or a
		// prior attempt already gave up on it, while this WAL entry
		// lingered; there is nothing left to redo.
		return o.wal.AckByID(ctx, entry.ID)
	}

	userCtx := prefix.UserContext{Name: entry.UserID, Summary: o.historySummary(ctx, entry.UserID)}

	generated := false
	if len(in.LLM2Bubbles) == 0 {
		draftMsgs, _ := o.prefix.BuildMessages(userCtx, in.UserMessage)
		draft, err := o.llm1.GenerateResponse(ctx, draftMsgs)
		if err != nil {
			o.markFailed(ctx, entry.ID, "llm1 generation failed")
			return fmt.Errorf("llm1 generate: %w", err)
		}

		refineMsgs, _ := o.prefix.BuildRefinementMessages(userCtx, draft)
		refined, err := o.llm2.GenerateResponse(ctx, refineMsgs)
		if err != nil {
			o.markFailed(ctx, entry.ID, "llm2 generation failed")
			return fmt.Errorf("llm2 generate: %w", err)
		}

		p1, c1 := o.llm1.LastTokens()
		p2, c2 := o.llm2.LastTokens()
		in.LLM1RawResponse = draft
		in.LLM2Bubbles = SplitBubbles(refined, o.bubbleSeparator)
		in.LLM1 = model.Metering{Model: o.llm1.ModelName(), PromptTokens: p1, CompletionTokens: c1, CostUSD: o.llm1.LastCostUSD()}
		in.LLM2 = model.Metering{Model: o.llm2.ModelName(), PromptTokens: p2, CompletionTokens: c2, CostUSD: o.llm2.LastCostUSD()}

		if err := o.db.UpdateGeneration(ctx, in); err != nil {
			o.markFailed(ctx, entry.ID, "persisting generation failed")
			return fmt.Errorf("update generation: %w", err)
		}
		generated = true
	}

	if in.Safety.Recommendation == "" {
		in.Safety = o.safety.Evaluate(in.LLM2Bubbles, userCtx.Summary)
		if err := o.db.UpdateSafety(ctx, entry.ID, in.Safety); err != nil {
			o.markFailed(ctx, entry.ID, "persisting safety verdict failed")
			return fmt.Errorf("update safety: %w", err)
		}
	}

	if err := o.review.Enqueue(ctx, in); err != nil {
		o.markFailed(ctx, entry.ID, "review enqueue failed")
		return fmt.Errorf("review enqueue: %w", err)
	}

	if generated {
		o.appendHistory(ctx, entry.UserID, in.UserMessage, in.LLM2Bubbles)
	}

	return o.wal.AckByID(ctx, entry.ID)
}

// Replay re-drives a WAL entry that was durably written but never
// acked — used by the recovery agent (C12) for entries still sitting in
// the WAL (e.g. the tracker's own dispatch-failure fallback re-enqueue)
// or left in the processing list by a crash. It calls the same process
// as the live path, which resumes from whichever stage entry.ID's row
// shows was last completed rather than redoing the whole pipeline.
func (o *Supervisor) Replay(ctx context.Context, entry store.WALEntry) error {
	return o.process(ctx, entry, entry.ReceivedAt)
}

func (o *Supervisor) markFailed(ctx context.Context, id, reason string) {
	log := observability.LoggerWithTrace(ctx)
	if err := o.db.TransitionStatus(ctx, id, model.StatusPending, model.StatusFailed); err != nil {
		log.Error().Err(err).Str("interaction_id", id).Str("reason", reason).Msg("orchestrator_mark_failed_error")
	}
}

func (o *Supervisor) appendHistory(ctx context.Context, userID, userText string, bubbles []string) {
	log := observability.LoggerWithTrace(ctx)
	if err := o.hist.AppendHistory(ctx, userID, store.HistoryTurn{Role: "user", Text: userText}); err != nil {
		log.Warn().Err(err).Msg("orchestrator_append_history_user_failed")
	}
	if err := o.hist.AppendHistory(ctx, userID, store.HistoryTurn{Role: "assistant", Text: strings.Join(bubbles, " ")}); err != nil {
		log.Warn().Err(err).Msg("orchestrator_append_history_assistant_failed")
	}
}

func (o *Supervisor) historySummary(ctx context.Context, userID string) string {
	turns, err := o.hist.History(ctx, userID)
	if err != nil || len(turns) == 0 {
		return ""
	}
	if len(turns) > DefaultHistoryTurnsInSummary {
		turns = turns[len(turns)-DefaultHistoryTurnsInSummary:]
	}
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, t.Role+": "+t.Text)
	}
	return strings.Join(parts, "\n")
}

// joinBatch renders a coalesced batch's messages into the single user
// text LLM-1 sees, preserving arrival order.
func joinBatch(msgs []store.BufferedMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

// dedupeFingerprint builds a short, order-sensitive key from a batch's
// interaction ids so the same coalesced burst hashes identically if
// re-delivered.
func dedupeFingerprint(batch tracker.Batch) string {
	ids := make([]string, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		ids = append(ids, m.InteractionID)
	}
	return strings.Join(ids, ",")
}

// SplitBubbles splits refined LLM-2 output on the literal separator,
// trims whitespace, and discards empty bubbles (spec.md §4.8).
func SplitBubbles(text, separator string) []string {
	if separator == "" {
		separator = DefaultBubbleSeparator
	}
	parts := strings.Split(text, separator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isTransient reports whether err is a retryable llm.Error, used only to
// pick a log level (warn vs error) for process failures — every failure
// still marks the row failed and leaves the WAL entry for the recovery
// agent regardless of transience.
func isTransient(err error) bool {
	var lerr *llm.Error
	if errors.As(err, &lerr) {
		return lerr.Retryable()
	}
	return false
}
