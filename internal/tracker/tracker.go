// Package tracker implements the activity tracker (C6): a per-user
// adaptive-window state machine that coalesces bursts of incoming messages
// into a single batch before handing them to the orchestrator, trading a
// little latency for fewer LLM calls.
//
// Per spec.md §9's design note on coroutine control flow, each user's
// window is an explicit state machine driven by timer channels in one
// goroutine, rather than nested async/await — this keeps cancellation and
// the single-timer-per-user invariant easy to reason about and test.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nadia/internal/config"
	"nadia/internal/observability"
	"nadia/internal/store"
)

// state is the per-user window phase.
type state int

const (
	stateWindowing state = iota
	stateDebouncing
)

// typingPollInterval is how often Debouncing re-checks the typing signal.
// It is independent of config so the external polling cadence never drifts
// past the freshness window spec.md §4.2 assumes for the typing signal.
const typingPollInterval = 500 * time.Millisecond

// Store is the subset of internal/store.Client the tracker needs. A narrow
// interface keeps the tracker testable without a live Redis.
type Store interface {
	AppendToBuffer(ctx context.Context, userID string, msg store.BufferedMessage) ([]store.BufferedMessage, error)
	ClearBuffer(ctx context.Context, userID string) error
	IsTyping(ctx context.Context, userID string) (bool, error)
}

// WALWriter lets the tracker re-enqueue a batch's messages to the durable
// WAL if dispatch to the orchestrator fails (spec.md §4.2 Failure clause).
type WALWriter interface {
	Enqueue(ctx context.Context, entry store.WALEntry) error
}

// Batch is one coalesced, arrival-ordered group of messages for one user.
type Batch struct {
	UserID   string
	Messages []store.BufferedMessage
}

// Dispatcher receives completed batches. The tracker calls Dispatcher, and
// never the reverse, collapsing what would otherwise be a tracker<->
// orchestrator cyclic reference (spec.md §9).
type Dispatcher interface {
	OnBatchReady(ctx context.Context, batch Batch) error
}

type session struct {
	// latest holds the most recently known buffer snapshot for this user;
	// capacity 1 so a new arrival always overwrites a stale unread one
	// rather than queuing up duplicates of the same evolving buffer.
	latest chan []store.BufferedMessage
}

func newSession() *session {
	return &session{latest: make(chan []store.BufferedMessage, 1)}
}

func (s *session) push(buf []store.BufferedMessage) {
	select {
	case s.latest <- buf:
		return
	default:
	}
	select {
	case <-s.latest:
	default:
	}
	select {
	case s.latest <- buf:
	default:
	}
}

// Tracker owns the set of live per-user window goroutines.
type Tracker struct {
	cfg        config.BatchingConfig
	store      Store
	wal        WALWriter
	dispatcher Dispatcher
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	metricsMu    sync.Mutex
	flushCount   int64
	savingsTotal float64
}

// New builds a Tracker. dispatcher receives every flushed batch; wal is
// used only to recover a batch whose dispatch failed.
func New(cfg config.BatchingConfig, st Store, wal WALWriter, dispatcher Dispatcher) *Tracker {
	return &Tracker{
		cfg:        cfg,
		store:      st,
		wal:        wal,
		dispatcher: dispatcher,
		now:        time.Now,
		sessions:   make(map[string]*session),
	}
}

// Ingest records one arriving message for userID, mirrors it to the KV
// buffer, and arms or feeds that user's window state machine. text is the
// raw message content; interactionID should be a caller-assigned id that
// will become the eventual Interaction.ID once the batch reaches C8.
func (t *Tracker) Ingest(ctx context.Context, userID, interactionID, text string) error {
	msg := store.BufferedMessage{InteractionID: interactionID, Text: text}
	buf, err := t.store.AppendToBuffer(ctx, userID, msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	s, ok := t.sessions[userID]
	if !ok {
		s = newSession()
		t.sessions[userID] = s
		go t.run(ctx, userID, s)
	}
	t.mu.Unlock()

	s.push(buf)
	return nil
}

func (t *Tracker) window() time.Duration {
	return durationOrDefault(t.cfg.WindowDelaySeconds, 1.5)
}

func (t *Tracker) debounce() time.Duration {
	return durationOrDefault(t.cfg.DebounceDelaySeconds, 3.0)
}

func (t *Tracker) maxWait() time.Duration {
	return durationOrDefault(t.cfg.MaxWaitSeconds, 15.0)
}

func (t *Tracker) minBatch() int {
	if t.cfg.MinBatchSize > 0 {
		return t.cfg.MinBatchSize
	}
	return 2
}

func (t *Tracker) maxBatch() int {
	if t.cfg.MaxBatchSize > 0 {
		return t.cfg.MaxBatchSize
	}
	return 5
}

func durationOrDefault(seconds, fallback float64) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

// run drives one user's Windowing -> Debouncing -> flush state machine. It
// exits (deregistering the session) as soon as a flush happens, so each
// user has at most one live timer set at a time.
func (t *Tracker) run(ctx context.Context, userID string, s *session) {
	log := observability.LoggerWithTrace(ctx).With().Str("user_id", userID).Logger()

	defer func() {
		t.mu.Lock()
		delete(t.sessions, userID)
		t.mu.Unlock()
	}()

	var buf []store.BufferedMessage
	select {
	case buf = <-s.latest:
	case <-ctx.Done():
		return
	}
	if len(buf) >= t.maxBatch() {
		t.flush(ctx, userID, buf, log)
		return
	}

	phase := stateWindowing
	windowTimer := time.NewTimer(t.window())
	defer windowTimer.Stop()
	maxTimer := time.NewTimer(t.maxWait())
	defer maxTimer.Stop()

	var pollTicker *time.Ticker
	var pollC <-chan time.Time
	var notTypingSince time.Time

	for {
		select {
		case buf = <-s.latest:
			if len(buf) >= t.maxBatch() {
				t.flush(ctx, userID, buf, log)
				return
			}
			if phase == stateDebouncing {
				notTypingSince = time.Time{}
			}

		case <-windowTimer.C:
			if phase != stateWindowing {
				continue
			}
			if len(buf) < t.minBatch() {
				t.flush(ctx, userID, buf, log)
				return
			}
			phase = stateDebouncing
			pollTicker = time.NewTicker(typingPollInterval)
			pollC = pollTicker.C
			defer pollTicker.Stop()

		case <-pollC:
			typing, err := t.store.IsTyping(ctx, userID)
			if err != nil {
				log.Warn().Err(err).Msg("tracker_typing_check_error")
				typing = false
			}
			if typing {
				notTypingSince = time.Time{}
				continue
			}
			if notTypingSince.IsZero() {
				notTypingSince = t.now()
				continue
			}
			if t.now().Sub(notTypingSince) >= t.debounce() {
				t.flush(ctx, userID, buf, log)
				return
			}

		case <-maxTimer.C:
			t.flush(ctx, userID, buf, log)
			return

		case <-ctx.Done():
			return
		}
	}
}

// flush dispatches buf as one batch and clears the KV mirror. A dispatch
// failure re-enqueues every message to the WAL instead of dropping them
// (spec.md §4.2 Failure clause); the recovery agent (C12) re-drives them.
func (t *Tracker) flush(ctx context.Context, userID string, buf []store.BufferedMessage, log zerolog.Logger) {
	if len(buf) == 0 {
		return
	}

	err := t.dispatcher.OnBatchReady(ctx, Batch{UserID: userID, Messages: buf})
	if err != nil {
		log.Error().Err(err).Int("batch_size", len(buf)).Msg("tracker_dispatch_failed_requeue")
		now := t.now()
		for _, m := range buf {
			entry := store.WALEntry{
				ID:         m.InteractionID,
				UserID:     userID,
				Text:       m.Text,
				ReceivedAt: now,
			}
			if reErr := t.wal.Enqueue(ctx, entry); reErr != nil {
				log.Error().Err(reErr).Str("interaction_id", m.InteractionID).Msg("tracker_wal_requeue_failed")
			}
		}
	} else {
		t.recordSavings(len(buf))
	}

	if clearErr := t.store.ClearBuffer(ctx, userID); clearErr != nil {
		log.Error().Err(clearErr).Msg("tracker_clear_buffer_failed")
	}
}

// recordSavings accumulates the estimated-savings metric (n-1)/n per flush
// (spec.md §4.2).
func (t *Tracker) recordSavings(n int) {
	if n <= 0 {
		return
	}
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	t.flushCount++
	t.savingsTotal += float64(n-1) / float64(n)
}

// AverageSavings returns the mean per-flush estimated-savings ratio
// observed so far, and the number of flushes it is averaged over.
func (t *Tracker) AverageSavings() (avg float64, flushes int64) {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	if t.flushCount == 0 {
		return 0, 0
	}
	return t.savingsTotal / float64(t.flushCount), t.flushCount
}

// NewInteractionID generates a fresh identifier for a buffered message /
// eventual Interaction row.
func NewInteractionID() string {
	return uuid.NewString()
}
