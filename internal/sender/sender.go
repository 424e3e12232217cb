// Package sender implements the paced delivery subsystem (C11): it pops
// approved interactions off the outbound queue and delivers their bubbles
// to the chat platform with human-like typing cadence, one interaction at
// a time, preserving the global (and therefore per-user) approval order.
package sender

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"nadia/internal/model"
	"nadia/internal/observability"
	"nadia/internal/platform"
)

// DefaultPopTimeout bounds how long one BRPop-style wait blocks before the
// run loop re-checks context cancellation.
const DefaultPopTimeout = 5 * time.Second

const wordsPerMinuteReading = 250
const wordsPerMinuteTyping = 60
const charsPerWord = 5

// Store is the outbound-queue subset of internal/store.Client the sender
// needs.
type Store interface {
	PopOutbound(ctx context.Context, timeout time.Duration) (string, error)
	RequeueFront(ctx context.Context, interactionIDs []string) error
}

// DB is the subset of internal/db.DB the sender needs.
type DB interface {
	Get(ctx context.Context, id string) (model.Interaction, error)
	MarkSent(ctx context.Context, id string) error
	TransitionStatus(ctx context.Context, id string, from, to model.ReviewStatus) error
}

// EntityResolver is the C7 capability the sender needs to turn a user id
// into a handle usable for typing/send.
type EntityResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// Sender drains the outbound queue and paces delivery per spec.md §4.9.
type Sender struct {
	store      Store
	db         DB
	entity     EntityResolver
	platform   platform.Client
	popTimeout time.Duration
}

// New builds a Sender.
func New(st Store, database DB, resolver EntityResolver, client platform.Client) *Sender {
	return &Sender{store: st, db: database, entity: resolver, platform: client, popTimeout: DefaultPopTimeout}
}

// Run blocks, delivering interactions as they appear on the outbound
// queue, until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	log := observability.LoggerWithTrace(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id, err := s.store.PopOutbound(ctx, s.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("sender_pop_outbound_failed")
			continue
		}
		if id == "" {
			continue
		}
		s.deliver(ctx, id)
	}
}

// deliver sends one interaction's bubbles in order. On any send failure it
// stops, marks the interaction failed, and requeues it to the front of the
// outbound queue so this sender's Run loop pops it again before any later
// approval (spec.md §4.9). A crash mid-delivery may leave earlier bubbles
// already sent; a resumed attempt re-sends the whole interaction, which
// the spec accepts ("a partial delivery may occur").
func (s *Sender) deliver(ctx context.Context, id string) {
	log := observability.LoggerWithTrace(ctx).With().Str("interaction_id", id).Logger()

	in, err := s.db.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("sender_get_interaction_failed")
		return
	}
	if in.ReviewStatus == model.StatusSent {
		return // already delivered; queue entry is a stale duplicate
	}

	handle, err := s.entity.Resolve(ctx, in.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("sender_resolve_entity_failed")
		_ = s.store.RequeueFront(ctx, []string{id})
		return
	}

	if !sleep(ctx, readingPause(in.UserMessage)) {
		return
	}

	bubbles := in.FinalBubbles
	for i, bubble := range bubbles {
		dur := typingDuration(bubble)
		if err := s.platform.SetTyping(ctx, handle, dur); err != nil {
			log.Warn().Err(err).Msg("sender_set_typing_failed")
		}
		if !sleep(ctx, dur) {
			return
		}
		if _, err := s.platform.SendMessage(ctx, handle, bubble); err != nil {
			log.Error().Err(err).Int("bubble_index", i).Msg("sender_send_failed")
			if terr := s.db.TransitionStatus(ctx, id, model.StatusApproved, model.StatusFailed); terr != nil {
				log.Error().Err(terr).Msg("sender_mark_failed_error")
			}
			if rerr := s.store.RequeueFront(ctx, []string{id}); rerr != nil {
				log.Error().Err(rerr).Msg("sender_requeue_error")
			}
			return
		}
		if i != len(bubbles)-1 {
			if !sleep(ctx, interBubblePause()) {
				return
			}
		}
	}

	if err := s.db.MarkSent(ctx, id); err != nil {
		log.Error().Err(err).Msg("sender_mark_sent_failed")
	}
}

// readingPause returns the delay before the first bubble: a function of
// the previous inbound message's length, or an initial thinking pause
// when there is none (spec.md §4.9).
func readingPause(previousText string) time.Duration {
	if strings.TrimSpace(previousText) == "" {
		return jitterDuration(1.0, 3.0)
	}
	words := len(strings.Fields(previousText))
	secs := float64(words) / wordsPerMinuteReading * 60
	if secs < 0.5 {
		secs = 0.5
	}
	if secs > 5.0 {
		secs = 5.0
	}
	return durationFromSeconds(secs)
}

// typingDuration returns how long the typing indicator should show before
// a bubble is sent, jittered ±20%.
func typingDuration(bubble string) time.Duration {
	chars := len([]rune(bubble))
	secs := float64(chars) / charsPerWord / wordsPerMinuteTyping * 60 * jitterFactor(0.8, 1.2)
	return durationFromSeconds(secs)
}

// interBubblePause returns the pause between consecutive bubbles.
func interBubblePause() time.Duration {
	return jitterDuration(0.5, 2.0)
}

func jitterFactor(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func jitterDuration(lo, hi float64) time.Duration {
	return durationFromSeconds(jitterFactor(lo, hi))
}

func durationFromSeconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// sleep is the pause deliver uses; tests swap it to skip pacing delays.
var sleep = sleepCtx

// sleepCtx waits for d or ctx cancellation, returning false if ctx ended
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
