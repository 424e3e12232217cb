// Package entity implements the entity resolver (C7): a FIFO-evicting
// cache of user_id -> chat-platform peer handle, with bounded retry on
// rate-limited resolution calls. Grounded on internal/llm's TokenCache
// shape (container/list-backed cache with a background cleanup
// goroutine), adapted from LRU token-count caching to FIFO handle
// caching per spec.md §4.3.
package entity

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"nadia/internal/observability"
)

// DefaultCapacity is the maximum number of cached peer handles before the
// oldest (by insertion order, not access order) is evicted.
const DefaultCapacity = 2000

// DefaultMaxRetries bounds the number of resolution attempts per call
// before giving up (spec.md §4.3).
const DefaultMaxRetries = 3

// DefaultBackoffBase is the initial backoff delay; each retry doubles it.
const DefaultBackoffBase = 200 * time.Millisecond

// RateLimitedError marks a resolution failure that should be retried with
// backoff, as opposed to a permanent failure (bad user id, revoked
// session) that should fail fast.
type RateLimitedError struct {
	Err error
}

func (e *RateLimitedError) Error() string { return "entity: rate limited: " + e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err (or anything it wraps) marks a
// rate-limit condition eligible for retry.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// Source is the chat-platform capability the resolver depends on.
// internal/platform's transport client satisfies this by having matching
// method names; no import cycle is needed since Go interfaces are
// structurally typed.
type Source interface {
	// ResolveInputEntity resolves a handle suited for sending typing actions.
	// Preferred over ResolveEntity per spec.md §4.3.
	ResolveInputEntity(ctx context.Context, userID string) (string, error)
	// ResolveEntity is the fallback resolution path.
	ResolveEntity(ctx context.Context, userID string) (string, error)
}

// KVStore is the durable write-through backing for resolved handles
// (internal/store.Client in production). The in-process FIFO cache sits
// in front of it: a process restart starts with an empty FIFO cache but
// can still avoid a platform round-trip for any user_id already resolved
// before the restart (spec.md §4.3a). Nil disables the write-through,
// falling back to resolving from Source on every cache miss.
type KVStore interface {
	GetEntityHandle(ctx context.Context, userID string) (string, bool, error)
	SetEntityHandle(ctx context.Context, userID, handle string) error
}

type cacheEntry struct {
	userID string
	handle string
}

// Resolver caches user_id -> peer_handle resolutions and retries
// rate-limited lookups with exponential backoff.
type Resolver struct {
	source Source
	kv     KVStore

	capacity   int
	maxRetries int
	backoff    time.Duration

	mu       sync.Mutex
	order    *list.List // front = oldest insertion
	elems    map[string]*list.Element
	handles  map[string]string
	failures map[string]int
}

// New builds a Resolver with the given capacity and retry policy. A
// capacity or maxRetries <= 0 falls back to the package defaults. kv may
// be nil to disable the durable write-through (tests, or a deployment
// without Redis-backed entity caching).
func New(source Source, kv KVStore, capacity, maxRetries int, backoff time.Duration) *Resolver {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if backoff <= 0 {
		backoff = DefaultBackoffBase
	}
	return &Resolver{
		source:     source,
		kv:         kv,
		capacity:   capacity,
		maxRetries: maxRetries,
		backoff:    backoff,
		order:      list.New(),
		elems:      make(map[string]*list.Element),
		handles:    make(map[string]string),
		failures:   make(map[string]int),
	}
}

// Resolve returns the cached peer handle for userID. On a miss in the
// in-process FIFO cache it next checks the durable KV write-through
// (cheap, survives restarts) before falling back to resolving from the
// chat platform itself (with retry). Successful resolution clears the
// failure counter; exhausting retries increments it and returns the last
// error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	if handle, ok := r.handles[userID]; ok {
		r.mu.Unlock()
		return handle, nil
	}
	r.mu.Unlock()

	if r.kv != nil {
		if handle, ok, err := r.kv.GetEntityHandle(ctx, userID); err == nil && ok {
			r.mu.Lock()
			r.insertLocked(userID, handle)
			delete(r.failures, userID)
			r.mu.Unlock()
			return handle, nil
		}
	}

	handle, err := r.resolveWithRetry(ctx, userID)
	if err != nil {
		r.mu.Lock()
		r.failures[userID]++
		r.mu.Unlock()
		return "", err
	}

	r.mu.Lock()
	r.insertLocked(userID, handle)
	delete(r.failures, userID)
	r.mu.Unlock()

	if r.kv != nil {
		if err := r.kv.SetEntityHandle(ctx, userID, handle); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("user_id", userID).Msg("entity_kv_writethrough_failed")
		}
	}
	return handle, nil
}

func (r *Resolver) resolveWithRetry(ctx context.Context, userID string) (string, error) {
	var lastErr error
	delay := r.backoff
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
		}

		handle, err := r.source.ResolveInputEntity(ctx, userID)
		if err == nil {
			return handle, nil
		}
		if handle, fallbackErr := r.source.ResolveEntity(ctx, userID); fallbackErr == nil {
			return handle, nil
		} else {
			lastErr = fallbackErr
		}

		if !IsRateLimited(err) && !IsRateLimited(lastErr) {
			return "", lastErr
		}
	}
	return "", lastErr
}

// insertLocked records a successful resolution, evicting the oldest entry
// by insertion order if the cache is at capacity. Must hold r.mu.
func (r *Resolver) insertLocked(userID, handle string) {
	if elem, ok := r.elems[userID]; ok {
		r.order.MoveToBack(elem)
		r.handles[userID] = handle
		return
	}
	if r.order.Len() >= r.capacity {
		oldest := r.order.Front()
		if oldest != nil {
			r.order.Remove(oldest)
			evicted := oldest.Value.(cacheEntry).userID
			delete(r.elems, evicted)
			delete(r.handles, evicted)
		}
	}
	elem := r.order.PushBack(cacheEntry{userID: userID, handle: handle})
	r.elems[userID] = elem
	r.handles[userID] = handle
}

// Size returns the number of cached handles.
func (r *Resolver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// FailureCount reports how many consecutive resolution failures are
// currently recorded for userID (0 if none).
func (r *Resolver) FailureCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[userID]
}

// PurgeFailedEntries clears every tracked failure counter, intended to run
// hourly (spec.md §4.3) so a user who churned through retries long ago
// doesn't keep consuming memory indefinitely.
func (r *Resolver) PurgeFailedEntries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = make(map[string]int)
}

// RunCleanupLoop runs PurgeFailedEntries every interval until ctx is done.
// interval <= 0 defaults to one hour.
func (r *Resolver) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.PurgeFailedEntries()
		case <-ctx.Done():
			return
		}
	}
}

// WarmUp resolves a bounded set of recent user ids at startup, seeding the
// cache so the first live message for each doesn't pay resolution
// latency. Errors are logged and otherwise ignored — warm-up is
// best-effort.
func (r *Resolver) WarmUp(ctx context.Context, userIDs []string, bound int) {
	log := observability.LoggerWithTrace(ctx)
	if bound > 0 && len(userIDs) > bound {
		userIDs = userIDs[:bound]
	}
	for _, id := range userIDs {
		if _, err := r.Resolve(ctx, id); err != nil {
			log.Warn().Err(err).Str("user_id", id).Msg("entity_warmup_resolve_failed")
		}
	}
}
