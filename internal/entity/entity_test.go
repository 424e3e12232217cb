package entity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu          sync.Mutex
	inputErrs   map[string][]error // queued errors per user, consumed in order
	inputCalls  int
	entityCalls int
	handle      string
}

func (f *fakeSource) ResolveInputEntity(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputCalls++
	if errs, ok := f.inputErrs[userID]; ok && len(errs) > 0 {
		err := errs[0]
		f.inputErrs[userID] = errs[1:]
		return "", err
	}
	return f.handle, nil
}

func (f *fakeSource) ResolveEntity(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityCalls++
	return "", errors.New("fallback also fails")
}

func TestResolveCachesOnSuccess(t *testing.T) {
	src := &fakeSource{handle: "peer-1"}
	r := New(src, nil, 10, 3, time.Millisecond)

	h1, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "peer-1", h1)

	h2, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "peer-1", h2)

	require.Equal(t, 1, src.inputCalls, "second Resolve should hit cache, not call source again")
}

func TestResolveRetriesRateLimitedThenSucceeds(t *testing.T) {
	src := &fakeSource{
		handle:    "peer-2",
		inputErrs: map[string][]error{"u2": {&RateLimitedError{Err: errors.New("429")}}},
	}
	r := New(src, nil, 10, 3, time.Millisecond)

	handle, err := r.Resolve(context.Background(), "u2")
	require.NoError(t, err)
	require.Equal(t, "peer-2", handle)
	require.Equal(t, 0, r.FailureCount("u2"))
}

func TestResolveFailsFastOnNonRateLimitError(t *testing.T) {
	src := &fakeSource{
		inputErrs: map[string][]error{"u3": {errors.New("permanent error")}},
	}
	r := New(src, nil, 10, 3, time.Millisecond)

	_, err := r.Resolve(context.Background(), "u3")
	require.Error(t, err)
	require.Equal(t, 1, r.FailureCount("u3"))
}

func TestFIFOEvictionDropsOldestInsertion(t *testing.T) {
	src := &fakeSource{handle: "h"}
	r := New(src, nil, 2, 3, time.Millisecond)

	ctx := context.Background()
	_, err := r.Resolve(ctx, "a")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "b")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "c")
	require.NoError(t, err)

	require.Equal(t, 2, r.Size())
	r.mu.Lock()
	_, stillCached := r.handles["a"]
	r.mu.Unlock()
	require.False(t, stillCached, "oldest entry should have been evicted")
}

func TestPurgeFailedEntriesClearsFailureCounters(t *testing.T) {
	src := &fakeSource{inputErrs: map[string][]error{"u4": {errors.New("permanent")}}}
	r := New(src, nil, 10, 3, time.Millisecond)

	_, _ = r.Resolve(context.Background(), "u4")
	require.Equal(t, 1, r.FailureCount("u4"))

	r.PurgeFailedEntries()
	require.Equal(t, 0, r.FailureCount("u4"))
}

func TestWarmUpBoundsCount(t *testing.T) {
	src := &fakeSource{handle: "h"}
	r := New(src, nil, 10, 3, time.Millisecond)

	r.WarmUp(context.Background(), []string{"a", "b", "c", "d"}, 2)
	require.Equal(t, 2, r.Size())
}

type fakeKV struct {
	mu      sync.Mutex
	handles map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{handles: map[string]string{}} }

func (f *fakeKV) GetEntityHandle(ctx context.Context, userID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[userID]
	return h, ok, nil
}

func (f *fakeKV) SetEntityHandle(ctx context.Context, userID, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[userID] = handle
	return nil
}

func TestResolveWritesThroughToKVOnSuccess(t *testing.T) {
	src := &fakeSource{handle: "peer-5"}
	kv := newFakeKV()
	r := New(src, kv, 10, 3, time.Millisecond)

	_, err := r.Resolve(context.Background(), "u5")
	require.NoError(t, err)

	h, ok, err := kv.GetEntityHandle(context.Background(), "u5")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "peer-5", h)
}

func TestResolveHitsKVBeforeSourceOnColdLocalCache(t *testing.T) {
	src := &fakeSource{handle: "should-not-be-used"}
	kv := newFakeKV()
	require.NoError(t, kv.SetEntityHandle(context.Background(), "u6", "peer-from-kv"))

	r := New(src, kv, 10, 3, time.Millisecond)
	handle, err := r.Resolve(context.Background(), "u6")
	require.NoError(t, err)

	require.Equal(t, "peer-from-kv", handle)
	require.Equal(t, 0, src.inputCalls, "a KV hit must skip the chat-platform round trip entirely")
}
