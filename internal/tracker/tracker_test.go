package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nadia/internal/config"
	"nadia/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	buffers map[string][]store.BufferedMessage
	typing  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{buffers: map[string][]store.BufferedMessage{}, typing: map[string]bool{}}
}

func (f *fakeStore) AppendToBuffer(ctx context.Context, userID string, msg store.BufferedMessage) ([]store.BufferedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffers[userID] = append(f.buffers[userID], msg)
	out := make([]store.BufferedMessage, len(f.buffers[userID]))
	copy(out, f.buffers[userID])
	return out, nil
}

func (f *fakeStore) ClearBuffer(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buffers, userID)
	return nil
}

func (f *fakeStore) IsTyping(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing[userID], nil
}

func (f *fakeStore) setTyping(userID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[userID] = v
}

type fakeWAL struct {
	mu      sync.Mutex
	entries []store.WALEntry
}

func (f *fakeWAL) Enqueue(ctx context.Context, e store.WALEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches []Batch
	fail    bool
}

func (f *fakeDispatcher) OnBatchReady(ctx context.Context, b Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFailDispatch
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeDispatcher) snapshot() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Batch, len(f.batches))
	copy(out, f.batches)
	return out
}

type dispatchErr string

func (e dispatchErr) Error() string { return string(e) }

const errFailDispatch = dispatchErr("dispatch failed")

func testConfig() config.BatchingConfig {
	return config.BatchingConfig{
		WindowDelaySeconds:   0.05,
		DebounceDelaySeconds: 0.05,
		MaxWaitSeconds:       0.4,
		MinBatchSize:         2,
		MaxBatchSize:         5,
	}
}

func waitForBatches(t *testing.T, d *fakeDispatcher, n int) []Batch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := d.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, got %d", n, len(d.snapshot()))
	return nil
}

func TestWindowFlushesBelowMinBatch(t *testing.T) {
	st := newFakeStore()
	wal := &fakeWAL{}
	disp := &fakeDispatcher{}
	tr := New(testConfig(), st, wal, disp)

	require.NoError(t, tr.Ingest(context.Background(), "alice", "i1", "hello"))

	batches := waitForBatches(t, disp, 1)
	require.Len(t, batches[0].Messages, 1)
	require.Equal(t, "alice", batches[0].UserID)
}

func TestBurstCoalescesIntoOneBatch(t *testing.T) {
	st := newFakeStore()
	wal := &fakeWAL{}
	disp := &fakeDispatcher{}
	tr := New(testConfig(), st, wal, disp)

	ctx := context.Background()
	require.NoError(t, tr.Ingest(ctx, "bob", "i1", "a"))
	require.NoError(t, tr.Ingest(ctx, "bob", "i2", "b"))

	batches := waitForBatches(t, disp, 1)
	require.Len(t, batches[0].Messages, 2)
	require.Equal(t, "i1", batches[0].Messages[0].InteractionID)
	require.Equal(t, "i2", batches[0].Messages[1].InteractionID)
}

func TestMaxBatchForcesImmediateFlush(t *testing.T) {
	st := newFakeStore()
	wal := &fakeWAL{}
	disp := &fakeDispatcher{}
	tr := New(testConfig(), st, wal, disp)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Ingest(ctx, "carol", string(rune('a'+i)), "msg"))
	}

	batches := waitForBatches(t, disp, 1)
	require.Len(t, batches[0].Messages, 5)
}

func TestDispatchFailureRequeuesToWAL(t *testing.T) {
	st := newFakeStore()
	wal := &fakeWAL{}
	disp := &fakeDispatcher{fail: true}
	tr := New(testConfig(), st, wal, disp)

	require.NoError(t, tr.Ingest(context.Background(), "dave", "i1", "hello"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(wal.entries) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, wal.entries, 1)
	require.Equal(t, "dave", wal.entries[0].UserID)
}

func TestAverageSavingsAccumulates(t *testing.T) {
	st := newFakeStore()
	wal := &fakeWAL{}
	disp := &fakeDispatcher{}
	tr := New(testConfig(), st, wal, disp)

	ctx := context.Background()
	require.NoError(t, tr.Ingest(ctx, "erin", "i1", "a"))
	require.NoError(t, tr.Ingest(ctx, "erin", "i2", "b"))
	waitForBatches(t, disp, 1)

	avg, flushes := tr.AverageSavings()
	require.Equal(t, int64(1), flushes)
	require.InDelta(t, 0.5, avg, 0.001)
}
