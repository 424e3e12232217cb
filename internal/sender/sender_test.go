package sender

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nadia/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	queue    []string
	requeued [][]string
}

func (f *fakeStore) PopOutbound(ctx context.Context, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return "", nil
	}
	id := f.queue[0]
	f.queue = f.queue[1:]
	return id, nil
}

func (f *fakeStore) RequeueFront(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, append([]string{}, ids...))
	f.queue = append(append([]string{}, ids...), f.queue...)
	return nil
}

type fakeDB struct {
	mu   sync.Mutex
	rows map[string]model.Interaction
	sent []string
}

func newFakeDB() *fakeDB { return &fakeDB{rows: map[string]model.Interaction{}} }

func (f *fakeDB) Get(ctx context.Context, id string) (model.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *fakeDB) MarkSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := f.rows[id]
	in.ReviewStatus = model.StatusSent
	f.rows[id] = in
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeDB) TransitionStatus(ctx context.Context, id string, from, to model.ReviewStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := f.rows[id]
	in.ReviewStatus = to
	f.rows[id] = in
	return nil
}

type fakeResolver struct{ handle string }

func (f *fakeResolver) Resolve(ctx context.Context, userID string) (string, error) {
	return f.handle, nil
}

type fakePlatform struct {
	mu       sync.Mutex
	sent     []string
	failOn   string
	typingOn []string
}

func (f *fakePlatform) ResolveInputEntity(ctx context.Context, userID string) (string, error) {
	return userID, nil
}
func (f *fakePlatform) ResolveEntity(ctx context.Context, userID string) (string, error) {
	return userID, nil
}

func (f *fakePlatform) SetTyping(ctx context.Context, chatID string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingOn = append(f.typingOn, chatID)
	return nil
}

func (f *fakePlatform) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && text == f.failOn {
		return "", errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	return "msg-" + text, nil
}

func withFastPacing(t *testing.T) {
	t.Helper()
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	t.Cleanup(func() { sleep = orig })
}

func TestDeliverSendsBubblesInOrderAndMarksSent(t *testing.T) {
	withFastPacing(t)
	st := &fakeStore{}
	db := newFakeDB()
	db.rows["i1"] = model.Interaction{ID: "i1", UserID: "u1", UserMessage: "hi", FinalBubbles: []string{"a", "b", "c"}, ReviewStatus: model.StatusApproved}

	p := &fakePlatform{}
	s := New(st, db, &fakeResolver{handle: "h1"}, p)
	s.deliver(context.Background(), "i1")

	require.Equal(t, []string{"a", "b", "c"}, p.sent)
	require.Equal(t, model.StatusSent, db.rows["i1"].ReviewStatus)
	require.Contains(t, db.sent, "i1")
}

func TestDeliverSkipsAlreadySentInteraction(t *testing.T) {
	st := &fakeStore{}
	db := newFakeDB()
	db.rows["i1"] = model.Interaction{ID: "i1", ReviewStatus: model.StatusSent, FinalBubbles: []string{"a"}}
	p := &fakePlatform{}

	s := New(st, db, &fakeResolver{handle: "h1"}, p)
	s.deliver(context.Background(), "i1")

	require.Empty(t, p.sent)
}

func TestDeliverOnSendFailureMarksFailedAndRequeues(t *testing.T) {
	st := &fakeStore{}
	db := newFakeDB()
	db.rows["i1"] = model.Interaction{ID: "i1", UserID: "u1", FinalBubbles: []string{"a", "b"}, ReviewStatus: model.StatusApproved}
	p := &fakePlatform{failOn: "b"}

	s := New(st, db, &fakeResolver{handle: "h1"}, p)
	s.deliver(context.Background(), "i1")

	require.Equal(t, model.StatusFailed, db.rows["i1"].ReviewStatus)
	require.Equal(t, []string{"a"}, p.sent)
	require.Len(t, st.requeued, 1)
	require.Equal(t, []string{"i1"}, st.requeued[0])
}

func TestReadingPauseClampsToBounds(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, readingPause("hi"))
	d := readingPause("")
	require.GreaterOrEqual(t, d, 1*time.Second)
	require.LessOrEqual(t, d, 3*time.Second)

	long := ""
	for i := 0; i < 5000; i++ {
		long += "word "
	}
	require.Equal(t, 5*time.Second, readingPause(long))
}

func TestTypingDurationScalesWithLengthAndJitters(t *testing.T) {
	d := typingDuration("hello world")
	require.Greater(t, d, time.Duration(0))
	// 11 chars = 2.2 words at 60 wpm = 2.2s, jittered by U(0.8, 1.2).
	require.GreaterOrEqual(t, d, 1750*time.Millisecond)
	require.LessOrEqual(t, d, 2650*time.Millisecond)

	// Ten times the length: at least 17.6s, more than the short bubble's max.
	long := typingDuration(strings.Repeat("hello world", 10))
	require.Greater(t, long, 2650*time.Millisecond)
}
