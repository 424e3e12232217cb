package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nadia/internal/db"
	"nadia/internal/llm"
	"nadia/internal/model"
	"nadia/internal/prefix"
	"nadia/internal/store"
	"nadia/internal/tracker"
)

type fakeWAL struct {
	entries []store.WALEntry
	acked   []string
}

func (f *fakeWAL) Enqueue(ctx context.Context, entry store.WALEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeWAL) AckByID(ctx context.Context, id string) error {
	f.acked = append(f.acked, id)
	return nil
}

type fakeCounter struct{ n int64 }

func (f *fakeCounter) NextMessageNumber(ctx context.Context, conversationID string) (int64, error) {
	f.n++
	return f.n, nil
}

type fakeHistory struct {
	turns map[string][]store.HistoryTurn
}

func newFakeHistory() *fakeHistory { return &fakeHistory{turns: map[string][]store.HistoryTurn{}} }

func (f *fakeHistory) AppendHistory(ctx context.Context, userID string, turn store.HistoryTurn) error {
	f.turns[userID] = append(f.turns[userID], turn)
	return nil
}

func (f *fakeHistory) History(ctx context.Context, userID string) ([]store.HistoryTurn, error) {
	return f.turns[userID], nil
}

type fakeDB struct {
	rows       map[string]model.Interaction
	created    []model.Interaction
	generation []model.Interaction
	safety     map[string]model.Safety
	statuses   map[string]model.ReviewStatus
	failOn     map[string]bool // stage name -> force failure
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		rows:     map[string]model.Interaction{},
		safety:   map[string]model.Safety{},
		statuses: map[string]model.ReviewStatus{},
		failOn:   map[string]bool{},
	}
}

func (f *fakeDB) Get(ctx context.Context, id string) (model.Interaction, error) {
	in, ok := f.rows[id]
	if !ok {
		return model.Interaction{}, db.ErrNotFound
	}
	return in, nil
}

func (f *fakeDB) CreateInteraction(ctx context.Context, in model.Interaction) error {
	if f.failOn["create"] {
		return errors.New("create failed")
	}
	if _, exists := f.rows[in.ID]; exists {
		return nil // ON CONFLICT DO NOTHING
	}
	f.rows[in.ID] = in
	f.created = append(f.created, in)
	return nil
}

func (f *fakeDB) UpdateGeneration(ctx context.Context, in model.Interaction) error {
	if f.failOn["generation"] {
		return errors.New("update generation failed")
	}
	row := f.rows[in.ID]
	row.LLM1RawResponse = in.LLM1RawResponse
	row.LLM2Bubbles = in.LLM2Bubbles
	row.LLM1 = in.LLM1
	row.LLM2 = in.LLM2
	f.rows[in.ID] = row
	f.generation = append(f.generation, in)
	return nil
}

func (f *fakeDB) UpdateSafety(ctx context.Context, id string, s model.Safety) error {
	if f.failOn["safety"] {
		return errors.New("update safety failed")
	}
	row := f.rows[id]
	row.Safety = s
	f.rows[id] = row
	f.safety[id] = s
	return nil
}

func (f *fakeDB) TransitionStatus(ctx context.Context, id string, from, to model.ReviewStatus) error {
	row := f.rows[id]
	row.ReviewStatus = to
	f.rows[id] = row
	f.statuses[id] = to
	return nil
}

type fakeReview struct {
	enqueued []model.Interaction
	fail     bool
}

func (f *fakeReview) Enqueue(ctx context.Context, in model.Interaction) error {
	if f.fail {
		return errors.New("review enqueue failed")
	}
	f.enqueued = append(f.enqueued, in)
	return nil
}

type fakePrefix struct{}

func (fakePrefix) BuildMessages(userCtx prefix.UserContext, currentText string) ([]llm.Message, int) {
	return []llm.Message{{Role: "user", Content: currentText}}, 10
}

func (fakePrefix) BuildRefinementMessages(userCtx prefix.UserContext, draft string) ([]llm.Message, int) {
	return []llm.Message{{Role: "user", Content: draft}}, 10
}

type fakeLLM struct {
	response string
	fail     bool
	name     string
}

func (f *fakeLLM) GenerateResponse(ctx context.Context, msgs []llm.Message) (string, error) {
	if f.fail {
		return "", &llm.Error{Provider: f.name, Kind: llm.KindTransport, Err: errors.New("boom")}
	}
	return f.response, nil
}

func (f *fakeLLM) ModelName() string      { return f.name }
func (f *fakeLLM) LastCostUSD() float64   { return 0.01 }
func (f *fakeLLM) LastTokens() (int, int) { return 5, 5 }

type fakeSafety struct{ verdict model.Safety }

func (f *fakeSafety) Evaluate(bubbles []string, context string) model.Safety { return f.verdict }

func newTestSupervisor() (*Supervisor, *fakeWAL, *fakeDB, *fakeReview) {
	wal := &fakeWAL{}
	d := newFakeDB()
	rev := &fakeReview{}
	sup := New(Config{
		WAL:     wal,
		Counter: &fakeCounter{},
		History: newFakeHistory(),
		DB:      d,
		Review:  rev,
		Prefix:  fakePrefix{},
		LLM1:    &fakeLLM{response: "draft response", name: "llm1"},
		LLM2:    &fakeLLM{response: "hello[GLOBO]world", name: "llm2"},
		Safety:  &fakeSafety{verdict: model.Safety{Risk: 0.1}},
	})
	return sup, wal, d, rev
}

func batchFor(userID string, texts ...string) tracker.Batch {
	msgs := make([]store.BufferedMessage, 0, len(texts))
	for i, t := range texts {
		msgs = append(msgs, store.BufferedMessage{InteractionID: userID + string(rune('a'+i)), Text: t})
	}
	return tracker.Batch{UserID: userID, Messages: msgs}
}

func TestOnBatchReadyRunsFullPipelineAndAcksWAL(t *testing.T) {
	sup, wal, d, rev := newTestSupervisor()

	err := sup.OnBatchReady(context.Background(), batchFor("u1", "hi there"))
	require.NoError(t, err)

	require.Len(t, wal.entries, 1)
	require.Len(t, wal.acked, 1)
	require.Equal(t, wal.entries[0].ID, wal.acked[0])
	require.Len(t, d.created, 1)
	require.Len(t, d.generation, 1)
	require.Equal(t, []string{"hello", "world"}, d.generation[0].LLM2Bubbles)
	require.Len(t, rev.enqueued, 1)
	require.Empty(t, d.statuses, "a fully successful run must not mark anything failed")
}

func TestOnBatchReadyMarksFailedOnLLM1ErrorButReturnsNil(t *testing.T) {
	sup, wal, d, rev := newTestSupervisor()
	sup.llm1 = &fakeLLM{fail: true, name: "llm1"}

	err := sup.OnBatchReady(context.Background(), batchFor("u2", "hi"))
	require.NoError(t, err, "a post-WAL-write failure must not propagate to the tracker")

	require.Len(t, wal.entries, 1)
	require.Empty(t, wal.acked, "an unfinished entry must stay in the WAL for the recovery agent")
	require.Empty(t, rev.enqueued)
	id := wal.entries[0].ID
	require.Equal(t, model.StatusFailed, d.statuses[id])
}

func TestOnBatchReadyReturnsErrorOnlyWhenWALEnqueueFails(t *testing.T) {
	sup, _, _, _ := newTestSupervisor()
	sup.wal = failingWAL{}

	err := sup.OnBatchReady(context.Background(), batchFor("u3", "hi"))
	require.Error(t, err)
}

type failingWAL struct{}

func (failingWAL) Enqueue(ctx context.Context, entry store.WALEntry) error {
	return errors.New("enqueue failed")
}
func (failingWAL) AckByID(ctx context.Context, id string) error { return nil }

func TestOnBatchReadySkipsDuplicateBatchViaDedupe(t *testing.T) {
	sup, wal, _, rev := newTestSupervisor()
	dd := &memDedupe{vals: map[string]string{}}
	sup.dedupe = dd

	b := batchFor("u4", "hi")
	require.NoError(t, sup.OnBatchReady(context.Background(), b))
	require.NoError(t, sup.OnBatchReady(context.Background(), b))

	require.Len(t, wal.entries, 1, "the second identical batch must be deduped, not re-enqueued")
	require.Len(t, rev.enqueued, 1)
}

type memDedupe struct{ vals map[string]string }

func (m *memDedupe) Get(ctx context.Context, key string) (string, error) { return m.vals[key], nil }
func (m *memDedupe) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.vals[key] = value
	return nil
}

func TestReplayDoesNotReenqueue(t *testing.T) {
	sup, wal, _, rev := newTestSupervisor()
	entry := store.WALEntry{ID: "replay-1", ConversationID: "u5", UserID: "u5", Text: "hi", ReceivedAt: time.Unix(0, 0)}

	err := sup.Replay(context.Background(), entry)
	require.NoError(t, err)

	require.Empty(t, wal.entries, "Replay must not call Enqueue")
	require.Equal(t, []string{"replay-1"}, wal.acked)
	require.Len(t, rev.enqueued, 1)
}

func TestReplayOfAlreadyProcessedInteractionSkipsRegenerationAndReenqueue(t *testing.T) {
	sup, wal, d, rev := newTestSupervisor()
	entry := store.WALEntry{ID: "dup-1", ConversationID: "u6", UserID: "u6", Text: "hi", ReceivedAt: time.Unix(0, 0)}

	require.NoError(t, sup.Replay(context.Background(), entry))
	require.Len(t, d.created, 1)
	require.Len(t, d.generation, 1)
	require.Len(t, rev.enqueued, 1)

	// Simulate a late/failed WAL ack: the recovery agent reclaims the same
	// entry and replays it again even though the row was already fully
	// processed on the prior attempt.
	require.NoError(t, sup.Replay(context.Background(), entry))

	require.Len(t, d.created, 1, "CreateInteraction must not insert a second row")
	require.Len(t, d.generation, 1, "already-generated bubbles must not be regenerated")
	require.Len(t, rev.enqueued, 1, "an already-enqueued interaction must not be pushed twice")
	require.Equal(t, []string{"dup-1", "dup-1"}, wal.acked, "the redundant replay still acks so the WAL entry clears")
}

func TestReplayOfDecidedInteractionOnlyAcks(t *testing.T) {
	sup, wal, d, rev := newTestSupervisor()
	entry := store.WALEntry{ID: "dup-2", ConversationID: "u7", UserID: "u7", Text: "hi", ReceivedAt: time.Unix(0, 0)}

	require.NoError(t, sup.Replay(context.Background(), entry))
	require.Len(t, rev.enqueued, 1)

	// A reviewer already approved the interaction before a stale WAL entry
	// got reclaimed and replayed.
	row := d.rows[entry.ID]
	row.ReviewStatus = model.StatusApproved
	d.rows[entry.ID] = row

	require.NoError(t, sup.Replay(context.Background(), entry))

	require.Len(t, d.created, 1)
	require.Len(t, d.generation, 1)
	require.Len(t, rev.enqueued, 1, "an already-decided interaction must not be re-enqueued for review")
	require.Equal(t, []string{"dup-2", "dup-2"}, wal.acked)
}

func TestSplitBubblesTrimsAndDropsEmpty(t *testing.T) {
	got := SplitBubbles("  hi [GLOBO] [GLOBO] there  ", "[GLOBO]")
	require.Equal(t, []string{"hi", "there"}, got)
}
