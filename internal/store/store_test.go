package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(NewMemoryRepository(), Config{EventBufferSize: 10, FlushInterval: time.Hour})
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func testInstance(id string) *WorkflowInstance {
	inst := &WorkflowInstance{
		ID:           id,
		DefinitionID: "wf-def",
		Status:       InstanceStatusRunning,
		CurrentNode:  "start",
		Context:      NewInstanceContext(map[string]interface{}{"in": "put"}, nil),
		StartedAt:    TimeUTC(time.Now().Add(-time.Minute)),
		UpdatedAt:    TimeUTC(time.Now()),
	}
	return inst
}

func TestInstanceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	require.NoError(t, s.SaveInstance(ctx, inst))

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)

	// Round-trip equality over the canonical serialization.
	want, err := CanonicalMarshal(inst)
	require.NoError(t, err)
	have, err := CanonicalMarshal(got)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(have))
}

func TestGetInstanceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetInstance(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordEventIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &Event{ID: "evt-1", InstanceID: "inst-1", Type: EventNodeEntered, NodeID: "n1"}
	require.NoError(t, s.RecordEvent(ctx, e))
	require.NoError(t, s.RecordEvent(ctx, e))

	events, err := s.GetEvents(ctx, "inst-1", nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordEventIdempotentAcrossFlush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &Event{ID: "evt-1", InstanceID: "inst-1", Type: EventNodeEntered, NodeID: "n1"}
	require.NoError(t, s.RecordEvent(ctx, e))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.RecordEvent(ctx, e))

	events, err := s.GetEvents(ctx, "inst-1", nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventBufferFlushesAtCapacity(t *testing.T) {
	repo := NewMemoryRepository()
	s := New(repo, Config{EventBufferSize: 3, FlushInterval: time.Hour})
	defer s.Shutdown(context.Background())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordEvent(ctx, &Event{InstanceID: "inst-1", Type: EventNodeEntered}))
	}

	// Capacity reached: the ring flushed without an explicit read.
	events, err := repo.GetEvents(ctx, "inst-1", nil)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

// failingRepo wraps MemoryRepository and fails AppendEvents until released
type failingRepo struct {
	*MemoryRepository
	fail bool
}

func (f *failingRepo) AppendEvents(ctx context.Context, events []*Event) error {
	if f.fail {
		return errors.New("backend unavailable")
	}
	return f.MemoryRepository.AppendEvents(ctx, events)
}

func TestFlushFailureRequeuesEvents(t *testing.T) {
	repo := &failingRepo{MemoryRepository: NewMemoryRepository(), fail: true}
	s := New(repo, Config{EventBufferSize: 100, FlushInterval: time.Hour})
	defer s.Shutdown(context.Background())
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, &Event{ID: "evt-1", InstanceID: "inst-1", Type: EventNodeEntered}))
	require.Error(t, s.Flush(ctx))

	// No event was dropped: once the backend recovers the flush succeeds.
	repo.fail = false
	require.NoError(t, s.Flush(ctx))
	events, err := s.GetEvents(ctx, "inst-1", nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestChecksumDeterministic(t *testing.T) {
	inst := testInstance("inst-1")
	sum1, err := Checksum(inst)
	require.NoError(t, err)

	cp := *inst
	sum2, err := Checksum(&cp)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
}

func TestSnapshotReify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	inst.Context.NodeOutputs["n1"] = map[string]interface{}{"result": "ok"}

	snap, err := s.SaveSnapshot(ctx, inst, map[string]string{"reason": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, snap.Checksum)

	got, err := ReifySnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, inst.CurrentNode, got.CurrentNode)
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap, err := s.SaveSnapshot(ctx, testInstance("inst-1"), nil)
	require.NoError(t, err)
	snap.Checksum = "deadbeef"

	_, err = ReifySnapshot(snap)
	assert.Error(t, err)
}

func TestCleanupSnapshotsKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := testInstance("inst-1")

	var snaps []*Snapshot
	base := TimeUTC(time.Now())
	for i := 0; i < 5; i++ {
		snap, err := s.SaveSnapshot(ctx, inst, nil)
		require.NoError(t, err)
		// Spread timestamps so ordering is unambiguous.
		snap.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.repo.PutSnapshot(ctx, snap))
		snaps = append(snaps, snap)
	}

	removed, err := s.CleanupSnapshots(ctx, inst.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	remaining, err := s.ListSnapshots(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, snaps[3].ID, remaining[0].ID)
	assert.Equal(t, snaps[4].ID, remaining[1].ID)
}

func TestReplayDeterminism(t *testing.T) {
	// P2: applying events one at a time equals applying them all at once.
	base := TimeUTC(time.Now())
	events := []*Event{
		{ID: "e1", InstanceID: "i", Type: EventInstanceCreated, Timestamp: base},
		{ID: "e2", InstanceID: "i", Type: EventNodeEntered, NodeID: "n1", Timestamp: base.Add(time.Second)},
		{ID: "e3", InstanceID: "i", Type: EventNodeCompleted, NodeID: "n1", Payload: map[string]interface{}{"output": "x"}, Timestamp: base.Add(2 * time.Second)},
		{ID: "e4", InstanceID: "i", Type: EventVariableSet, Payload: map[string]interface{}{"name": "count", "value": 3}, Timestamp: base.Add(3 * time.Second)},
		{ID: "e5", InstanceID: "i", Type: EventInstanceCompleted, Payload: map[string]interface{}{"outputs": map[string]interface{}{"done": true}}, Timestamp: base.Add(4 * time.Second)},
	}

	a := testInstance("i")
	for _, e := range events {
		ApplyEvent(a, e)
	}

	b := testInstance("i")
	for _, e := range events[:len(events)-1] {
		ApplyEvent(b, e)
	}
	ApplyEvent(b, events[len(events)-1])

	sumA, err := Checksum(a)
	require.NoError(t, err)
	sumB, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB)
	assert.Equal(t, InstanceStatusCompleted, a.Status)
	assert.Equal(t, "x", a.Context.NodeOutputs["n1"])
}

func TestRecoverInstanceReplaysEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1")
	require.NoError(t, s.SaveInstance(ctx, inst))

	after := inst.StartedAt
	require.NoError(t, s.RecordEvent(ctx, &Event{InstanceID: "inst-1", Type: EventNodeEntered, NodeID: "n2", Timestamp: after.Add(time.Second)}))
	require.NoError(t, s.RecordEvent(ctx, &Event{InstanceID: "inst-1", Type: EventNodeCompleted, NodeID: "n2", Payload: map[string]interface{}{"output": 7}, Timestamp: after.Add(2 * time.Second)}))

	recovered, err := s.RecoverInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "n2", recovered.CurrentNode)
	assert.EqualValues(t, 7, toInt(recovered.Context.NodeOutputs["n2"]))
}
