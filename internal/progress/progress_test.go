package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

type fakeSubscription struct {
	ch chan []byte
}

func (f *fakeSubscription) Channel() <-chan []byte { return f.ch }
func (f *fakeSubscription) Close() error           { close(f.ch); return nil }

type fakeCoordinator struct {
	snapshots  map[string][]byte
	published  [][]byte
	heartbeats map[string]time.Duration
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{snapshots: map[string][]byte{}, heartbeats: map[string]time.Duration{}}
}

func (f *fakeCoordinator) SetSnapshot(_ context.Context, taskID string, data []byte) error {
	f.snapshots[taskID] = data
	return nil
}

func (f *fakeCoordinator) GetSnapshot(_ context.Context, taskID string) ([]byte, error) {
	return f.snapshots[taskID], nil
}

func (f *fakeCoordinator) Publish(_ context.Context, _ string, data []byte) error {
	f.published = append(f.published, data)
	return nil
}

func (f *fakeCoordinator) Subscribe(_ context.Context, _ string) Subscription {
	return &fakeSubscription{ch: make(chan []byte, 8)}
}

func (f *fakeCoordinator) Heartbeat(_ context.Context, taskID string, ttl time.Duration) error {
	f.heartbeats[taskID] = ttl
	return nil
}

func TestPublishWritesSnapshotAndFansOut(t *testing.T) {
	kv := newFakeCoordinator()
	bus := New(kv, time.Minute)

	tk := task.New("client-1", "personal_tax", 2024)
	tk.Status = task.StatusInProgress

	require.NoError(t, bus.Publish(context.Background(), tk, "scanning", 20, "started"))
	require.Len(t, kv.published, 1)

	snap, err := bus.Snapshot(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "in_progress", snap.Status)
	assert.Equal(t, "scanning", snap.Stage)
	assert.Equal(t, 20, snap.Percent)
	assert.Equal(t, "started", snap.Message)

	var fromWire task.ProgressSnapshot
	require.NoError(t, json.Unmarshal(kv.published[0], &fromWire))
	assert.Equal(t, snap.Status, fromWire.Status)
}

func TestPublishAllowsNonDecreasingPercent(t *testing.T) {
	kv := newFakeCoordinator()
	bus := New(kv, time.Minute)
	tk := task.New("client-1", "personal_tax", 2024)

	require.NoError(t, bus.Publish(context.Background(), tk, "scanning", 20, ""))
	require.NoError(t, bus.Publish(context.Background(), tk, "extracting", 60, ""))
	require.NoError(t, bus.Publish(context.Background(), tk, "extracting", 60, "still extracting"))

	snap, err := bus.Snapshot(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, snap.Percent)
}

func TestPublishRejectsPercentRegression(t *testing.T) {
	kv := newFakeCoordinator()
	bus := New(kv, time.Minute)
	tk := task.New("client-1", "personal_tax", 2024)

	require.NoError(t, bus.Publish(context.Background(), tk, "extracting", 60, ""))
	err := bus.Publish(context.Background(), tk, "scanning", 20, "")
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindValidation))

	snap, serr := bus.Snapshot(context.Background(), tk.ID)
	require.NoError(t, serr)
	assert.Equal(t, 60, snap.Percent, "rejected publish must not overwrite the snapshot")
}

func TestNoteCarriesStageAndPercentForward(t *testing.T) {
	kv := newFakeCoordinator()
	bus := New(kv, time.Minute)
	tk := task.New("client-1", "personal_tax", 2024)
	tk.Status = task.StatusFailed

	require.NoError(t, bus.Publish(context.Background(), tk, "extracting", 60, ""))
	require.NoError(t, bus.Note(context.Background(), tk, "failed: upstream unavailable"))

	snap, err := bus.Snapshot(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "extracting", snap.Stage)
	assert.Equal(t, 60, snap.Percent)
	assert.Equal(t, "failed: upstream unavailable", snap.Message)
	assert.Equal(t, "failed", snap.Status)
}

func TestSnapshotNilWhenUnpublished(t *testing.T) {
	bus := New(newFakeCoordinator(), time.Minute)
	snap, err := bus.Snapshot(context.Background(), "never-published")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestHeartbeatUsesConfiguredTTL(t *testing.T) {
	kv := newFakeCoordinator()
	bus := New(kv, 45*time.Second)
	require.NoError(t, bus.Heartbeat(context.Background(), "task-1"))
	assert.Equal(t, 45*time.Second, kv.heartbeats["task-1"])
}

func TestSubscribeReplaysSnapshotThenChannel(t *testing.T) {
	kv := newFakeCoordinator()
	bus := New(kv, time.Minute)
	tk := task.New("client-1", "personal_tax", 2024)
	require.NoError(t, bus.Publish(context.Background(), tk, "scanning", 20, ""))

	snap, sub, err := bus.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 20, snap.Percent)
	require.NoError(t, sub.Close())
}
