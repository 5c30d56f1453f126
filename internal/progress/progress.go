// Package progress implements the Progress Bus (C10): it renders a
// task's stage/percent state into a ProgressSnapshot, writes it as the
// replay value for late subscribers, and fans the same snapshot out
// over the live pub/sub channel, mirroring the KV read-then-watch
// idiom used elsewhere in this codebase's coordination layer.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// Subscription is a live channel of raw progress event payloads, as
// produced by Coordinator.Subscribe.
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// Coordinator is the narrowed kv.Coordinator surface.
type Coordinator interface {
	SetSnapshot(ctx context.Context, taskID string, data []byte) error
	GetSnapshot(ctx context.Context, taskID string) ([]byte, error)
	Publish(ctx context.Context, taskID string, data []byte) error
	Subscribe(ctx context.Context, taskID string) Subscription
	Heartbeat(ctx context.Context, taskID string, ttl time.Duration) error
}

// Bus is the C10 component.
type Bus struct {
	kv           Coordinator
	heartbeatTTL time.Duration
}

// New builds a Bus. heartbeatTTL is the liveness window a supervisor's
// stale-task sweep checks against; it must comfortably exceed the
// interval Heartbeat is called on.
func New(kv Coordinator, heartbeatTTL time.Duration) *Bus {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 30 * time.Second
	}
	return &Bus{kv: kv, heartbeatTTL: heartbeatTTL}
}

// Publish renders t's state as a (stage, percent) snapshot, persists it
// as the replay value, and fans it out live. percent must be
// non-decreasing for a given task: a regression against the last
// published snapshot is rejected rather than silently applied, since
// subscribers rely on progress moving only forward within one attempt.
func (b *Bus) Publish(ctx context.Context, t *task.Task, stage string, percent int, message string) error {
	prev, err := b.Snapshot(ctx, t.ID)
	if err != nil {
		return err
	}
	if prev != nil && percent < prev.Percent {
		return taskerr.New(taskerr.KindValidation,
			fmt.Sprintf("progress regression rejected for task %s: %d%% < last published %d%%", t.ID, percent, prev.Percent))
	}
	return b.write(ctx, t, stage, percent, message)
}

// Note re-publishes t's current status with a free-text message,
// carrying the last known stage/percent forward unchanged. It is for
// lifecycle events (started, failed, escalated) that have no finer
// stage/percent of their own to report.
func (b *Bus) Note(ctx context.Context, t *task.Task, message string) error {
	prev, err := b.Snapshot(ctx, t.ID)
	if err != nil {
		return err
	}
	var stage string
	var percent int
	if prev != nil {
		stage, percent = prev.Stage, prev.Percent
	}
	return b.write(ctx, t, stage, percent, message)
}

func (b *Bus) write(ctx context.Context, t *task.Task, stage string, percent int, message string) error {
	snap := task.ProgressSnapshot{
		TaskID:    t.ID,
		Stage:     stage,
		Percent:   percent,
		Status:    string(t.Status),
		Message:   message,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal progress snapshot: %w", err)
	}
	if err := b.kv.SetSnapshot(ctx, t.ID, data); err != nil {
		return fmt.Errorf("set progress snapshot: %w", err)
	}
	if err := b.kv.Publish(ctx, t.ID, data); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

// Heartbeat renews the liveness marker a supervisor's stale-task sweep
// checks. Handlers should call this periodically while doing long work.
func (b *Bus) Heartbeat(ctx context.Context, taskID string) error {
	return b.kv.Heartbeat(ctx, taskID, b.heartbeatTTL)
}

// Snapshot returns the current replay snapshot for taskID, or nil if
// none has been published yet (a task that has never progressed past
// creation).
func (b *Bus) Snapshot(ctx context.Context, taskID string) (*task.ProgressSnapshot, error) {
	data, err := b.kv.GetSnapshot(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get progress snapshot: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var snap task.ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal progress snapshot: %w", err)
	}
	return &snap, nil
}

// Subscribe opens a live subscription to taskID's progress channel,
// returning the latest snapshot (nil if none yet) so a caller can
// replay it before consuming the channel, closing the gap between
// connecting and the first live event per the same read-then-watch
// idiom GetSnapshot/Subscribe is built for.
func (b *Bus) Subscribe(ctx context.Context, taskID string) (*task.ProgressSnapshot, Subscription, error) {
	snap, err := b.Snapshot(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return snap, b.kv.Subscribe(ctx, taskID), nil
}
