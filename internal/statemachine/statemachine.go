// Package statemachine enforces the per-task lifecycle: guarded
// transitions, side-effect hooks that run before a transition commits,
// and idempotent persistence via a caller-supplied compare-and-swap.
//
// The machine itself holds no hidden state beyond what is persisted on
// a task.Task. Two workers racing to drive the same task forward are
// serialized by CommitFunc, which implementers back with a row lock
// or an atomic compare-and-swap on (task_id, expected_prev_status).
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/taskcore/internal/metrics"
	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// CommitFunc persists the new task state, atomically verifying that
// the task's current persisted status still equals t.Status before
// the mutation was applied in memory (the "expected previous status").
// Implementations MUST fail rather than overwrite if another worker
// already moved the task on.
type CommitFunc func(ctx context.Context, t *task.Task, expectedPrevStatus task.Status) error

// Hook runs before a transition is persisted. Returning an error
// aborts the transition: no state change becomes visible.
type Hook func(ctx context.Context, t *task.Task) error

// Machine drives Task transitions for one process. Hooks are keyed by
// the destination status ("on_enter_<state>" in spec language).
type Machine struct {
	commit CommitFunc
	hooks  map[task.Status][]Hook
}

// New builds a Machine. commit must not be nil.
func New(commit CommitFunc) *Machine {
	return &Machine{
		commit: commit,
		hooks:  make(map[task.Status][]Hook),
	}
}

// OnEnter registers a hook to run before the task transitions into status.
func (m *Machine) OnEnter(status task.Status, hook Hook) {
	m.hooks[status] = append(m.hooks[status], hook)
}

func (m *Machine) runHooks(ctx context.Context, status task.Status, t *task.Task) error {
	for _, h := range m.hooks[status] {
		if err := h(ctx, t); err != nil {
			return fmt.Errorf("on_enter_%s hook: %w", status, err)
		}
	}
	return nil
}

// transition validates t is in one of from, runs hooks for to, mutates
// t in memory, and commits. On any failure t is left in its original
// status (transitions are all-or-nothing).
func (m *Machine) transition(ctx context.Context, t *task.Task, from []task.Status, to task.Status, mutate func(), reason string) error {
	if t.Status.Terminal() {
		return taskerr.New(taskerr.KindInvalidTransition,
			fmt.Sprintf("task %s is terminal (%s), no transitions accepted", t.ID, t.Status))
	}
	ok := false
	for _, f := range from {
		if t.Status == f {
			ok = true
			break
		}
	}
	if !ok {
		return taskerr.New(taskerr.KindInvalidTransition,
			fmt.Sprintf("task %s: cannot %s from %s", t.ID, to, t.Status))
	}

	prev := t.Status
	snapshot := *t // shallow copy to roll back on hook/commit failure

	if err := m.runHooks(ctx, to, t); err != nil {
		*t = snapshot
		return err
	}

	if mutate != nil {
		mutate()
	}
	t.Status = to
	t.History = append(t.History, task.StatusChange{
		From:      prev,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})

	if err := m.commit(ctx, t, prev); err != nil {
		*t = snapshot
		return fmt.Errorf("commit %s->%s: %w", prev, to, err)
	}
	return nil
}

// Assign drives pending -> assigned. agent must be non-empty.
func (m *Machine) Assign(ctx context.Context, t *task.Task, agent string) error {
	if agent == "" {
		return taskerr.New(taskerr.KindValidation, "assign requires a non-empty agent")
	}
	return m.transition(ctx, t, []task.Status{task.StatusPending}, task.StatusAssigned, func() {
		t.AssignedAgent = agent
	}, "")
}

// Start drives assigned -> in_progress, stamping StartedAt.
func (m *Machine) Start(ctx context.Context, t *task.Task) error {
	return m.transition(ctx, t, []task.Status{task.StatusAssigned}, task.StatusInProgress, func() {
		now := time.Now()
		t.StartedAt = &now
	}, "")
}

// Complete drives in_progress -> completed, stamping CompletedAt.
func (m *Machine) Complete(ctx context.Context, t *task.Task) error {
	return m.transition(ctx, t, []task.Status{task.StatusInProgress}, task.StatusCompleted, func() {
		now := time.Now()
		t.CompletedAt = &now
	}, "")
}

// Fail drives {assigned, in_progress} -> failed, recording reason and
// incrementing AttemptCount.
func (m *Machine) Fail(ctx context.Context, t *task.Task, reason string) error {
	return m.transition(ctx, t, []task.Status{task.StatusAssigned, task.StatusInProgress}, task.StatusFailed, func() {
		t.AttemptCount++
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["fail_reason"] = reason
	}, reason)
}

// Escalate drives {assigned, in_progress, failed} -> escalated. The
// failed source lets a supervisor hand a retry-exhausted task to a
// human reviewer instead of abandoning it. The caller supplies the
// Escalation row to persist alongside the transition; persisting it is
// the caller's responsibility via Escalation storage.
func (m *Machine) Escalate(ctx context.Context, t *task.Task, esc *task.Escalation) error {
	return m.transition(ctx, t, []task.Status{task.StatusAssigned, task.StatusInProgress, task.StatusFailed}, task.StatusEscalated, nil, esc.Reason)
}

// Retry drives failed -> pending, clearing AssignedAgent and StartedAt.
func (m *Machine) Retry(ctx context.Context, t *task.Task) error {
	return m.transition(ctx, t, []task.Status{task.StatusFailed}, task.StatusPending, func() {
		t.AssignedAgent = ""
		t.StartedAt = nil
	}, "")
}

// ResolveEscalation drives escalated -> in_progress once the caller has
// marked the blocking escalation resolved. This is the only path back
// from escalated, named as data in the escalation model but implemented
// here as the machine's seventh operation.
func (m *Machine) ResolveEscalation(ctx context.Context, t *task.Task, esc *task.Escalation) error {
	if esc.Blocking {
		return taskerr.New(taskerr.KindInvalidTransition, "escalation is still blocking")
	}
	if err := m.transition(ctx, t, []task.Status{task.StatusEscalated}, task.StatusInProgress, nil, "escalation_resolved:"+esc.ID); err != nil {
		return err
	}
	metrics.EscalationsOpen.Dec()
	return nil
}
