package statemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// commitToMemory is a test CommitFunc backed by a single in-memory slot,
// enforcing the expected-previous-status CAS semantics a real store must.
func commitToMemory(committed *task.Status) CommitFunc {
	return func(_ context.Context, t *task.Task, expectedPrev task.Status) error {
		if *committed != expectedPrev {
			return taskerr.New(taskerr.KindInvalidTransition, "stale write")
		}
		*committed = t.Status
		return nil
	}
}

func TestHappyPath(t *testing.T) {
	tk := task.New("client-42", "personal_tax", 2024)
	var committed = tk.Status
	m := New(commitToMemory(&committed))

	require.NoError(t, m.Assign(context.Background(), tk, "agent-1"))
	assert.Equal(t, task.StatusAssigned, tk.Status)
	assert.Equal(t, "agent-1", tk.AssignedAgent)

	require.NoError(t, m.Start(context.Background(), tk))
	assert.Equal(t, task.StatusInProgress, tk.Status)
	assert.NotNil(t, tk.StartedAt)

	require.NoError(t, m.Complete(context.Background(), tk))
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.NotNil(t, tk.CompletedAt)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	tk := task.New("client-1", "personal_tax", 2024)
	var committed = tk.Status
	m := New(commitToMemory(&committed))

	err := m.Start(context.Background(), tk) // pending -> in_progress skips assign
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindInvalidTransition))
	assert.Equal(t, task.StatusPending, tk.Status, "rejected transition must not mutate status")
}

func TestTerminalRejectsEverything(t *testing.T) {
	tk := task.New("client-1", "personal_tax", 2024)
	tk.Status = task.StatusCompleted
	var committed = tk.Status
	m := New(commitToMemory(&committed))

	err := m.Complete(context.Background(), tk)
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindInvalidTransition))
}

func TestFailIncrementsAttemptAndRetryClearsAgent(t *testing.T) {
	tk := task.New("client-1", "personal_tax", 2024)
	var committed = tk.Status
	m := New(commitToMemory(&committed))

	require.NoError(t, m.Assign(context.Background(), tk, "agent-1"))
	require.NoError(t, m.Start(context.Background(), tk))
	require.NoError(t, m.Fail(context.Background(), tk, "timeout"))
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, 1, tk.AttemptCount)
	assert.Equal(t, "timeout", tk.Metadata["fail_reason"])

	require.NoError(t, m.Retry(context.Background(), tk))
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Empty(t, tk.AssignedAgent)
	assert.Nil(t, tk.StartedAt)
}

func TestEscalateAndResolve(t *testing.T) {
	tk := task.New("client-1", "personal_tax", 2024)
	var committed = tk.Status
	m := New(commitToMemory(&committed))
	require.NoError(t, m.Assign(context.Background(), tk, "agent-1"))
	require.NoError(t, m.Start(context.Background(), tk))

	esc := task.NewEscalation(tk.ID, "low_confidence:W2", nil)
	require.NoError(t, m.Escalate(context.Background(), tk, esc))
	assert.Equal(t, task.StatusEscalated, tk.Status)

	// Cannot resolve back while still blocking.
	err := m.ResolveEscalation(context.Background(), tk, esc)
	require.Error(t, err)

	esc.Resolve("confirmed manually")
	require.NoError(t, m.ResolveEscalation(context.Background(), tk, esc))
	assert.Equal(t, task.StatusInProgress, tk.Status)
}

func TestAssignRequiresAgent(t *testing.T) {
	tk := task.New("client-1", "personal_tax", 2024)
	var committed = tk.Status
	m := New(commitToMemory(&committed))

	err := m.Assign(context.Background(), tk, "")
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindValidation))
}

func TestConcurrentDispatchOnlyOneWins(t *testing.T) {
	tk := task.New("client-1", "personal_tax", 2024)
	var committed = tk.Status
	m := New(commitToMemory(&committed))

	wins := 0
	for i := 0; i < 10; i++ {
		local := *tk
		if err := m.Assign(context.Background(), &local, "agent-1"); err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one of N racing assigns should succeed against the shared commit slot")
}

func TestHookFailureAbortsTransition(t *testing.T) {
	tk := task.New("client-1", "personal_tax", 2024)
	var committed = tk.Status
	m := New(commitToMemory(&committed))
	m.OnEnter(task.StatusAssigned, func(_ context.Context, _ *task.Task) error {
		return assert.AnError
	})

	err := m.Assign(context.Background(), tk, "agent-1")
	require.Error(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, task.StatusPending, committed, "commit must not run when a hook fails")
}
