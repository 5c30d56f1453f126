package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskcore/internal/metrics"
	"github.com/c360studio/taskcore/internal/statemachine"
	"github.com/c360studio/taskcore/internal/store"
	"github.com/c360studio/taskcore/internal/task"
)

// RetryPolicy is an exponential backoff schedule: base, multiplier,
// and a cap, the same shape used to pace retried LLM calls.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryPolicy allows three attempts with a 2s..30s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// backoffFor returns how long to wait before attempt (1-indexed) fires.
func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= p.BackoffMultiplier
	}
	d := time.Duration(float64(p.BackoffBase) * multiplier)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// ListFilterer is the narrowed store surface the supervisor needs.
type ListFilterer interface {
	ListTasks(ctx context.Context, f store.TaskFilter) ([]*task.Task, error)
}

// Liveness reports whether a task's heartbeat is still fresh.
type Liveness interface {
	IsAlive(ctx context.Context, taskID string) (bool, error)
}

// Supervisor runs the two background sweeps a dispatch fleet needs:
// requeuing backed-off failures and failing stale in_progress tasks
// whose worker stopped heartbeating.
type Supervisor struct {
	store    Store
	lister   ListFilterer
	liveness Liveness
	policy   RetryPolicy
	interval time.Duration
	logger   *slog.Logger
}

// NewSupervisor builds a Supervisor. liveness may be nil to disable
// the stale-task sweep (e.g. in a single-process test setup).
func NewSupervisor(store Store, lister ListFilterer, liveness Liveness, policy RetryPolicy, interval time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{store: store, lister: lister, liveness: liveness, policy: policy, interval: interval, logger: logger}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepFailed(ctx)
			s.sweepStale(ctx)
		}
	}
}

// sweepFailed requeues failed tasks whose backoff window has elapsed
// and which have not exhausted MaxAttempts; a task that has exhausted
// its attempts is escalated to a human reviewer instead.
func (s *Supervisor) sweepFailed(ctx context.Context) {
	failed, err := s.lister.ListTasks(ctx, store.TaskFilter{Status: task.StatusFailed})
	if err != nil {
		s.logger.Warn("list failed tasks", "error", err)
		return
	}
	m := statemachine.New(s.store.PutTask)
	for _, t := range failed {
		if t.AttemptCount >= s.policy.MaxAttempts {
			s.exhaust(ctx, m, t)
			continue
		}
		wait := s.policy.backoffFor(t.AttemptCount)
		lastChange := t.CreatedAt
		if len(t.History) > 0 {
			lastChange = t.History[len(t.History)-1].Timestamp
		}
		if time.Since(lastChange) < wait {
			continue
		}
		if err := m.Retry(ctx, t); err != nil {
			s.logger.Warn("retry transition failed", "task_id", t.ID, "error", err)
		}
	}
}

// exhaust escalates a task that has used up its retry budget: no
// automatic recovery path remains, so a human reviewer takes over.
func (s *Supervisor) exhaust(ctx context.Context, m *statemachine.Machine, t *task.Task) {
	esc := task.NewEscalation(t.ID, fmt.Sprintf("exceeded max retry attempts (%d)", s.policy.MaxAttempts),
		map[string]any{"attempt_count": t.AttemptCount})
	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		s.logger.Warn("create exhaustion escalation failed", "task_id", t.ID, "error", err)
		return
	}
	if err := m.Escalate(ctx, t, esc); err != nil {
		s.logger.Warn("escalate transition failed", "task_id", t.ID, "error", err)
		return
	}
	metrics.TaskOutcomes.WithLabelValues(t.Type, "escalated").Inc()
	metrics.EscalationsOpen.Inc()
}

// sweepStale fails in_progress tasks whose heartbeat has lapsed,
// returning them to the pool via the next sweepFailed cycle's retry.
func (s *Supervisor) sweepStale(ctx context.Context) {
	if s.liveness == nil {
		return
	}
	inProgress, err := s.lister.ListTasks(ctx, store.TaskFilter{Status: task.StatusInProgress})
	if err != nil {
		s.logger.Warn("list in-progress tasks", "error", err)
		return
	}
	m := statemachine.New(s.store.PutTask)
	for _, t := range inProgress {
		alive, err := s.liveness.IsAlive(ctx, t.ID)
		if err != nil {
			s.logger.Warn("liveness check failed", "task_id", t.ID, "error", err)
			continue
		}
		if alive {
			continue
		}
		if err := m.Fail(ctx, t, "heartbeat lost"); err != nil {
			s.logger.Warn("fail stale task", "task_id", t.ID, "error", err)
		}
	}
}
