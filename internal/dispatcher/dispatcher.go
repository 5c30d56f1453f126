// Package dispatcher implements the Dispatcher (C9): it leases pending
// tasks, builds their execution context, routes them to a registered
// task_type handler guarded by a circuit breaker, and drives the
// state machine to completion, escalation, or failure. Work is pulled
// by a poll loop against a single-task lease rather than pushed by a
// message broker, so the dispatcher has no durable subject hierarchy
// or batch trigger to manage.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/taskcore/internal/contextbuilder"
	"github.com/c360studio/taskcore/internal/metrics"
	"github.com/c360studio/taskcore/internal/statemachine"
	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// Outcome is what a Handler decides for a task it was given.
// Exactly one of Artifact or Escalation should be set on success;
// a non-nil error from Handle means a transient failure instead.
type Outcome struct {
	Artifact   *task.Artifact
	Escalation *task.Escalation
}

// Handler executes one task_type's work against a built context.
type Handler interface {
	SkillNames() []string
	Handle(ctx context.Context, t *task.Task, ac *contextbuilder.AgentContext) (Outcome, error)
}

// Registry maps task_type to its Handler. Safe for concurrent reads
// after Register calls finish (the usual register-then-run pattern).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register wires a handler for a task_type, replacing any prior one.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Get returns the handler for a task_type, if any.
func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Store is the narrowed persistence surface the Dispatcher depends on.
type Store interface {
	LeasePendingTask(ctx context.Context, agentID, taskType string) (*task.Task, error)
	PutTask(ctx context.Context, t *task.Task, expectedPrev task.Status) error
	CreateArtifact(ctx context.Context, a *task.Artifact) error
	CreateEscalation(ctx context.Context, e *task.Escalation) error
}

// ContextBuilder is the narrowed Context Builder surface.
type ContextBuilder interface {
	Build(ctx context.Context, req contextbuilder.Request) (*contextbuilder.AgentContext, error)
}

// ProgressSink is the narrowed Progress Bus surface; nil is valid and
// simply means progress is not published. Publish reports a specific
// stage/percent a handler has reached; Note carries a lifecycle event
// forward without advancing stage/percent.
type ProgressSink interface {
	Publish(ctx context.Context, t *task.Task, stage string, percent int, message string) error
	Note(ctx context.Context, t *task.Task, message string) error
}

// Breaker is the narrowed Circuit Breaker surface guarding handler calls.
type Breaker interface {
	Call(ctx context.Context, name string, op func(context.Context) error) error
}

// Config tunes the dispatch loop.
type Config struct {
	AgentID       string
	PollInterval  time.Duration
	MaxConcurrent int
	TaskTypes     []string // empty means lease any task_type
}

// DefaultConfig returns sane polling defaults for a single worker process.
func DefaultConfig(agentID string) Config {
	return Config{
		AgentID:       agentID,
		PollInterval:  2 * time.Second,
		MaxConcurrent: 4,
	}
}

// Dispatcher is the C9 component: one instance per worker process.
type Dispatcher struct {
	cfg      Config
	store    Store
	builder  ContextBuilder
	registry *Registry
	progress ProgressSink
	breaker  Breaker
	logger   *slog.Logger

	sem chan struct{}
}

// New builds a Dispatcher. progress and breaker may be nil.
func New(cfg Config, store Store, builder ContextBuilder, registry *Registry, progress ProgressSink, breaker Breaker, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		builder:  builder,
		registry: registry,
		progress: progress,
		breaker:  breaker,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run polls for leasable tasks until ctx is cancelled, dispatching each
// to its own goroutine bounded by MaxConcurrent in-flight executions.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fillSlots(ctx)
		}
	}
}

// fillSlots leases one task per free semaphore slot, non-blocking.
func (d *Dispatcher) fillSlots(ctx context.Context) {
	for {
		select {
		case d.sem <- struct{}{}:
		default:
			return // no free slots this tick
		}

		t, err := d.leaseOne(ctx)
		if err != nil {
			<-d.sem
			if !taskerr.Is(err, taskerr.KindMissingResource) {
				d.logger.Warn("lease failed", "error", err)
			}
			return
		}

		go func(t *task.Task) {
			defer func() { <-d.sem }()
			d.process(ctx, t)
		}(t)
	}
}

// leaseOne tries each configured task_type (or any, if none configured)
// until one lease succeeds.
func (d *Dispatcher) leaseOne(ctx context.Context) (*task.Task, error) {
	types := d.cfg.TaskTypes
	if len(types) == 0 {
		types = []string{""}
	}
	var lastErr error
	for _, tt := range types {
		t, err := d.store.LeasePendingTask(ctx, d.cfg.AgentID, tt)
		if err == nil {
			metrics.DispatchLeases.WithLabelValues(t.Type).Inc()
			return t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Process runs a single already-leased task through to completion,
// escalation, or failure. Exported so callers (tests, a synchronous
// CLI mode) can drive one task without the polling loop.
func (d *Dispatcher) Process(ctx context.Context, t *task.Task) {
	d.process(ctx, t)
}

func (d *Dispatcher) process(ctx context.Context, t *task.Task) {
	m := statemachine.New(d.store.PutTask)

	handler, ok := d.registry.Get(t.Type)
	if !ok {
		d.fail(ctx, m, t, fmt.Sprintf("no handler registered for task_type %q", t.Type))
		return
	}

	if err := m.Start(ctx, t); err != nil {
		d.logger.Warn("start transition failed, another worker may have claimed this task",
			"task_id", t.ID, "error", err)
		return
	}
	d.publish(ctx, t, "started", 0, "started")

	ac, err := d.builder.Build(ctx, contextbuilder.Request{
		ClientID:   t.ClientID,
		TaxYear:    t.TaxYear,
		TaskType:   t.Type,
		SkillNames: handler.SkillNames(),
	})
	if err != nil {
		d.fail(ctx, m, t, fmt.Sprintf("build context: %v", err))
		return
	}

	var outcome Outcome
	call := func(ctx context.Context) error {
		var handleErr error
		outcome, handleErr = handler.Handle(ctx, t, ac)
		return handleErr
	}
	if d.breaker != nil {
		err = d.breaker.Call(ctx, "handler:"+t.Type, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		d.fail(ctx, m, t, err.Error())
		return
	}

	switch {
	case outcome.Escalation != nil:
		d.escalate(ctx, m, t, outcome.Escalation)
	case outcome.Artifact != nil:
		d.complete(ctx, m, t, outcome.Artifact)
	default:
		d.fail(ctx, m, t, "handler returned neither an artifact nor an escalation")
	}
}

func (d *Dispatcher) complete(ctx context.Context, m *statemachine.Machine, t *task.Task, a *task.Artifact) {
	if err := d.store.CreateArtifact(ctx, a); err != nil {
		d.fail(ctx, m, t, fmt.Sprintf("persist artifact: %v", err))
		return
	}
	if err := m.Complete(ctx, t); err != nil {
		d.logger.Error("complete transition failed", "task_id", t.ID, "error", err)
		return
	}
	metrics.TaskOutcomes.WithLabelValues(t.Type, "completed").Inc()
	d.publish(ctx, t, "completed", 100, "completed")
}

func (d *Dispatcher) escalate(ctx context.Context, m *statemachine.Machine, t *task.Task, esc *task.Escalation) {
	if err := d.store.CreateEscalation(ctx, esc); err != nil {
		d.fail(ctx, m, t, fmt.Sprintf("persist escalation: %v", err))
		return
	}
	if err := m.Escalate(ctx, t, esc); err != nil {
		d.logger.Error("escalate transition failed", "task_id", t.ID, "error", err)
		return
	}
	metrics.TaskOutcomes.WithLabelValues(t.Type, "escalated").Inc()
	metrics.EscalationsOpen.Inc()
	d.note(ctx, t, "escalated: "+esc.Reason)
}

func (d *Dispatcher) fail(ctx context.Context, m *statemachine.Machine, t *task.Task, reason string) {
	if err := m.Fail(ctx, t, reason); err != nil {
		d.logger.Error("fail transition failed", "task_id", t.ID, "error", err)
		return
	}
	metrics.TaskOutcomes.WithLabelValues(t.Type, "failed").Inc()
	d.note(ctx, t, "failed: "+reason)
}

// publish reports a concrete stage/percent reached by the dispatch
// lifecycle itself (started, completed); handler-reported intermediate
// stages go through the same ProgressSink but are called by the
// handler directly.
func (d *Dispatcher) publish(ctx context.Context, t *task.Task, stage string, percent int, msg string) {
	if d.progress == nil {
		return
	}
	if err := d.progress.Publish(ctx, t, stage, percent, msg); err != nil {
		d.logger.Warn("progress publish failed", "task_id", t.ID, "error", err)
	}
}

// note carries a lifecycle event (failed, escalated) forward without
// asserting a stage/percent of its own, since a terminal dispatch
// outcome has nothing more precise to report than whatever progress a
// handler last reported.
func (d *Dispatcher) note(ctx context.Context, t *task.Task, msg string) {
	if d.progress == nil {
		return
	}
	if err := d.progress.Note(ctx, t, msg); err != nil {
		d.logger.Warn("progress note failed", "task_id", t.ID, "error", err)
	}
}
