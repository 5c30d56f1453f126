// Package store is the durable, strongly-consistent record (C1) of
// tasks, artifacts, escalations, profile entries, skills, and
// feedback. It is backed by PostgreSQL via pgx: typed accessors,
// Create-fails-if-exists inserts, compare-and-swap PutTask updates,
// SQL-filtered list reads, all against relational tables rather than
// a key-value bucket.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360studio/taskcore/internal/statemachine"
	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// Store wraps a pgx connection pool with typed accessors for every
// entity in the data model.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready Store. Callers are
// responsible for running Migrate beforehand (or via cmd/taskcore migrate).
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an already-constructed pgx pool, for callers that build
// their own (for example against an ephemeral database).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func notFound(reason string) error {
	return taskerr.New(taskerr.KindMissingResource, reason)
}

// --- Clients ---

// CreateClient inserts a client, failing if one with the same ID exists.
func (s *Store) CreateClient(ctx context.Context, c *task.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, name, created_at) VALUES ($1, $2, $3)`,
		c.ID, c.Name, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// --- Tasks ---

// CreateTask inserts a new task in its initial status.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, client_id, task_type, tax_year, status, assigned_agent,
			attempt_count, created_at, started_at, completed_at, metadata, history)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.ClientID, t.Type, t.TaxYear, t.Status, t.AssignedAgent,
		t.AttemptCount, t.CreatedAt, t.StartedAt, t.CompletedAt, metadata, history)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var metadata, history []byte
	err := row.Scan(&t.ID, &t.ClientID, &t.Type, &t.TaxYear, &t.Status, &t.AssignedAgent,
		&t.AttemptCount, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &metadata, &history)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(history, &t.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &t, nil
}

const taskColumns = `id, client_id, task_type, tax_year, status, assigned_agent,
	attempt_count, created_at, started_at, completed_at, metadata, history`

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound(fmt.Sprintf("task %s not found", id))
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// PutTask persists the CAS commit performed by the state machine:
// it only succeeds if the row's current status still equals expectedPrev.
func (s *Store) PutTask(ctx context.Context, t *task.Task, expectedPrev task.Status) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status=$1, assigned_agent=$2, attempt_count=$3,
			started_at=$4, completed_at=$5, metadata=$6, history=$7
		WHERE id=$8 AND status=$9`,
		t.Status, t.AssignedAgent, t.AttemptCount, t.StartedAt, t.CompletedAt,
		metadata, history, t.ID, expectedPrev)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskerr.New(taskerr.KindInvalidTransition, "task status changed concurrently")
	}
	return nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status        task.Status
	ClientID      string
	TaskType      string
	AssignedAgent string
	Limit         int
	Offset        int
}

// ListTasks returns tasks matching filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE true`
	args := []any{}
	argN := 0
	add := func(cond string, v any) {
		argN++
		q += fmt.Sprintf(" AND %s $%d", cond, argN)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.ClientID != "" {
		add("client_id =", f.ClientID)
	}
	if f.TaskType != "" {
		add("task_type =", f.TaskType)
	}
	if f.AssignedAgent != "" {
		add("assigned_agent =", f.AssignedAgent)
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		argN++
		q += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		argN++
		q += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LeasePendingTask atomically claims one pending task for agentID,
// optionally restricted to taskType (empty matches any type), returning
// taskerr.KindMissingResource if none are available. `SELECT ... FOR
// UPDATE SKIP LOCKED` lets N concurrent dispatch workers race for the
// same rows without blocking each other; the pending->assigned
// transition runs through statemachine.Assign inside the same
// transaction as the row lock, so the winner's history entry and any
// on_enter_assigned hooks are durable before the lock is released at
// commit — a second worker racing the same row sees it already
// assigned, not pending, once its own SKIP LOCKED select can proceed.
func (s *Store) LeasePendingTask(ctx context.Context, agentID, taskType string) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1`
	args := []any{task.StatusPending}
	if taskType != "" {
		q += ` AND task_type = $2`
		args = append(args, taskType)
	}
	q += ` ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	row := tx.QueryRow(ctx, q, args...)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound("no pending tasks")
		}
		return nil, fmt.Errorf("lease pending task: %w", err)
	}

	m := statemachine.New(func(ctx context.Context, t *task.Task, expectedPrev task.Status) error {
		history, err := json.Marshal(t.History)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE tasks SET status = $1, assigned_agent = $2, history = $3 WHERE id = $4 AND status = $5`,
			t.Status, t.AssignedAgent, history, t.ID, expectedPrev)
		if err != nil {
			return fmt.Errorf("claim leased task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound("no pending tasks")
		}
		return nil
	})
	if err := m.Assign(ctx, t, agentID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}
	return t, nil
}

// --- Artifacts ---

// CreateArtifact inserts an artifact row. Prior attempts are never
// overwritten: each attempt gets its own rows.
func (s *Store) CreateArtifact(ctx context.Context, a *task.Artifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_artifacts (id, task_id, kind, path, hash, attempt, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.TaskID, a.Kind, a.Path, a.Hash, a.Attempt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns all artifacts for a task across every attempt.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]*task.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, kind, path, hash, attempt, created_at
		FROM task_artifacts WHERE task_id = $1 ORDER BY attempt DESC, created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*task.Artifact
	for rows.Next() {
		var a task.Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Path, &a.Hash, &a.Attempt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LatestWorksheet returns the newest completed worksheet artifact for
// (clientID, taxYear), used by the Context Builder's prior-year lookup.
func (s *Store) LatestWorksheet(ctx context.Context, clientID string, taxYear int) (*task.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT a.id, a.task_id, a.kind, a.path, a.hash, a.attempt, a.created_at
		FROM task_artifacts a
		JOIN tasks t ON t.id = a.task_id
		WHERE t.client_id = $1 AND t.tax_year = $2 AND t.status = $3 AND a.kind = $4
		ORDER BY a.created_at DESC LIMIT 1`,
		clientID, taxYear, task.StatusCompleted, task.ArtifactWorksheet)
	var a task.Artifact
	err := row.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Path, &a.Hash, &a.Attempt, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound("no prior-year worksheet")
		}
		return nil, fmt.Errorf("latest worksheet: %w", err)
	}
	return &a, nil
}

// --- Escalations ---

// CreateEscalation inserts an escalation row.
func (s *Store) CreateEscalation(ctx context.Context, e *task.Escalation) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escalations (id, task_id, reason, context, blocking, created_at, resolved_at, resolution)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TaskID, e.Reason, ctxJSON, e.Blocking, e.CreatedAt, e.ResolvedAt, e.Resolution)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// ResolveEscalation marks an escalation resolved.
func (s *Store) ResolveEscalation(ctx context.Context, e *task.Escalation) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE escalations SET blocking=$1, resolved_at=$2, resolution=$3 WHERE id=$4`,
		e.Blocking, e.ResolvedAt, e.Resolution, e.ID)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	return nil
}

// GetBlockingEscalation returns the unresolved blocking escalation for
// a task, if any.
func (s *Store) GetBlockingEscalation(ctx context.Context, taskID string) (*task.Escalation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, reason, context, blocking, created_at, resolved_at, resolution
		FROM escalations WHERE task_id = $1 AND blocking = true
		ORDER BY created_at DESC LIMIT 1`, taskID)
	var e task.Escalation
	var ctxJSON []byte
	err := row.Scan(&e.ID, &e.TaskID, &e.Reason, &ctxJSON, &e.Blocking, &e.CreatedAt, &e.ResolvedAt, &e.Resolution)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound("no blocking escalation")
		}
		return nil, fmt.Errorf("get blocking escalation: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return &e, nil
}
