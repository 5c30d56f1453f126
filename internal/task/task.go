// Package task defines the data model shared by the orchestration
// core: tasks, artifacts, escalations, clients, profile entries,
// skills, and the progress/feedback records that hang off a task.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task. Any change to Status MUST
// flow through the state machine; nothing else may set it directly.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusEscalated  Status = "escalated"
)

// Terminal reports whether a status accepts no further transitions.
// Escalated is deliberately not terminal: ResolveEscalation is the
// seventh operation that drives it back to in_progress once the
// blocking escalation is resolved.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Task is one unit of externally-assigned work with a finite lifecycle.
// Identity fields (ID, ClientID, Type, TaxYear) are immutable after
// creation; everything else is mutated only through the state machine.
type Task struct {
	ID            string         `json:"id"`
	ClientID      string         `json:"client_id"`
	Type          string         `json:"task_type"`
	TaxYear       int            `json:"tax_year"`
	Status        Status         `json:"status"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	History       []StatusChange `json:"history,omitempty"`
}

// StatusChange records one transition for audit purposes.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a Task in StatusPending. Callers supply the identity
// fields; everything else starts at its zero value.
func New(clientID, taskType string, taxYear int) *Task {
	return &Task{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Type:      taskType,
		TaxYear:   taxYear,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Metadata:  map[string]any{},
	}
}

// ArtifactKind enumerates the shapes a Task Artifact may take.
type ArtifactKind string

const (
	ArtifactWorksheet   ArtifactKind = "worksheet"
	ArtifactNotes       ArtifactKind = "notes"
	ArtifactCheckReport ArtifactKind = "check_report"
	ArtifactOther       ArtifactKind = "other"
)

// Artifact is owned by exactly one task. Attempts are append-only:
// a new attempt's artifacts never overwrite a prior attempt's.
type Artifact struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	Kind      ArtifactKind `json:"kind"`
	Path      string       `json:"path"`
	Hash      string       `json:"hash,omitempty"`
	Attempt   int          `json:"attempt"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewArtifact builds an Artifact for the given task and attempt.
func NewArtifact(taskID string, kind ArtifactKind, path, hash string, attempt int) *Artifact {
	return &Artifact{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Kind:      kind,
		Path:      path,
		Hash:      hash,
		Attempt:   attempt,
		CreatedAt: time.Now(),
	}
}

// Escalation is a blocking flag on a task awaiting human resolution.
// A task with an unresolved Blocking escalation sits in StatusEscalated;
// Resolve clears Blocking (and sets ResolvedAt); a cleared Blocking flag
// is what permits a transition back to in_progress.
type Escalation struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	Reason     string         `json:"reason"`
	Context    map[string]any `json:"context,omitempty"`
	Blocking   bool           `json:"blocking"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
}

// NewEscalation builds a blocking Escalation for a task.
func NewEscalation(taskID, reason string, context map[string]any) *Escalation {
	return &Escalation{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Reason:    reason,
		Context:   context,
		Blocking:  true,
		CreatedAt: time.Now(),
	}
}

// Resolve marks the escalation resolved, clearing its blocking status.
func (e *Escalation) Resolve(resolution string) {
	now := time.Now()
	e.ResolvedAt = &now
	e.Resolution = resolution
	e.Blocking = false
}

// Client is an identity plus a pointer to its profile log; the log
// itself lives in the profile service, keyed by ClientID.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthorKind distinguishes a human-authored profile entry from one
// written by an agent.
type AuthorKind string

const (
	AuthorHuman AuthorKind = "human"
	AuthorAgent AuthorKind = "agent"
)

// ProfileEntry is one immutable row in a client's append-only log.
// Entries are never updated or deleted; Archived is set by retention
// sweeps and excludes the row from the derived view, not from history.
type ProfileEntry struct {
	ID            string         `json:"id"`
	ClientID      string         `json:"client_id"`
	CreatedAt     time.Time      `json:"created_at"`
	AuthorKind    AuthorKind     `json:"author_kind"`
	AuthorID      string         `json:"author_id"`
	EntryType     string         `json:"entry_type"`
	Payload       map[string]any `json:"payload"`
	EffectiveDate *time.Time     `json:"effective_date,omitempty"`
	Archived      bool           `json:"archived"`
}

// NewProfileEntry builds a ProfileEntry ready to append.
func NewProfileEntry(clientID string, author AuthorKind, authorID, entryType string, payload map[string]any) *ProfileEntry {
	return &ProfileEntry{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		CreatedAt:  time.Now(),
		AuthorKind: author,
		AuthorID:   authorID,
		EntryType:  entryType,
		Payload:    payload,
	}
}

// Skill is a versioned, date-effective rule pack.
type Skill struct {
	Name          string         `json:"skill_name"`
	Version       string         `json:"version"`
	EffectiveDate time.Time      `json:"effective_date"`
	Content       SkillContent   `json:"content"`
	Tags          []string       `json:"tags,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// SkillContent is the rule body of a Skill.
type SkillContent struct {
	Instructions       string   `json:"instructions"`
	Examples           []string `json:"examples,omitempty"`
	Constraints        []string `json:"constraints,omitempty"`
	EscalationTriggers []string `json:"escalation_triggers,omitempty"`
}

// CircuitBreakerState is the state vocabulary for C3.
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

// CircuitSnapshot is the shared, cross-worker state of one named breaker.
type CircuitSnapshot struct {
	Name             string              `json:"name"`
	State            CircuitBreakerState `json:"state"`
	FailureCount     int                 `json:"failure_count"`
	SuccessCount     int                 `json:"success_count_in_half_open"`
	OpenedAt         *time.Time          `json:"opened_at,omitempty"`
}

// ProgressSnapshot is the current progress state of one task.
type ProgressSnapshot struct {
	TaskID    string         `json:"task_id"`
	Stage     string         `json:"stage"`
	Percent   int            `json:"percent"`
	Message   string         `json:"message,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Status    string         `json:"status,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FeedbackKind distinguishes automatic diffs from reviewer-applied tags.
type FeedbackKind string

const (
	FeedbackImplicit FeedbackKind = "implicit"
	FeedbackExplicit FeedbackKind = "explicit"
)

// FeedbackEntry is an immutable record of reviewer feedback on a task.
type FeedbackEntry struct {
	ID                string       `json:"id"`
	TaskID            string       `json:"task_id"`
	Kind              FeedbackKind `json:"kind"`
	ReviewerID        string       `json:"reviewer_id,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	Note              string       `json:"note,omitempty"`
	OriginalContent   string       `json:"original_content,omitempty"`
	CorrectedContent  string       `json:"corrected_content,omitempty"`
	DiffSummary       []DiffLine   `json:"diff_summary,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// DiffLine is one changed unit between original and corrected content.
type DiffLine struct {
	LineNumber int    `json:"line_number"`
	Original   string `json:"original"`
	Corrected  string `json:"corrected"`
}
