package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// CreateFeedback inserts an immutable feedback row. Implicit entries
// require non-identical original/corrected content; explicit entries
// require at least one tag. Both checks are enforced here as well as
// in internal/feedback, since the store is the last line of defense
// against the append-only invariant being bypassed by another caller.
func (s *Store) CreateFeedback(ctx context.Context, f *task.FeedbackEntry) error {
	if f.Kind == task.FeedbackImplicit && f.OriginalContent == f.CorrectedContent {
		return taskerr.New(taskerr.KindValidation, "implicit feedback requires corrected_content to differ from original_content")
	}
	if f.Kind == task.FeedbackExplicit && len(f.Tags) == 0 {
		return taskerr.New(taskerr.KindValidation, "explicit feedback requires at least one tag")
	}
	diff, err := json.Marshal(f.DiffSummary)
	if err != nil {
		return fmt.Errorf("marshal diff summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO feedback_entries
			(id, task_id, kind, reviewer_id, tags, note, original_content, corrected_content, diff_summary, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.ID, f.TaskID, f.Kind, f.ReviewerID, f.Tags, f.Note, f.OriginalContent, f.CorrectedContent, diff, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns every feedback entry for a task, newest first.
func (s *Store) ListFeedback(ctx context.Context, taskID string) ([]*task.FeedbackEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, kind, reviewer_id, tags, note, original_content, corrected_content, diff_summary, created_at
		FROM feedback_entries WHERE task_id = $1 ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []*task.FeedbackEntry
	for rows.Next() {
		var f task.FeedbackEntry
		var diff []byte
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Kind, &f.ReviewerID, &f.Tags, &f.Note,
			&f.OriginalContent, &f.CorrectedContent, &diff, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if err := json.Unmarshal(diff, &f.DiffSummary); err != nil {
			return nil, fmt.Errorf("unmarshal diff summary: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// RecentFeedbackByTags returns the most recent explicit feedback
// carrying any of the given tags. Its caller is feedback.Capture's
// AsContext; the Context Builder and Hybrid Search do not read it.
func (s *Store) RecentFeedbackByTags(ctx context.Context, tags []string, limit int) ([]*task.FeedbackEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, kind, reviewer_id, tags, note, original_content, corrected_content, diff_summary, created_at
		FROM feedback_entries WHERE kind = $1 AND tags && $2
		ORDER BY created_at DESC LIMIT $3`, task.FeedbackExplicit, tags, limit)
	if err != nil {
		return nil, fmt.Errorf("recent feedback by tags: %w", err)
	}
	defer rows.Close()

	var out []*task.FeedbackEntry
	for rows.Next() {
		var f task.FeedbackEntry
		var diff []byte
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Kind, &f.ReviewerID, &f.Tags, &f.Note,
			&f.OriginalContent, &f.CorrectedContent, &diff, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
