// Package feedback implements Feedback Capture (C11): implicit diffs
// between an AI-produced artifact and its reviewer correction, and
// explicit closed-vocabulary reviewer tags. Entries are immutable once
// written and double as a retrieval corpus for future context.
package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// AllowedTags is the closed vocabulary for explicit feedback.
var AllowedTags = map[string]bool{
	"misclassified":    true,
	"missing_context":  true,
	"judgment_call":    true,
	"calculation_fix":  true,
}

// Backend is the store surface Capture depends on.
type Backend interface {
	CreateFeedback(ctx context.Context, f *task.FeedbackEntry) error
	ListFeedback(ctx context.Context, taskID string) ([]*task.FeedbackEntry, error)
	RecentFeedbackByTags(ctx context.Context, tags []string, limit int) ([]*task.FeedbackEntry, error)
}

// Capture is the Feedback Capture component.
type Capture struct {
	store Backend
}

// New builds a Capture over a store backend.
func New(store Backend) *Capture {
	return &Capture{store: store}
}

// Diff computes a structured per-line diff summary between original
// and corrected content. It is a minimal line-oriented differ: no
// third-party diff library in the example corpus fit this narrow need
// (see DESIGN.md), so this stays on the standard library.
func Diff(original, corrected string) []task.DiffLine {
	origLines := strings.Split(original, "\n")
	corrLines := strings.Split(corrected, "\n")

	max := len(origLines)
	if len(corrLines) > max {
		max = len(corrLines)
	}

	var out []task.DiffLine
	for i := 0; i < max; i++ {
		var o, c string
		if i < len(origLines) {
			o = origLines[i]
		}
		if i < len(corrLines) {
			c = corrLines[i]
		}
		if o != c {
			out = append(out, task.DiffLine{LineNumber: i + 1, Original: o, Corrected: c})
		}
	}
	return out
}

// Implicit records an automatic diff between the AI's output and the
// reviewer's correction. original and corrected must differ.
func (c *Capture) Implicit(ctx context.Context, taskID, reviewerID, original, corrected string) (*task.FeedbackEntry, error) {
	if original == corrected {
		return nil, taskerr.New(taskerr.KindValidation, "implicit feedback requires corrected content to differ from original")
	}
	entry := &task.FeedbackEntry{
		ID:               newID(),
		TaskID:           taskID,
		Kind:             task.FeedbackImplicit,
		ReviewerID:       reviewerID,
		OriginalContent:  original,
		CorrectedContent: corrected,
		DiffSummary:      Diff(original, corrected),
		CreatedAt:        nowUTC(),
	}
	if err := c.store.CreateFeedback(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Explicit records reviewer-applied tags plus an optional free-text note.
func (c *Capture) Explicit(ctx context.Context, taskID, reviewerID string, tags []string, note string) (*task.FeedbackEntry, error) {
	if len(tags) == 0 {
		return nil, taskerr.New(taskerr.KindValidation, "explicit feedback requires at least one tag")
	}
	for _, tag := range tags {
		if !AllowedTags[tag] {
			return nil, taskerr.New(taskerr.KindValidation, fmt.Sprintf("unknown feedback tag %q", tag))
		}
	}
	entry := &task.FeedbackEntry{
		ID:         newID(),
		TaskID:     taskID,
		Kind:       task.FeedbackExplicit,
		ReviewerID: reviewerID,
		Tags:       tags,
		Note:       note,
		CreatedAt:  nowUTC(),
	}
	if err := c.store.CreateFeedback(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ForTask lists every feedback entry recorded against a task.
func (c *Capture) ForTask(ctx context.Context, taskID string) ([]*task.FeedbackEntry, error) {
	return c.store.ListFeedback(ctx, taskID)
}

// AsContext pulls recent explicit feedback matching tags into a form
// the Context Builder can fold into a future AgentContext, the
// "aggregatable... for retrieval into future contexts" requirement.
func (c *Capture) AsContext(ctx context.Context, tags []string, limit int) ([]*task.FeedbackEntry, error) {
	return c.store.RecentFeedbackByTags(ctx, tags, limit)
}
