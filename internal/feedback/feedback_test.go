package feedback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

type fakeStore struct {
	entries []*task.FeedbackEntry
}

func (f *fakeStore) CreateFeedback(_ context.Context, e *task.FeedbackEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) ListFeedback(_ context.Context, taskID string) ([]*task.FeedbackEntry, error) {
	var out []*task.FeedbackEntry
	for _, e := range f.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) RecentFeedbackByTags(_ context.Context, tags []string, limit int) ([]*task.FeedbackEntry, error) {
	return nil, nil
}

func TestImplicitAndExplicitFeedbackBothListedForTask(t *testing.T) {
	store := &fakeStore{}
	capture := New(store)
	ctx := context.Background()

	entry, err := capture.Implicit(ctx, "task-1", "reviewer-1",
		"wages: 1000\ninterest: 100", "wages: 1200\ninterest: 100")
	require.NoError(t, err)
	require.Len(t, entry.DiffSummary, 1)
	assert.Equal(t, 1, entry.DiffSummary[0].LineNumber)
	assert.Equal(t, "wages: 1000", entry.DiffSummary[0].Original)
	assert.Equal(t, "wages: 1200", entry.DiffSummary[0].Corrected)

	explicit, err := capture.Explicit(ctx, "task-1", "reviewer-1", []string{"calculation_fix"}, "")
	require.NoError(t, err)
	assert.Equal(t, task.FeedbackExplicit, explicit.Kind)

	all, err := capture.ForTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestImplicitRejectsIdenticalContent(t *testing.T) {
	capture := New(&fakeStore{})
	_, err := capture.Implicit(context.Background(), "task-1", "r1", "same", "same")
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindValidation))
}

func TestExplicitRejectsEmptyTags(t *testing.T) {
	capture := New(&fakeStore{})
	_, err := capture.Explicit(context.Background(), "task-1", "r1", nil, "note only")
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindValidation))
}

func TestExplicitRejectsUnknownTag(t *testing.T) {
	capture := New(&fakeStore{})
	_, err := capture.Explicit(context.Background(), "task-1", "r1", []string{"not_a_real_tag"}, "")
	require.Error(t, err)
}

func TestDiffIgnoresUnchangedLines(t *testing.T) {
	diff := Diff("a\nb\nc", "a\nB\nc")
	require.Len(t, diff, 1)
	assert.Equal(t, 2, diff[0].LineNumber)
}
