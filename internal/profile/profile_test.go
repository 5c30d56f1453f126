package profile

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskcore/internal/task"
)

// fakeBackend models the append-only log directly, computing View the
// same way the real SQL projection does: latest non-archived payload
// per entry_type ordered by created_at.
type fakeBackend struct {
	mu      sync.Mutex
	entries []*task.ProfileEntry
}

func (f *fakeBackend) AppendProfileEntry(_ context.Context, e *task.ProfileEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeBackend) ProfileView(_ context.Context, clientID string) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := map[string]*task.ProfileEntry{}
	for _, e := range f.entries {
		if e.ClientID != clientID || e.Archived {
			continue
		}
		cur, ok := latest[e.EntryType]
		if !ok || e.CreatedAt.After(cur.CreatedAt) {
			latest[e.EntryType] = e
		}
	}
	view := map[string]map[string]any{}
	for t, e := range latest {
		view[t] = e.Payload
	}
	return view, nil
}

func (f *fakeBackend) ProfileHistory(_ context.Context, clientID, entryType string, limit int) ([]*task.ProfileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.ProfileEntry
	for _, e := range f.entries {
		if e.ClientID != clientID {
			continue
		}
		if entryType != "" && e.EntryType != entryType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeBackend) ProfileCount(_ context.Context, clientID, entryType string) (int, error) {
	h, _ := f.ProfileHistory(context.Background(), clientID, entryType, 0)
	return len(h), nil
}

func TestAppendOnlyViewIsLatestPerType(t *testing.T) {
	backend := &fakeBackend{}
	svc := New(backend, nil)
	ctx := context.Background()

	_, err := svc.Append(ctx, "client-1", task.AuthorAgent, "extractor", "income_source",
		map[string]any{"type": "W2", "employer": "Acme"})
	require.NoError(t, err)

	_, err = svc.Append(ctx, "client-1", task.AuthorAgent, "extractor", "income_source",
		map[string]any{"type": "1099", "payer": "Acme Contracting"})
	require.NoError(t, err)

	_, err = svc.Append(ctx, "client-1", task.AuthorHuman, "reviewer-1", "filing_status",
		map[string]any{"status": "MFJ"})
	require.NoError(t, err)

	view, err := svc.View(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "MFJ", view["filing_status"]["status"])
	assert.Equal(t, "1099", view["income_source"]["type"], "view must reflect only the latest append per entry_type")

	history, err := svc.History(ctx, "client-1", "income_source", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2, "history retains every entry, not just the latest")
}

func TestAppendLeavesPayloadValidationToStore(t *testing.T) {
	// The store layer is the one that enforces non-nil payload (it owns
	// the IntegrityViolation boundary); the service just passes through.
	backend := &fakeBackend{}
	svc := New(backend, nil)
	_, err := svc.Append(context.Background(), "client-1", task.AuthorAgent, "x", "note", map[string]any{})
	require.NoError(t, err)
}
