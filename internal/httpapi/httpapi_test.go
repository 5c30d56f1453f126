package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskcore/internal/checker"
	"github.com/c360studio/taskcore/internal/feedback"
	"github.com/c360studio/taskcore/internal/profile"
	"github.com/c360studio/taskcore/internal/progress"
	"github.com/c360studio/taskcore/internal/store"
	"github.com/c360studio/taskcore/internal/task"
)

// fakeProgressSub is a progress.Subscription backed by a plain channel,
// closed up front so streamProgress's replay-then-stream loop falls
// straight through to its closed-channel return after the replay.
type fakeProgressSub struct {
	ch chan []byte
}

func newClosedProgressSub() *fakeProgressSub {
	ch := make(chan []byte)
	close(ch)
	return &fakeProgressSub{ch: ch}
}

func (s *fakeProgressSub) Channel() <-chan []byte { return s.ch }
func (s *fakeProgressSub) Close() error           { return nil }

// fakeProgressCoordinator satisfies progress.Coordinator entirely
// in-memory, so the progress-bus routes exercise a real *progress.Bus
// without a Redis dependency.
type fakeProgressCoordinator struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func newFakeProgressCoordinator() *fakeProgressCoordinator {
	return &fakeProgressCoordinator{snapshots: map[string][]byte{}}
}

func (c *fakeProgressCoordinator) SetSnapshot(_ context.Context, taskID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[taskID] = data
	return nil
}

func (c *fakeProgressCoordinator) GetSnapshot(_ context.Context, taskID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots[taskID], nil
}

func (c *fakeProgressCoordinator) Publish(_ context.Context, _ string, _ []byte) error { return nil }

func (c *fakeProgressCoordinator) Subscribe(_ context.Context, _ string) progress.Subscription {
	return newClosedProgressSub()
}

func (c *fakeProgressCoordinator) Heartbeat(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

// fakeStore backs every narrow interface the HTTP layer depends on
// (Store, profile.Backend, feedback.Backend) with one in-memory map set.
type fakeStore struct {
	mu          sync.Mutex
	clients     map[string]*task.Client
	tasks       map[string]*task.Task
	artifacts   map[string][]*task.Artifact
	escalations map[string]*task.Escalation
	profiles    []*task.ProfileEntry
	feedback    []*task.FeedbackEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients:     map[string]*task.Client{},
		tasks:       map[string]*task.Task{},
		artifacts:   map[string][]*task.Artifact{},
		escalations: map[string]*task.Escalation{},
	}
}

func (f *fakeStore) CreateClient(_ context.Context, c *task.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c.ID] = c
	return nil
}

func (f *fakeStore) CreateTask(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) PutTask(_ context.Context, t *task.Task, expectedPrev task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tasks[t.ID]
	if !ok || cur.Status != expectedPrev {
		return fmt.Errorf("stale write")
	}
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, filt store.TaskFilter) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.tasks {
		if filt.Status != "" && t.Status != filt.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) ListArtifacts(_ context.Context, taskID string) ([]*task.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifacts[taskID], nil
}

func (f *fakeStore) CreateEscalation(_ context.Context, e *task.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations[e.ID] = e
	return nil
}

func (f *fakeStore) ResolveEscalation(_ context.Context, e *task.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations[e.ID] = e
	return nil
}

func (f *fakeStore) GetBlockingEscalation(_ context.Context, taskID string) (*task.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.escalations {
		if e.TaskID == taskID && e.Blocking {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no blocking escalation")
}

func (f *fakeStore) AppendProfileEntry(_ context.Context, e *task.ProfileEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = append(f.profiles, e)
	return nil
}

func (f *fakeStore) ProfileView(_ context.Context, clientID string) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	view := map[string]map[string]any{}
	for _, e := range f.profiles {
		if e.ClientID != clientID {
			continue
		}
		view[e.EntryType] = e.Payload
	}
	return view, nil
}

func (f *fakeStore) ProfileHistory(_ context.Context, clientID, entryType string, limit int) ([]*task.ProfileEntry, error) {
	return nil, nil
}

func (f *fakeStore) ProfileCount(_ context.Context, clientID, entryType string) (int, error) {
	return 0, nil
}

func (f *fakeStore) CreateFeedback(_ context.Context, e *task.FeedbackEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, e)
	return nil
}

func (f *fakeStore) ListFeedback(_ context.Context, taskID string) ([]*task.FeedbackEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.FeedbackEntry
	for _, e := range f.feedback {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) RecentFeedbackByTags(_ context.Context, tags []string, limit int) ([]*task.FeedbackEntry, error) {
	return nil, nil
}

func newTestServer() (*Server, *fakeStore) {
	st := newFakeStore()
	srv := New(st, profile.New(st, nil), feedback.New(st), nil, nil, nil)
	return srv, st
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndListTasks(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodPost, "/tasks", createTaskRequest{ClientID: "client-1", TaskType: "personal_tax", TaxYear: 2024})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, task.StatusPending, created.Status)

	rec = doJSON(t, srv, http.MethodGet, "/tasks?client_id=client-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestCreateTaskRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodPost, "/tasks", createTaskRequest{TaskType: "personal_tax"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchStatusDrivesAssignThenStart(t *testing.T) {
	srv, st := newTestServer()
	rec := doJSON(t, srv, http.MethodPost, "/tasks", createTaskRequest{ClientID: "client-1", TaskType: "personal_tax", TaxYear: 2024})
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, srv, http.MethodPatch, "/tasks/"+created.ID+"/status", patchStatusRequest{Action: "assign", Agent: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.StatusAssigned, st.tasks[created.ID].Status)

	rec = doJSON(t, srv, http.MethodPatch, "/tasks/"+created.ID+"/status", patchStatusRequest{Action: "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.StatusInProgress, st.tasks[created.ID].Status)
}

func TestPatchStatusRejectsInvalidTransition(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodPost, "/tasks", createTaskRequest{ClientID: "client-1", TaskType: "personal_tax", TaxYear: 2024})
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, srv, http.MethodPatch, "/tasks/"+created.ID+"/status", patchStatusRequest{Action: "complete"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFeedbackEndpointsRoundTrip(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodPost, "/feedback/implicit", implicitFeedbackRequest{
		TaskID: "task-1", ReviewerID: "rev-1", Original: "wages: 1000", Corrected: "wages: 1200",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/feedback/explicit", explicitFeedbackRequest{
		TaskID: "task-1", ReviewerID: "rev-1", Tags: []string{"calculation_fix"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/tasks/task-1/feedback", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []*task.FeedbackEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
}

func TestDashboardAggregatesByStatus(t *testing.T) {
	srv, _ := newTestServer()
	doJSON(t, srv, http.MethodPost, "/tasks", createTaskRequest{ClientID: "c1", TaskType: "personal_tax", TaxYear: 2024})
	doJSON(t, srv, http.MethodPost, "/tasks", createTaskRequest{ClientID: "c2", TaskType: "personal_tax", TaxYear: 2024})

	rec := doJSON(t, srv, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dashboardResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ByStatus[task.StatusPending])
}

func TestProfileAppendAndView(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodPost, "/clients/client-1/profile", appendProfileEntryRequest{
		Author: task.AuthorHuman, AuthorID: "reviewer-1", EntryType: "preferences", Payload: map[string]any{"filing_status": "mfj"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/clients/client-1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "mfj", view["preferences"]["filing_status"])
}

func TestRunCheckReconcilesSourceAndPreparedValues(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodPost, "/tasks/task-1/check", checkRequest{
		SourceValues:   map[string]any{"wages": 50000},
		PreparedValues: map[string]any{"wages": 52000},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var report checker.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "wages", report.Discrepancies[0].Field)
}

func TestRunCheckRejectsEmptyBody(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodPost, "/tasks/task-1/check", checkRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProgressReturnsLatestSnapshot(t *testing.T) {
	st := newFakeStore()
	kv := newFakeProgressCoordinator()
	bus := progress.New(kv, time.Minute)
	srv := New(st, profile.New(st, nil), feedback.New(st), bus, nil, nil)

	tk := task.New("client-1", "personal_tax", 2024)
	require.NoError(t, bus.Publish(context.Background(), tk, "scanning", 20, "started"))

	rec := doJSON(t, srv, http.MethodGet, "/tasks/"+tk.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap task.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "scanning", snap.Stage)
	assert.Equal(t, 20, snap.Percent)
}

func TestGetProgressWithoutBusReturns501(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodGet, "/tasks/task-1/progress", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStreamProgressReplaysSnapshotAsSSE(t *testing.T) {
	st := newFakeStore()
	kv := newFakeProgressCoordinator()
	bus := progress.New(kv, time.Minute)
	srv := New(st, profile.New(st, nil), feedback.New(st), bus, nil, nil)

	tk := task.New("client-1", "personal_tax", 2024)
	require.NoError(t, bus.Publish(context.Background(), tk, "extracting", 60, "working"))

	req := httptest.NewRequest(http.MethodGet, "/tasks/"+tk.ID+"/progress/stream", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: progress")
	assert.Contains(t, rec.Body.String(), `"stage":"extracting"`)
}

func TestStreamProgressWithoutBusReturns501(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodGet, "/tasks/task-1/progress/stream", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
