// Package httpapi exposes the external interfaces from the task
// orchestration spec over HTTP: task intake, the progress stream, the
// dashboard aggregation endpoint, the feedback API, and the Checker
// hook. Routing follows chi's idiomatic Route/Group nesting; request
// bodies are validated with go-playground/validator before touching
// any domain package.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/c360studio/taskcore/internal/checker"
	"github.com/c360studio/taskcore/internal/feedback"
	"github.com/c360studio/taskcore/internal/metrics"
	"github.com/c360studio/taskcore/internal/profile"
	"github.com/c360studio/taskcore/internal/progress"
	"github.com/c360studio/taskcore/internal/statemachine"
	"github.com/c360studio/taskcore/internal/store"
	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// Store is the narrowed persistence surface the HTTP layer needs
// directly (beyond what it reaches through the domain packages).
type Store interface {
	CreateClient(ctx context.Context, c *task.Client) error
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	PutTask(ctx context.Context, t *task.Task, expectedPrev task.Status) error
	ListTasks(ctx context.Context, f store.TaskFilter) ([]*task.Task, error)
	CreateEscalation(ctx context.Context, e *task.Escalation) error
	ResolveEscalation(ctx context.Context, e *task.Escalation) error
	GetBlockingEscalation(ctx context.Context, taskID string) (*task.Escalation, error)
}

// Checker runs the Checker hook: a read-only reconciliation of
// reviewer-supplied source and prepared values. It never transitions
// the task itself; only a human reviewer's PATCH does that.
type Checker interface {
	Check(req checker.Request) (checker.Report, error)
}

type defaultChecker struct{}

func (defaultChecker) Check(req checker.Request) (checker.Report, error) { return checker.Check(req) }

// Server wires every component package behind chi handlers.
type Server struct {
	store     Store
	profiles  *profile.Service
	feedback  *feedback.Capture
	progress  *progress.Bus
	checker   Checker
	validate  *validator.Validate
	logger    *slog.Logger
	router    chi.Router
}

// New builds a Server and mounts its routes. chk may be nil, in which
// case the Checker hook uses the stateless default reconciliation
// logic directly.
func New(st Store, profiles *profile.Service, fb *feedback.Capture, pb *progress.Bus, chk Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if chk == nil {
		chk = defaultChecker{}
	}
	s := &Server{
		store:    st,
		profiles: profiles,
		feedback: fb,
		progress: pb,
		checker:  chk,
		validate: validator.New(),
		logger:   logger,
	}
	s.router = s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Patch("/status", s.patchStatus)
			r.Get("/progress", s.getProgress)
			r.Get("/progress/stream", s.streamProgress)
			r.Get("/feedback", s.listTaskFeedback)
			r.Post("/check", s.runCheck)
		})
	})

	r.Post("/feedback/implicit", s.implicitFeedback)
	r.Post("/feedback/explicit", s.explicitFeedback)
	r.Get("/dashboard", s.dashboard)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/clients/{clientID}/profile", func(r chi.Router) {
		r.Get("/", s.getProfileView)
		r.Post("/", s.appendProfileEntry)
	})

	return r
}

// --- DTOs ---

type createTaskRequest struct {
	ClientID string `json:"client_id" validate:"required"`
	TaskType string `json:"task_type" validate:"required"`
	TaxYear  int    `json:"tax_year" validate:"required,gt=1999"`
}

type patchStatusRequest struct {
	Action     string         `json:"action" validate:"required,oneof=assign start complete fail escalate retry resolve_escalation"`
	Agent      string         `json:"agent,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type implicitFeedbackRequest struct {
	TaskID     string `json:"task_id" validate:"required"`
	ReviewerID string `json:"reviewer_id" validate:"required"`
	Original   string `json:"original_content" validate:"required"`
	Corrected  string `json:"corrected_content" validate:"required"`
}

type explicitFeedbackRequest struct {
	TaskID     string   `json:"task_id" validate:"required"`
	ReviewerID string   `json:"reviewer_id" validate:"required"`
	Tags       []string `json:"tags"`
	Note       string   `json:"note,omitempty"`
}

// --- handlers ---

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	t := task.New(req.ClientID, req.TaskType, req.TaxYear)
	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Status:   task.Status(q.Get("status")),
		ClientID: q.Get("client_id"),
		TaskType: q.Get("task_type"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) patchStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req patchStatusRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	t, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	m := statemachine.New(s.store.PutTask)
	switch req.Action {
	case "assign":
		err = m.Assign(r.Context(), t, req.Agent)
	case "start":
		err = m.Start(r.Context(), t)
	case "complete":
		err = m.Complete(r.Context(), t)
	case "fail":
		err = m.Fail(r.Context(), t, req.Reason)
	case "retry":
		err = m.Retry(r.Context(), t)
	case "escalate":
		esc := task.NewEscalation(t.ID, req.Reason, req.Context)
		if cerr := s.store.CreateEscalation(r.Context(), esc); cerr != nil {
			s.writeError(w, cerr)
			return
		}
		if err = m.Escalate(r.Context(), t, esc); err == nil {
			metrics.EscalationsOpen.Inc()
		}
	case "resolve_escalation":
		esc, gerr := s.store.GetBlockingEscalation(r.Context(), t.ID)
		if gerr != nil {
			s.writeError(w, gerr)
			return
		}
		esc.Resolve(req.Resolution)
		if rerr := s.store.ResolveEscalation(r.Context(), esc); rerr != nil {
			s.writeError(w, rerr)
			return
		}
		err = m.ResolveEscalation(r.Context(), t, esc)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.progress != nil {
		_ = s.progress.Note(r.Context(), t, req.Action)
	}
	s.writeJSON(w, http.StatusOK, t)
}

// getProgress returns the current snapshot. Callers wanting a live
// stream use streamProgress (GET /tasks/{id}/progress/stream) instead.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		http.Error(w, "progress bus not configured", http.StatusNotImplemented)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	snap, err := s.progress.Snapshot(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snap == nil {
		http.Error(w, "no progress recorded for task", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// streamProgress is the long-lived subscription surface: it replays
// the latest snapshot immediately as one SSE event, then forwards every
// live event on the task's channel until the client disconnects.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		http.Error(w, "progress bus not configured", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	taskID := chi.URLParam(r, "taskID")

	snap, sub, err := s.progress.Subscribe(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if snap != nil {
		writeProgressEvent(w, snap)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-sub.Channel():
			if !ok {
				return
			}
			var next task.ProgressSnapshot
			if err := json.Unmarshal(data, &next); err != nil {
				s.logger.Warn("decode progress event", "task_id", taskID, "error", err)
				continue
			}
			writeProgressEvent(w, &next)
			flusher.Flush()
		}
	}
}

func writeProgressEvent(w http.ResponseWriter, snap *task.ProgressSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}

func (s *Server) listTaskFeedback(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	entries, err := s.feedback.ForTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type checkRequest struct {
	SourceValues        map[string]any    `json:"source_values"`
	PreparedValues      map[string]any    `json:"prepared_values"`
	PriorYearValues     map[string]any    `json:"prior_year_values,omitempty"`
	DocumentedReasons   map[string]string `json:"documented_reasons,omitempty"`
	InjectedErrorFields []string          `json:"injected_error_fields,omitempty"`
}

// runCheck never transitions the task; the returned CheckerReport is
// advisory input to the human reviewer who issues the actual PATCH.
func (s *Server) runCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	report, err := s.checker.Check(checker.Request{
		SourceValues:        req.SourceValues,
		PreparedValues:      req.PreparedValues,
		PriorYearValues:     req.PriorYearValues,
		DocumentedReasons:   req.DocumentedReasons,
		InjectedErrorFields: req.InjectedErrorFields,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) implicitFeedback(w http.ResponseWriter, r *http.Request) {
	var req implicitFeedbackRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := s.feedback.Implicit(r.Context(), req.TaskID, req.ReviewerID, req.Original, req.Corrected)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) explicitFeedback(w http.ResponseWriter, r *http.Request) {
	var req explicitFeedbackRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := s.feedback.Explicit(r.Context(), req.TaskID, req.ReviewerID, req.Tags, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

type appendProfileEntryRequest struct {
	Author     task.AuthorKind `json:"author" validate:"required,oneof=human agent"`
	AuthorID   string          `json:"author_id" validate:"required"`
	EntryType  string          `json:"entry_type" validate:"required"`
	Payload    map[string]any  `json:"payload" validate:"required"`
}

func (s *Server) getProfileView(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	view, err := s.profiles.View(r.Context(), clientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) appendProfileEntry(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	var req appendProfileEntryRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := s.profiles.Append(r.Context(), clientID, req.Author, req.AuthorID, req.EntryType, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

// dashboardResponse aggregates task counts for the review dashboard.
type dashboardResponse struct {
	ByStatus       map[task.Status]int `json:"by_status"`
	OpenEscalation int                 `json:"open_escalations"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	resp := dashboardResponse{ByStatus: map[task.Status]int{}, GeneratedAt: time.Now()}
	for _, status := range []task.Status{
		task.StatusPending, task.StatusAssigned, task.StatusInProgress,
		task.StatusCompleted, task.StatusFailed, task.StatusEscalated,
	} {
		tasks, err := s.store.ListTasks(r.Context(), store.TaskFilter{Status: status})
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.ByStatus[status] = len(tasks)
		if status == task.StatusEscalated {
			resp.OpenEscalation = len(tasks)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		http.Error(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, ok := taskerr.KindOf(err)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case taskerr.KindMissingResource:
		status = http.StatusNotFound
	case taskerr.KindValidation:
		status = http.StatusBadRequest
	case taskerr.KindInvalidTransition, taskerr.KindIntegrityViolation:
		status = http.StatusConflict
	case taskerr.KindCircuitOpen:
		status = http.StatusServiceUnavailable
	case taskerr.KindTransientUpstream:
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
