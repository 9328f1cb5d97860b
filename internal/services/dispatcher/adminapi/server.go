// Package adminapi exposes the administrative JSON surface over the
// dispatcher: queue inspection and control, task submission, batch
// retry/delete, execution history, and registered task-type schemas.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/dispatch"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/registry"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/storage"
)

// ConfirmClearAll is the confirmation token required by the clear-all
// endpoint. A distinct token, not a boolean, so a client defaulting a flag
// to true cannot wipe every queue by accident.
const ConfirmClearAll = "ALL"

// Server handles the administrative API.
type Server struct {
	backend    storage.QueueBackend
	history    storage.HistoryStore
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	mux        *http.ServeMux
}

// New wires the administrative routes.
func New(backend storage.QueueBackend, history storage.HistoryStore, reg *registry.Registry, dispatcher *dispatch.Dispatcher) (*Server, error) {
	if backend == nil || history == nil || reg == nil || dispatcher == nil {
		return nil, fmt.Errorf("backend, history, registry, and dispatcher are required")
	}
	s := &Server{
		backend:    backend,
		history:    history,
		registry:   reg,
		dispatcher: dispatcher,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /api/queues", s.handleListQueues)
	s.mux.HandleFunc("POST /api/queues/clear-all", s.handleClearAll)
	s.mux.HandleFunc("GET /api/queues/{key}", s.handleQueueStats)
	s.mux.HandleFunc("POST /api/queues/{key}/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/queues/{key}/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/queues/{key}/clear", s.handleClearQueue)
	s.mux.HandleFunc("POST /api/tasks", s.handleEnqueue)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/run-now", s.handleRunNow)
	s.mux.HandleFunc("POST /api/tasks/retry", s.handleRetryTasks)
	s.mux.HandleFunc("POST /api/tasks/delete", s.handleDeleteTasks)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/task-types", s.handleTaskTypes)
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type queueView struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind"`
	Depth       int    `json:"depth"`
	Running     int    `json:"running"`
	Failed      int    `json:"failed"`
	Paused      bool   `json:"paused"`
}

func toQueueView(info domain.QueueInfo) queueView {
	return queueView{
		Key:         info.Key,
		DisplayName: info.DisplayName,
		Kind:        string(info.Kind),
		Depth:       info.Depth,
		Running:     info.Running,
		Failed:      info.Failed,
		Paused:      info.Paused,
	}
}

type taskView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	QueueKey    string          `json:"queue_key"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
}

func toTaskView(task domain.TaskRecord) taskView {
	view := taskView{
		ID:          task.ID,
		Type:        task.Type,
		Name:        task.Name,
		Priority:    task.Priority,
		Status:      string(task.Status),
		RetryCount:  task.RetryCount,
		MaxRetries:  task.MaxRetries,
		QueueKey:    task.QueueKey,
		TriggeredBy: task.TriggeredBy,
		LastError:   task.LastError,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
	}
	if strings.TrimSpace(task.PayloadJSON) != "" {
		view.Payload = json.RawMessage(task.PayloadJSON)
	}
	if !task.ScheduledAt.IsZero() {
		scheduledAt := task.ScheduledAt
		view.ScheduledAt = &scheduledAt
	}
	return view
}

type historyView struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	TaskType   string          `json:"task_type"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func toHistoryView(record domain.TaskHistoryRecord) historyView {
	view := historyView{
		ID:         record.ID,
		TaskID:     record.TaskID,
		TaskType:   record.TaskType,
		Status:     string(record.Status),
		StartedAt:  record.StartedAt,
		FinishedAt: record.FinishedAt,
		DurationMS: record.Duration.Milliseconds(),
		Error:      record.Error,
	}
	if strings.TrimSpace(record.ResultJSON) != "" {
		view.Result = json.RawMessage(record.ResultJSON)
	}
	return view
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	includeDiscovered := r.URL.Query().Get("discovered") == "true"
	infos, err := s.backend.ListQueues(r.Context(), includeDiscovered)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]queueView, 0, len(infos))
	for _, info := range infos {
		views = append(views, toQueueView(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": views})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.QueueStats(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueView(info))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Pause(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Resume(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	queueKey := r.PathValue("key")
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	// The confirmation token is the queue key itself.
	if body.Confirm != queueKey {
		writeError(w, apperrors.New(apperrors.CodeConfirmationRequired,
			fmt.Sprintf("clearing queue %q requires confirm=%q", queueKey, queueKey)))
		return
	}
	cleared, err := s.backend.ClearQueue(r.Context(), queueKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Confirm != ConfirmClearAll {
		writeError(w, apperrors.New(apperrors.CodeConfirmationRequired,
			fmt.Sprintf("clearing all queues requires confirm=%q", ConfirmClearAll)))
		return
	}
	cleared, err := s.backend.ClearAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type        string          `json:"type"`
		Name        string          `json:"name"`
		Payload     json.RawMessage `json:"payload"`
		Priority    int             `json:"priority"`
		MaxRetries  int             `json:"max_retries"`
		QueueKey    string          `json:"queue_key"`
		ScheduledAt *time.Time      `json:"scheduled_at"`
		TimeoutMS   int64           `json:"timeout_ms"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	task := domain.TaskRecord{
		Type:       body.Type,
		Name:       body.Name,
		Priority:   body.Priority,
		MaxRetries: body.MaxRetries,
		QueueKey:   body.QueueKey,
		Timeout:    time.Duration(body.TimeoutMS) * time.Millisecond,
	}
	if len(body.Payload) > 0 {
		task.PayloadJSON = string(body.Payload)
	}
	if body.ScheduledAt != nil {
		task.ScheduledAt = *body.ScheduledAt
	}

	taskID, err := s.dispatcher.Enqueue(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": taskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.backend.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	taskID, err := s.dispatcher.RunNow(r.Context(), r.PathValue("id"), body.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": taskID})
}

func (s *Server) handleRetryTasks(w http.ResponseWriter, r *http.Request) {
	s.batchTaskOp(w, r, "retry", s.backend.RequeueFailed)
}

func (s *Server) handleDeleteTasks(w http.ResponseWriter, r *http.Request) {
	s.batchTaskOp(w, r, "delete", s.backend.Delete)
}

func (s *Server) batchTaskOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, taskID string) error) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, apperrors.New(apperrors.CodeBadRequest, `provide "ids"`))
		return
	}

	processed := 0
	var failures []map[string]string
	for _, taskID := range body.IDs {
		if err := fn(r.Context(), taskID); err != nil {
			failures = append(failures, map[string]string{"id": taskID, "error": err.Error()})
			continue
		}
		processed++
	}
	writeJSON(w, http.StatusOK, map[string]any{op: processed, "errors": failures})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	taskID := query.Get("task_id")
	limit := queryInt(query.Get("limit"), 50)
	offset := queryInt(query.Get("offset"), 0)

	records, err := s.history.ListHistory(r.Context(), taskID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.history.CountHistory(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]historyView, 0, len(records))
	for _, record := range records {
		views = append(views, toHistoryView(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  views,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"task_types": s.registry.Schemas()})
}

func decodeBody(r *http.Request, target any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeBadRequest, "request body is not valid JSON", err)
	}
	return nil
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			code = apperrors.CodeNotFound
		case errors.Is(err, storage.ErrUnsupported):
			code = apperrors.CodeUnsupportedOperation
		case errors.Is(err, storage.ErrUnavailable):
			code = apperrors.CodeBackendUnavailable
		}
	}
	writeJSON(w, code.HTTPStatus(), map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}
