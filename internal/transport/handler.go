package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/docuhub/taskrelay/internal/domain"
	"github.com/docuhub/taskrelay/internal/validate"

	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type Usecase interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest, idempotencyKey string) (string, error)
	ApplyCallback(ctx context.Context, req domain.CallbackRequest) (domain.Task, error)
	Task(ctx context.Context, id string) (domain.Task, error)
	Tasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
}

type handler struct {
	usecase Usecase
	health  func(ctx context.Context) error
}

func NewHandler(uc Usecase, health func(ctx context.Context) error) *handler {
	return &handler{usecase: uc, health: health}
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", "dispatch"),
		slog.String("remote_addr", r.RemoteAddr),
	)

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req domain.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("malformed body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:   "Invalid request data",
			Details: map[string]string{"body": "malformed JSON"},
		})
		return
	}

	if details := validate.Struct(&req); len(details) > 0 {
		logger.Warn("invalid dispatch request", slog.Any("details", details))
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:   "Invalid request data",
			Details: details,
		})
		return
	}

	taskID, err := h.usecase.Dispatch(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		logger.Error("Dispatch usecase", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{Error: err.Error()})
		return
	}

	logger.Info("task dispatched", slog.String("task_id", taskID))
	writeJSON(w, http.StatusOK, domain.DispatchResponse{Success: true, TaskID: taskID})
}

func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", "callback"),
		slog.String("remote_addr", r.RemoteAddr),
	)

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req domain.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("malformed body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:   "Invalid callback data",
			Details: map[string]string{"body": "malformed JSON"},
		})
		return
	}

	if details := validate.Struct(&req); len(details) > 0 {
		logger.Warn("invalid callback", slog.Any("details", details))
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:   "Invalid callback data",
			Details: details,
		})
		return
	}

	logger = logger.With(slog.String("task_id", req.ParentTransactionID))

	task, err := h.usecase.ApplyCallback(r.Context(), req)
	if err != nil {
		// a missing task surfaces as a 500: the worker callback
		// contract predates a 404 here and callers key off it
		logger.Error("ApplyCallback usecase", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, domain.CallbackResponse{Success: true, Data: task})
}

func (h *handler) task(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", "task"),
		slog.String("remote_addr", r.RemoteAddr),
	)

	taskID := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "missing task ID")
		return
	}

	task, err := h.usecase.Task(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error("Task usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *handler) tasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	logger := slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", "tasks"),
		slog.String("remote_addr", r.RemoteAddr),
	)

	q := r.URL.Query()
	filter := domain.TaskFilter{
		UserID:    q.Get("user_id"),
		ProjectID: q.Get("project_id"),
	}
	if status := q.Get("status"); status != "" {
		s := domain.TaskStatus(status)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+status)
			return
		}
		filter.Status = s
	}

	tasks, err := h.usecase.Tasks(r.Context(), filter)
	if err != nil {
		logger.Error("Tasks usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, tasks)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	if err := h.health(r.Context()); err != nil {
		slog.Error("health check", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, domain.ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
