package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docuhub/taskrelay/internal/domain"
)

type TaskStore interface {
	Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error)
	Task(ctx context.Context, id string) (domain.Task, error)
	Apply(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
}

type WorkerClient interface {
	Dispatch(ctx context.Context, serviceURL string, req domain.WorkerRequest) error
}

type IdempotencyIndex interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, taskID string) error
}

type usecase struct {
	callbackURL string
	store       TaskStore
	worker      WorkerClient
	idemp       IdempotencyIndex
}

func New(
	callbackURL string,
	store TaskStore,
	worker WorkerClient,
	idemp IdempotencyIndex,
) *usecase {
	return &usecase{
		callbackURL: callbackURL,
		store:       store,
		worker:      worker,
		idemp:       idemp,
	}
}

// Dispatch creates the task row, then hands it to the external worker.
// The row always exists before the first delivery attempt; on
// delivery success the task moves to processing, on exhausted retries
// to failed.
func (uc *usecase) Dispatch(ctx context.Context, req domain.DispatchRequest, idempotencyKey string) (string, error) {
	if idempotencyKey != "" {
		if id, ok := uc.replayed(ctx, idempotencyKey); ok {
			existing, err := uc.store.Task(ctx, id)
			switch {
			case errors.Is(err, domain.ErrTaskNotFound):
				// stale index entry, fall through and dispatch anew
			case err != nil:
				return "", fmt.Errorf("idempotency lookup: %w", err)
			case existing.Status == domain.StatusFailed:
				return "", domain.ErrIdempotencyReplay
			default:
				slog.Info("idempotent replay",
					slog.String("task_id", existing.ID),
					slog.String("status", string(existing.Status)),
				)
				return existing.ID, nil
			}
		}
	}

	inputData, err := json.Marshal(req.InputData)
	if err != nil {
		return "", fmt.Errorf("marshal input data: %w", err)
	}

	task, err := uc.store.Create(ctx, domain.CreateTaskParams{
		UserID:            req.UserID,
		ProjectID:         req.ProjectID,
		ServiceID:         req.ServiceID,
		InputData:         inputData,
		InputDocumentURLs: req.DocumentURLs,
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if idempotencyKey != "" {
		if err := uc.idemp.Set(ctx, idempotencyKey, task.ID); err != nil {
			slog.Warn("record idempotency key",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// projectId falls back to the task's own ID when the caller sent
	// none; existing workers rely on the field being non-empty.
	projectID := req.ProjectID
	if projectID == "" {
		projectID = task.ID
	}
	documentURLs := req.DocumentURLs
	if documentURLs == nil {
		documentURLs = []string{}
	}

	workerReq := domain.WorkerRequest{
		UserID:              req.UserID,
		ProjectID:           projectID,
		ServiceID:           req.ServiceID,
		InputData:           req.InputData,
		DocumentURLs:        documentURLs,
		ServiceURL:          req.ServiceURL,
		ParentTransactionID: task.ID,
		TaskType:            domain.TaskTypeTask,
		Metadata:            map[string]any{},
		CallbackURL:         uc.callbackURL,
	}

	if err := uc.worker.Dispatch(ctx, req.ServiceURL, workerReq); err != nil {
		uc.markFailed(ctx, task.ID, err)
		return "", fmt.Errorf("dispatch task %s: %w", task.ID, err)
	}

	status := domain.StatusProcessing
	if _, err := uc.store.Apply(ctx, task.ID, domain.TaskPatch{Status: &status}); err != nil {
		// the worker has the task; the callback will settle the final
		// status, so the handoff still counts as accepted
		slog.Warn("mark task processing",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	return task.ID, nil
}

func (uc *usecase) replayed(ctx context.Context, key string) (string, bool) {
	id, ok, err := uc.idemp.Get(ctx, key)
	if err != nil {
		slog.Warn("idempotency index lookup", slog.String("error", err.Error()))
		return "", false
	}
	return id, ok
}

func (uc *usecase) markFailed(ctx context.Context, taskID string, cause error) {
	status := domain.StatusFailed
	msg := cause.Error()
	if _, err := uc.store.Apply(ctx, taskID, domain.TaskPatch{
		Status:       &status,
		ErrorMessage: &msg,
	}); err != nil {
		slog.Error("mark task failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// ApplyCallback merges a worker report into the referenced task. Only
// fields present in the callback make it into the patch; the reported
// status is trusted verbatim.
func (uc *usecase) ApplyCallback(ctx context.Context, req domain.CallbackRequest) (domain.Task, error) {
	if _, err := uc.store.Task(ctx, req.ParentTransactionID); err != nil {
		return domain.Task{}, fmt.Errorf("lookup task %s: %w", req.ParentTransactionID, err)
	}

	status := req.TaskStatus
	patch := domain.TaskPatch{Status: &status}

	if payload := req.ResultPayload; len(payload) > 0 && !bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		patch.ResultPayload = payload
	}
	if req.ResultDocumentURLs != nil {
		patch.ResultDocumentURLs = req.ResultDocumentURLs
	}
	if req.ErrorMessage != nil {
		patch.ErrorMessage = req.ErrorMessage
	}

	if tu := req.TokenUsage; tu != nil {
		patch.PromptTokens = tu.PromptTokens
		patch.CompletionTokens = tu.CompletionTokens
		patch.TokensTotal = tu.TokensTotal
		patch.ModelName = &tu.ModelName
	}

	if cu := req.ComputationalUsage; cu != nil {
		patch.RuntimeMS = cu.RuntimeMS
		patch.ResourcesUsed = cu.ResourcesUsed
		if len(patch.ResourcesUsed) == 0 {
			patch.ResourcesUsed = json.RawMessage(`{}`)
		}
	}

	updated, err := uc.store.Apply(ctx, req.ParentTransactionID, patch)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", req.ParentTransactionID, err)
	}

	slog.Info("callback applied",
		slog.String("task_id", updated.ID),
		slog.String("status", string(updated.Status)),
	)

	return updated, nil
}

func (uc *usecase) Task(ctx context.Context, id string) (domain.Task, error) {
	return uc.store.Task(ctx, id)
}

func (uc *usecase) Tasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return uc.store.List(ctx, f)
}
