package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/docuhub/taskrelay/internal/domain"

	"github.com/google/uuid"
)

type fakeStore struct {
	tasks   map[string]domain.Task
	created []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]domain.Task)}
}

func (s *fakeStore) Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error) {
	t := domain.Task{
		ID:                uuid.NewString(),
		UserID:            p.UserID,
		ProjectID:         p.ProjectID,
		ServiceID:         p.ServiceID,
		TaskType:          domain.TaskTypeTask,
		InputData:         p.InputData,
		InputDocumentURLs: p.InputDocumentURLs,
		Status:            domain.StatusPending,
		ResourcesUsed:     json.RawMessage(`{}`),
		ResourceType:      "llm",
	}
	s.tasks[t.ID] = t
	s.created = append(s.created, t.ID)
	return t, nil
}

func (s *fakeStore) Task(ctx context.Context, id string) (domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (s *fakeStore) Apply(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.ErrorMessage != nil {
		t.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ResultPayload != nil {
		t.ResultPayload = patch.ResultPayload
	}
	if patch.ResultDocumentURLs != nil {
		t.ResultDocumentURLs = *patch.ResultDocumentURLs
	}
	if patch.PromptTokens != nil {
		t.PromptTokens = patch.PromptTokens
	}
	if patch.CompletionTokens != nil {
		t.CompletionTokens = patch.CompletionTokens
	}
	if patch.TokensTotal != nil {
		t.TokensTotal = patch.TokensTotal
	}
	if patch.ModelName != nil {
		t.ModelName = *patch.ModelName
	}
	if patch.RuntimeMS != nil {
		t.RuntimeMS = patch.RuntimeMS
	}
	if patch.ResourcesUsed != nil {
		t.ResourcesUsed = patch.ResourcesUsed
	}

	s.tasks[id] = t
	return t, nil
}

func (s *fakeStore) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type fakeWorker struct {
	err error

	calls          int
	gotReq         domain.WorkerRequest
	taskExistedSet bool
	taskExisted    bool

	store *fakeStore
}

func (w *fakeWorker) Dispatch(ctx context.Context, serviceURL string, req domain.WorkerRequest) error {
	w.calls++
	w.gotReq = req
	if w.store != nil {
		_, ok := w.store.tasks[req.ParentTransactionID]
		w.taskExisted = ok
		w.taskExistedSet = true
	}
	return w.err
}

type fakeIndex struct {
	entries map[string]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]string)}
}

func (i *fakeIndex) Get(ctx context.Context, key string) (string, bool, error) {
	id, ok := i.entries[key]
	return id, ok, nil
}

func (i *fakeIndex) Set(ctx context.Context, key, taskID string) error {
	i.entries[key] = taskID
	return nil
}

func dispatchRequest() domain.DispatchRequest {
	return domain.DispatchRequest{
		UserID:     uuid.NewString(),
		ServiceID:  uuid.NewString(),
		InputData:  domain.InputData{Text: "summarize this"},
		ServiceURL: "https://worker.example/run",
	}
}

func TestDispatchCreatesTaskBeforeDelivery(t *testing.T) {
	store := newFakeStore()
	worker := &fakeWorker{store: store, err: errors.New("worker down")}
	uc := New("https://pipeline.example/callback", store, worker, newFakeIndex())

	_, err := uc.Dispatch(context.Background(), dispatchRequest(), "")
	if err == nil {
		t.Fatal("want dispatch error")
	}

	if !worker.taskExistedSet || !worker.taskExisted {
		t.Fatal("task row must exist before the delivery attempt")
	}
}

func TestDispatchSuccessMarksProcessing(t *testing.T) {
	store := newFakeStore()
	worker := &fakeWorker{store: store}
	uc := New("https://pipeline.example/callback", store, worker, newFakeIndex())

	id, err := uc.Dispatch(context.Background(), dispatchRequest(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task := store.tasks[id]
	if task.Status != domain.StatusProcessing {
		t.Errorf("status = %q, want processing", task.Status)
	}
	if worker.gotReq.ParentTransactionID != id {
		t.Errorf("parent_transaction_id = %q, want %q", worker.gotReq.ParentTransactionID, id)
	}
	if worker.gotReq.CallbackURL != "https://pipeline.example/callback" {
		t.Errorf("callback_url = %q", worker.gotReq.CallbackURL)
	}
	if worker.gotReq.ProjectID != id {
		t.Errorf("projectId = %q, want fallback to task ID %q", worker.gotReq.ProjectID, id)
	}
}

func TestDispatchExhaustionMarksFailed(t *testing.T) {
	store := newFakeStore()
	worker := &fakeWorker{store: store, err: errors.New("failed after 3 attempts: connection refused")}
	uc := New("https://pipeline.example/callback", store, worker, newFakeIndex())

	_, err := uc.Dispatch(context.Background(), dispatchRequest(), "")
	if err == nil {
		t.Fatal("want dispatch error")
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d tasks, want 1", len(store.created))
	}
	task := store.tasks[store.created[0]]
	if task.Status != domain.StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
	if !strings.Contains(task.ErrorMessage, "3 attempts") {
		t.Errorf("error message %q does not mention the attempt count", task.ErrorMessage)
	}
}

func TestDispatchKeepsCallerProjectID(t *testing.T) {
	store := newFakeStore()
	worker := &fakeWorker{store: store}
	uc := New("https://pipeline.example/callback", store, worker, newFakeIndex())

	req := dispatchRequest()
	req.ProjectID = uuid.NewString()

	if _, err := uc.Dispatch(context.Background(), req, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if worker.gotReq.ProjectID != req.ProjectID {
		t.Errorf("projectId = %q, want %q", worker.gotReq.ProjectID, req.ProjectID)
	}
}

func TestDispatchIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	worker := &fakeWorker{store: store}
	uc := New("https://pipeline.example/callback", store, worker, newFakeIndex())

	first, err := uc.Dispatch(context.Background(), dispatchRequest(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := uc.Dispatch(context.Background(), dispatchRequest(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}

	if first != second {
		t.Errorf("replay returned %q, want %q", second, first)
	}
	if len(store.created) != 1 {
		t.Errorf("created %d tasks, want 1", len(store.created))
	}
	if worker.calls != 1 {
		t.Errorf("worker called %d times, want 1", worker.calls)
	}
}

func TestDispatchReplayOfFailedTaskRejected(t *testing.T) {
	store := newFakeStore()
	worker := &fakeWorker{store: store, err: errors.New("worker down")}
	uc := New("https://pipeline.example/callback", store, worker, newFakeIndex())

	if _, err := uc.Dispatch(context.Background(), dispatchRequest(), "key-1"); err == nil {
		t.Fatal("want dispatch error")
	}

	worker.err = nil
	_, err := uc.Dispatch(context.Background(), dispatchRequest(), "key-1")
	if !errors.Is(err, domain.ErrIdempotencyReplay) {
		t.Fatalf("err = %v, want ErrIdempotencyReplay", err)
	}
}

func seedTask(store *fakeStore) domain.Task {
	task, _ := store.Create(context.Background(), domain.CreateTaskParams{
		UserID:    uuid.NewString(),
		ServiceID: uuid.NewString(),
		InputData: json.RawMessage(`{"text":"hi"}`),
	})
	return task
}

func TestApplyCallbackUnknownTask(t *testing.T) {
	store := newFakeStore()
	uc := New("", store, &fakeWorker{}, newFakeIndex())

	_, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
		ParentTransactionID: uuid.NewString(),
		TaskStatus:          domain.StatusCompleted,
	})
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestApplyCallbackMergesResult(t *testing.T) {
	store := newFakeStore()
	uc := New("", store, &fakeWorker{}, newFakeIndex())
	task := seedTask(store)

	errMsg := ""
	updated, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
		ParentTransactionID: task.ID,
		TaskStatus:          domain.StatusCompleted,
		ResultPayload:       json.RawMessage(`{"summary":"done"}`),
		ErrorMessage:        &errMsg,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updated.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", updated.Status)
	}
	if string(updated.ResultPayload) != `{"summary":"done"}` {
		t.Errorf("result_payload = %s", updated.ResultPayload)
	}
}

func TestApplyCallbackStatusOnlyKeepsResult(t *testing.T) {
	store := newFakeStore()
	uc := New("", store, &fakeWorker{}, newFakeIndex())
	task := seedTask(store)

	if _, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
		ParentTransactionID: task.ID,
		TaskStatus:          domain.StatusRunning,
		ResultPayload:       json.RawMessage(`{"partial":"result"}`),
	}); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	updated, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
		ParentTransactionID: task.ID,
		TaskStatus:          domain.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}

	if updated.Status != domain.StatusProcessing {
		t.Errorf("status = %q, want processing", updated.Status)
	}
	if string(updated.ResultPayload) != `{"partial":"result"}` {
		t.Errorf("status-only callback clobbered result_payload: %s", updated.ResultPayload)
	}
}

func TestApplyCallbackLastWriteWins(t *testing.T) {
	store := newFakeStore()
	uc := New("", store, &fakeWorker{}, newFakeIndex())
	task := seedTask(store)

	for _, status := range []domain.TaskStatus{domain.StatusRunning, domain.StatusCompleted} {
		if _, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
			ParentTransactionID: task.ID,
			TaskStatus:          status,
		}); err != nil {
			t.Fatalf("callback %s: %v", status, err)
		}
	}

	if got := store.tasks[task.ID].Status; got != domain.StatusCompleted {
		t.Errorf("status = %q, want the later callback's completed", got)
	}
}

func TestApplyCallbackTokenUsage(t *testing.T) {
	store := newFakeStore()
	uc := New("", store, &fakeWorker{}, newFakeIndex())
	task := seedTask(store)

	prompt, completion, total := int64(100), int64(40), int64(140)
	runtime := int64(5230)

	updated, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
		ParentTransactionID: task.ID,
		TaskStatus:          domain.StatusCompleted,
		TokenUsage: &domain.TokenUsage{
			PromptTokens:     &prompt,
			CompletionTokens: &completion,
			TokensTotal:      &total,
			ModelName:        "gpt-test",
		},
		ComputationalUsage: &domain.ComputationalUsage{
			RuntimeMS: &runtime,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updated.PromptTokens == nil || *updated.PromptTokens != 100 {
		t.Errorf("prompt_tokens = %v, want 100", updated.PromptTokens)
	}
	if updated.TokensTotal == nil || *updated.TokensTotal != 140 {
		t.Errorf("tokens_total = %v, want 140", updated.TokensTotal)
	}
	if updated.ModelName != "gpt-test" {
		t.Errorf("model_name = %q", updated.ModelName)
	}
	if updated.RuntimeMS == nil || *updated.RuntimeMS != 5230 {
		t.Errorf("runtime_ms = %v, want 5230", updated.RuntimeMS)
	}
	if string(updated.ResourcesUsed) != `{}` {
		t.Errorf("resources_used = %s, want {} default", updated.ResourcesUsed)
	}
}

func TestApplyCallbackNullPayloadSkipped(t *testing.T) {
	store := newFakeStore()
	uc := New("", store, &fakeWorker{}, newFakeIndex())
	task := seedTask(store)

	if _, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
		ParentTransactionID: task.ID,
		TaskStatus:          domain.StatusRunning,
		ResultPayload:       json.RawMessage(`{"kept":"yes"}`),
	}); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	updated, err := uc.ApplyCallback(context.Background(), domain.CallbackRequest{
		ParentTransactionID: task.ID,
		TaskStatus:          domain.StatusCompleted,
		ResultPayload:       json.RawMessage(`null`),
	})
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}

	if string(updated.ResultPayload) != `{"kept":"yes"}` {
		t.Errorf("null payload clobbered result_payload: %s", updated.ResultPayload)
	}
}
