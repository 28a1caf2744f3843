package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type TaskStatus string

const (
	StatusReceived   TaskStatus = "received"
	StatusPending    TaskStatus = "pending"
	StatusRunning    TaskStatus = "running"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusPending, StatusRunning,
		StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type TaskType string

const (
	TaskTypeTask    TaskType = "task"
	TaskTypeSubtask TaskType = "subtask"
)

// Task mirrors one row of the transactions table. Nullable numeric
// columns stay pointers so an unreported metric is distinguishable
// from a reported zero.
type Task struct {
	ID                  string `json:"id"`
	ParentTransactionID string `json:"parent_transaction_id,omitempty"`

	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	ServiceID string `json:"service_id"`

	TaskType          TaskType        `json:"task_type"`
	InputData         json.RawMessage `json:"input_data"`
	InputDocumentURLs []string        `json:"input_document_urls"`

	Status TaskStatus `json:"status"`

	ResultPayload      json.RawMessage `json:"result_payload,omitempty"`
	ResultDocumentURLs []string        `json:"result_document_urls,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`

	// usage metrics, reported by the worker via callback
	PromptTokens       *int64          `json:"prompt_tokens,omitempty"`
	CompletionTokens   *int64          `json:"completion_tokens,omitempty"`
	TokensTotal        *int64          `json:"tokens_total,omitempty"`
	ModelName          string          `json:"model_name,omitempty"`
	RuntimeMS          *int64          `json:"runtime_ms,omitempty"`
	ResourcesUsed      json.RawMessage `json:"resources_used"`
	ResourcesUsedCount int64           `json:"resources_used_count"`
	ResourcesUsedCost  float64         `json:"resources_used_cost"`
	ResourceType       string          `json:"resource_type"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateTaskParams struct {
	UserID            string
	ProjectID         string
	ServiceID         string
	InputData         json.RawMessage
	InputDocumentURLs []string
}

// TaskPatch is a sparse update: nil means "leave the column alone".
// The store turns only the set fields into SET clauses, so a callback
// carrying nothing but a status never clobbers earlier results.
type TaskPatch struct {
	Status             *TaskStatus
	ErrorMessage       *string
	ResultPayload      json.RawMessage
	ResultDocumentURLs *[]string

	PromptTokens     *int64
	CompletionTokens *int64
	TokensTotal      *int64
	ModelName        *string
	RuntimeMS        *int64
	ResourcesUsed    json.RawMessage
}

type TaskFilter struct {
	UserID    string
	ProjectID string
	Status    TaskStatus
	Limit     int
}

// InputData is the structured service input; the text field is the
// minimum every service accepts.
type InputData struct {
	Text string `json:"text" validate:"required,min=1"`
}

type DispatchRequest struct {
	UserID       string    `json:"userId" validate:"required,uuid4"`
	ProjectID    string    `json:"projectId,omitempty" validate:"omitempty,uuid4"`
	ServiceID    string    `json:"serviceId" validate:"required,uuid4"`
	InputData    InputData `json:"inputData"`
	DocumentURLs []string  `json:"documentUrls,omitempty" validate:"omitempty,dive,url"`
	ServiceURL   string    `json:"serviceUrl" validate:"required,url"`
	DocumentIDs  []string  `json:"documentIds,omitempty" validate:"omitempty,dive,uuid4"`
}

type TokenUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens" validate:"required"`
	CompletionTokens *int64 `json:"completion_tokens" validate:"required"`
	TokensTotal      *int64 `json:"tokens_total" validate:"required"`
	ModelName        string `json:"model_name" validate:"required"`
}

type ComputationalUsage struct {
	RuntimeMS     *int64          `json:"runtime_ms" validate:"required"`
	ResourcesUsed json.RawMessage `json:"resources_used,omitempty"`
}

type CallbackRequest struct {
	ParentTransactionID string              `json:"parent_transaction_id" validate:"required,uuid4"`
	TaskStatus          TaskStatus          `json:"task_status" validate:"required,oneof=received pending running processing completed failed"`
	ResultPayload       json.RawMessage     `json:"result_payload,omitempty"`
	ResultDocumentURLs  *[]string           `json:"result_document_urls,omitempty" validate:"omitempty,dive,url"`
	ErrorMessage        *string             `json:"error_message,omitempty"`
	TokenUsage          *TokenUsage         `json:"token_usage,omitempty"`
	ComputationalUsage  *ComputationalUsage `json:"computational_usage,omitempty"`
}

// WorkerRequest is the outbound payload; field names are the wire
// contract with existing workers and are kept verbatim.
type WorkerRequest struct {
	UserID       string    `json:"userId"`
	ProjectID    string    `json:"projectId"`
	ServiceID    string    `json:"serviceId"`
	InputData    InputData `json:"inputData"`
	DocumentURLs []string  `json:"documentUrls"`
	ServiceURL   string    `json:"serviceUrl"`

	ParentTransactionID string         `json:"parent_transaction_id"`
	TaskType            TaskType       `json:"task_type"`
	Metadata            map[string]any `json:"metadata"`
	CallbackURL         string         `json:"callback_url"`
}

type DispatchResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
}

type CallbackResponse struct {
	Success bool `json:"success"`
	Data    Task `json:"data"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

var (
	ErrTaskNotFound = errors.New("task not found")

	// ErrIdempotencyReplay is returned when an Idempotency-Key is
	// replayed for a task that already ended in failure.
	ErrIdempotencyReplay = errors.New("idempotency key refers to a failed task")
)
