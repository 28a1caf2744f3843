// Package taskstore persists tasks in the transactions table.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docuhub/taskrelay/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, COALESCE(parent_transaction_id::text, ''), user_id,
	COALESCE(project_id::text, ''), service_id, task_type, input_data,
	input_document_urls, status, result_payload, result_document_urls,
	COALESCE(error_message, ''), prompt_tokens, completion_tokens, tokens_total,
	COALESCE(model_name, ''), runtime_ms, resources_used, resources_used_count,
	resources_used_cost, resource_type, created_at, updated_at`

type postgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *postgresStore {
	return &postgresStore{pool: pool}
}

// Create inserts a fresh pending task. The insert must land before
// any delivery attempt, so the caller gets the stored row back.
func (s *postgresStore) Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error) {
	id := uuid.NewString()

	inputData := p.InputData
	if len(inputData) == 0 {
		inputData = json.RawMessage(`{}`)
	}
	urls := p.InputDocumentURLs
	if urls == nil {
		urls = []string{}
	}

	var projectID *string
	if p.ProjectID != "" {
		projectID = &p.ProjectID
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (
			id, user_id, project_id, service_id, task_type, input_data,
			input_document_urls, status, resources_used,
			resources_used_count, resources_used_cost, resource_type,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}', 0, 0, 'llm', now(), now())
		RETURNING `+taskColumns,
		id, p.UserID, projectID, p.ServiceID, string(domain.TaskTypeTask),
		inputData, urls, string(domain.StatusPending),
	)

	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}

	return t, nil
}

func (s *postgresStore) Task(ctx context.Context, id string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, fmt.Errorf("select task %s: %w", id, err)
	}

	return t, nil
}

// Apply writes only the fields set on the patch, always bumping
// updated_at, and returns the row as stored afterwards.
func (s *postgresStore) Apply(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	sets, args := patchAssignments(patch)

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE transactions SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), taskColumns,
	)

	t, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}

	return t, nil
}

func (s *postgresStore) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	query := `SELECT ` + taskColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	return tasks, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// patchAssignments turns a sparse patch into SET clauses. Unset
// fields produce no clause at all, which is what keeps a
// status-only callback from clobbering earlier results.
func patchAssignments(patch domain.TaskPatch) ([]string, []any) {
	sets := []string{"updated_at = now()"}
	args := make([]any, 0, 10)
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.ResultPayload != nil {
		add("result_payload", patch.ResultPayload)
	}
	if patch.ResultDocumentURLs != nil {
		add("result_document_urls", *patch.ResultDocumentURLs)
	}
	if patch.PromptTokens != nil {
		add("prompt_tokens", *patch.PromptTokens)
	}
	if patch.CompletionTokens != nil {
		add("completion_tokens", *patch.CompletionTokens)
	}
	if patch.TokensTotal != nil {
		add("tokens_total", *patch.TokensTotal)
	}
	if patch.ModelName != nil {
		add("model_name", *patch.ModelName)
	}
	if patch.RuntimeMS != nil {
		add("runtime_ms", *patch.RuntimeMS)
	}
	if patch.ResourcesUsed != nil {
		add("resources_used", patch.ResourcesUsed)
	}

	return sets, args
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		t         domain.Task
		input     []byte
		result    []byte
		resources []byte
		createdAt time.Time
		updatedAt time.Time
	)

	err := row.Scan(
		&t.ID, &t.ParentTransactionID, &t.UserID, &t.ProjectID, &t.ServiceID,
		&t.TaskType, &input, &t.InputDocumentURLs, &t.Status, &result,
		&t.ResultDocumentURLs, &t.ErrorMessage, &t.PromptTokens,
		&t.CompletionTokens, &t.TokensTotal, &t.ModelName, &t.RuntimeMS,
		&resources, &t.ResourcesUsedCount, &t.ResourcesUsedCost,
		&t.ResourceType, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}

	t.InputData = json.RawMessage(input)
	if result != nil {
		t.ResultPayload = json.RawMessage(result)
	}
	if resources != nil {
		t.ResourcesUsed = json.RawMessage(resources)
	}
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt

	return t, nil
}
