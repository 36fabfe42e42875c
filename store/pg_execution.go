package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// isUniqueViolation reports PostgreSQL unique-constraint errors.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PGExecutionStore implements ExecutionStore backed by PostgreSQL. Every
// conditional method is a single UPDATE guarded by the expected current
// state, so concurrent engine replicas cannot double-apply a transition.
type PGExecutionStore struct {
	pool *pgxpool.Pool
}

const executionColumns = `id, definition_id, definition_version, status, input_params, outputs,
	counters, failed_step_id, error_message, subscriber_ids, payload_type,
	notification_workflow_id, cancel_requested, started_at, completed_at, created_at, updated_at`

func scanExecution(row pgx.Row) (*PipelineExecution, error) {
	var e PipelineExecution
	err := row.Scan(&e.ID, &e.DefinitionID, &e.DefinitionVersion, &e.Status, &e.InputParams,
		&e.Outputs, &e.Counters, &e.FailedStepID, &e.ErrorMessage, &e.SubscriberIDs,
		&e.PayloadType, &e.NotificationWorkflowID, &e.CancelRequested, &e.StartedAt,
		&e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &e, nil
}

func (s *PGExecutionStore) CreateExecution(ctx context.Context, e *PipelineExecution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = ExecutionPending
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_executions (id, definition_id, definition_version, status,
			input_params, counters, subscriber_ids, payload_type, notification_workflow_id,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.DefinitionID, e.DefinitionVersion, e.Status, e.InputParams, e.Counters,
		e.SubscriberIDs, e.PayloadType, e.NotificationWorkflowID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *PGExecutionStore) GetExecution(ctx context.Context, id uuid.UUID) (*PipelineExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *PGExecutionStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*PipelineExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM pipeline_executions WHERE 1=1`
	args := []any{}
	idx := 1

	if f.DefinitionID != nil {
		query += fmt.Sprintf(` AND definition_id = $%d`, idx)
		args = append(args, *f.DefinitionID)
		idx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *f.Since)
		idx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(` AND created_at <= $%d`, idx)
		args = append(args, *f.Until)
		idx++
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Pagination.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*PipelineExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGExecutionStore) TransitionExecution(ctx context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_executions
		SET status = $2,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("transition execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGExecutionStore) FinishExecution(ctx context.Context, id uuid.UUID, from []ExecutionStatus, to ExecutionStatus, outputs map[string]any, failedStepID, errMsg string, completedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_executions
		SET status = $2, outputs = $3, failed_step_id = $4, error_message = $5,
			completed_at = $6, updated_at = now()
		WHERE id = $1 AND status = ANY($7)`,
		id, to, outputs, failedStepID, errMsg, completedAt, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("finish execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGExecutionStore) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_executions SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND cancel_requested = FALSE AND status IN ('pending', 'running')`, id)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGExecutionStore) IncrementCounter(ctx context.Context, id uuid.UUID, name string, delta int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_executions
		SET counters = jsonb_set(COALESCE(counters, '{}'::jsonb), ARRAY[$2],
			to_jsonb(COALESCE((counters ->> $2)::bigint, 0) + $3)),
			updated_at = now()
		WHERE id = $1`,
		id, name, delta)
	if err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGExecutionStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pipeline_executions
		WHERE created_at < $1 AND status IN ('completed', 'failed', 'cancelled', 'timeout')`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

const stepColumns = `id, execution_id, step_id, action_type, status, retry_count,
	awaiting_event, external_workflow_id, handler_type, timeout_at, next_attempt_at,
	params, outputs, error_message, started_at, completed_at, created_at, updated_at`

func scanStep(row pgx.Row) (*StepExecution, error) {
	var st StepExecution
	err := row.Scan(&st.ID, &st.ExecutionID, &st.StepID, &st.ActionType, &st.Status,
		&st.RetryCount, &st.AwaitingEvent, &st.ExternalWorkflowID, &st.HandlerType,
		&st.TimeoutAt, &st.NextAttemptAt, &st.Params, &st.Outputs, &st.ErrorMessage,
		&st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	return &st, nil
}

func (s *PGExecutionStore) CreateStep(ctx context.Context, st *StepExecution) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.Status == "" {
		st.Status = StepPending
	}
	now := time.Now()
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_executions (id, execution_id, step_id, action_type, status,
			retry_count, params, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		st.ID, st.ExecutionID, st.StepID, st.ActionType, st.Status,
		st.RetryCount, st.Params, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *PGExecutionStore) GetStep(ctx context.Context, id uuid.UUID) (*StepExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE id = $1`, id)
	return scanStep(row)
}

func (s *PGExecutionStore) ListSteps(ctx context.Context, executionID uuid.UUID) ([]*StepExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM step_executions
		WHERE execution_id = $1 ORDER BY created_at ASC, step_id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PGExecutionStore) ClaimStep(ctx context.Context, id uuid.UUID, from []StepStatus, to StepStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions
		SET status = $2,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, stepStatusStrings(from))
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGExecutionStore) UpdateStep(ctx context.Context, st *StepExecution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions
		SET status=$2, retry_count=$3, awaiting_event=$4, external_workflow_id=$5,
			handler_type=$6, timeout_at=$7, next_attempt_at=$8, params=$9, outputs=$10,
			error_message=$11, started_at=$12, completed_at=$13, updated_at=now()
		WHERE id=$1`,
		st.ID, st.Status, st.RetryCount, st.AwaitingEvent, st.ExternalWorkflowID,
		st.HandlerType, st.TimeoutAt, st.NextAttemptAt, st.Params, st.Outputs,
		st.ErrorMessage, st.StartedAt, st.CompletedAt)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGExecutionStore) MarkStepWaiting(ctx context.Context, id uuid.UUID, externalWorkflowID, handlerType string, timeoutAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions
		SET status = 'waiting', awaiting_event = TRUE, external_workflow_id = $2,
			handler_type = $3, timeout_at = $4, updated_at = now()
		WHERE id = $1 AND status = 'running' AND awaiting_event = FALSE`,
		id, externalWorkflowID, handlerType, timeoutAt)
	if err != nil {
		return false, fmt.Errorf("mark step waiting: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGExecutionStore) ResolveAwaitingStep(ctx context.Context, id uuid.UUID, to StepStatus, outputs map[string]any, errMsg string) (bool, error) {
	// The awaiting_event guard is the compare-and-swap: the first replica
	// to resolve wins, every later attempt affects zero rows.
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions
		SET status = $2, awaiting_event = FALSE, timeout_at = NULL,
			outputs = COALESCE($3, outputs), error_message = $4,
			completed_at = CASE WHEN $2 IN ('completed','failed','skipped','cancelled','timeout') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1 AND awaiting_event = TRUE`,
		id, to, outputs, errMsg)
	if err != nil {
		return false, fmt.Errorf("resolve awaiting step: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGExecutionStore) FindStepByCorrelation(ctx context.Context, externalWorkflowID, handlerType string) (*StepExecution, error) {
	query := `SELECT ` + stepColumns + ` FROM step_executions WHERE external_workflow_id = $1`
	args := []any{externalWorkflowID}
	if handlerType != "" {
		query += ` AND handler_type = $2`
		args = append(args, handlerType)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	return scanStep(s.pool.QueryRow(ctx, query, args...))
}

func (s *PGExecutionStore) ListExpiredWaitingSteps(ctx context.Context, now time.Time, limit int) ([]*StepExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM step_executions
		WHERE awaiting_event = TRUE AND timeout_at < $1
		ORDER BY timeout_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired waiting steps: %w", err)
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func statusStrings(in []ExecutionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func stepStatusStrings(in []StepStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
