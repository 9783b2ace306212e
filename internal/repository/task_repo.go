package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
)

const selectTaskSQL = `
	SELECT id, user_id, COALESCE(provider_task_id, ''), resource_key, kind, source_url, prompt, credits_debited,
	       state, refund_status, error_type, result_url, created_at, updated_at, terminal_at
	FROM enhancement_tasks`

func scanTask(row pgx.Row) (*models.EnhancementTask, error) {
	var t models.EnhancementTask
	err := row.Scan(&t.ID, &t.UserID, &t.ProviderTaskID, &t.ResourceKey, &t.Kind, &t.SourceURL, &t.Prompt, &t.CreditsDebited,
		&t.State, &t.RefundStatus, &t.ErrorType, &t.ResultURL, &t.CreatedAt, &t.UpdatedAt, &t.TerminalAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func insertTask(ctx context.Context, q querier, t *models.EnhancementTask) error {
	var providerTaskID *string
	if t.ProviderTaskID != "" {
		providerTaskID = &t.ProviderTaskID
	}
	_, err := q.Exec(ctx, `
		INSERT INTO enhancement_tasks (id, user_id, provider_task_id, resource_key, kind, source_url, prompt,
			credits_debited, state, refund_status, error_type, result_url, created_at, updated_at, terminal_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, t.ID, t.UserID, providerTaskID, t.ResourceKey, t.Kind, t.SourceURL, t.Prompt,
		t.CreditsDebited, t.State, t.RefundStatus, t.ErrorType, t.ResultURL, t.CreatedAt, t.UpdatedAt, t.TerminalAt)
	return err
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, selectTaskSQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTaskNotFound
	}
	return t, err
}

func (s *Store) GetTaskByProviderID(ctx context.Context, providerTaskID string) (*models.EnhancementTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, selectTaskSQL+` WHERE provider_task_id = $1`, providerTaskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTaskNotFound
	}
	return t, err
}

// CompareAndSwapTask is the single conditional-update primitive behind every
// state transition: the row only changes if its current state is in from.
func (s *Store) CompareAndSwapTask(ctx context.Context, id uuid.UUID, from []models.TaskState, upd models.TaskUpdate) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE enhancement_tasks
		SET state = $2,
		    error_type = CASE WHEN $3 <> '' THEN $3 ELSE error_type END,
		    result_url = CASE WHEN $4 <> '' THEN $4 ELSE result_url END,
		    terminal_at = COALESCE($5, terminal_at),
		    updated_at = now()
		WHERE id = $1 AND state = ANY($6)
	`, id, upd.State, upd.ErrorType, upd.ResultURL, upd.TerminalAt, states)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// AttachProviderTask records the provider's id on a task still in SUBMITTED.
func (s *Store) AttachProviderTask(ctx context.Context, id uuid.UUID, providerTaskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enhancement_tasks SET provider_task_id = $2, updated_at = now()
		WHERE id = $1 AND state = 'SUBMITTED' AND provider_task_id IS NULL
	`, id, providerTaskID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetRefundStatus(ctx context.Context, id uuid.UUID, status models.RefundStatus) (bool, error) {
	return setRefundStatus(ctx, s.pool, id, status)
}

func setRefundStatus(ctx context.Context, q querier, id uuid.UUID, status models.RefundStatus) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE enhancement_tasks SET refund_status = $2, updated_at = now()
		WHERE id = $1 AND state = 'FAILED' AND refund_status = ''
	`, id, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListStaleTasks(ctx context.Context, createdBefore time.Time, limit int) ([]*models.EnhancementTask, error) {
	return s.listTasks(ctx, selectTaskSQL+`
		WHERE state IN ('CREATED', 'SUBMITTED', 'PROCESSING') AND created_at < $1
		ORDER BY created_at LIMIT $2`, createdBefore, limit)
}

func (s *Store) ListUnsettledFailures(ctx context.Context, terminalBefore time.Time, limit int) ([]*models.EnhancementTask, error) {
	return s.listTasks(ctx, selectTaskSQL+`
		WHERE state = 'FAILED' AND refund_status = '' AND terminal_at < $1
		ORDER BY terminal_at LIMIT $2`, terminalBefore, limit)
}

func (s *Store) listTasks(ctx context.Context, sql string, args ...any) ([]*models.EnhancementTask, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EnhancementTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *Store) CountTasksSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	return countTasksSince(ctx, s.pool, userID, since)
}

func (s *Store) HasActiveTask(ctx context.Context, userID uuid.UUID, resourceKey string) (bool, error) {
	return hasActiveTask(ctx, s.pool, userID, resourceKey)
}

func countTasksSince(ctx context.Context, q querier, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM enhancement_tasks WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&n)
	return n, err
}

func hasActiveTask(ctx context.Context, q querier, userID uuid.UUID, resourceKey string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enhancement_tasks
			WHERE user_id = $1 AND resource_key = $2 AND state IN ('CREATED', 'SUBMITTED', 'PROCESSING')
		)
	`, userID, resourceKey).Scan(&exists)
	return exists, err
}
