package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studioloop/backend/internal/models"
)

func getRefund(ctx context.Context, q querier, taskID uuid.UUID) (*models.RefundRecord, error) {
	var r models.RefundRecord
	err := q.QueryRow(ctx, `
		SELECT id, task_id, user_id, credits_refunded, reason, created_at
		FROM refund_records WHERE task_id = $1
	`, taskID).Scan(&r.ID, &r.TaskID, &r.UserID, &r.CreditsRefunded, &r.Reason, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func insertRefund(ctx context.Context, q querier, r *models.RefundRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO refund_records (id, task_id, user_id, credits_refunded, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.TaskID, r.UserID, r.CreditsRefunded, r.Reason, r.CreatedAt)
	return err
}

func (s *Store) GetRefund(ctx context.Context, taskID uuid.UUID) (*models.RefundRecord, error) {
	return getRefund(ctx, s.pool, taskID)
}

// ListRefundPolicies loads the static policy table.
func (s *Store) ListRefundPolicies(ctx context.Context) ([]models.RefundPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT error_type, should_refund, refund_percentage FROM refund_policies ORDER BY error_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RefundPolicy
	for rows.Next() {
		var p models.RefundPolicy
		if err := rows.Scan(&p.ErrorType, &p.ShouldRefund, &p.RefundPercentage); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (s *Store) SaveArtifact(ctx context.Context, a *models.TaskArtifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_artifacts (task_id, object_key, url, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET object_key = EXCLUDED.object_key, url = EXCLUDED.url
	`, a.TaskID, a.ObjectKey, a.URL, a.CreatedAt)
	return err
}
