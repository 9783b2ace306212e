package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/models"
)

func appendTransaction(ctx context.Context, q querier, c *models.CreditTransaction) error {
	_, err := q.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, task_id, kind, amount, balance_after, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.UserID, c.TaskID, c.Kind, c.Amount, c.BalanceAfter, c.Reason, c.CreatedAt)
	return err
}

// ListTransactions returns the user's full history, oldest first.
func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, task_id, kind, amount, balance_after, reason, created_at
		FROM credit_transactions WHERE user_id = $1 ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var c models.CreditTransaction
		if err := rows.Scan(&c.ID, &c.UserID, &c.TaskID, &c.Kind, &c.Amount, &c.BalanceAfter, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
