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

const selectAccountSQL = `
	SELECT user_id, monthly_allowance, consumed_this_month, carryover_adjustments, current_balance,
	       lifetime_consumed, opening_balance, last_reset_at, created_at, updated_at
	FROM user_credit_accounts`

func scanAccount(row pgx.Row) (*models.UserCreditAccount, error) {
	var a models.UserCreditAccount
	err := row.Scan(&a.UserID, &a.MonthlyAllowance, &a.ConsumedThisMonth, &a.CarryoverAdjustments, &a.CurrentBalance,
		&a.LifetimeConsumed, &a.OpeningBalance, &a.LastResetAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts the account unless one already exists for the user.
func (s *Store) CreateAccount(ctx context.Context, a *models.UserCreditAccount) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO user_credit_accounts (user_id, monthly_allowance, consumed_this_month, carryover_adjustments,
			current_balance, lifetime_consumed, opening_balance, last_reset_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO NOTHING
	`, a.UserID, a.MonthlyAllowance, a.ConsumedThisMonth, a.CarryoverAdjustments, a.CurrentBalance,
		a.LifetimeConsumed, a.OpeningBalance, a.LastResetAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetAccount(ctx context.Context, userID uuid.UUID) (*models.UserCreditAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, selectAccountSQL+` WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	return a, err
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.listIDs(ctx, `SELECT user_id FROM user_credit_accounts ORDER BY user_id`)
}

func (s *Store) ListAccountsDueForReset(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	return s.listIDs(ctx, `SELECT user_id FROM user_credit_accounts WHERE last_reset_at < $1 ORDER BY user_id`, before)
}

func (s *Store) listIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// saveAccount writes every counter. Call after the row is locked in the same tx.
func saveAccount(ctx context.Context, q querier, a *models.UserCreditAccount) error {
	_, err := q.Exec(ctx, `
		UPDATE user_credit_accounts
		SET monthly_allowance = $2, consumed_this_month = $3, carryover_adjustments = $4, current_balance = $5,
		    lifetime_consumed = $6, last_reset_at = $7, updated_at = $8
		WHERE user_id = $1
	`, a.UserID, a.MonthlyAllowance, a.ConsumedThisMonth, a.CarryoverAdjustments, a.CurrentBalance,
		a.LifetimeConsumed, a.LastResetAt, a.UpdatedAt)
	return err
}
