package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/audit"
	"github.com/studioloop/backend/internal/models"
)

// Service owns every write to user_credit_accounts, credit_transactions and
// refund_records. All mutations for one user are serialized through
// Store.WithAccount.
type Service struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{Store: store, Logger: logger}
}

// RefundResult is the outcome of Refund. On a repeated call for the same task
// it holds the original record and the current balance.
type RefundResult struct {
	Record  *models.RefundRecord
	Balance int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// OpenAccount creates the user's account with a full allowance. Opening an
// existing account returns it unchanged.
func (s *Service) OpenAccount(ctx context.Context, userID uuid.UUID, monthlyAllowance int) (*models.UserCreditAccount, error) {
	if monthlyAllowance < 0 {
		return nil, ErrInvalidAmount
	}
	now := s.now()
	acc := &models.UserCreditAccount{
		UserID:           userID,
		MonthlyAllowance: monthlyAllowance,
		CurrentBalance:   monthlyAllowance,
		OpeningBalance:   monthlyAllowance,
		LastResetAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created, err := s.Store.CreateAccount(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if !created {
		return s.Store.GetAccount(ctx, userID)
	}
	return acc, nil
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*models.UserCreditAccount, error) {
	return s.Store.GetAccount(ctx, userID)
}

// Debit removes amount from the user's balance and records a debit transaction
// for taskID. Returns ErrInsufficientCredits without side effects if the
// balance is too low.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int, taskID uuid.UUID) (int, error) {
	var balance int
	err := s.Store.WithAccount(ctx, userID, func(tx AccountTx) error {
		acc, err := s.debitTx(ctx, tx, amount, taskID)
		if err != nil {
			return err
		}
		balance = acc.CurrentBalance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// DebitForTask debits task.CreditsDebited and inserts task in the same unit.
// admit runs first, under the account lock.
func (s *Service) DebitForTask(ctx context.Context, task *models.EnhancementTask, admit AdmitFunc) (int, error) {
	var balance int
	err := s.Store.WithAccount(ctx, task.UserID, func(tx AccountTx) error {
		if admit != nil {
			if err := admit(ctx, tx); err != nil {
				return err
			}
		}
		acc, err := s.debitTx(ctx, tx, task.CreditsDebited, task.ID)
		if err != nil {
			return err
		}
		now := s.now()
		task.CreatedAt = now
		task.UpdatedAt = now
		if err := tx.InsertTask(ctx, task); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		balance = acc.CurrentBalance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Service) debitTx(ctx context.Context, tx AccountTx, amount int, taskID uuid.UUID) (*models.UserCreditAccount, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acc := tx.Account()
	if acc.CurrentBalance < amount {
		return nil, ErrInsufficientCredits
	}
	now := s.now()
	acc.CurrentBalance -= amount
	acc.ConsumedThisMonth += amount
	acc.LifetimeConsumed += amount
	acc.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	if _, err := audit.Append(ctx, tx, acc, models.TransactionDebit, -amount, &taskID, "", now); err != nil {
		return nil, err
	}
	return acc, nil
}

// Refund returns amount to the user for taskID. A second call for the same
// task changes nothing and returns the prior result together with
// ErrAlreadyRefunded.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int, taskID uuid.UUID, reason string) (*RefundResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var (
		res       RefundResult
		duplicate bool
	)
	err := s.Store.WithAccount(ctx, userID, func(tx AccountTx) error {
		prior, err := tx.GetRefund(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load refund: %w", err)
		}
		if prior != nil {
			res = RefundResult{Record: prior, Balance: tx.Account().CurrentBalance}
			duplicate = true
			return nil
		}

		now := s.now()
		acc := tx.Account()
		acc.CurrentBalance += amount
		restored := min(amount, acc.ConsumedThisMonth)
		acc.ConsumedThisMonth -= restored
		acc.CarryoverAdjustments += amount - restored
		// refunded credits were never consumed; resets still never lower it
		acc.LifetimeConsumed -= min(amount, acc.LifetimeConsumed)
		acc.UpdatedAt = now

		rec := &models.RefundRecord{
			ID:              uuid.New(),
			TaskID:          taskID,
			UserID:          userID,
			CreditsRefunded: amount,
			Reason:          reason,
			CreatedAt:       now,
		}
		if err := tx.InsertRefund(ctx, rec); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
		if _, err := audit.Append(ctx, tx, acc, models.TransactionRefund, amount, &taskID, reason, now); err != nil {
			return err
		}
		if err := tx.SetRefundStatus(ctx, taskID, models.RefundStatusRefunded); err != nil {
			return fmt.Errorf("mark task refunded: %w", err)
		}
		res = RefundResult{Record: rec, Balance: acc.CurrentBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &res, ErrAlreadyRefunded
	}
	return &res, nil
}

// MonthlyReset zeroes this month's consumption and restores the balance to
// the monthly allowance. Lifetime consumption is untouched.
func (s *Service) MonthlyReset(ctx context.Context, userID uuid.UUID) (*models.UserCreditAccount, error) {
	var out *models.UserCreditAccount
	err := s.Store.WithAccount(ctx, userID, func(tx AccountTx) error {
		acc, err := s.resetTx(ctx, tx)
		out = acc
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) resetTx(ctx context.Context, tx AccountTx) (*models.UserCreditAccount, error) {
	now := s.now()
	acc := tx.Account()
	before := acc.CurrentBalance
	acc.ConsumedThisMonth = 0
	acc.CarryoverAdjustments = 0
	acc.CurrentBalance = acc.MonthlyAllowance
	acc.LastResetAt = now
	acc.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	if _, err := audit.Append(ctx, tx, acc, models.TransactionMonthlyReset, acc.CurrentBalance-before, nil, "", now); err != nil {
		return nil, err
	}
	return acc, nil
}

// ResetDue resets every account not yet reset in the current UTC month and
// returns how many were reset. Safe to run concurrently and repeatedly.
func (s *Service) ResetDue(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	ids, err := s.Store.ListAccountsDueForReset(ctx, monthStart)
	if err != nil {
		return 0, fmt.Errorf("list accounts due for reset: %w", err)
	}
	reset := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		applied := false
		err := s.Store.WithAccount(ctx, id, func(tx AccountTx) error {
			if !tx.Account().LastResetAt.Before(monthStart) {
				return nil
			}
			applied = true
			_, err := s.resetTx(ctx, tx)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				continue
			}
			return reset, fmt.Errorf("reset %s: %w", id, err)
		}
		if applied {
			reset++
		}
	}
	return reset, nil
}

// Adjust applies a signed manual correction. The balance may not go negative.
func (s *Service) Adjust(ctx context.Context, userID uuid.UUID, delta int, reason string) (int, error) {
	if delta == 0 {
		return 0, ErrInvalidAmount
	}
	var balance int
	err := s.Store.WithAccount(ctx, userID, func(tx AccountTx) error {
		acc := tx.Account()
		if acc.CurrentBalance+delta < 0 {
			return ErrInsufficientCredits
		}
		now := s.now()
		acc.CurrentBalance += delta
		acc.CarryoverAdjustments += delta
		acc.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
		if _, err := audit.Append(ctx, tx, acc, models.TransactionAdjustment, delta, nil, reason, now); err != nil {
			return err
		}
		balance = acc.CurrentBalance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}
