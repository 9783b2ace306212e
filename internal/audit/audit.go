// Package audit builds credit_transactions entries and reconciles account
// balances against their full transaction history.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/studioloop/backend/internal/models"
)

// Appender is the write side of the audit log. Entries are never updated or deleted.
type Appender interface {
	AppendTransaction(ctx context.Context, t *models.CreditTransaction) error
}

// Append records a balance mutation already applied to acc. amount is the
// signed delta; BalanceAfter is taken from acc.
func Append(ctx context.Context, w Appender, acc *models.UserCreditAccount, kind models.TransactionKind, amount int, taskID *uuid.UUID, reason string, now time.Time) (*models.CreditTransaction, error) {
	entry := &models.CreditTransaction{
		ID:           ulid.Make().String(),
		UserID:       acc.UserID,
		TaskID:       taskID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: acc.CurrentBalance,
		Reason:       reason,
		CreatedAt:    now,
	}
	if err := w.AppendTransaction(ctx, entry); err != nil {
		return nil, fmt.Errorf("append %s transaction: %w", kind, err)
	}
	return entry, nil
}

// DriftError reports an account whose stored balance disagrees with its history.
type DriftError struct {
	UserID   uuid.UUID
	Stored   int
	Computed int
	// Derived is the balance implied by the account counters.
	Derived int
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger drift for user %s: stored balance %d, transaction history %d, counters %d",
		e.UserID, e.Stored, e.Computed, e.Derived)
}

// Source is the read side the reconciler needs.
type Source interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.UserCreditAccount, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error)
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
}

type Reconciler struct {
	Source Source
	Logger *slog.Logger
}

func NewReconciler(src Source, logger *slog.Logger) *Reconciler {
	return &Reconciler{Source: src, Logger: logger}
}

// Reconcile recomputes the balance from the opening balance plus every
// transaction and compares it to the stored balance. A mismatch, or counters
// that no longer explain the balance, yields a *DriftError.
func (r *Reconciler) Reconcile(ctx context.Context, userID uuid.UUID) error {
	acc, err := r.Source.GetAccount(ctx, userID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	txns, err := r.Source.ListTransactions(ctx, userID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	computed := acc.OpeningBalance
	for _, t := range txns {
		computed += t.Amount
	}
	derived := acc.DerivedBalance()
	if computed != acc.CurrentBalance || derived != acc.CurrentBalance || acc.CurrentBalance < 0 {
		return &DriftError{UserID: userID, Stored: acc.CurrentBalance, Computed: computed, Derived: derived}
	}
	return nil
}

// ReconcileAll checks every account and returns the drifted ones. Errors
// other than drift abort the sweep.
func (r *Reconciler) ReconcileAll(ctx context.Context) (checked int, drifts []*DriftError, err error) {
	ids, err := r.Source.ListAccountIDs(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list accounts: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return checked, drifts, err
		}
		err := r.Reconcile(ctx, id)
		checked++
		if err == nil {
			continue
		}
		var drift *DriftError
		if !errors.As(err, &drift) {
			return checked, drifts, err
		}
		if r.Logger != nil {
			r.Logger.Error("ledger drift detected",
				"user_id", id, "stored", drift.Stored, "computed", drift.Computed, "derived", drift.Derived)
		}
		drifts = append(drifts, drift)
	}
	return checked, drifts, nil
}
