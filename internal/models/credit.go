package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind enumerates credit_transactions.kind.
type TransactionKind string

const (
	TransactionDebit        TransactionKind = "debit"
	TransactionRefund       TransactionKind = "refund"
	TransactionMonthlyReset TransactionKind = "monthly_reset"
	TransactionAdjustment   TransactionKind = "adjustment"
)

// CreditTransaction is an append-only audit entry. Amount is signed:
// debits are negative, refunds positive, resets and adjustments carry the
// actual balance delta they applied.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	TaskID       *uuid.UUID      `json:"task_id,omitempty"`
	Kind         TransactionKind `json:"kind"`
	Amount       int             `json:"amount"`
	BalanceAfter int             `json:"balance_after"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
