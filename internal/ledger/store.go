package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/models"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyRefunded     = errors.New("task already refunded")
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrTaskNotFound        = errors.New("enhancement task not found")
	// ErrActiveTaskExists is returned by InsertTask when the user already has a
	// non-terminal task for the same resource key.
	ErrActiveTaskExists = errors.New("active task exists for resource")
	ErrInvalidAmount    = errors.New("amount must be positive")
)

// Store is the storage contract behind Service. Implementations must run
// WithAccount callbacks while holding an exclusive lock on the user's account
// row and apply every write made through the AccountTx atomically on a nil
// return, or none of them otherwise.
type Store interface {
	CreateAccount(ctx context.Context, acc *models.UserCreditAccount) (created bool, err error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.UserCreditAccount, error)
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	// ListAccountsDueForReset returns accounts whose last reset is before the given time.
	ListAccountsDueForReset(ctx context.Context, before time.Time) ([]uuid.UUID, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error)
	WithAccount(ctx context.Context, userID uuid.UUID, fn func(tx AccountTx) error) error
}

// AccountTx is one transactional unit scoped to a single locked account.
type AccountTx interface {
	// Account returns a copy of the locked account as of the start of the unit
	// plus any SaveAccount calls made through this AccountTx.
	Account() *models.UserCreditAccount
	SaveAccount(ctx context.Context, acc *models.UserCreditAccount) error
	AppendTransaction(ctx context.Context, t *models.CreditTransaction) error

	InsertTask(ctx context.Context, t *models.EnhancementTask) error
	CountTasksSince(ctx context.Context, since time.Time) (int, error)
	HasActiveTask(ctx context.Context, resourceKey string) (bool, error)

	// GetRefund returns the refund recorded for taskID, or nil if none.
	GetRefund(ctx context.Context, taskID uuid.UUID) (*models.RefundRecord, error)
	// InsertRefund returns ErrAlreadyRefunded if taskID already has a record.
	InsertRefund(ctx context.Context, r *models.RefundRecord) error
	SetRefundStatus(ctx context.Context, taskID uuid.UUID, status models.RefundStatus) error
}

// AdmitFunc runs under the account lock before a debit is applied. A non-nil
// error aborts the unit with no side effects.
type AdmitFunc func(ctx context.Context, tx AccountTx) error
