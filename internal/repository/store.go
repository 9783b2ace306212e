package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres implementation of the ledger and task storage contracts.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithAccount locks the account row (SELECT ... FOR UPDATE) and runs fn in
// the same transaction. fn's error rolls everything back.
func (s *Store) WithAccount(ctx context.Context, userID uuid.UUID, fn func(tx ledger.AccountTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := scanAccount(tx.QueryRow(ctx, selectAccountSQL+` WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		return fmt.Errorf("lock account: %w", err)
	}
	if err := fn(&accountTx{tx: tx, account: acc}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// accountTx is the pgx-backed ledger.AccountTx.
type accountTx struct {
	tx      pgx.Tx
	account *models.UserCreditAccount
}

var _ ledger.AccountTx = (*accountTx)(nil)

func (a *accountTx) Account() *models.UserCreditAccount {
	cp := *a.account
	return &cp
}

func (a *accountTx) SaveAccount(ctx context.Context, acc *models.UserCreditAccount) error {
	if err := saveAccount(ctx, a.tx, acc); err != nil {
		return err
	}
	cp := *acc
	a.account = &cp
	return nil
}

func (a *accountTx) AppendTransaction(ctx context.Context, t *models.CreditTransaction) error {
	return appendTransaction(ctx, a.tx, t)
}

func (a *accountTx) InsertTask(ctx context.Context, t *models.EnhancementTask) error {
	err := insertTask(ctx, a.tx, t)
	if isUniqueViolation(err, "enhancement_tasks_active_resource_idx") {
		return ledger.ErrActiveTaskExists
	}
	return err
}

func (a *accountTx) CountTasksSince(ctx context.Context, since time.Time) (int, error) {
	return countTasksSince(ctx, a.tx, a.account.UserID, since)
}

func (a *accountTx) HasActiveTask(ctx context.Context, resourceKey string) (bool, error) {
	return hasActiveTask(ctx, a.tx, a.account.UserID, resourceKey)
}

func (a *accountTx) GetRefund(ctx context.Context, taskID uuid.UUID) (*models.RefundRecord, error) {
	return getRefund(ctx, a.tx, taskID)
}

func (a *accountTx) InsertRefund(ctx context.Context, r *models.RefundRecord) error {
	err := insertRefund(ctx, a.tx, r)
	if isUniqueViolation(err, "") {
		return ledger.ErrAlreadyRefunded
	}
	return err
}

func (a *accountTx) SetRefundStatus(ctx context.Context, taskID uuid.UUID, status models.RefundStatus) error {
	_, err := setRefundStatus(ctx, a.tx, taskID, status)
	return err
}
