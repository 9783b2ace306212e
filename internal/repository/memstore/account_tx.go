package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
)

// accountTx stages writes for one WithAccount call.
type accountTx struct {
	store   *Store
	account *models.UserCreditAccount
	dirty   bool

	transactions []*models.CreditTransaction
	tasks        []*models.EnhancementTask
	refunds      []*models.RefundRecord
	refundStatus map[uuid.UUID]models.RefundStatus
}

var _ ledger.AccountTx = (*accountTx)(nil)

func (tx *accountTx) Account() *models.UserCreditAccount {
	cp := *tx.account
	return &cp
}

func (tx *accountTx) SaveAccount(_ context.Context, acc *models.UserCreditAccount) error {
	cp := *acc
	tx.account = &cp
	tx.dirty = true
	return nil
}

func (tx *accountTx) AppendTransaction(_ context.Context, t *models.CreditTransaction) error {
	cp := *t
	tx.transactions = append(tx.transactions, &cp)
	return nil
}

func (tx *accountTx) InsertTask(_ context.Context, t *models.EnhancementTask) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ledger.ErrActiveTaskExists
	}
	if !t.State.IsTerminal() && s.hasActiveTaskLocked(t.UserID, t.ResourceKey, tx.tasks) {
		return ledger.ErrActiveTaskExists
	}
	cp := *t
	tx.tasks = append(tx.tasks, &cp)
	return nil
}

func (tx *accountTx) CountTasksSince(_ context.Context, since time.Time) (int, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countTasksSinceLocked(tx.account.UserID, since, tx.tasks), nil
}

func (tx *accountTx) HasActiveTask(_ context.Context, resourceKey string) (bool, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveTaskLocked(tx.account.UserID, resourceKey, tx.tasks), nil
}

func (tx *accountTx) GetRefund(ctx context.Context, taskID uuid.UUID) (*models.RefundRecord, error) {
	for _, r := range tx.refunds {
		if r.TaskID == taskID {
			cp := *r
			return &cp, nil
		}
	}
	return tx.store.GetRefund(ctx, taskID)
}

func (tx *accountTx) InsertRefund(ctx context.Context, r *models.RefundRecord) error {
	prior, err := tx.GetRefund(ctx, r.TaskID)
	if err != nil {
		return err
	}
	if prior != nil {
		return ledger.ErrAlreadyRefunded
	}
	cp := *r
	tx.refunds = append(tx.refunds, &cp)
	return nil
}

func (tx *accountTx) SetRefundStatus(_ context.Context, taskID uuid.UUID, status models.RefundStatus) error {
	tx.refundStatus[taskID] = status
	return nil
}
