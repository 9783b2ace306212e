package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
)

func seedAccount(t *testing.T, s *Store, balance int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := s.CreateAccount(context.Background(), &models.UserCreditAccount{
		UserID: id, MonthlyAllowance: balance, CurrentBalance: balance, OpeningBalance: balance,
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return id
}

func activeTask(userID uuid.UUID, key string) *models.EnhancementTask {
	return &models.EnhancementTask{
		ID:             uuid.New(),
		UserID:         userID,
		ResourceKey:    key,
		CreditsDebited: 1,
		State:          models.TaskStateSubmitted,
		CreatedAt:      time.Now().UTC(),
	}
}

// Exactly one of many concurrent CAS calls from the same source state wins.
func TestCompareAndSwapTask_SingleWinner(t *testing.T) {
	s := New()
	task := activeTask(uuid.New(), "k")
	s.PutTask(task)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		to := models.TaskStateSucceeded
		if i%2 == 1 {
			to = models.TaskStateFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwapTask(context.Background(), task.ID, models.TransitionSources(to), models.TaskUpdate{State: to})
			if err != nil {
				t.Errorf("CAS: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestCompareAndSwapTask_NotFound(t *testing.T) {
	s := New()
	_, err := s.CompareAndSwapTask(context.Background(), uuid.New(), models.ActiveTaskStates, models.TaskUpdate{State: models.TaskStateFailed})
	if !errors.Is(err, ledger.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

// A failed callback discards every staged write.
func TestWithAccount_RollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := seedAccount(t, s, 10)
	task := activeTask(id, "k")

	boom := errors.New("boom")
	err := s.WithAccount(ctx, id, func(tx ledger.AccountTx) error {
		acc := tx.Account()
		acc.CurrentBalance = 0
		_ = tx.SaveAccount(ctx, acc)
		_ = tx.AppendTransaction(ctx, &models.CreditTransaction{ID: "x", UserID: id, Amount: -10})
		_ = tx.InsertTask(ctx, task)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	acc, _ := s.GetAccount(ctx, id)
	if acc.CurrentBalance != 10 {
		t.Errorf("balance = %d, want 10", acc.CurrentBalance)
	}
	if txns, _ := s.ListTransactions(ctx, id); len(txns) != 0 {
		t.Errorf("transactions = %d, want 0", len(txns))
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ledger.ErrTaskNotFound) {
		t.Errorf("task should not exist, got %v", err)
	}
}

// InsertTask sees both committed and staged active tasks.
func TestInsertTask_ActiveDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := seedAccount(t, s, 10)

	err := s.WithAccount(ctx, id, func(tx ledger.AccountTx) error {
		if err := tx.InsertTask(ctx, activeTask(id, "img:a")); err != nil {
			return err
		}
		return tx.InsertTask(ctx, activeTask(id, "img:a"))
	})
	if !errors.Is(err, ledger.ErrActiveTaskExists) {
		t.Fatalf("staged duplicate: expected ErrActiveTaskExists, got %v", err)
	}

	first := activeTask(id, "img:a")
	s.PutTask(first)
	err = s.WithAccount(ctx, id, func(tx ledger.AccountTx) error {
		return tx.InsertTask(ctx, activeTask(id, "img:a"))
	})
	if !errors.Is(err, ledger.ErrActiveTaskExists) {
		t.Fatalf("committed duplicate: expected ErrActiveTaskExists, got %v", err)
	}

	// terminal tasks free the key
	first.State = models.TaskStateFailed
	s.PutTask(first)
	err = s.WithAccount(ctx, id, func(tx ledger.AccountTx) error {
		return tx.InsertTask(ctx, activeTask(id, "img:a"))
	})
	if err != nil {
		t.Fatalf("after terminal: %v", err)
	}
}

func TestAttachProviderTask(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := activeTask(uuid.New(), "k")
	s.PutTask(task)

	ok, err := s.AttachProviderTask(ctx, task.ID, "prov-1")
	if err != nil || !ok {
		t.Fatalf("first attach: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.AttachProviderTask(ctx, task.ID, "prov-2"); ok {
		t.Error("second attach should not apply")
	}
	got, err := s.GetTaskByProviderID(ctx, "prov-1")
	if err != nil || got.ID != task.ID {
		t.Fatalf("GetTaskByProviderID: %v", err)
	}
}

func TestSetRefundStatus_OnlyUnsettledFailures(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := activeTask(uuid.New(), "k")
	s.PutTask(task)

	if ok, _ := s.SetRefundStatus(ctx, task.ID, models.RefundStatusDenied); ok {
		t.Error("non-FAILED task should not take a refund status")
	}
	task.State = models.TaskStateFailed
	s.PutTask(task)
	if ok, _ := s.SetRefundStatus(ctx, task.ID, models.RefundStatusDenied); !ok {
		t.Error("expected status to apply")
	}
	if ok, _ := s.SetRefundStatus(ctx, task.ID, models.RefundStatusRefunded); ok {
		t.Error("status is write-once")
	}
}

// A refund status staged through an account unit only lands on a FAILED,
// unsettled task, matching SetRefundStatus.
func TestWithAccount_RefundStatusGuard(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := seedAccount(t, s, 10)

	active := activeTask(id, "a")
	settled := activeTask(id, "b")
	settled.State = models.TaskStateFailed
	settled.RefundStatus = models.RefundStatusDenied
	open := activeTask(id, "c")
	open.State = models.TaskStateFailed
	for _, task := range []*models.EnhancementTask{active, settled, open} {
		s.PutTask(task)
	}

	err := s.WithAccount(ctx, id, func(tx ledger.AccountTx) error {
		for _, task := range []*models.EnhancementTask{active, settled, open} {
			if err := tx.SetRefundStatus(ctx, task.ID, models.RefundStatusRefunded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithAccount: %v", err)
	}

	want := map[uuid.UUID]models.RefundStatus{
		active.ID:  models.RefundStatusNone,
		settled.ID: models.RefundStatusDenied,
		open.ID:    models.RefundStatusRefunded,
	}
	for taskID, status := range want {
		got, err := s.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.RefundStatus != status {
			t.Errorf("task %s: refund status = %q, want %q", taskID, got.RefundStatus, status)
		}
	}
}
