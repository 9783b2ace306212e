// Package memstore is an in-process implementation of the ledger and task
// storage contracts. It is used by tests and by local runs without Postgres.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
)

type Store struct {
	mu sync.Mutex

	// per-user locks held for the duration of WithAccount
	locks map[uuid.UUID]*sync.Mutex

	accounts     map[uuid.UUID]*models.UserCreditAccount
	transactions map[uuid.UUID][]*models.CreditTransaction
	tasks        map[uuid.UUID]*models.EnhancementTask
	byProvider   map[string]uuid.UUID
	refunds      map[uuid.UUID]*models.RefundRecord
	artifacts    map[uuid.UUID]*models.TaskArtifact
	policies     []models.RefundPolicy
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		locks:        make(map[uuid.UUID]*sync.Mutex),
		accounts:     make(map[uuid.UUID]*models.UserCreditAccount),
		transactions: make(map[uuid.UUID][]*models.CreditTransaction),
		tasks:        make(map[uuid.UUID]*models.EnhancementTask),
		byProvider:   make(map[string]uuid.UUID),
		refunds:      make(map[uuid.UUID]*models.RefundRecord),
		artifacts:    make(map[uuid.UUID]*models.TaskArtifact),
		policies:     append([]models.RefundPolicy(nil), models.DefaultRefundPolicies...),
	}
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acc *models.UserCreditAccount) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.UserID]; ok {
		return false, nil
	}
	cp := *acc
	s.accounts[acc.UserID] = &cp
	return true, nil
}

func (s *Store) GetAccount(_ context.Context, userID uuid.UUID) (*models.UserCreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) ListAccountIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *Store) ListAccountsDueForReset(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, acc := range s.accounts {
		if acc.LastResetAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *Store) ListTransactions(_ context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.transactions[userID]
	out := make([]*models.CreditTransaction, len(src))
	for i, t := range src {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) userLock(userID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// WithAccount serializes fn per user. Writes are staged on the accountTx and
// applied in one step after fn returns nil.
func (s *Store) WithAccount(ctx context.Context, userID uuid.UUID, fn func(tx ledger.AccountTx) error) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	acc, err := s.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	tx := &accountTx{store: s, account: acc, refundStatus: make(map[uuid.UUID]models.RefundStatus)}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *accountTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.dirty {
		cp := *tx.account
		s.accounts[cp.UserID] = &cp
	}
	s.transactions[tx.account.UserID] = append(s.transactions[tx.account.UserID], tx.transactions...)
	for _, t := range tx.tasks {
		s.tasks[t.ID] = t
		if t.ProviderTaskID != "" {
			s.byProvider[t.ProviderTaskID] = t.ID
		}
	}
	for _, r := range tx.refunds {
		s.refunds[r.TaskID] = r
	}
	for id, status := range tx.refundStatus {
		// same guard as the Postgres update: FAILED and not yet settled
		if t, ok := s.tasks[id]; ok && t.State == models.TaskStateFailed && t.RefundStatus == models.RefundStatusNone {
			t.RefundStatus = status
			t.UpdatedAt = time.Now().UTC()
		}
	}
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*models.EnhancementTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ledger.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetTaskByProviderID(_ context.Context, providerTaskID string) (*models.EnhancementTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProvider[providerTaskID]
	if !ok {
		return nil, ledger.ErrTaskNotFound
	}
	cp := *s.tasks[id]
	return &cp, nil
}

// CompareAndSwapTask applies upd only if the task's current state is one of from.
func (s *Store) CompareAndSwapTask(_ context.Context, id uuid.UUID, from []models.TaskState, upd models.TaskUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ledger.ErrTaskNotFound
	}
	if !stateIn(t.State, from) {
		return false, nil
	}
	t.State = upd.State
	if upd.ErrorType != "" {
		t.ErrorType = upd.ErrorType
	}
	if upd.ResultURL != "" {
		t.ResultURL = upd.ResultURL
	}
	if upd.TerminalAt != nil {
		at := *upd.TerminalAt
		t.TerminalAt = &at
	}
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AttachProviderTask sets the provider id on a task still in SUBMITTED.
func (s *Store) AttachProviderTask(_ context.Context, id uuid.UUID, providerTaskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ledger.ErrTaskNotFound
	}
	if t.State != models.TaskStateSubmitted || t.ProviderTaskID != "" {
		return false, nil
	}
	t.ProviderTaskID = providerTaskID
	t.UpdatedAt = time.Now().UTC()
	s.byProvider[providerTaskID] = id
	return true, nil
}

// SetRefundStatus marks a FAILED task whose refund status is still unset.
func (s *Store) SetRefundStatus(_ context.Context, id uuid.UUID, status models.RefundStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ledger.ErrTaskNotFound
	}
	if t.State != models.TaskStateFailed || t.RefundStatus != models.RefundStatusNone {
		return false, nil
	}
	t.RefundStatus = status
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) ListStaleTasks(_ context.Context, createdBefore time.Time, limit int) ([]*models.EnhancementTask, error) {
	return s.filterTasks(limit, func(t *models.EnhancementTask) bool {
		return !t.State.IsTerminal() && t.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *Store) ListUnsettledFailures(_ context.Context, terminalBefore time.Time, limit int) ([]*models.EnhancementTask, error) {
	return s.filterTasks(limit, func(t *models.EnhancementTask) bool {
		return t.State == models.TaskStateFailed && t.RefundStatus == models.RefundStatusNone &&
			t.TerminalAt != nil && t.TerminalAt.Before(terminalBefore)
	}), nil
}

func (s *Store) filterTasks(limit int, keep func(*models.EnhancementTask) bool) []*models.EnhancementTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EnhancementTask
	for _, t := range s.tasks {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) CountTasksSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countTasksSinceLocked(userID, since, nil), nil
}

func (s *Store) HasActiveTask(_ context.Context, userID uuid.UUID, resourceKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveTaskLocked(userID, resourceKey, nil), nil
}

func (s *Store) countTasksSinceLocked(userID uuid.UUID, since time.Time, staged []*models.EnhancementTask) int {
	n := 0
	for _, t := range s.tasks {
		if t.UserID == userID && !t.CreatedAt.Before(since) {
			n++
		}
	}
	for _, t := range staged {
		if !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func (s *Store) hasActiveTaskLocked(userID uuid.UUID, resourceKey string, staged []*models.EnhancementTask) bool {
	for _, t := range s.tasks {
		if t.UserID == userID && t.ResourceKey == resourceKey && !t.State.IsTerminal() {
			return true
		}
	}
	for _, t := range staged {
		if t.ResourceKey == resourceKey && !t.State.IsTerminal() {
			return true
		}
	}
	return false
}

// GetRefund returns the refund for taskID or nil.
func (s *Store) GetRefund(_ context.Context, taskID uuid.UUID) (*models.RefundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[taskID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// RefundCount is a test helper.
func (s *Store) RefundCount(taskID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[taskID]; ok {
		return 1
	}
	return 0
}

func (s *Store) SaveArtifact(_ context.Context, a *models.TaskArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.artifacts[a.TaskID] = &cp
	return nil
}

func (s *Store) GetArtifact(_ context.Context, taskID uuid.UUID) (*models.TaskArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[taskID]
	if !ok {
		return nil, ledger.ErrTaskNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListRefundPolicies(_ context.Context) ([]models.RefundPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RefundPolicy(nil), s.policies...), nil
}

// SetRefundPolicies replaces the policy table.
func (s *Store) SetRefundPolicies(p []models.RefundPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append([]models.RefundPolicy(nil), p...)
}

// PutTask inserts or replaces a task directly, bypassing the ledger. Tests use
// it to seed tasks in arbitrary states.
func (s *Store) PutTask(t *models.EnhancementTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	if t.ProviderTaskID != "" {
		s.byProvider[t.ProviderTaskID] = t.ID
	}
}

func stateIn(s models.TaskState, set []models.TaskState) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}
