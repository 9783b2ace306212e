package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
)

var (
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrRateLimited         = errors.New("rate limited")
)

const (
	DefaultMaxRequests = 5
	DefaultRateWindow  = 24 * time.Hour
)

// GuardStore is the read model the guard checks against.
type GuardStore interface {
	CountTasksSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	HasActiveTask(ctx context.Context, userID uuid.UUID, resourceKey string) (bool, error)
}

// Guard rejects duplicate in-flight submissions and throttles users to
// MaxRequests tasks per sliding Window. It never touches the ledger.
type Guard struct {
	Store       GuardStore
	MaxRequests int
	Window      time.Duration
	Now         func() time.Time
}

func NewGuard(store GuardStore, maxRequests int, window time.Duration) *Guard {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &Guard{Store: store, MaxRequests: maxRequests, Window: window}
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

// CheckAndReserve is the admission check run before any debit. The
// reservation itself happens when the task row is inserted; Admit repeats
// the check under the account lock so concurrent submissions cannot both pass.
func (g *Guard) CheckAndReserve(ctx context.Context, userID uuid.UUID, resourceKey string) error {
	active, err := g.Store.HasActiveTask(ctx, userID, resourceKey)
	if err != nil {
		return fmt.Errorf("check active task: %w", err)
	}
	if active {
		return ErrDuplicateSubmission
	}
	n, err := g.Store.CountTasksSince(ctx, userID, g.now().Add(-g.Window))
	if err != nil {
		return fmt.Errorf("count recent tasks: %w", err)
	}
	if n >= g.MaxRequests {
		return ErrRateLimited
	}
	return nil
}

// Admit returns the in-transaction form of CheckAndReserve.
func (g *Guard) Admit(resourceKey string) ledger.AdmitFunc {
	return func(ctx context.Context, tx ledger.AccountTx) error {
		active, err := tx.HasActiveTask(ctx, resourceKey)
		if err != nil {
			return fmt.Errorf("check active task: %w", err)
		}
		if active {
			return ErrDuplicateSubmission
		}
		n, err := tx.CountTasksSince(ctx, g.now().Add(-g.Window))
		if err != nil {
			return fmt.Errorf("count recent tasks: %w", err)
		}
		if n >= g.MaxRequests {
			return ErrRateLimited
		}
		return nil
	}
}
