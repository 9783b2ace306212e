package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
)

// Refunder is the ledger operation the refund engine drives.
type Refunder interface {
	Refund(ctx context.Context, userID uuid.UUID, amount int, taskID uuid.UUID, reason string) (*ledger.RefundResult, error)
}

// RefundMarker records a denied refund on the task.
type RefundMarker interface {
	SetRefundStatus(ctx context.Context, id uuid.UUID, status models.RefundStatus) (bool, error)
}

// RefundDecision is the policy verdict for one error type.
type RefundDecision struct {
	ShouldRefund bool
	Percentage   int
}

// Settlement is what Settle did for a FAILED task.
type Settlement struct {
	Status  models.RefundStatus
	Amount  int
	Balance int
}

// RefundEngine turns a FAILED task into a ledger refund according to the
// refund_policies table. Unknown error types get a full refund.
type RefundEngine struct {
	policies map[string]models.RefundPolicy
	ledger   Refunder
	tasks    RefundMarker
	log      *slog.Logger
}

func NewRefundEngine(policies []models.RefundPolicy, l Refunder, tasks RefundMarker, log *slog.Logger) *RefundEngine {
	m := make(map[string]models.RefundPolicy, len(policies))
	for _, p := range policies {
		m[p.ErrorType] = p
	}
	if log == nil {
		log = slog.Default()
	}
	return &RefundEngine{policies: m, ledger: l, tasks: tasks, log: log}
}

// Decide looks up the policy for errorType. A submission failure is always
// refunded in full.
func (e *RefundEngine) Decide(errorType string) RefundDecision {
	if errorType == models.ErrorTypeSubmission {
		return RefundDecision{ShouldRefund: true, Percentage: 100}
	}
	p, ok := e.policies[errorType]
	if !ok {
		return RefundDecision{ShouldRefund: true, Percentage: 100}
	}
	pct := min(max(p.RefundPercentage, 0), 100)
	return RefundDecision{ShouldRefund: p.ShouldRefund, Percentage: pct}
}

// RefundAmount is ceil(debited * pct / 100).
func RefundAmount(debited, pct int) int {
	if debited <= 0 || pct <= 0 {
		return 0
	}
	return (debited*pct + 99) / 100
}

// Settle applies the policy to a FAILED task. Calling it again for a task that
// was already refunded is a no-op.
func (e *RefundEngine) Settle(ctx context.Context, task *models.EnhancementTask) (*Settlement, error) {
	if task.State != models.TaskStateFailed {
		return nil, fmt.Errorf("settle task %s in state %s", task.ID, task.State)
	}
	d := e.Decide(task.ErrorType)
	amount := 0
	if d.ShouldRefund {
		amount = RefundAmount(task.CreditsDebited, d.Percentage)
	}

	if amount == 0 {
		if _, err := e.tasks.SetRefundStatus(ctx, task.ID, models.RefundStatusDenied); err != nil {
			return nil, fmt.Errorf("mark refund denied: %w", err)
		}
		e.log.Info("refund denied",
			"task_id", task.ID, "user_id", task.UserID, "error_type", task.ErrorType)
		return &Settlement{Status: models.RefundStatusDenied}, nil
	}

	reason := fmt.Sprintf("policy:%s:%d%%", task.ErrorType, d.Percentage)
	res, err := e.ledger.Refund(ctx, task.UserID, amount, task.ID, reason)
	switch {
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		e.log.Debug("refund already applied", "task_id", task.ID)
		out := &Settlement{Status: models.RefundStatusRefunded}
		if res != nil && res.Record != nil {
			out.Amount = res.Record.CreditsRefunded
			out.Balance = res.Balance
		}
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("refund task %s: %w", task.ID, err)
	}
	e.log.Info("refund issued",
		"task_id", task.ID,
		"user_id", task.UserID,
		"error_type", task.ErrorType,
		"amount", amount,
		"balance", res.Balance,
	)
	return &Settlement{Status: models.RefundStatusRefunded, Amount: amount, Balance: res.Balance}, nil
}
