package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
	"github.com/studioloop/backend/internal/provider"
)

const DefaultSubmitTimeout = 10 * time.Second

// TaskDebiter debits credits and persists the task in one unit.
type TaskDebiter interface {
	DebitForTask(ctx context.Context, task *models.EnhancementTask, admit ledger.AdmitFunc) (int, error)
}

// TaskCreator submits a job to the provider.
type TaskCreator interface {
	CreateTask(ctx context.Context, req provider.CreateRequest) (string, error)
}

// PollScheduler queues poll attempt n for a task after delay.
type PollScheduler interface {
	SchedulePoll(ctx context.Context, taskID uuid.UUID, attempt int, delay time.Duration) error
}

// Gateway is the submission path: guard, debit, create, submit.
type Gateway struct {
	Guard         *Guard
	Ledger        TaskDebiter
	Tasks         TaskStore
	Tracker       *Tracker
	Provider      TaskCreator
	Scheduler     PollScheduler
	CallbackURL   string
	SubmitTimeout time.Duration
	Logger        *slog.Logger
}

// SubmitResult is the task as it stands when Submit returns. Balance is the
// user's balance after the debit, or after the refund if submission failed.
type SubmitResult struct {
	Task    *models.EnhancementTask
	Balance int
}

// Submit admits, debits and submits one enhancement job. A provider failure
// after the debit is not an error: the task comes back FAILED with
// submission_error and the credits already refunded.
func (g *Gateway) Submit(ctx context.Context, userID uuid.UUID, spec models.JobSpec) (*SubmitResult, error) {
	key := spec.ResourceKey()
	if err := g.Guard.CheckAndReserve(ctx, userID, key); err != nil {
		return nil, err
	}

	task := &models.EnhancementTask{
		ID:             uuid.New(),
		UserID:         userID,
		ResourceKey:    key,
		Kind:           spec.Kind,
		SourceURL:      spec.SourceURL,
		Prompt:         spec.Prompt,
		CreditsDebited: spec.CostCredits,
		State:          models.TaskStateCreated,
	}
	balance, err := g.Ledger.DebitForTask(ctx, task, g.Guard.Admit(key))
	if err != nil {
		if errors.Is(err, ledger.ErrActiveTaskExists) {
			return nil, ErrDuplicateSubmission
		}
		return nil, err
	}
	log := g.Logger.With("task_id", task.ID, "user_id", userID)
	log.Info("credits debited", "amount", task.CreditsDebited, "balance", balance, "kind", task.Kind)

	// Credits are gone; finish the submission even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if _, err := g.Tracker.Transition(ctx, task.ID, models.TaskStateSubmitted, TransitionPayload{Source: SourceSubmission}); err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}

	providerTaskID, err := g.createRemote(ctx, task)
	if err != nil {
		log.Warn("provider submission failed", "error", err)
		res, terr := g.Tracker.Transition(ctx, task.ID, models.TaskStateFailed, TransitionPayload{
			ErrorType: models.ErrorTypeSubmission,
			Source:    SourceSubmission,
		})
		if terr != nil {
			return nil, fmt.Errorf("fail task after submission error: %w", terr)
		}
		out := &SubmitResult{Task: res.Task, Balance: balance}
		if res.Settlement != nil && res.Settlement.Status == models.RefundStatusRefunded {
			out.Balance = res.Settlement.Balance
		}
		return out, nil
	}

	attached, err := g.Tasks.AttachProviderTask(ctx, task.ID, providerTaskID)
	if err != nil {
		return nil, fmt.Errorf("attach provider task: %w", err)
	}
	if !attached {
		log.Warn("provider task id not attached", "provider_task_id", providerTaskID)
	}

	if g.Scheduler != nil {
		if err := g.Scheduler.SchedulePoll(ctx, task.ID, 1, g.Tracker.Backoff.Delay(1)); err != nil {
			log.Error("schedule first poll failed", "error", err)
		}
	}

	current, err := g.Tasks.GetTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}
	log.Info("task submitted", "provider_task_id", providerTaskID, "state", current.State)
	return &SubmitResult{Task: current, Balance: balance}, nil
}

func (g *Gateway) createRemote(ctx context.Context, task *models.EnhancementTask) (string, error) {
	timeout := g.SubmitTimeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.Provider.CreateTask(ctx, provider.CreateRequest{
		Reference:   task.ID.String(),
		Kind:        task.Kind,
		SourceURL:   task.SourceURL,
		Prompt:      task.Prompt,
		CallbackURL: g.CallbackURL,
	})
}
