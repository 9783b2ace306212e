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

var (
	ErrTaskNotFound      = ledger.ErrTaskNotFound
	ErrInvalidTransition = errors.New("invalid task transition")
)

const (
	DefaultPollHorizon = 10 * time.Minute
	DefaultPollTimeout = 5 * time.Second
	defaultSweepGrace  = time.Minute
	sweepBatchSize     = 100
)

// Transition sources recorded in logs.
const (
	SourcePoll       = "poll"
	SourceWebhook    = "webhook"
	SourceSubmission = "submission"
	SourceSweeper    = "sweeper"
)

// TaskStore is the task persistence the tracker needs.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error)
	GetTaskByProviderID(ctx context.Context, providerTaskID string) (*models.EnhancementTask, error)
	CompareAndSwapTask(ctx context.Context, id uuid.UUID, from []models.TaskState, upd models.TaskUpdate) (bool, error)
	AttachProviderTask(ctx context.Context, id uuid.UUID, providerTaskID string) (bool, error)
	SetRefundStatus(ctx context.Context, id uuid.UUID, status models.RefundStatus) (bool, error)
	ListStaleTasks(ctx context.Context, createdBefore time.Time, limit int) ([]*models.EnhancementTask, error)
	ListUnsettledFailures(ctx context.Context, terminalBefore time.Time, limit int) ([]*models.EnhancementTask, error)
}

// StatusPoller fetches provider-side status.
type StatusPoller interface {
	GetTask(ctx context.Context, providerTaskID string) (*provider.Status, error)
}

// Settler refunds FAILED tasks.
type Settler interface {
	Settle(ctx context.Context, task *models.EnhancementTask) (*Settlement, error)
}

// ArchiveScheduler queues a copy of a finished result into platform storage.
type ArchiveScheduler interface {
	ScheduleArchive(ctx context.Context, taskID uuid.UUID) error
}

type TransitionPayload struct {
	ResultURL string
	ErrorType string
	Source    string
}

// TransitionResult reports whether this caller won the transition. Task is
// the state after the attempt. Settlement is set when this caller moved the
// task to FAILED and the refund ran.
type TransitionResult struct {
	Applied    bool
	Reason     string
	Task       *models.EnhancementTask
	Settlement *Settlement
}

// PollResult tells the poll worker whether to schedule another attempt.
type PollResult struct {
	Done    bool
	RetryIn time.Duration
}

// Tracker owns task state. Every write goes through a compare-and-swap on the
// current state, so whichever of poll or webhook lands first wins and the
// other becomes a logged no-op.
type Tracker struct {
	Tasks    TaskStore
	Refunds  Settler
	Provider StatusPoller
	Archive  ArchiveScheduler
	Backoff  Backoff
	// Horizon is measured from task creation; past it the task fails with timeout.
	Horizon     time.Duration
	PollTimeout time.Duration
	SweepGrace  time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewTracker(tasks TaskStore, refunds Settler, poller StatusPoller, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		Tasks:       tasks,
		Refunds:     refunds,
		Provider:    poller,
		Backoff:     Backoff{Initial: 2 * time.Second, Max: 60 * time.Second},
		Horizon:     DefaultPollHorizon,
		PollTimeout: DefaultPollTimeout,
		SweepGrace:  defaultSweepGrace,
		Logger:      logger,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

// Transition moves a task to `to` if its current state allows it.
func (t *Tracker) Transition(ctx context.Context, taskID uuid.UUID, to models.TaskState, p TransitionPayload) (*TransitionResult, error) {
	from := models.TransitionSources(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}

	upd := models.TaskUpdate{State: to}
	if to.IsTerminal() {
		now := t.now()
		upd.TerminalAt = &now
	}
	switch to {
	case models.TaskStateFailed:
		upd.ErrorType = p.ErrorType
		if upd.ErrorType == "" {
			upd.ErrorType = models.ErrorTypeInternal
		}
	case models.TaskStateSucceeded:
		upd.ResultURL = p.ResultURL
	}

	applied, err := t.Tasks.CompareAndSwapTask(ctx, taskID, from, upd)
	if err != nil {
		return nil, fmt.Errorf("transition task %s: %w", taskID, err)
	}
	task, err := t.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("reload task %s: %w", taskID, err)
	}

	if !applied {
		t.Logger.Info("transition ignored",
			"task_id", taskID, "current", task.State, "requested", to, "source", p.Source)
		return &TransitionResult{Reason: fmt.Sprintf("task is %s", task.State), Task: task}, nil
	}

	t.Logger.Info("task transitioned",
		"task_id", taskID,
		"user_id", task.UserID,
		"state", to,
		"error_type", upd.ErrorType,
		"source", p.Source,
	)
	res := &TransitionResult{Applied: true, Task: task}

	switch to {
	case models.TaskStateFailed:
		settlement, err := t.Refunds.Settle(ctx, task)
		if err != nil {
			// left unsettled; Sweep picks it up
			t.Logger.Error("refund settlement failed", "task_id", taskID, "error", err)
			break
		}
		res.Settlement = settlement
		if reloaded, err := t.Tasks.GetTask(ctx, taskID); err == nil {
			res.Task = reloaded
		}
	case models.TaskStateSucceeded:
		if t.Archive != nil {
			if err := t.Archive.ScheduleArchive(ctx, taskID); err != nil {
				t.Logger.Warn("schedule result archive failed", "task_id", taskID, "error", err)
			}
		}
	}
	return res, nil
}

// Apply maps a provider outcome onto a transition.
func (t *Tracker) Apply(ctx context.Context, taskID uuid.UUID, outcome provider.Outcome, source string) (*TransitionResult, error) {
	switch o := outcome.(type) {
	case provider.Succeeded:
		return t.Transition(ctx, taskID, models.TaskStateSucceeded, TransitionPayload{ResultURL: o.ResultURL, Source: source})
	case provider.Failed:
		return t.Transition(ctx, taskID, models.TaskStateFailed, TransitionPayload{ErrorType: o.ErrorType, Source: source})
	case provider.Processing:
		return t.Transition(ctx, taskID, models.TaskStateProcessing, TransitionPayload{Source: source})
	}
	return nil, fmt.Errorf("%w: unsupported outcome %T", ErrInvalidTransition, outcome)
}

// ApplyCallback resolves the provider task id and applies the outcome.
func (t *Tracker) ApplyCallback(ctx context.Context, cb *provider.Callback) (*TransitionResult, error) {
	task, err := t.Tasks.GetTaskByProviderID(ctx, cb.ProviderTaskID)
	if err != nil {
		return nil, err
	}
	return t.Apply(ctx, task.ID, cb.Outcome, SourceWebhook)
}

// PollOnce runs poll attempt n for a task. A 4xx rejection of the poll fails
// the task with provider_rejected; any other provider error is retried until
// the horizon.
func (t *Tracker) PollOnce(ctx context.Context, taskID uuid.UUID, attempt int) (*PollResult, error) {
	task, err := t.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State.IsTerminal() {
		return &PollResult{Done: true}, nil
	}

	now := t.now()
	deadline := task.CreatedAt.Add(t.Horizon)
	if !now.Before(deadline) {
		if _, err := t.Transition(ctx, taskID, models.TaskStateFailed, TransitionPayload{
			ErrorType: models.ErrorTypeTimeout,
			Source:    SourcePoll,
		}); err != nil {
			return nil, err
		}
		return &PollResult{Done: true}, nil
	}
	retry := &PollResult{RetryIn: min(t.Backoff.Delay(attempt), deadline.Sub(now))}

	if task.ProviderTaskID == "" {
		t.Logger.Debug("poll skipped, provider task id not attached", "task_id", taskID, "attempt", attempt)
		return retry, nil
	}

	pollCtx := ctx
	if t.PollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, t.PollTimeout)
		defer cancel()
	}
	status, err := t.Provider.GetTask(pollCtx, task.ProviderTaskID)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Permanent() {
			t.Logger.Warn("provider rejected poll, failing task",
				"task_id", taskID, "provider_task_id", task.ProviderTaskID, "status", perr.StatusCode)
			if _, err := t.Transition(ctx, taskID, models.TaskStateFailed, TransitionPayload{
				ErrorType: perr.ErrorType(),
				Source:    SourcePoll,
			}); err != nil {
				return nil, err
			}
			return &PollResult{Done: true}, nil
		}
		t.Logger.Warn("provider poll failed",
			"task_id", taskID, "provider_task_id", task.ProviderTaskID, "attempt", attempt, "error", err)
		return retry, nil
	}
	outcome, err := status.Outcome()
	if err != nil {
		t.Logger.Warn("provider poll returned unusable status",
			"task_id", taskID, "provider_task_id", task.ProviderTaskID, "error", err)
		return retry, nil
	}

	res, err := t.Apply(ctx, taskID, outcome, SourcePoll)
	if err != nil {
		return nil, err
	}
	if res.Task.State.IsTerminal() {
		return &PollResult{Done: true}, nil
	}
	return retry, nil
}

// Sweep fails tasks stuck past the horizon and settles FAILED tasks whose
// refund never completed. It returns how many tasks it touched.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	now := t.now()
	touched := 0

	stale, err := t.Tasks.ListStaleTasks(ctx, now.Add(-(t.Horizon + t.SweepGrace)), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}
	for _, task := range stale {
		res, err := t.Transition(ctx, task.ID, models.TaskStateFailed, TransitionPayload{
			ErrorType: models.ErrorTypeTimeout,
			Source:    SourceSweeper,
		})
		if err != nil {
			t.Logger.Error("sweep timeout failed", "task_id", task.ID, "error", err)
			continue
		}
		if res.Applied {
			touched++
		}
	}

	unsettled, err := t.Tasks.ListUnsettledFailures(ctx, now.Add(-t.SweepGrace), sweepBatchSize)
	if err != nil {
		return touched, fmt.Errorf("list unsettled failures: %w", err)
	}
	for _, task := range unsettled {
		if _, err := t.Refunds.Settle(ctx, task); err != nil {
			t.Logger.Error("sweep settlement failed", "task_id", task.ID, "error", err)
			continue
		}
		touched++
	}
	if touched > 0 {
		t.Logger.Info("task sweep finished", "stale", len(stale), "unsettled", len(unsettled), "touched", touched)
	}
	return touched, nil
}
