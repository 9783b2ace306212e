package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/studioloop/backend/internal/services"
)

// PollTaskArgs is one poll attempt against the provider. Attempt is 1-based
// and drives the backoff; it is carried in the args rather than taken from
// River's retry counter because a successful attempt schedules the next one.
type PollTaskArgs struct {
	TaskID  uuid.UUID `json:"task_id"`
	Attempt int       `json:"attempt"`
}

func (PollTaskArgs) Kind() string { return "poll_enhancement_task" }

// TaskPoller is the contract the poll worker needs from the tracker.
type TaskPoller interface {
	PollOnce(ctx context.Context, taskID uuid.UUID, attempt int) (*services.PollResult, error)
}

type PollTaskWorker struct {
	river.WorkerDefaults[PollTaskArgs]
	tracker   TaskPoller
	scheduler services.PollScheduler
	logger    *slog.Logger
}

func NewPollTaskWorker(tracker TaskPoller, scheduler services.PollScheduler, logger *slog.Logger) *PollTaskWorker {
	return &PollTaskWorker{tracker: tracker, scheduler: scheduler, logger: logger}
}

func (w *PollTaskWorker) Timeout(*river.Job[PollTaskArgs]) time.Duration { return 30 * time.Second }

func (w *PollTaskWorker) Work(ctx context.Context, job *river.Job[PollTaskArgs]) error {
	args := job.Args
	attempt := max(args.Attempt, 1)

	res, err := w.tracker.PollOnce(ctx, args.TaskID, attempt)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			return river.JobCancel(err)
		}
		return fmt.Errorf("poll task %s attempt %d: %w", args.TaskID, attempt, err)
	}
	if res.Done {
		w.logger.Debug("polling finished", "task_id", args.TaskID, "attempts", attempt)
		return nil
	}
	if err := w.scheduler.SchedulePoll(ctx, args.TaskID, attempt+1, res.RetryIn); err != nil {
		return fmt.Errorf("schedule next poll: %w", err)
	}
	return nil
}

// ---

// ArchiveResultArgs copies a SUCCEEDED task's result into platform storage.
type ArchiveResultArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (ArchiveResultArgs) Kind() string { return "archive_task_result" }

type ResultArchiver interface {
	Archive(ctx context.Context, taskID uuid.UUID) error
}

type ArchiveResultWorker struct {
	river.WorkerDefaults[ArchiveResultArgs]
	archiver ResultArchiver
}

func NewArchiveResultWorker(archiver ResultArchiver) *ArchiveResultWorker {
	return &ArchiveResultWorker{archiver: archiver}
}

func (w *ArchiveResultWorker) Timeout(*river.Job[ArchiveResultArgs]) time.Duration {
	return 2 * time.Minute
}

func (w *ArchiveResultWorker) Work(ctx context.Context, job *river.Job[ArchiveResultArgs]) error {
	if err := w.archiver.Archive(ctx, job.Args.TaskID); err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			return river.JobCancel(err)
		}
		return fmt.Errorf("archive task %s: %w", job.Args.TaskID, err)
	}
	return nil
}
