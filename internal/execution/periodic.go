package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/studioloop/backend/internal/audit"
)

// MonthlySchedule fires at 00:00 UTC on the first day of each month.
type MonthlySchedule struct{}

func (MonthlySchedule) Next(current time.Time) time.Time {
	c := current.UTC()
	return time.Date(c.Year(), c.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

type MonthlyResetArgs struct{}

func (MonthlyResetArgs) Kind() string { return "monthly_credit_reset" }

type Resetter interface {
	ResetDue(ctx context.Context, now time.Time) (int, error)
}

type MonthlyResetWorker struct {
	river.WorkerDefaults[MonthlyResetArgs]
	ledger Resetter
	logger *slog.Logger
	now    func() time.Time
}

func NewMonthlyResetWorker(ledger Resetter, logger *slog.Logger) *MonthlyResetWorker {
	return &MonthlyResetWorker{ledger: ledger, logger: logger, now: time.Now}
}

func (w *MonthlyResetWorker) Work(ctx context.Context, _ *river.Job[MonthlyResetArgs]) error {
	n, err := w.ledger.ResetDue(ctx, w.now())
	if err != nil {
		return fmt.Errorf("monthly reset: %w", err)
	}
	w.logger.Info("monthly credit reset finished", "accounts_reset", n)
	return nil
}

// ---

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_ledger" }

type LedgerReconciler interface {
	ReconcileAll(ctx context.Context) (int, []*audit.DriftError, error)
}

// ReconcileWorker runs the integrity check. Drift is reported through logs
// and never fails the job.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler LedgerReconciler
	logger     *slog.Logger
}

func NewReconcileWorker(r LedgerReconciler, logger *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{reconciler: r, logger: logger}
}

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	checked, drifts, err := w.reconciler.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile ledger: %w", err)
	}
	w.logger.Info("ledger reconciliation finished", "accounts", checked, "drifts", len(drifts))
	return nil
}

// ---

type SweepTasksArgs struct{}

func (SweepTasksArgs) Kind() string { return "sweep_enhancement_tasks" }

type TaskSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type SweepTasksWorker struct {
	river.WorkerDefaults[SweepTasksArgs]
	sweeper TaskSweeper
}

func NewSweepTasksWorker(s TaskSweeper) *SweepTasksWorker {
	return &SweepTasksWorker{sweeper: s}
}

func (w *SweepTasksWorker) Work(ctx context.Context, _ *river.Job[SweepTasksArgs]) error {
	if _, err := w.sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep tasks: %w", err)
	}
	return nil
}

// PeriodicJobs returns the maintenance schedule.
func PeriodicJobs(reconcileEvery, sweepEvery time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			MonthlySchedule{},
			func() (river.JobArgs, *river.InsertOpts) { return MonthlyResetArgs{}, nil },
			// catches up on a reset missed while the service was down
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(reconcileEvery),
			func() (river.JobArgs, *river.InsertOpts) { return ReconcileArgs{}, nil },
			nil,
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepEvery),
			func() (river.JobArgs, *river.InsertOpts) { return SweepTasksArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
