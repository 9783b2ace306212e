package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// InsertFunc enqueues a job. It is bound to the River client once the client
// exists, which breaks the construction cycle between workers and client.
type InsertFunc func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error

var errInsertNotWired = errors.New("job insert not wired")

// Scheduler enqueues poll and archive jobs.
type Scheduler struct {
	mu     sync.Mutex
	insert InsertFunc
	now    func() time.Time
}

func NewScheduler() *Scheduler {
	return &Scheduler{now: time.Now}
}

func (s *Scheduler) SetInsertFunc(fn InsertFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert = fn
}

func (s *Scheduler) do(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error {
	s.mu.Lock()
	fn := s.insert
	s.mu.Unlock()
	if fn == nil {
		return errInsertNotWired
	}
	return fn(ctx, args, opts)
}

func (s *Scheduler) SchedulePoll(ctx context.Context, taskID uuid.UUID, attempt int, delay time.Duration) error {
	return s.do(ctx, PollTaskArgs{TaskID: taskID, Attempt: attempt}, &river.InsertOpts{
		ScheduledAt: s.now().Add(delay),
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
}

func (s *Scheduler) ScheduleArchive(ctx context.Context, taskID uuid.UUID) error {
	return s.do(ctx, ArchiveResultArgs{TaskID: taskID}, &river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	})
}
