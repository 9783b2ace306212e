package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/models"
	"github.com/studioloop/backend/internal/provider"
	"github.com/studioloop/backend/internal/repository/memstore"
)

// ---------------------------------------------------------------------------
// Test doubles. The ledger and task storage are the real in-memory store;
// only the provider and the job queue are faked.
// ---------------------------------------------------------------------------

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---

type mockProvider struct {
	mu        sync.Mutex
	createErr error
	pollErr   error
	statuses  map[string]*provider.Status
	created   []provider.CreateRequest
	polls     int
	seq       int
}

func newMockProvider() *mockProvider {
	return &mockProvider{statuses: make(map[string]*provider.Status)}
}

func (m *mockProvider) CreateTask(_ context.Context, req provider.CreateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	if m.createErr != nil {
		return "", m.createErr
	}
	m.seq++
	return fmt.Sprintf("prov-%d", m.seq), nil
}

func (m *mockProvider) GetTask(_ context.Context, id string) (*provider.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	st, ok := m.statuses[id]
	if !ok {
		return &provider.Status{ProviderTaskID: id, State: provider.StateProcessing}, nil
	}
	cp := *st
	return &cp, nil
}

func (m *mockProvider) setStatus(id string, st provider.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.ProviderTaskID = id
	m.statuses[id] = &st
}

func (m *mockProvider) createCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

// ---

type scheduledPoll struct {
	TaskID  uuid.UUID
	Attempt int
	Delay   time.Duration
}

type mockScheduler struct {
	mu       sync.Mutex
	polls    []scheduledPoll
	archives []uuid.UUID
}

func (m *mockScheduler) SchedulePoll(_ context.Context, taskID uuid.UUID, attempt int, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls = append(m.polls, scheduledPoll{TaskID: taskID, Attempt: attempt, Delay: delay})
	return nil
}

func (m *mockScheduler) ScheduleArchive(_ context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives = append(m.archives, taskID)
	return nil
}

func (m *mockScheduler) archived() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.archives...)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	store     *memstore.Store
	ledger    *ledger.Service
	refunds   *RefundEngine
	tracker   *Tracker
	guard     *Guard
	gateway   *Gateway
	provider  *mockProvider
	scheduler *mockScheduler
	clock     *testClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := discardLogger()
	clock := newTestClock()
	store := memstore.New()

	led := ledger.NewService(store, log)
	led.Now = clock.Now

	policies, err := store.ListRefundPolicies(context.Background())
	if err != nil {
		t.Fatalf("ListRefundPolicies: %v", err)
	}
	refunds := NewRefundEngine(policies, led, store, log)

	prov := newMockProvider()
	sched := &mockScheduler{}

	tracker := NewTracker(store, refunds, prov, log)
	tracker.Now = clock.Now
	tracker.Archive = sched

	guard := NewGuard(store, DefaultMaxRequests, DefaultRateWindow)
	guard.Now = clock.Now

	gw := &Gateway{
		Guard:       guard,
		Ledger:      led,
		Tasks:       store,
		Tracker:     tracker,
		Provider:    prov,
		Scheduler:   sched,
		CallbackURL: "https://api.example.test/callback",
		Logger:      log,
	}
	return &fixture{
		store:     store,
		ledger:    led,
		refunds:   refunds,
		tracker:   tracker,
		guard:     guard,
		gateway:   gw,
		provider:  prov,
		scheduler: sched,
		clock:     clock,
	}
}

func (f *fixture) openAccount(t *testing.T, allowance int) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	if _, err := f.ledger.OpenAccount(context.Background(), userID, allowance); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return userID
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	acc, err := f.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return acc.CurrentBalance
}

func (f *fixture) task(t *testing.T, id uuid.UUID) *models.EnhancementTask {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

var specSeq int

func imageSpec(cost int) models.JobSpec {
	specSeq++
	return models.JobSpec{
		Kind:        models.JobKindImageEnhance,
		SourceURL:   fmt.Sprintf("https://cdn.example.test/img-%d.png", specSeq),
		CostCredits: cost,
	}
}

// submitted runs a successful submission and returns the SUBMITTED task.
func (f *fixture) submitted(t *testing.T, userID uuid.UUID, cost int) *models.EnhancementTask {
	t.Helper()
	res, err := f.gateway.Submit(context.Background(), userID, imageSpec(cost))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Task.State != models.TaskStateSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", res.Task.State)
	}
	return res.Task
}

// ---------------------------------------------------------------------------
// 1. TestTransition_FirstWriterWins
// ---------------------------------------------------------------------------

func TestTransition_FirstWriterWins(t *testing.T) {
	f := newFixture(t)
	f.guard.MaxRequests = 100
	userID := f.openAccount(t, 100)

	for i := 0; i < 20; i++ {
		task := f.submitted(t, userID, 1)
		before := f.balance(t, userID)

		var (
			wg      sync.WaitGroup
			results [2]*TransitionResult
			errs    [2]error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0], errs[0] = f.tracker.Apply(context.Background(), task.ID,
				provider.Succeeded{ResultURL: "https://cdn.example.test/out.png"}, SourceWebhook)
		}()
		go func() {
			defer wg.Done()
			results[1], errs[1] = f.tracker.Apply(context.Background(), task.ID,
				provider.Failed{ErrorType: models.ErrorTypeInternal}, SourcePoll)
		}()
		wg.Wait()

		for j, err := range errs {
			if err != nil {
				t.Fatalf("iteration %d: apply %d: %v", i, j, err)
			}
		}
		if results[0].Applied == results[1].Applied {
			t.Fatalf("iteration %d: expected exactly one applied transition, got %v and %v",
				i, results[0].Applied, results[1].Applied)
		}

		final := f.task(t, task.ID)
		switch {
		case results[0].Applied:
			if final.State != models.TaskStateSucceeded {
				t.Fatalf("webhook won but task is %s", final.State)
			}
			if f.store.RefundCount(task.ID) != 0 {
				t.Fatal("succeeded task must not be refunded")
			}
			if got := f.balance(t, userID); got != before {
				t.Fatalf("balance changed on success: %d -> %d", before, got)
			}
		default:
			if final.State != models.TaskStateFailed || final.RefundStatus != models.RefundStatusRefunded {
				t.Fatalf("poll won but task is %s/%s", final.State, final.RefundStatus)
			}
			if f.store.RefundCount(task.ID) != 1 {
				t.Fatal("expected exactly one refund")
			}
			if got := f.balance(t, userID); got != before+1 {
				t.Fatalf("expected balance %d after refund, got %d", before+1, got)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// 2. TestTransition_DuplicateWebhook
// ---------------------------------------------------------------------------

func TestTransition_DuplicateWebhook(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 1)

	if got := f.balance(t, userID); got != 9 {
		t.Fatalf("expected balance 9 after debit, got %d", got)
	}

	first, err := f.tracker.Apply(context.Background(), task.ID, provider.Failed{ErrorType: models.ErrorTypeInternal}, SourceWebhook)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !first.Applied || first.Settlement == nil || first.Settlement.Amount != 1 {
		t.Fatalf("expected applied transition refunding 1, got %+v", first)
	}

	second, err := f.tracker.Apply(context.Background(), task.ID, provider.Failed{ErrorType: models.ErrorTypeInternal}, SourceWebhook)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Applied {
		t.Fatal("duplicate webhook must be ignored")
	}
	if second.Reason == "" {
		t.Error("ignored transition should carry a reason")
	}
	if n := f.store.RefundCount(task.ID); n != 1 {
		t.Fatalf("expected 1 refund record, got %d", n)
	}
	if got := f.balance(t, userID); got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// 3. TestTransition_ContentPolicyDenied
// ---------------------------------------------------------------------------

func TestTransition_ContentPolicyDenied(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 1)

	res, err := f.tracker.Apply(context.Background(), task.ID,
		provider.Failed{ErrorType: models.ErrorTypeContentPolicy}, SourceWebhook)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Applied {
		t.Fatal("expected transition to apply")
	}
	if res.Task.RefundStatus != models.RefundStatusDenied {
		t.Fatalf("expected REFUND_DENIED, got %q", res.Task.RefundStatus)
	}
	if got := f.balance(t, userID); got != 9 {
		t.Fatalf("expected balance to stay 9, got %d", got)
	}
	if f.store.RefundCount(task.ID) != 0 {
		t.Fatal("denied refund must not create a record")
	}
}

// ---------------------------------------------------------------------------
// 4. TestTransition_Succeeded
// ---------------------------------------------------------------------------

func TestTransition_Succeeded(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 2)

	res, err := f.tracker.Apply(context.Background(), task.ID, provider.Processing{}, SourcePoll)
	if err != nil || !res.Applied || res.Task.State != models.TaskStateProcessing {
		t.Fatalf("expected PROCESSING, got %+v err=%v", res, err)
	}

	res, err = f.tracker.Apply(context.Background(), task.ID,
		provider.Succeeded{ResultURL: "https://cdn.example.test/out.png"}, SourceWebhook)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Task.State != models.TaskStateSucceeded || res.Task.ResultURL != "https://cdn.example.test/out.png" {
		t.Fatalf("unexpected task %+v", res.Task)
	}
	if res.Task.TerminalAt == nil {
		t.Error("terminal_at should be set")
	}
	if got := f.scheduler.archived(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("expected one archive job for the task, got %v", got)
	}

	// Terminal tasks accept nothing further.
	res, err = f.tracker.Apply(context.Background(), task.ID, provider.Failed{ErrorType: "timeout"}, SourcePoll)
	if err != nil || res.Applied {
		t.Fatalf("expected ignored transition, got %+v err=%v", res, err)
	}
}

// ---------------------------------------------------------------------------
// 5. TestTransition_Invalid
// ---------------------------------------------------------------------------

func TestTransition_Invalid(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 1)

	if _, err := f.tracker.Transition(context.Background(), task.ID, models.TaskStateCreated, TransitionPayload{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.tracker.Transition(context.Background(), uuid.New(), models.TaskStateFailed, TransitionPayload{}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 6. TestPollOnce
// ---------------------------------------------------------------------------

func TestPollOnce_ProcessingBacksOff(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 1)

	res, err := f.tracker.PollOnce(context.Background(), task.ID, 1)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Done || res.RetryIn != 2*time.Second {
		t.Fatalf("expected retry in 2s, got %+v", res)
	}
	if got := f.task(t, task.ID).State; got != models.TaskStateProcessing {
		t.Fatalf("expected PROCESSING, got %s", got)
	}

	res, err = f.tracker.PollOnce(context.Background(), task.ID, 3)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.RetryIn != 8*time.Second {
		t.Fatalf("expected retry in 8s on attempt 3, got %s", res.RetryIn)
	}

	// Near the horizon the wait is clipped to the deadline.
	f.clock.Advance(DefaultPollHorizon - 3*time.Second)
	res, err = f.tracker.PollOnce(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.RetryIn != 3*time.Second {
		t.Fatalf("expected retry clipped to 3s, got %s", res.RetryIn)
	}
}

func TestPollOnce_TerminalOutcome(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 4)
	f.provider.setStatus(task.ProviderTaskID, provider.Status{State: provider.StateFailed, ErrorCode: "partial_result"})

	res, err := f.tracker.PollOnce(context.Background(), task.ID, 1)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !res.Done {
		t.Fatal("expected polling to stop")
	}
	got := f.task(t, task.ID)
	if got.State != models.TaskStateFailed || got.ErrorType != "partial_result" {
		t.Fatalf("unexpected task %s/%s", got.State, got.ErrorType)
	}
	// ceil(4 * 50 / 100) = 2
	if b := f.balance(t, userID); b != 8 {
		t.Fatalf("expected balance 8 after 50%% refund, got %d", b)
	}
}

func TestPollOnce_ProviderErrorRetries(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 1)
	f.provider.pollErr = &provider.Error{Op: "poll", StatusCode: 503, Err: provider.ErrUnavailable}

	res, err := f.tracker.PollOnce(context.Background(), task.ID, 2)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Done || res.RetryIn != 4*time.Second {
		t.Fatalf("expected retry in 4s, got %+v", res)
	}
	if got := f.task(t, task.ID).State; got != models.TaskStateSubmitted {
		t.Fatalf("provider error must not move the task, got %s", got)
	}
}

func TestPollOnce_ProviderRejectedFails(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 3)

	// A malformed reply is not a verdict on the task.
	f.provider.pollErr = &provider.Error{Op: "poll", Err: provider.ErrRejected}
	res, err := f.tracker.PollOnce(context.Background(), task.ID, 1)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Done {
		t.Fatal("malformed poll reply must be retried")
	}

	f.provider.pollErr = &provider.Error{Op: "poll", StatusCode: 404, Err: provider.ErrRejected}
	res, err = f.tracker.PollOnce(context.Background(), task.ID, 2)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !res.Done {
		t.Fatal("expected polling to stop on a 4xx rejection")
	}
	got := f.task(t, task.ID)
	if got.State != models.TaskStateFailed || got.ErrorType != models.ErrorTypeProviderRejected {
		t.Fatalf("expected FAILED/provider_rejected, got %s/%s", got.State, got.ErrorType)
	}
	if got.RefundStatus != models.RefundStatusRefunded {
		t.Fatalf("expected REFUNDED, got %q", got.RefundStatus)
	}
	if b := f.balance(t, userID); b != 10 {
		t.Fatalf("expected full refund to 10, got %d", b)
	}
}

// ---------------------------------------------------------------------------
// 7. TestPollOnce_HorizonTimeout
// ---------------------------------------------------------------------------

func TestPollOnce_HorizonTimeout(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	task := f.submitted(t, userID, 3)

	f.clock.Advance(DefaultPollHorizon)
	res, err := f.tracker.PollOnce(context.Background(), task.ID, 9)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !res.Done {
		t.Fatal("expected polling to stop at the horizon")
	}
	got := f.task(t, task.ID)
	if got.State != models.TaskStateFailed || got.ErrorType != models.ErrorTypeTimeout {
		t.Fatalf("expected FAILED/timeout, got %s/%s", got.State, got.ErrorType)
	}
	if got.RefundStatus != models.RefundStatusRefunded {
		t.Fatalf("expected REFUNDED, got %q", got.RefundStatus)
	}
	if b := f.balance(t, userID); b != 10 {
		t.Fatalf("expected full refund, got balance %d", b)
	}

	// A late webhook after the forced failure changes nothing.
	late, err := f.tracker.Apply(context.Background(), task.ID,
		provider.Succeeded{ResultURL: "https://cdn.example.test/late.png"}, SourceWebhook)
	if err != nil {
		t.Fatalf("late apply: %v", err)
	}
	if late.Applied {
		t.Fatal("late webhook must be ignored")
	}
	if f.task(t, task.ID).State != models.TaskStateFailed {
		t.Fatal("task left FAILED")
	}
}

// ---------------------------------------------------------------------------
// 8. TestSweep
// ---------------------------------------------------------------------------

func TestSweep(t *testing.T) {
	f := newFixture(t)
	userID := f.openAccount(t, 10)
	stale := f.submitted(t, userID, 2)

	// A FAILED task whose refund never ran.
	orphan := f.submitted(t, userID, 1)
	now := f.clock.Now()
	if ok, err := f.store.CompareAndSwapTask(context.Background(), orphan.ID,
		models.ActiveTaskStates, models.TaskUpdate{State: models.TaskStateFailed, ErrorType: models.ErrorTypeInternal, TerminalAt: &now}); err != nil || !ok {
		t.Fatalf("seed orphan failure: ok=%v err=%v", ok, err)
	}

	f.clock.Advance(DefaultPollHorizon + 2*time.Minute)
	touched, err := f.tracker.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if touched != 2 {
		t.Fatalf("expected 2 tasks touched, got %d", touched)
	}
	if got := f.task(t, stale.ID); got.State != models.TaskStateFailed || got.ErrorType != models.ErrorTypeTimeout {
		t.Fatalf("stale task not timed out: %s/%s", got.State, got.ErrorType)
	}
	if got := f.task(t, orphan.ID); got.RefundStatus != models.RefundStatusRefunded {
		t.Fatalf("orphan not settled: %q", got.RefundStatus)
	}
	if b := f.balance(t, userID); b != 10 {
		t.Fatalf("expected all credits back, got %d", b)
	}

	// Second sweep is a no-op.
	touched, err = f.tracker.Sweep(context.Background())
	if err != nil || touched != 0 {
		t.Fatalf("expected idle sweep, got touched=%d err=%v", touched, err)
	}
}
