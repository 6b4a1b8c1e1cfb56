package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/store"
)

// mockActionStore keeps actions in memory and mirrors the postgres claim semantics.
type mockActionStore struct {
	mu      sync.Mutex
	actions []*models.ScheduledAction
	nextID  int64
	now     func() time.Time

	requeueCutoff time.Time
	purgeCutoff   time.Time
}

func newMockActionStore(now func() time.Time) *mockActionStore {
	return &mockActionStore{nextID: 1, now: now}
}

func (m *mockActionStore) CreateAction(_ context.Context, p models.ActionCreateParams) (*models.ScheduledAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.IdempotencyKey == p.IdempotencyKey && !a.Status.Terminal() {
			return a, false, nil
		}
	}
	a := &models.ScheduledAction{
		ID:             m.nextID,
		PublicID:       uuid.New(),
		Kind:           p.Kind,
		Payload:        p.Payload,
		RunAt:          p.RunAt,
		Status:         models.ActionPending,
		MaxAttempts:    p.MaxAttempts,
		IdempotencyKey: p.IdempotencyKey,
		IntervalMs:     p.IntervalMs,
	}
	m.nextID++
	m.actions = append(m.actions, a)
	return a, true, nil
}

func (m *mockActionStore) GetActionByPublicID(_ context.Context, publicID uuid.UUID) (*models.ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.PublicID == publicID {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockActionStore) ClaimNextAction(_ context.Context, kind models.ActionKind) (*models.ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.Kind == kind && a.Status == models.ActionPending && !a.RunAt.After(m.now()) {
			a.Status = models.ActionRunning
			a.Attempts++
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockActionStore) byID(id int64) *models.ScheduledAction {
	for _, a := range m.actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *mockActionStore) MarkActionSucceeded(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID(id).Status = models.ActionSucceeded
	return nil
}

func (m *mockActionStore) MarkActionRetry(_ context.Context, id int64, runAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID(id)
	a.Status = models.ActionPending
	a.RunAt = runAt
	a.LastError = lastError
	return nil
}

func (m *mockActionStore) MarkActionFailed(_ context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID(id)
	a.Status = models.ActionFailed
	a.LastError = lastError
	return nil
}

func (m *mockActionStore) RearmAction(_ context.Context, id int64, nextRunAt time.Time) (*models.ScheduledAction, error) {
	m.mu.Lock()
	a := m.byID(id)
	if a.Status != models.ActionRunning {
		m.mu.Unlock()
		return nil, store.ErrNotFound
	}
	a.Status = models.ActionSucceeded
	m.mu.Unlock()
	next, _, err := m.CreateAction(context.Background(), models.ActionCreateParams{
		Kind: a.Kind, Payload: a.Payload, RunAt: nextRunAt, MaxAttempts: a.MaxAttempts,
		IdempotencyKey: a.IdempotencyKey, IntervalMs: a.IntervalMs,
	})
	return next, err
}

func (m *mockActionStore) CancelActionByKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		running := a.Status == models.ActionRunning && a.IntervalMs > 0
		if a.IdempotencyKey == key && (a.Status == models.ActionPending || running) {
			a.Status = models.ActionCancelled
			return true, nil
		}
	}
	return false, nil
}

func (m *mockActionStore) RequeueStaleActions(_ context.Context, lockedBefore time.Time) (int64, error) {
	m.requeueCutoff = lockedBefore
	return 0, nil
}

func (m *mockActionStore) PurgeActions(_ context.Context, finishedBefore time.Time) (int64, error) {
	m.purgeCutoff = finishedBefore
	return 0, nil
}

func (m *mockActionStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestQueue(opts Options) (*Queue, *mockActionStore) {
	clock := func() time.Time { return fixedNow }
	ms := newMockActionStore(clock)
	q := New(ms, opts)
	q.now = clock
	return q, ms
}

func TestEnqueue_SameKeyIsNoop(t *testing.T) {
	q, ms := newTestQueue(Options{})
	ctx := context.Background()

	first, created, err := q.Enqueue(ctx, models.ActionSync, map[string]int64{"userId": 1}, EnqueueOptions{IdempotencyKey: "sync:1"})
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := q.Enqueue(ctx, models.ActionSync, map[string]int64{"userId": 1}, EnqueueOptions{IdempotencyKey: "sync:1"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatalf("expected second enqueue to be a no-op")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing action %d, got %d", first.ID, second.ID)
	}
	if ms.count() != 1 {
		t.Fatalf("expected exactly one action, got %d", ms.count())
	}
}

func TestEnqueue_AppliesDelayAndDefaults(t *testing.T) {
	q, _ := newTestQueue(Options{})
	a, _, err := q.Enqueue(context.Background(), models.ActionSend, struct{}{}, EnqueueOptions{Delay: 10 * time.Second})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !a.RunAt.Equal(fixedNow.Add(10 * time.Second)) {
		t.Fatalf("unexpected run_at %v", a.RunAt)
	}
	if a.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", a.MaxAttempts)
	}
	if a.IdempotencyKey == "" {
		t.Fatalf("expected generated idempotency key")
	}
}

func TestEnqueueRecurring_RequiresInterval(t *testing.T) {
	q, _ := newTestQueue(Options{})
	if _, _, err := q.EnqueueRecurring(context.Background(), models.ActionRecurringSync, nil, 0, "k"); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestProcessOne_MarksSucceeded(t *testing.T) {
	q, ms := newTestQueue(Options{})
	ctx := context.Background()
	var got string
	q.Register(models.ActionSync, func(_ context.Context, a *models.ScheduledAction) error {
		var p struct{ Folder string }
		if err := Payload(a, &p); err != nil {
			return err
		}
		got = p.Folder
		return nil
	})
	q.Enqueue(ctx, models.ActionSync, map[string]string{"folder": "INBOX"}, EnqueueOptions{})

	worked, err := q.processOne(ctx, models.ActionSync)
	if err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if !worked {
		t.Fatalf("expected worked=true")
	}
	if got != "INBOX" {
		t.Fatalf("expected payload folder INBOX, got %q", got)
	}
	if ms.actions[0].Status != models.ActionSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", ms.actions[0].Status)
	}
}

func TestProcessOne_NothingDue(t *testing.T) {
	q, _ := newTestQueue(Options{})
	q.Register(models.ActionSync, func(context.Context, *models.ScheduledAction) error { return nil })
	q.Enqueue(context.Background(), models.ActionSync, nil, EnqueueOptions{Delay: time.Minute})

	worked, err := q.processOne(context.Background(), models.ActionSync)
	if err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if worked {
		t.Fatalf("expected no work for a future action")
	}
}

func TestProcessOne_RetriesWithBackoffThenFails(t *testing.T) {
	q, ms := newTestQueue(Options{RetryBaseDelay: time.Second, MaxRetryDelay: time.Minute})
	ctx := context.Background()
	q.Register(models.ActionSync, func(context.Context, *models.ScheduledAction) error {
		return errors.New("connection reset")
	})
	q.Enqueue(ctx, models.ActionSync, nil, EnqueueOptions{})
	a := ms.actions[0]

	q.processOne(ctx, models.ActionSync)
	if a.Status != models.ActionPending || !a.RunAt.Equal(fixedNow.Add(time.Second)) {
		t.Fatalf("attempt 1: status=%s run_at=%v", a.Status, a.RunAt)
	}
	if a.LastError != "connection reset" {
		t.Fatalf("expected last error retained, got %q", a.LastError)
	}

	a.RunAt = fixedNow
	q.processOne(ctx, models.ActionSync)
	if a.Status != models.ActionPending || !a.RunAt.Equal(fixedNow.Add(2*time.Second)) {
		t.Fatalf("attempt 2: status=%s run_at=%v", a.Status, a.RunAt)
	}

	a.RunAt = fixedNow
	q.processOne(ctx, models.ActionSync)
	if a.Status != models.ActionFailed {
		t.Fatalf("attempt 3: expected FAILED, got %s", a.Status)
	}
	if a.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", a.Attempts)
	}
}

func TestProcessOne_PermanentErrorFailsImmediately(t *testing.T) {
	q, ms := newTestQueue(Options{})
	q.Register(models.ActionSync, func(context.Context, *models.ScheduledAction) error {
		return errors.Join(errors.New("auth rejected"), ErrPermanent)
	})
	q.Enqueue(context.Background(), models.ActionSync, nil, EnqueueOptions{})

	q.processOne(context.Background(), models.ActionSync)
	if ms.actions[0].Status != models.ActionFailed {
		t.Fatalf("expected FAILED, got %s", ms.actions[0].Status)
	}
	if ms.actions[0].Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", ms.actions[0].Attempts)
	}
}

func TestProcessOne_PanicIsRetried(t *testing.T) {
	q, ms := newTestQueue(Options{})
	q.Register(models.ActionSync, func(context.Context, *models.ScheduledAction) error {
		panic("nil map")
	})
	q.Enqueue(context.Background(), models.ActionSync, nil, EnqueueOptions{})

	if _, err := q.processOne(context.Background(), models.ActionSync); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if ms.actions[0].Status != models.ActionPending {
		t.Fatalf("expected retry after panic, got %s", ms.actions[0].Status)
	}
}

func TestProcessOne_RecurringRearms(t *testing.T) {
	q, ms := newTestQueue(Options{})
	ctx := context.Background()
	q.Register(models.ActionRecurringSync, func(context.Context, *models.ScheduledAction) error { return nil })
	q.EnqueueRecurring(ctx, models.ActionRecurringSync, nil, 5*time.Minute, "recurring-sync:1")

	q.processOne(ctx, models.ActionRecurringSync)
	if ms.count() != 2 {
		t.Fatalf("expected re-armed action, got %d actions", ms.count())
	}
	if ms.actions[0].Status != models.ActionSucceeded {
		t.Fatalf("expected first run SUCCEEDED, got %s", ms.actions[0].Status)
	}
	next := ms.actions[1]
	if next.Status != models.ActionPending || !next.RunAt.Equal(fixedNow.Add(5*time.Minute)) {
		t.Fatalf("unexpected next run: status=%s run_at=%v", next.Status, next.RunAt)
	}
	if next.IdempotencyKey != "recurring-sync:1" {
		t.Fatalf("expected key preserved, got %q", next.IdempotencyKey)
	}
}

func TestProcessOne_RecurringFailureDoesNotRearm(t *testing.T) {
	q, ms := newTestQueue(Options{})
	q.Register(models.ActionRecurringSync, func(context.Context, *models.ScheduledAction) error {
		return ErrPermanent
	})
	q.EnqueueRecurring(context.Background(), models.ActionRecurringSync, nil, time.Minute, "r")

	q.processOne(context.Background(), models.ActionRecurringSync)
	if ms.count() != 1 || ms.actions[0].Status != models.ActionFailed {
		t.Fatalf("expected single FAILED action, got %d actions, status %s", ms.count(), ms.actions[0].Status)
	}
}

func TestProcessOne_RecurringCancelledWhileRunning(t *testing.T) {
	q, ms := newTestQueue(Options{})
	ctx := context.Background()
	q.Register(models.ActionRecurringSync, func(ctx context.Context, _ *models.ScheduledAction) error {
		ok, err := q.Cancel(ctx, "recurring-sync:1")
		if err != nil || !ok {
			t.Fatalf("cancel while running: ok=%v err=%v", ok, err)
		}
		return nil
	})
	q.EnqueueRecurring(ctx, models.ActionRecurringSync, nil, time.Minute, "recurring-sync:1")

	if _, err := q.processOne(ctx, models.ActionRecurringSync); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if ms.count() != 1 {
		t.Fatalf("expected no next run, got %d actions", ms.count())
	}
	if ms.actions[0].Status != models.ActionCancelled {
		t.Fatalf("expected CANCELLED, got %s", ms.actions[0].Status)
	}
}

func TestCancel_OnlyPending(t *testing.T) {
	q, ms := newTestQueue(Options{})
	ctx := context.Background()
	q.Enqueue(ctx, models.ActionSend, nil, EnqueueOptions{IdempotencyKey: "send:1"})

	ok, err := q.Cancel(ctx, "send:1")
	if err != nil || !ok {
		t.Fatalf("expected cancel, ok=%v err=%v", ok, err)
	}
	if ms.actions[0].Status != models.ActionCancelled {
		t.Fatalf("expected CANCELLED, got %s", ms.actions[0].Status)
	}

	q.Enqueue(ctx, models.ActionSend, nil, EnqueueOptions{IdempotencyKey: "send:2"})
	ms.actions[1].Status = models.ActionRunning
	ok, err = q.Cancel(ctx, "send:2")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatalf("expected cancel of a running action to be rejected")
	}
}

func TestEnqueue_AfterCancelCreatesNewAction(t *testing.T) {
	q, ms := newTestQueue(Options{})
	ctx := context.Background()
	q.Enqueue(ctx, models.ActionSnoozeWake, nil, EnqueueOptions{IdempotencyKey: "snooze:1"})
	q.Cancel(ctx, "snooze:1")

	_, created, err := q.Enqueue(ctx, models.ActionSnoozeWake, nil, EnqueueOptions{IdempotencyKey: "snooze:1"})
	if err != nil || !created {
		t.Fatalf("expected new action after cancel, created=%v err=%v", created, err)
	}
	if ms.count() != 2 {
		t.Fatalf("expected 2 actions, got %d", ms.count())
	}
}

func TestRetryDelay_CapsAtMax(t *testing.T) {
	q, _ := newTestQueue(Options{RetryBaseDelay: time.Second, MaxRetryDelay: 5 * time.Second})
	cases := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 10: 5 * time.Second}
	for attempt, want := range cases {
		if got := q.retryDelay(attempt); got != want {
			t.Errorf("retryDelay(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestMaintain_UsesLeaseAndRetention(t *testing.T) {
	q, ms := newTestQueue(Options{Lease: time.Minute, Retention: time.Hour})
	if err := q.Maintain(context.Background()); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if !ms.requeueCutoff.Equal(fixedNow.Add(-time.Minute)) {
		t.Fatalf("unexpected requeue cutoff %v", ms.requeueCutoff)
	}
	if !ms.purgeCutoff.Equal(fixedNow.Add(-time.Hour)) {
		t.Fatalf("unexpected purge cutoff %v", ms.purgeCutoff)
	}
}

func TestStart_BoundsConcurrencyPerKind(t *testing.T) {
	q, ms := newTestQueue(Options{Concurrency: 2, PollInterval: time.Millisecond})
	ctx := context.Background()

	var inFlight, peak, done atomic.Int32
	release := make(chan struct{})
	q.Register(models.ActionPriorityRecompute, func(context.Context, *models.ScheduledAction) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})
	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, models.ActionPriorityRecompute, nil, EnqueueOptions{})
	}

	q.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for inFlight.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	for done.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Stop()

	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", peak.Load())
	}
	if done.Load() != 5 {
		t.Fatalf("expected all 5 actions handled, got %d", done.Load())
	}
	for _, a := range ms.actions {
		if a.Status != models.ActionSucceeded {
			t.Fatalf("expected SUCCEEDED, got %s", a.Status)
		}
	}
}
