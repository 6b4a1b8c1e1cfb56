// Package jobqueue is a durable, retrying executor for ScheduledActions.
//
// Actions live in the store; workers claim them with an atomic status flip, so
// delivery is at-least-once and a crashed worker's action is requeued once its
// lease expires. At most one non-terminal action exists per idempotency key.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/store"
	"github.com/znz-systems/mailpipe/internal/ticker"
)

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent failure")

var ErrUnknownKind = errors.New("no handler registered for action kind")

// Handler executes one claimed action. Returning an error schedules a retry
// unless the error wraps ErrPermanent or attempts are exhausted.
type Handler func(ctx context.Context, action *models.ScheduledAction) error

type Options struct {
	Concurrency         int
	PollInterval        time.Duration
	RetryBaseDelay      time.Duration
	MaxRetryDelay       time.Duration
	MaxAttempts         int
	Retention           time.Duration
	Lease               time.Duration
	MaintenanceInterval time.Duration
}

type EnqueueOptions struct {
	Delay          time.Duration
	IdempotencyKey string
	MaxAttempts    int
}

type Queue struct {
	actions  store.ActionStore
	handlers map[models.ActionKind]Handler
	now      func() time.Time

	concurrency    int
	pollInterval   time.Duration
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
	maxAttempts    int
	retention      time.Duration
	lease          time.Duration

	maintenance *ticker.Loop
	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(actions store.ActionStore, opts Options) *Queue {
	q := &Queue{
		actions:        actions,
		handlers:       make(map[models.ActionKind]Handler),
		now:            func() time.Time { return time.Now().UTC() },
		concurrency:    opts.Concurrency,
		pollInterval:   opts.PollInterval,
		retryBaseDelay: opts.RetryBaseDelay,
		maxRetryDelay:  opts.MaxRetryDelay,
		maxAttempts:    opts.MaxAttempts,
		retention:      opts.Retention,
		lease:          opts.Lease,
	}
	if q.concurrency <= 0 {
		q.concurrency = 5
	}
	if q.pollInterval <= 0 {
		q.pollInterval = 500 * time.Millisecond
	}
	if q.retryBaseDelay <= 0 {
		q.retryBaseDelay = 5 * time.Second
	}
	if q.maxRetryDelay <= 0 {
		q.maxRetryDelay = 10 * time.Minute
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.retention <= 0 {
		q.retention = 7 * 24 * time.Hour
	}
	if q.lease <= 0 {
		q.lease = 15 * time.Minute
	}
	interval := opts.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	q.maintenance = ticker.New("jobqueue-maintenance", interval, q.Maintain)
	return q
}

// Register binds a handler to a kind. It must be called before Start.
func (q *Queue) Register(kind models.ActionKind, h Handler) {
	q.handlers[kind] = h
}

// Enqueue persists a one-shot action. created is false when an action with the same
// idempotency key is still pending or running; that action is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, kind models.ActionKind, payload any, opts EnqueueOptions) (*models.ScheduledAction, bool, error) {
	return q.enqueue(ctx, kind, payload, opts, 0)
}

// EnqueueRecurring persists an action that re-arms itself interval after each successful run.
func (q *Queue) EnqueueRecurring(ctx context.Context, kind models.ActionKind, payload any, interval time.Duration, idempotencyKey string) (*models.ScheduledAction, bool, error) {
	if interval <= 0 {
		return nil, false, fmt.Errorf("recurring interval must be positive, got %s", interval)
	}
	return q.enqueue(ctx, kind, payload, EnqueueOptions{IdempotencyKey: idempotencyKey}, interval)
}

func (q *Queue) enqueue(ctx context.Context, kind models.ActionKind, payload any, opts EnqueueOptions, interval time.Duration) (*models.ScheduledAction, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	key := opts.IdempotencyKey
	if key == "" {
		key = string(kind) + ":" + uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}

	action, created, err := q.actions.CreateAction(ctx, models.ActionCreateParams{
		Kind:           kind,
		Payload:        raw,
		RunAt:          q.now().Add(delay),
		MaxAttempts:    maxAttempts,
		IdempotencyKey: key,
		IntervalMs:     interval.Milliseconds(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("create %s action: %w", kind, err)
	}
	if created {
		slog.Info("action enqueued", "kind", kind, "action_id", action.PublicID, "key", key, "run_at", action.RunAt)
	}
	return action, created, nil
}

// Cancel removes a still-pending action. It reports false when nothing pending
// matched, including when a worker has already claimed it.
func (q *Queue) Cancel(ctx context.Context, idempotencyKey string) (bool, error) {
	ok, err := q.actions.CancelActionByKey(ctx, idempotencyKey)
	if err != nil {
		return false, fmt.Errorf("cancel action %q: %w", idempotencyKey, err)
	}
	return ok, nil
}

func (q *Queue) Get(ctx context.Context, publicID uuid.UUID) (*models.ScheduledAction, error) {
	return q.actions.GetActionByPublicID(ctx, publicID)
}

// Start launches a bounded worker pool per registered kind plus the maintenance loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)

	for kind := range q.handlers {
		for i := 0; i < q.concurrency; i++ {
			q.wg.Add(1)
			go func(kind models.ActionKind) {
				defer q.wg.Done()
				q.run(ctx, kind)
			}(kind)
		}
	}
	q.maintenance.Start(ctx)
	slog.Info("job queue started", "kinds", len(q.handlers), "concurrency", q.concurrency)
}

// Stop signals workers and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	q.maintenance.Stop()
	q.wg.Wait()
	slog.Info("job queue stopped")
}

func (q *Queue) run(ctx context.Context, kind models.ActionKind) {
	t := time.NewTicker(q.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := q.processOne(ctx, kind)
		if err != nil && ctx.Err() == nil {
			slog.Error("job worker cycle failed", "kind", kind, "error", err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (q *Queue) processOne(ctx context.Context, kind models.ActionKind) (bool, error) {
	action, err := q.actions.ClaimNextAction(ctx, kind)
	if err != nil {
		return false, fmt.Errorf("claim %s action: %w", kind, err)
	}
	if action == nil {
		return false, nil
	}

	h, ok := q.handlers[kind]
	if !ok {
		if err := q.actions.MarkActionFailed(ctx, action.ID, ErrUnknownKind.Error()); err != nil {
			return true, fmt.Errorf("mark action failed: %w", err)
		}
		return true, nil
	}

	runErr := q.execute(ctx, h, action)
	if runErr == nil {
		if action.IntervalMs > 0 {
			next := q.now().Add(time.Duration(action.IntervalMs) * time.Millisecond)
			if _, err := q.actions.RearmAction(ctx, action.ID, next); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					slog.Info("recurring action cancelled while running", "kind", kind, "action_id", action.PublicID)
					return true, nil
				}
				return true, fmt.Errorf("rearm action: %w", err)
			}
			return true, nil
		}
		if err := q.actions.MarkActionSucceeded(ctx, action.ID); err != nil {
			return true, fmt.Errorf("mark action succeeded: %w", err)
		}
		return true, nil
	}

	if errors.Is(runErr, ErrPermanent) || action.Attempts >= action.MaxAttempts {
		slog.Warn("action failed", "kind", kind, "action_id", action.PublicID, "attempts", action.Attempts, "error", runErr)
		if err := q.actions.MarkActionFailed(ctx, action.ID, runErr.Error()); err != nil {
			return true, fmt.Errorf("mark action failed: %w", err)
		}
		return true, nil
	}

	delay := q.retryDelay(action.Attempts)
	slog.Info("action will retry", "kind", kind, "action_id", action.PublicID, "attempts", action.Attempts, "delay", delay, "error", runErr)
	if err := q.actions.MarkActionRetry(ctx, action.ID, q.now().Add(delay), runErr.Error()); err != nil {
		return true, fmt.Errorf("mark action retry: %w", err)
	}
	return true, nil
}

func (q *Queue) execute(ctx context.Context, h Handler, action *models.ScheduledAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, action)
}

func (q *Queue) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			return q.maxRetryDelay
		}
	}
	if delay > q.maxRetryDelay {
		return q.maxRetryDelay
	}
	return delay
}

// Maintain requeues actions whose worker lease expired and purges terminal
// actions older than the retention period.
func (q *Queue) Maintain(ctx context.Context) error {
	now := q.now()
	requeued, err := q.actions.RequeueStaleActions(ctx, now.Add(-q.lease))
	if err != nil {
		return fmt.Errorf("requeue stale actions: %w", err)
	}
	purged, err := q.actions.PurgeActions(ctx, now.Add(-q.retention))
	if err != nil {
		return fmt.Errorf("purge actions: %w", err)
	}
	if requeued > 0 || purged > 0 {
		slog.Info("job queue maintenance", "requeued", requeued, "purged", purged)
	}
	return nil
}

// Payload decodes an action payload into v.
func Payload(action *models.ScheduledAction, v any) error {
	if err := json.Unmarshal(action.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", action.Kind, err, ErrPermanent)
	}
	return nil
}
