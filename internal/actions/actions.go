// Package actions binds ScheduledAction kinds to the mail engines and offers
// the enqueue helpers the trigger surface calls.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/znz-systems/mailpipe/internal/imapsync"
	"github.com/znz-systems/mailpipe/internal/jobqueue"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/store"
)

type SyncPayload struct {
	UserID int64         `json:"userId"`
	Folder models.Folder `json:"folder,omitempty"`
	Limit  int           `json:"limit,omitempty"`
}

type SendPayload struct {
	EntryID int64 `json:"entryId"`
}

type WakePayload struct {
	MessageID int64 `json:"messageId"`
}

type RecomputePayload struct {
	UserID int64 `json:"userId"`
}

// Enqueuer is the subset of *jobqueue.Queue used here.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.ActionKind, payload any, opts jobqueue.EnqueueOptions) (*models.ScheduledAction, bool, error)
	EnqueueRecurring(ctx context.Context, kind models.ActionKind, payload any, interval time.Duration, idempotencyKey string) (*models.ScheduledAction, bool, error)
	Cancel(ctx context.Context, idempotencyKey string) (bool, error)
}

type Syncer interface {
	SyncFolder(ctx context.Context, userID int64, cred imapsync.Credential, folder models.Folder, limit int) (*imapsync.Result, error)
	SyncAllFolders(ctx context.Context, userID int64, cred imapsync.Credential, limit int) ([]imapsync.Result, error)
}

type Sender interface {
	Deliver(ctx context.Context, entryID int64) error
}

type Waker interface {
	Wake(ctx context.Context, messageID int64) error
}

type Recomputer interface {
	Recompute(ctx context.Context, userID int64) (int, error)
}

type Decrypter interface {
	Decrypt(blob string) (string, error)
}

type Handlers struct {
	queue       Enqueuer
	credentials store.CredentialStore
	vault       Decrypter
	syncer      Syncer
	sender      Sender
	waker       Waker
	ranker      Recomputer
	now         func() time.Time
}

func NewHandlers(queue Enqueuer, credentials store.CredentialStore, vault Decrypter, syncer Syncer, sender Sender, waker Waker, ranker Recomputer) *Handlers {
	return &Handlers{
		queue:       queue,
		credentials: credentials,
		vault:       vault,
		syncer:      syncer,
		sender:      sender,
		waker:       waker,
		ranker:      ranker,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register installs every kind handler on q.
func (h *Handlers) Register(q *jobqueue.Queue) {
	q.Register(models.ActionSync, h.Sync)
	q.Register(models.ActionRecurringSync, h.Sync)
	q.Register(models.ActionSend, h.Send)
	q.Register(models.ActionSnoozeWake, h.SnoozeWake)
	q.Register(models.ActionPriorityRecompute, h.PriorityRecompute)
}

// Sync runs one sync cycle. The decrypted password is scoped to this call.
// Authentication failures and missing credentials are permanent.
func (h *Handlers) Sync(ctx context.Context, action *models.ScheduledAction) error {
	var p SyncPayload
	if err := jobqueue.Payload(action, &p); err != nil {
		return err
	}

	stored, err := h.credentials.GetCredential(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no mailbox credential for user %d: %w", p.UserID, jobqueue.ErrPermanent)
		}
		return fmt.Errorf("loading credential: %w", err)
	}
	password, err := h.vault.Decrypt(stored.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("decrypting credential: %w: %w", err, jobqueue.ErrPermanent)
	}
	cred := imapsync.Credential{Address: stored.Address, Password: password}

	var syncErr error
	synced := 0
	if p.Folder != "" {
		res, err := h.syncer.SyncFolder(ctx, p.UserID, cred, p.Folder, p.Limit)
		if res != nil {
			synced = res.Synced
		}
		syncErr = err
	} else {
		results, err := h.syncer.SyncAllFolders(ctx, p.UserID, cred, p.Limit)
		for _, r := range results {
			synced += r.Synced
		}
		syncErr = err
	}

	if synced > 0 {
		if _, err := h.RequestRecompute(ctx, p.UserID); err != nil {
			slog.Warn("failed to enqueue priority recompute", "user_id", p.UserID, "error", err)
		}
	}
	if syncErr != nil {
		var authErr *imapsync.AuthError
		if errors.As(syncErr, &authErr) {
			return fmt.Errorf("%w: %w", syncErr, jobqueue.ErrPermanent)
		}
		return syncErr
	}

	if stored.VerifiedAt == nil {
		if err := h.credentials.MarkCredentialVerified(ctx, p.UserID); err != nil {
			slog.Warn("failed to mark credential verified", "user_id", p.UserID, "error", err)
		}
	}
	return nil
}

func (h *Handlers) Send(ctx context.Context, action *models.ScheduledAction) error {
	var p SendPayload
	if err := jobqueue.Payload(action, &p); err != nil {
		return err
	}
	return h.sender.Deliver(ctx, p.EntryID)
}

func (h *Handlers) SnoozeWake(ctx context.Context, action *models.ScheduledAction) error {
	var p WakePayload
	if err := jobqueue.Payload(action, &p); err != nil {
		return err
	}
	return h.waker.Wake(ctx, p.MessageID)
}

func (h *Handlers) PriorityRecompute(ctx context.Context, action *models.ScheduledAction) error {
	var p RecomputePayload
	if err := jobqueue.Payload(action, &p); err != nil {
		return err
	}
	n, err := h.ranker.Recompute(ctx, p.UserID)
	if err != nil {
		return err
	}
	slog.Debug("priority scores recomputed", "user_id", p.UserID, "messages", n)
	return nil
}

func SyncKey(userID int64, folder models.Folder) string {
	if folder == "" {
		return "sync:" + strconv.FormatInt(userID, 10)
	}
	return "sync:" + strconv.FormatInt(userID, 10) + ":" + string(folder)
}

func RecurringSyncKey(userID int64) string { return "recurring-sync:" + strconv.FormatInt(userID, 10) }
func SendKey(entryID int64) string        { return "send:" + strconv.FormatInt(entryID, 10) }
func WakeKey(messageID int64) string      { return "snooze:" + strconv.FormatInt(messageID, 10) }
func RecomputeKey(userID int64) string    { return "priority:" + strconv.FormatInt(userID, 10) }

// RequestSync enqueues a one-off sync. An empty folder syncs every standard folder.
func (h *Handlers) RequestSync(ctx context.Context, userID int64, folder models.Folder, limit int) (*models.ScheduledAction, bool, error) {
	return h.queue.Enqueue(ctx, models.ActionSync, SyncPayload{UserID: userID, Folder: folder, Limit: limit},
		jobqueue.EnqueueOptions{IdempotencyKey: SyncKey(userID, folder)})
}

func (h *Handlers) StartRecurringSync(ctx context.Context, userID int64, limit int, interval time.Duration) (*models.ScheduledAction, bool, error) {
	return h.queue.EnqueueRecurring(ctx, models.ActionRecurringSync, SyncPayload{UserID: userID, Limit: limit}, interval, RecurringSyncKey(userID))
}

// StopRecurringSync cancels the recurring sync whether it is waiting or
// running. A running sync finishes its current pass and is not re-armed.
func (h *Handlers) StopRecurringSync(ctx context.Context, userID int64) (bool, error) {
	return h.queue.Cancel(ctx, RecurringSyncKey(userID))
}

func (h *Handlers) RequestRecompute(ctx context.Context, userID int64) (*models.ScheduledAction, error) {
	a, _, err := h.queue.Enqueue(ctx, models.ActionPriorityRecompute, RecomputePayload{UserID: userID},
		jobqueue.EnqueueOptions{IdempotencyKey: RecomputeKey(userID)})
	return a, err
}

// ScheduleWake implements snooze.WakeScheduler.
func (h *Handlers) ScheduleWake(ctx context.Context, messageID int64, at time.Time) error {
	_, _, err := h.queue.Enqueue(ctx, models.ActionSnoozeWake, WakePayload{MessageID: messageID},
		jobqueue.EnqueueOptions{Delay: at.Sub(h.now()), IdempotencyKey: WakeKey(messageID)})
	return err
}

func (h *Handlers) CancelWake(ctx context.Context, messageID int64) error {
	_, err := h.queue.Cancel(ctx, WakeKey(messageID))
	return err
}

// ScheduleSend implements outbox.SendScheduler.
func (h *Handlers) ScheduleSend(ctx context.Context, entryID int64, at time.Time) error {
	_, _, err := h.queue.Enqueue(ctx, models.ActionSend, SendPayload{EntryID: entryID},
		jobqueue.EnqueueOptions{Delay: at.Sub(h.now()), IdempotencyKey: SendKey(entryID)})
	return err
}

func (h *Handlers) CancelSend(ctx context.Context, entryID int64) error {
	_, err := h.queue.Cancel(ctx, SendKey(entryID))
	return err
}
