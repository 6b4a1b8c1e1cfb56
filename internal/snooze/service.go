// Package snooze parks messages in the SNOOZED folder until a wake time and
// restores them, unread, to the folder they came from.
package snooze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/notify"
	"github.com/znz-systems/mailpipe/internal/store"
	"github.com/znz-systems/mailpipe/internal/ticker"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrAlreadySnoozed  = errors.New("message is already snoozed")
	ErrNotSnoozed      = errors.New("message is not snoozed")
	ErrWakeInPast      = errors.New("wake time must be in the future")
)

// WakeScheduler arranges a durable wake-up for a snoozed message.
type WakeScheduler interface {
	ScheduleWake(ctx context.Context, messageID int64, at time.Time) error
	CancelWake(ctx context.Context, messageID int64) error
}

type NoopWakeScheduler struct{}

func (NoopWakeScheduler) ScheduleWake(context.Context, int64, time.Time) error { return nil }
func (NoopWakeScheduler) CancelWake(context.Context, int64) error              { return nil }

type Options struct {
	SweepInterval time.Duration
	BatchSize     int
}

type Service struct {
	messages  store.MessageStore
	wakes     WakeScheduler
	notifier  notify.Notifier
	now       func() time.Time
	batchSize int
	loop      *ticker.Loop
}

func NewService(messages store.MessageStore, wakes WakeScheduler, notifier notify.Notifier, opts Options) *Service {
	if wakes == nil {
		wakes = NoopWakeScheduler{}
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 100
	}
	s := &Service{
		messages:  messages,
		wakes:     wakes,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: batch,
	}
	s.loop = ticker.New("snooze-sweep", interval, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
	return s
}

// SetWakeScheduler replaces the wake scheduler; used when the job queue is built after the service.
func (s *Service) SetWakeScheduler(w WakeScheduler) {
	s.wakes = w
}

func (s *Service) Start(ctx context.Context) { s.loop.Start(ctx) }
func (s *Service) Stop()                     { s.loop.Stop() }

// Snooze moves the user's message out of its folder until wakeAt.
func (s *Service) Snooze(ctx context.Context, userID int64, publicID uuid.UUID, wakeAt time.Time) (*models.EmailMessage, error) {
	msg, err := s.owned(ctx, userID, publicID)
	if err != nil {
		return nil, err
	}
	if msg.Snoozed() {
		return nil, ErrAlreadySnoozed
	}
	if !wakeAt.After(s.now()) {
		return nil, ErrWakeInPast
	}

	if err := s.messages.SnoozeMessage(ctx, msg.ID, wakeAt.UTC()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadySnoozed
		}
		return nil, fmt.Errorf("snoozing message: %w", err)
	}
	if err := s.wakes.ScheduleWake(ctx, msg.ID, wakeAt); err != nil {
		// The sweep restores the message without a scheduled wake-up.
		slog.Warn("failed to schedule snooze wake-up", "message_id", msg.ID, "error", err)
	}

	updated, err := s.messages.GetMessageByID(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading message: %w", err)
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventEmailUpdated,
		UserID: userID,
		Data:   map[string]string{"messageId": publicID.String(), "folder": string(models.FolderSnoozed)},
	})
	return updated, nil
}

// Unsnooze restores a snoozed message immediately.
func (s *Service) Unsnooze(ctx context.Context, userID int64, publicID uuid.UUID) (*models.EmailMessage, error) {
	msg, err := s.owned(ctx, userID, publicID)
	if err != nil {
		return nil, err
	}
	if !msg.Snoozed() {
		return nil, ErrNotSnoozed
	}

	restored, err := s.messages.RestoreSnoozedMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("restoring message: %w", err)
	}
	if !restored {
		return nil, ErrNotSnoozed
	}
	if err := s.wakes.CancelWake(ctx, msg.ID); err != nil {
		slog.Warn("failed to cancel snooze wake-up", "message_id", msg.ID, "error", err)
	}

	updated, err := s.messages.GetMessageByID(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading message: %w", err)
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventEmailUpdated,
		UserID: userID,
		Data:   map[string]string{"messageId": publicID.String(), "folder": string(updated.Folder)},
	})
	return updated, nil
}

// Wake restores a message whose snooze has expired. It is a no-op when the
// message was already restored or its wake time moved into the future.
func (s *Service) Wake(ctx context.Context, messageID int64) error {
	msg, err := s.messages.GetMessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading message: %w", err)
	}
	if !msg.Snoozed() || msg.SnoozedUntil.After(s.now()) {
		return nil
	}
	return s.restore(ctx, msg)
}

// Sweep restores one bounded batch of due messages. A failure on one message is
// logged and does not stop the rest of the batch.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	due, err := s.messages.ListDueSnoozedMessages(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing due snoozed messages: %w", err)
	}

	restored := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.restore(ctx, &due[i]); err != nil {
			slog.Error("failed to restore snoozed message", "message_id", due[i].ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		slog.Info("snooze sweep restored messages", "restored", restored, "due", len(due))
	}
	return restored, nil
}

func (s *Service) restore(ctx context.Context, msg *models.EmailMessage) error {
	ok, err := s.messages.RestoreSnoozedMessage(ctx, msg.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	folder := models.FolderInbox
	if msg.SnoozedFromFolder != nil {
		folder = *msg.SnoozedFromFolder
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventSnoozeComplete,
		UserID: msg.UserID,
		Data:   map[string]string{"messageId": msg.PublicID.String(), "folder": string(folder)},
	})
	return nil
}

func (s *Service) owned(ctx context.Context, userID int64, publicID uuid.UUID) (*models.EmailMessage, error) {
	msg, err := s.messages.GetMessageByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if msg.UserID != userID {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}
