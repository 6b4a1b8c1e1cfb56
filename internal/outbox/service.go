// Package outbox holds outgoing mail for an undo window or a future schedule and
// hands it to the transport exactly once per claim.
//
// State machine: PENDING -> SENDING -> {SENT, FAILED}; PENDING -> CANCELLED only
// while now < sendAt. A failed attempt returns the entry to PENDING after
// RetryDelay until MaxAttempts is reached.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/notify"
	"github.com/znz-systems/mailpipe/internal/store"
	"github.com/znz-systems/mailpipe/internal/ticker"
)

var (
	ErrEntryNotFound     = errors.New("outbox entry not found")
	ErrNoRecipients      = errors.New("at least one recipient is required")
	ErrSenderRequired    = errors.New("sender address is required")
	ErrScheduleInPast    = errors.New("scheduled send time is in the past")
	ErrEmptyMessage      = errors.New("subject or body is required")
	ErrInvalidRecipients = errors.New("invalid recipient address")
)

// CancelError explains why a cancellation was rejected.
type CancelError struct {
	Status models.OutboxStatus
	Reason string
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cannot cancel send: %s (status %s)", e.Reason, e.Status)
}

// Mail is what the transport delivers.
type Mail struct {
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTML        string
	Text        string
}

// Transport delivers a message and returns its Message-ID.
type Transport interface {
	Send(ctx context.Context, m Mail) (messageRef string, err error)
}

// ErrTransportDisabled is returned by DisabledTransport.
var ErrTransportDisabled = errors.New("outgoing mail is not configured")

// DisabledTransport fails every send. Used when no SMTP relay is configured.
type DisabledTransport struct{}

func (DisabledTransport) Send(context.Context, Mail) (string, error) { return "", ErrTransportDisabled }

// SendScheduler arranges a durable trigger for an entry's send time.
type SendScheduler interface {
	ScheduleSend(ctx context.Context, entryID int64, at time.Time) error
	CancelSend(ctx context.Context, entryID int64) error
}

type NoopSendScheduler struct{}

func (NoopSendScheduler) ScheduleSend(context.Context, int64, time.Time) error { return nil }
func (NoopSendScheduler) CancelSend(context.Context, int64) error              { return nil }

type Options struct {
	UndoDelay         time.Duration
	ScheduleThreshold time.Duration
	SweepInterval     time.Duration
	RetryDelay        time.Duration
	MaxAttempts       int
	BatchSize         int
	// SendTimeout bounds one claimed entry from transport hand-off to the final mark.
	SendTimeout time.Duration
}

type QueueRequest struct {
	UserID      int64
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTML        string
	Text        string
	SendAt      *time.Time
}

type QueueResult struct {
	Entry *models.OutboxEntry
	// Cancelable is false for true scheduled sends beyond the undo threshold.
	Cancelable bool
	Scheduled  bool
}

type Service struct {
	entries   store.OutboxStore
	messages  store.MessageStore
	transport Transport
	sends     SendScheduler
	notifier  notify.Notifier
	now       func() time.Time

	undoDelay         time.Duration
	scheduleThreshold time.Duration
	retryDelay        time.Duration
	maxAttempts       int
	batchSize         int
	sendTimeout       time.Duration
	loop              *ticker.Loop
}

func NewService(entries store.OutboxStore, messages store.MessageStore, transport Transport, notifier notify.Notifier, opts Options) *Service {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	s := &Service{
		entries:           entries,
		messages:          messages,
		transport:         transport,
		sends:             NoopSendScheduler{},
		notifier:          notifier,
		now:               func() time.Time { return time.Now().UTC() },
		undoDelay:         opts.UndoDelay,
		scheduleThreshold: opts.ScheduleThreshold,
		retryDelay:        opts.RetryDelay,
		maxAttempts:       opts.MaxAttempts,
		batchSize:         opts.BatchSize,
		sendTimeout:       opts.SendTimeout,
	}
	if s.undoDelay <= 0 {
		s.undoDelay = 10 * time.Second
	}
	if s.scheduleThreshold <= 0 {
		s.scheduleThreshold = time.Minute
	}
	if s.retryDelay <= 0 {
		s.retryDelay = 30 * time.Second
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	if s.batchSize <= 0 {
		s.batchSize = 20
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = 2 * time.Minute
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	s.loop = ticker.New("outbox-sweep", interval, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
	return s
}

func (s *Service) SetSendScheduler(sched SendScheduler) {
	s.sends = sched
}

func (s *Service) Start(ctx context.Context) { s.loop.Start(ctx) }
func (s *Service) Stop()                     { s.loop.Stop() }

// Queue stores a new PENDING entry due at req.SendAt, or after the undo delay when unset.
func (s *Service) Queue(ctx context.Context, req QueueRequest) (*QueueResult, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	now := s.now()
	sendAt := now.Add(s.undoDelay)
	if req.SendAt != nil {
		if req.SendAt.Before(now) {
			return nil, ErrScheduleInPast
		}
		sendAt = req.SendAt.UTC()
	}

	entry, err := s.entries.CreateOutboxEntry(ctx, models.OutboxCreateParams{
		UserID:      req.UserID,
		FromAddress: req.FromAddress,
		FromName:    req.FromName,
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		BodyHTML:    req.HTML,
		BodyText:    req.Text,
		SendAt:      sendAt,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating outbox entry: %w", err)
	}

	scheduled := sendAt.Sub(now) > s.scheduleThreshold
	if scheduled {
		if err := s.sends.ScheduleSend(ctx, entry.ID, sendAt); err != nil {
			slog.Warn("failed to schedule send trigger", "outbox_id", entry.PublicID, "error", err)
		}
	}

	slog.Info("outbox entry queued", "outbox_id", entry.PublicID, "user_id", req.UserID, "send_at", sendAt, "scheduled", scheduled)
	return &QueueResult{Entry: entry, Cancelable: !scheduled, Scheduled: scheduled}, nil
}

// Cancel stops a PENDING entry before its send time. Any other state yields a *CancelError.
func (s *Service) Cancel(ctx context.Context, userID int64, publicID uuid.UUID) (*models.OutboxEntry, error) {
	entry, err := s.owned(ctx, userID, publicID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ok, err := s.entries.CancelOutboxEntry(ctx, entry.ID, now)
	if err != nil {
		return nil, fmt.Errorf("cancelling outbox entry: %w", err)
	}
	if !ok {
		// Re-read so the reason reflects the state that beat us.
		current, err := s.entries.GetOutboxEntryByID(ctx, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("reloading outbox entry: %w", err)
		}
		return nil, cancelRejection(current, now)
	}

	if err := s.sends.CancelSend(ctx, entry.ID); err != nil {
		slog.Warn("failed to cancel send trigger", "outbox_id", entry.PublicID, "error", err)
	}
	entry.Status = models.OutboxCancelled
	slog.Info("outbox entry cancelled", "outbox_id", entry.PublicID)
	return entry, nil
}

func cancelRejection(e *models.OutboxEntry, now time.Time) *CancelError {
	switch e.Status {
	case models.OutboxPending:
		if !now.Before(e.SendAt) {
			return &CancelError{Status: e.Status, Reason: "too late, the undo window has expired"}
		}
		return &CancelError{Status: e.Status, Reason: "entry changed concurrently"}
	case models.OutboxSending:
		return &CancelError{Status: e.Status, Reason: "already sending"}
	case models.OutboxSent:
		return &CancelError{Status: e.Status, Reason: "already sent"}
	case models.OutboxFailed:
		return &CancelError{Status: e.Status, Reason: "already failed"}
	case models.OutboxCancelled:
		return &CancelError{Status: e.Status, Reason: "already cancelled"}
	default:
		return &CancelError{Status: e.Status, Reason: "unknown status"}
	}
}

// Sweep claims one bounded batch of due entries and delivers each. When ctx
// is cancelled mid-batch the entry being sent still completes and the rest
// go back to PENDING.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	claimed, err := s.entries.ClaimDueOutboxEntries(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming due outbox entries: %w", err)
	}
	for i := range claimed {
		if ctx.Err() != nil {
			s.release(ctx, claimed[i:])
			return i, nil
		}
		s.deliver(ctx, &claimed[i])
	}
	return len(claimed), nil
}

func (s *Service) release(ctx context.Context, entries []models.OutboxEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for i := range entries {
		e := &entries[i]
		if err := s.entries.ReleaseOutboxEntry(ctx, e.ID); err != nil {
			slog.Error("failed to release outbox entry", "outbox_id", e.PublicID, "error", err)
			continue
		}
		slog.Info("outbox entry released unsent", "outbox_id", e.PublicID)
	}
}

// Deliver claims and sends a single entry if it is due. Entries that are not
// PENDING or not yet due are left alone.
func (s *Service) Deliver(ctx context.Context, entryID int64) error {
	entry, err := s.entries.ClaimOutboxEntry(ctx, entryID, s.now())
	if err != nil {
		return fmt.Errorf("claiming outbox entry: %w", err)
	}
	if entry == nil {
		return nil
	}
	s.deliver(ctx, entry)
	return nil
}

// deliver always settles a claimed entry; SENDING is never requeued, so the
// caller's cancellation is not allowed to cut it short.
func (s *Service) deliver(ctx context.Context, e *models.OutboxEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()

	ref, sendErr := s.transport.Send(ctx, Mail{
		FromAddress: e.FromAddress,
		FromName:    e.FromName,
		To:          e.To,
		Cc:          e.Cc,
		Bcc:         e.Bcc,
		Subject:     e.Subject,
		HTML:        e.BodyHTML,
		Text:        e.BodyText,
	})
	if sendErr != nil {
		s.handleFailure(ctx, e, sendErr)
		return
	}

	sentRef := s.recordSent(ctx, e, ref)
	if err := s.entries.MarkOutboxSent(ctx, e.ID, sentRef); err != nil {
		slog.Error("failed to mark outbox entry sent", "outbox_id", e.PublicID, "error", err)
		return
	}
	slog.Info("outbox entry sent", "outbox_id", e.PublicID, "attempts", e.Attempts)

	data := map[string]string{"outboxId": e.PublicID.String(), "status": string(models.OutboxSent)}
	if sentRef != nil {
		data["messageId"] = sentRef.String()
	}
	s.notifier.Notify(ctx, notify.Event{Type: notify.EventSendComplete, UserID: e.UserID, Data: data})
}

func (s *Service) handleFailure(ctx context.Context, e *models.OutboxEntry, sendErr error) {
	if e.Attempts >= e.MaxAttempts {
		slog.Warn("outbox entry failed", "outbox_id", e.PublicID, "attempts", e.Attempts, "error", sendErr)
		if err := s.entries.MarkOutboxFailed(ctx, e.ID, sendErr.Error()); err != nil {
			slog.Error("failed to mark outbox entry failed", "outbox_id", e.PublicID, "error", err)
			return
		}
		s.notifier.Notify(ctx, notify.Event{
			Type:   notify.EventSendComplete,
			UserID: e.UserID,
			Data:   map[string]string{"outboxId": e.PublicID.String(), "status": string(models.OutboxFailed), "error": sendErr.Error()},
		})
		return
	}

	next := s.now().Add(s.retryDelay)
	slog.Info("outbox entry will retry", "outbox_id", e.PublicID, "attempts", e.Attempts, "next", next, "error", sendErr)
	if err := s.entries.MarkOutboxRetry(ctx, e.ID, next, sendErr.Error()); err != nil {
		slog.Error("failed to mark outbox entry for retry", "outbox_id", e.PublicID, "error", err)
	}
}

// recordSent stores the sent copy. The mail has already left, so failures here
// are logged and the entry is still marked SENT.
func (s *Service) recordSent(ctx context.Context, e *models.OutboxEntry, messageRef string) *uuid.UUID {
	if messageRef == "" {
		messageRef = fmt.Sprintf("outbox-%s@mailpipe", e.PublicID)
	}
	created, err := s.messages.CreateMessage(ctx, &models.EmailMessage{
		UserID:    e.UserID,
		MessageID: messageRef,
		Folder:    models.FolderSent,
		From:      strings.ToLower(e.FromAddress),
		To:        lowerAll(e.To),
		Cc:        lowerAll(e.Cc),
		Subject:   e.Subject,
		BodyHTML:  e.BodyHTML,
		BodyText:  e.BodyText,
		IsRead:    true,
		SentAt:    s.now(),
	})
	if err == nil {
		return &created.PublicID
	}
	if errors.Is(err, store.ErrDuplicate) {
		existing, getErr := s.messages.GetMessageByMessageID(ctx, e.UserID, messageRef)
		if getErr == nil {
			return &existing.PublicID
		}
		err = getErr
	}
	slog.Error("failed to record sent message", "outbox_id", e.PublicID, "error", err)
	return nil
}

func (s *Service) owned(ctx context.Context, userID int64, publicID uuid.UUID) (*models.OutboxEntry, error) {
	entry, err := s.entries.GetOutboxEntryByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("loading outbox entry: %w", err)
	}
	if entry.UserID != userID {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

func validate(req *QueueRequest) error {
	if strings.TrimSpace(req.FromAddress) == "" {
		return ErrSenderRequired
	}
	if len(req.To)+len(req.Cc)+len(req.Bcc) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.HTML) == "" && strings.TrimSpace(req.Text) == "" {
		return ErrEmptyMessage
	}

	var err error
	if req.To, err = normalizeAddresses(req.To); err != nil {
		return err
	}
	if req.Cc, err = normalizeAddresses(req.Cc); err != nil {
		return err
	}
	if req.Bcc, err = normalizeAddresses(req.Bcc); err != nil {
		return err
	}
	return nil
}

func normalizeAddresses(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		addr, err := mail.ParseAddress(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRecipients, raw)
		}
		out = append(out, strings.ToLower(addr.Address))
	}
	return out, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToLower(v)
	}
	return out
}
