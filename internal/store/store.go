package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	// ErrConflict is returned when a guarded update finds the row in an unexpected state.
	ErrConflict = errors.New("state changed concurrently")
)

type ActionStore interface {
	// CreateAction inserts a PENDING action. When a non-terminal action with the same
	// idempotency key exists, it is returned instead and created is false.
	CreateAction(ctx context.Context, params models.ActionCreateParams) (action *models.ScheduledAction, created bool, err error)
	GetActionByPublicID(ctx context.Context, publicID uuid.UUID) (*models.ScheduledAction, error)
	// ClaimNextAction flips the oldest due PENDING action of kind to RUNNING and
	// increments attempts. It returns nil, nil when nothing is due.
	ClaimNextAction(ctx context.Context, kind models.ActionKind) (*models.ScheduledAction, error)
	MarkActionSucceeded(ctx context.Context, id int64) error
	MarkActionRetry(ctx context.Context, id int64, runAt time.Time, lastError string) error
	MarkActionFailed(ctx context.Context, id int64, lastError string) error
	// RearmAction marks a recurring action SUCCEEDED and inserts its next run in one transaction.
	RearmAction(ctx context.Context, id int64, nextRunAt time.Time) (*models.ScheduledAction, error)
	// CancelActionByKey cancels the PENDING action for the key. A RUNNING recurring
	// action is cancelled too, so it finishes its run without re-arming.
	CancelActionByKey(ctx context.Context, idempotencyKey string) (bool, error)
	RequeueStaleActions(ctx context.Context, lockedBefore time.Time) (int64, error)
	PurgeActions(ctx context.Context, finishedBefore time.Time) (int64, error)
}

type MessageStore interface {
	// CreateMessage returns ErrDuplicate when the user already has the message id.
	// Message ids are unique per user, not across users.
	CreateMessage(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error)
	MessageExists(ctx context.Context, userID int64, messageID string) (bool, error)
	UpdateMessageFlags(ctx context.Context, userID int64, messageID string, isRead, isStarred bool) error
	GetMessageByID(ctx context.Context, id int64) (*models.EmailMessage, error)
	GetMessageByPublicID(ctx context.Context, publicID uuid.UUID) (*models.EmailMessage, error)
	GetMessageByMessageID(ctx context.Context, userID int64, messageID string) (*models.EmailMessage, error)
	ListMessagesByFolders(ctx context.Context, userID int64, folders []models.Folder, limit int) ([]models.EmailMessage, error)
	// SnoozeMessage parks an active message. ErrConflict means it was already snoozed.
	SnoozeMessage(ctx context.Context, id int64, until time.Time) error
	// RestoreSnoozedMessage returns the message to its previous folder as unread.
	// It reports false when the message was not snoozed.
	RestoreSnoozedMessage(ctx context.Context, id int64) (bool, error)
	ListDueSnoozedMessages(ctx context.Context, now time.Time, limit int) ([]models.EmailMessage, error)
	GetSenderHistories(ctx context.Context, userID int64, addresses []string) (map[string]models.SenderHistory, error)
	SetPriorityScores(ctx context.Context, scores map[int64]float64) error
}

type CredentialStore interface {
	UpsertCredential(ctx context.Context, userID int64, address, encryptedSecret string) (*models.MailCredential, error)
	GetCredential(ctx context.Context, userID int64) (*models.MailCredential, error)
	MarkCredentialVerified(ctx context.Context, userID int64) error
}

type CursorStore interface {
	GetCursor(ctx context.Context, userID int64, folder models.Folder) (*models.SyncCursor, error)
	HasSeen(ctx context.Context, userID int64, folder models.Folder, messageID string) (bool, error)
	MarkSeen(ctx context.Context, userID int64, folder models.Folder, messageID string) error
	TouchCursor(ctx context.Context, userID int64, folder models.Folder, syncedAt time.Time) error
	// RecordOpenFailure increments and returns the consecutive folder-open failure count.
	RecordOpenFailure(ctx context.Context, userID int64, folder models.Folder) (int, error)
	ResetCursor(ctx context.Context, userID int64, folder models.Folder) error
}

type OutboxStore interface {
	CreateOutboxEntry(ctx context.Context, params models.OutboxCreateParams) (*models.OutboxEntry, error)
	GetOutboxEntryByID(ctx context.Context, id int64) (*models.OutboxEntry, error)
	GetOutboxEntryByPublicID(ctx context.Context, publicID uuid.UUID) (*models.OutboxEntry, error)
	// CancelOutboxEntry flips PENDING to CANCELLED only while now < send_at.
	CancelOutboxEntry(ctx context.Context, id int64, now time.Time) (bool, error)
	// ClaimDueOutboxEntries flips up to limit due PENDING entries to SENDING and increments attempts.
	ClaimDueOutboxEntries(ctx context.Context, now time.Time, limit int) ([]models.OutboxEntry, error)
	// ClaimOutboxEntry claims a single entry; nil, nil when it is not due or not PENDING.
	ClaimOutboxEntry(ctx context.Context, id int64, now time.Time) (*models.OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, id int64, sentMessageRef *uuid.UUID) error
	MarkOutboxRetry(ctx context.Context, id int64, sendAt time.Time, errorMessage string) error
	MarkOutboxFailed(ctx context.Context, id int64, errorMessage string) error
	// ReleaseOutboxEntry returns a claimed entry that was never handed to the
	// transport to PENDING and gives back the attempt the claim consumed.
	ReleaseOutboxEntry(ctx context.Context, id int64) error
}

type DeviceTokenStore interface {
	AddDeviceToken(ctx context.Context, userID int64, token string) error
	ListDeviceTokens(ctx context.Context, userID int64) ([]string, error)
	DeleteDeviceTokens(ctx context.Context, tokens []string) error
}
