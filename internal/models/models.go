package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ActionKind string

const (
	ActionSync              ActionKind = "SYNC"
	ActionRecurringSync     ActionKind = "RECURRING_SYNC"
	ActionSend              ActionKind = "SEND"
	ActionSnoozeWake        ActionKind = "SNOOZE_WAKE"
	ActionPriorityRecompute ActionKind = "PRIORITY_RECOMPUTE"
)

type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionRunning   ActionStatus = "RUNNING"
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
	ActionCancelled ActionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed || s == ActionCancelled
}

type ScheduledAction struct {
	ID             int64
	PublicID       uuid.UUID
	Kind           ActionKind
	Payload        json.RawMessage
	RunAt          time.Time
	Status         ActionStatus
	Attempts       int
	MaxAttempts    int
	LastError      string
	IdempotencyKey string
	IntervalMs     int64 // > 0 for recurring actions
	LockedAt       *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ActionCreateParams struct {
	Kind           ActionKind
	Payload        json.RawMessage
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyKey string
	IntervalMs     int64
}

type MailCredential struct {
	UserID          int64
	Address         string
	EncryptedSecret string
	VerifiedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Folder string

const (
	FolderInbox   Folder = "INBOX"
	FolderSent    Folder = "SENT"
	FolderDrafts  Folder = "DRAFTS"
	FolderTrash   Folder = "TRASH"
	FolderSpam    Folder = "SPAM"
	FolderArchive Folder = "ARCHIVE"
	FolderSnoozed Folder = "SNOOZED"
)

type SyncCursor struct {
	UserID       int64
	Folder       Folder
	LastSyncedAt *time.Time
	OpenFailures int
}

type EmailMessage struct {
	ID                int64
	PublicID          uuid.UUID
	UserID            int64
	MessageID         string
	Folder            Folder
	From              string
	To                []string
	Cc                []string
	Subject           string
	BodyHTML          string
	BodyText          string
	HasAttachments    bool
	IsRead            bool
	IsStarred         bool
	SentAt            time.Time
	SnoozedUntil      *time.Time
	SnoozedFromFolder *Folder
	PriorityScore     *float64
	RawRef            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Snoozed reports whether the message is currently parked in the snooze folder.
func (m *EmailMessage) Snoozed() bool {
	return m.SnoozedUntil != nil
}

// SenderHistory summarizes a user's past traffic with one sender address.
type SenderHistory struct {
	Address         string
	ReceivedCount   int
	ReplyCount      int
	LastInteraction *time.Time
}

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxSending   OutboxStatus = "SENDING"
	OutboxSent      OutboxStatus = "SENT"
	OutboxFailed    OutboxStatus = "FAILED"
	OutboxCancelled OutboxStatus = "CANCELLED"
)

type OutboxEntry struct {
	ID             int64
	PublicID       uuid.UUID
	UserID         int64
	FromAddress    string
	FromName       string
	To             []string
	Cc             []string
	Bcc            []string
	Subject        string
	BodyHTML       string
	BodyText       string
	SendAt         time.Time
	Status         OutboxStatus
	Attempts       int
	MaxAttempts    int
	SentMessageRef *uuid.UUID
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OutboxCreateParams struct {
	UserID      int64
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyHTML    string
	BodyText    string
	SendAt      time.Time
	MaxAttempts int
}

type DeviceToken struct {
	UserID    int64
	Token     string
	CreatedAt time.Time
}
