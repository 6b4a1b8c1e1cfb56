// Package imapsync imports recent mail from a remote IMAP mailbox into the
// message store, deduplicating against per-folder sync cursors.
package imapsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/znz-systems/mailpipe/internal/blob"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/notify"
	"github.com/znz-systems/mailpipe/internal/store"
)

// ErrFolderUnavailable means a folder has failed to open on too many consecutive runs.
var ErrFolderUnavailable = errors.New("folder unavailable")

// Throttle limits how often a user may open remote connections.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

type Options struct {
	Limit            int
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	OpenFailureLimit int
}

type Result struct {
	Folder  models.Folder `json:"folder"`
	Synced  int           `json:"synced"`
	Updated int           `json:"updated"`
	Errors  int           `json:"errors"`
	// Skipped is set when an all-folder sync found no server folder for Folder.
	Skipped bool `json:"skipped,omitempty"`
}

type Engine struct {
	dialer   Dialer
	messages store.MessageStore
	cursors  store.CursorStore
	notifier notify.Notifier
	archive  blob.Store
	throttle Throttle
	now      func() time.Time

	limit            int
	retryAttempts    int
	retryBase        time.Duration
	openFailureLimit int
}

func NewEngine(dialer Dialer, messages store.MessageStore, cursors store.CursorStore, notifier notify.Notifier, opts Options) *Engine {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	e := &Engine{
		dialer:           dialer,
		messages:         messages,
		cursors:          cursors,
		notifier:         notifier,
		now:              func() time.Time { return time.Now().UTC() },
		limit:            opts.Limit,
		retryAttempts:    opts.RetryAttempts,
		retryBase:        opts.RetryBaseDelay,
		openFailureLimit: opts.OpenFailureLimit,
	}
	if e.limit <= 0 {
		e.limit = 50
	}
	if e.retryAttempts <= 0 {
		e.retryAttempts = 3
	}
	if e.retryBase <= 0 {
		e.retryBase = time.Second
	}
	if e.openFailureLimit <= 0 {
		e.openFailureLimit = 5
	}
	return e
}

// SetArchive enables raw message archiving. A nil store disables it.
func (e *Engine) SetArchive(s blob.Store) { e.archive = s }

func (e *Engine) SetThrottle(t Throttle) { e.throttle = t }

type folderBatch struct {
	folder   models.Folder
	notFound bool
	skipped  bool
	messages []FetchedMessage
}

// SyncFolder imports the last limit messages of folder. A folder that cannot be
// opened yields one error in the result until it has failed OpenFailureLimit
// runs in a row, after which ErrFolderUnavailable is returned.
func (e *Engine) SyncFolder(ctx context.Context, userID int64, cred Credential, folder models.Folder, limit int) (*Result, error) {
	if _, ok := remoteNames[folder]; !ok {
		return nil, fmt.Errorf("folder %s cannot be synced", folder)
	}
	results, err := e.sync(ctx, userID, cred, []models.Folder{folder}, limit, false)
	if len(results) == 0 {
		return nil, err
	}
	return &results[0], err
}

// SyncAllFolders walks StandardFolders over a single connection. Folders the
// server does not list are skipped and do not count as open failures.
func (e *Engine) SyncAllFolders(ctx context.Context, userID int64, cred Credential, limit int) ([]Result, error) {
	return e.sync(ctx, userID, cred, StandardFolders, limit, true)
}

// ResetFolder forgets which messages were imported for folder.
func (e *Engine) ResetFolder(ctx context.Context, userID int64, folder models.Folder) error {
	if err := e.cursors.ResetCursor(ctx, userID, folder); err != nil {
		return fmt.Errorf("resetting cursor: %w", err)
	}
	slog.Info("sync cursor reset", "user_id", userID, "folder", folder)
	return nil
}

func (e *Engine) sync(ctx context.Context, userID int64, cred Credential, folders []models.Folder, limit int, skipUnlisted bool) ([]Result, error) {
	if limit <= 0 {
		limit = e.limit
	}
	start := e.now()

	var batches []folderBatch
	err := retry(ctx, e.retryAttempts, e.retryBase, func() error {
		var err error
		batches, err = e.fetch(ctx, userID, cred, folders, limit, skipUnlisted)
		if err != nil && IsTransient(err) {
			slog.Warn("imap fetch failed, will retry", "user_id", userID, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(batches))
	var errs []error
	for _, b := range batches {
		res, err := e.importBatch(ctx, userID, cred, b)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}

	total := 0
	for _, r := range results {
		total += r.Synced
	}
	slog.Info("imap sync finished", "user_id", userID, "folders", len(results), "synced", total, "duration", e.now().Sub(start))
	e.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventSyncComplete,
		UserID: userID,
		Data:   map[string]string{"synced": strconv.Itoa(total), "folders": strconv.Itoa(len(results))},
	})
	return results, errors.Join(errs...)
}

// fetch holds one connection for every folder and releases it before any
// store writes happen.
func (e *Engine) fetch(ctx context.Context, userID int64, cred Credential, folders []models.Folder, limit int, skipUnlisted bool) (batches []folderBatch, err error) {
	if e.throttle != nil {
		if err := e.throttle.Wait(ctx, strconv.FormatInt(userID, 10)); err != nil {
			return nil, fmt.Errorf("waiting for connection slot: %w", err)
		}
	}

	mb, err := e.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := mb.Close(); cerr != nil {
			slog.Debug("imap logout failed", "user_id", userID, "error", cerr)
		}
	}()

	listed, err := mb.ListFolders(ctx)
	if err != nil {
		if IsTransient(err) {
			return nil, err
		}
		slog.Warn("imap list failed, falling back to known names", "user_id", userID, "error", err)
		listed = nil
	}

	for _, f := range folders {
		b := folderBatch{folder: f}
		if skipUnlisted && listed != nil && !isListed(f, listed) {
			b.skipped = true
			batches = append(batches, b)
			continue
		}
		n, err := e.open(ctx, mb, f, listed)
		if errors.Is(err, ErrMailboxNotFound) {
			b.notFound = true
			batches = append(batches, b)
			continue
		}
		if err != nil {
			return nil, err
		}
		if n > 0 {
			from := uint32(1)
			if n > uint32(limit) {
				from = n - uint32(limit) + 1
			}
			b.messages, err = mb.Fetch(ctx, from, n)
			if err != nil {
				return nil, err
			}
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (e *Engine) open(ctx context.Context, mb Mailbox, f models.Folder, listed []string) (uint32, error) {
	for _, name := range candidates(f, listed) {
		n, err := mb.Select(ctx, name)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, ErrMailboxNotFound) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrMailboxNotFound, f)
}

func (e *Engine) importBatch(ctx context.Context, userID int64, cred Credential, b folderBatch) (Result, error) {
	res := Result{Folder: b.folder}

	if b.skipped {
		res.Skipped = true
		slog.Debug("folder not on server, skipped", "user_id", userID, "folder", b.folder)
		return res, nil
	}
	if b.notFound {
		res.Errors = 1
		failures, err := e.cursors.RecordOpenFailure(ctx, userID, b.folder)
		if err != nil {
			slog.Error("failed to record folder open failure", "user_id", userID, "folder", b.folder, "error", err)
			return res, nil
		}
		slog.Warn("folder could not be opened", "user_id", userID, "folder", b.folder, "consecutive_failures", failures)
		if failures >= e.openFailureLimit {
			return res, fmt.Errorf("%w: %s failed to open %d times in a row", ErrFolderUnavailable, b.folder, failures)
		}
		return res, nil
	}

	domain := cred.Address
	if i := strings.LastIndex(domain, "@"); i >= 0 {
		domain = domain[i+1:]
	}

	for _, fm := range b.messages {
		created, updated, err := e.importOne(ctx, userID, b.folder, domain, fm)
		switch {
		case err != nil:
			res.Errors++
			slog.Warn("failed to import message", "user_id", userID, "folder", b.folder, "uid", fm.UID, "error", err)
		case created:
			res.Synced++
		case updated:
			res.Updated++
		}
	}

	if err := e.cursors.TouchCursor(ctx, userID, b.folder, e.now()); err != nil {
		slog.Error("failed to touch sync cursor", "user_id", userID, "folder", b.folder, "error", err)
	}
	if res.Synced > 0 || res.Errors > 0 {
		slog.Info("folder synced", "user_id", userID, "folder", b.folder, "synced", res.Synced, "updated", res.Updated, "errors", res.Errors)
	}
	return res, nil
}

// messageIdentity prefers the protocol Message-ID and otherwise derives one
// from the folder, UID and sequence number.
func messageIdentity(fm FetchedMessage, folder models.Folder, domain string) string {
	if id := strings.Trim(strings.TrimSpace(fm.MessageID), "<>"); id != "" {
		return id
	}
	return fmt.Sprintf("%s.%d.%d@%s", strings.ToLower(string(folder)), fm.UID, fm.SeqNum, domain)
}

func (e *Engine) importOne(ctx context.Context, userID int64, folder models.Folder, domain string, fm FetchedMessage) (created, updated bool, err error) {
	var parsed *Parsed
	if fm.MessageID == "" && len(fm.Raw) > 0 {
		// Envelope had no id; the header may still carry one.
		if p, perr := Parse(fm.Raw); perr == nil {
			parsed = p
			fm.MessageID = p.MessageID
		}
	}
	id := messageIdentity(fm, folder, domain)

	seen, err := e.cursors.HasSeen(ctx, userID, folder, id)
	if err != nil {
		return false, false, fmt.Errorf("checking cursor: %w", err)
	}
	if !seen {
		seen, err = e.messages.MessageExists(ctx, userID, id)
		if err != nil {
			return false, false, fmt.Errorf("checking message: %w", err)
		}
	}
	if seen {
		return false, true, e.refresh(ctx, userID, folder, id, fm)
	}

	if parsed == nil {
		if parsed, err = Parse(fm.Raw); err != nil {
			return false, false, err
		}
	}

	msg := &models.EmailMessage{
		UserID:         userID,
		MessageID:      id,
		Folder:         folder,
		From:           parsed.From,
		To:             parsed.To,
		Cc:             parsed.Cc,
		Subject:        parsed.Subject,
		BodyHTML:       parsed.HTML,
		BodyText:       parsed.Text,
		HasAttachments: parsed.HasAttachments,
		IsRead:         fm.Seen,
		IsStarred:      fm.Flagged,
		SentAt:         parsed.Date,
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = e.now()
	}
	msg.RawRef = e.archiveRaw(ctx, userID, folder, id, fm.Raw)

	saved, err := e.messages.CreateMessage(ctx, msg)
	if errors.Is(err, store.ErrDuplicate) {
		return false, true, e.refresh(ctx, userID, folder, id, fm)
	}
	if err != nil {
		return false, false, fmt.Errorf("saving message: %w", err)
	}
	if err := e.cursors.MarkSeen(ctx, userID, folder, id); err != nil {
		slog.Warn("failed to extend sync cursor", "user_id", userID, "folder", folder, "error", err)
	}

	e.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventNewMessage,
		UserID: userID,
		Data: map[string]string{
			"messageId": saved.PublicID.String(),
			"folder":    string(folder),
			"from":      saved.From,
			"subject":   saved.Subject,
		},
	})
	return true, false, nil
}

// refresh applies remote flags to an already imported message and makes sure
// the cursor covers it.
func (e *Engine) refresh(ctx context.Context, userID int64, folder models.Folder, id string, fm FetchedMessage) error {
	if err := e.messages.UpdateMessageFlags(ctx, userID, id, fm.Seen, fm.Flagged); err != nil {
		return fmt.Errorf("updating flags: %w", err)
	}
	if err := e.cursors.MarkSeen(ctx, userID, folder, id); err != nil {
		return fmt.Errorf("extending cursor: %w", err)
	}
	return nil
}

func (e *Engine) archiveRaw(ctx context.Context, userID int64, folder models.Folder, id string, raw []byte) string {
	if e.archive == nil || len(raw) == 0 {
		return ""
	}
	key := blob.MessageKey(userID, folder, id)
	if err := e.archive.Put(ctx, key, raw); err != nil {
		slog.Warn("failed to archive raw message", "user_id", userID, "folder", folder, "error", err)
		return ""
	}
	return key
}
