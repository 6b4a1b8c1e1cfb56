package imapsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/notify"
	"github.com/znz-systems/mailpipe/internal/store"
)

// --- Fake mailbox ---

type fakeServer struct {
	mu        sync.Mutex
	folders   map[string][]FetchedMessage
	password  string
	dialErrs  []error // returned by successive dials before succeeding
	dials     int
	closes    int
	selected  []string
	fetchFrom uint32
}

func (s *fakeServer) Dial(_ context.Context, cred Credential) (Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		return nil, err
	}
	if cred.Password != s.password {
		return nil, &AuthError{Address: cred.Address, Err: errors.New("NO [AUTHENTICATIONFAILED]")}
	}
	return &fakeMailbox{server: s}, nil
}

type fakeMailbox struct {
	server  *fakeServer
	current string
}

func (m *fakeMailbox) ListFolders(context.Context) ([]string, error) {
	m.server.mu.Lock()
	defer m.server.mu.Unlock()
	var out []string
	for name := range m.server.folders {
		out = append(out, name)
	}
	return out, nil
}

func (m *fakeMailbox) Select(_ context.Context, name string) (uint32, error) {
	m.server.mu.Lock()
	defer m.server.mu.Unlock()
	m.server.selected = append(m.server.selected, name)
	msgs, ok := m.server.folders[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMailboxNotFound, name)
	}
	m.current = name
	return uint32(len(msgs)), nil
}

func (m *fakeMailbox) Fetch(_ context.Context, from, to uint32) ([]FetchedMessage, error) {
	m.server.mu.Lock()
	defer m.server.mu.Unlock()
	m.server.fetchFrom = from
	msgs := m.server.folders[m.current]
	var out []FetchedMessage
	for i := from; i <= to; i++ {
		fm := msgs[i-1]
		fm.SeqNum = i
		out = append(out, fm)
	}
	return out, nil
}

func (m *fakeMailbox) Close() error {
	m.server.mu.Lock()
	defer m.server.mu.Unlock()
	m.server.closes++
	return nil
}

// --- Mock stores ---

type rowKey struct {
	user int64
	id   string
}

type mockMessageStore struct {
	store.MessageStore
	mu       sync.Mutex
	rows     map[rowKey]*models.EmailMessage
	failSave map[string]bool
}

func newMockMessageStore() *mockMessageStore {
	return &mockMessageStore{rows: make(map[rowKey]*models.EmailMessage), failSave: make(map[string]bool)}
}

func (m *mockMessageStore) row(userID int64, id string) *models.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[rowKey{userID, id}]
}

func (m *mockMessageStore) CreateMessage(_ context.Context, msg *models.EmailMessage) (*models.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave[msg.MessageID] {
		return nil, errors.New("db unavailable")
	}
	k := rowKey{msg.UserID, msg.MessageID}
	if _, ok := m.rows[k]; ok {
		return nil, store.ErrDuplicate
	}
	cp := *msg
	cp.ID = int64(len(m.rows) + 1)
	cp.PublicID = uuid.New()
	m.rows[k] = &cp
	out := cp
	return &out, nil
}

func (m *mockMessageStore) MessageExists(_ context.Context, userID int64, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[rowKey{userID, id}]
	return ok, nil
}

func (m *mockMessageStore) UpdateMessageFlags(_ context.Context, userID int64, id string, isRead, isStarred bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.rows[rowKey{userID, id}]; ok {
		msg.IsRead = isRead
		msg.IsStarred = isStarred
	}
	return nil
}

type cursorKey struct {
	user   int64
	folder models.Folder
}

type mockCursorStore struct {
	mu       sync.Mutex
	seen     map[cursorKey]map[string]bool
	failures map[cursorKey]int
	touched  map[cursorKey]time.Time
}

func newMockCursorStore() *mockCursorStore {
	return &mockCursorStore{
		seen:     make(map[cursorKey]map[string]bool),
		failures: make(map[cursorKey]int),
		touched:  make(map[cursorKey]time.Time),
	}
}

func (c *mockCursorStore) GetCursor(_ context.Context, userID int64, folder models.Folder) (*models.SyncCursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cursorKey{userID, folder}
	return &models.SyncCursor{UserID: userID, Folder: folder, OpenFailures: c.failures[k]}, nil
}

func (c *mockCursorStore) HasSeen(_ context.Context, userID int64, folder models.Folder, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[cursorKey{userID, folder}][id], nil
}

func (c *mockCursorStore) MarkSeen(_ context.Context, userID int64, folder models.Folder, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cursorKey{userID, folder}
	if c.seen[k] == nil {
		c.seen[k] = make(map[string]bool)
	}
	c.seen[k][id] = true
	return nil
}

func (c *mockCursorStore) TouchCursor(_ context.Context, userID int64, folder models.Folder, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cursorKey{userID, folder}
	c.touched[k] = at
	c.failures[k] = 0
	return nil
}

func (c *mockCursorStore) RecordOpenFailure(_ context.Context, userID int64, folder models.Folder) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cursorKey{userID, folder}
	c.failures[k]++
	return c.failures[k], nil
}

func (c *mockCursorStore) ResetCursor(_ context.Context, userID int64, folder models.Folder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, cursorKey{userID, folder})
	return nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *mockNotifier) Notify(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *mockNotifier) count(t notify.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == t {
			c++
		}
	}
	return c
}

type memArchive struct {
	objects map[string][]byte
}

func (a *memArchive) Put(_ context.Context, key string, raw []byte) error {
	if _, ok := a.objects[key]; !ok {
		a.objects[key] = raw
	}
	return nil
}
func (a *memArchive) Exists(_ context.Context, key string) (bool, error) {
	_, ok := a.objects[key]
	return ok, nil
}
func (a *memArchive) Get(_ context.Context, key string) ([]byte, error) { return a.objects[key], nil }
func (a *memArchive) Delete(_ context.Context, key string) error      { delete(a.objects, key); return nil }

// --- Helpers ---

var cred = Credential{Address: "me@example.com", Password: "hunter2"}

func rawMessage(id, from, subject string) []byte {
	return []byte("From: " + from + "\r\n" +
		"To: me@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + id + ">\r\n" +
		"Date: Mon, 02 Mar 2026 09:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
		"body of " + subject)
}

func fetched(uid uint32, id string, seen bool) FetchedMessage {
	return FetchedMessage{UID: uid, MessageID: id, Seen: seen, Raw: rawMessage(id, "Alice <Alice@Example.com>", "msg "+id)}
}

type harness struct {
	engine   *Engine
	server   *fakeServer
	messages *mockMessageStore
	cursors  *mockCursorStore
	notifier *mockNotifier
}

func newHarness(inbox ...FetchedMessage) *harness {
	h := &harness{
		server:   &fakeServer{password: "hunter2", folders: map[string][]FetchedMessage{"INBOX": inbox}},
		messages: newMockMessageStore(),
		cursors:  newMockCursorStore(),
		notifier: &mockNotifier{},
	}
	h.engine = NewEngine(h.server, h.messages, h.cursors, h.notifier, Options{RetryBaseDelay: time.Millisecond})
	return h
}

// --- Tests ---

func TestSyncFolder_SecondRunImportsNothing(t *testing.T) {
	h := newHarness(fetched(1, "a@x", false), fetched(2, "b@x", true))
	ctx := context.Background()

	res, err := h.engine.SyncFolder(ctx, 7, cred, models.FolderInbox, 50)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if res.Synced != 2 || res.Errors != 0 {
		t.Fatalf("expected 2 synced, got %+v", res)
	}

	res, err = h.engine.SyncFolder(ctx, 7, cred, models.FolderInbox, 50)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Synced != 0 || res.Updated != 2 {
		t.Fatalf("expected nothing new on second run, got %+v", res)
	}
	if len(h.messages.rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(h.messages.rows))
	}
	if h.server.closes != 2 {
		t.Fatalf("expected each sync to release its connection, closes=%d", h.server.closes)
	}
	if got := h.notifier.count(notify.EventNewMessage); got != 2 {
		t.Fatalf("expected 2 new-message events, got %d", got)
	}
}

func TestSyncFolder_SameMessageIDUpdatesFlagsOnly(t *testing.T) {
	h := newHarness(fetched(1, "a@x", false))
	ctx := context.Background()
	if _, err := h.engine.SyncFolder(ctx, 7, cred, models.FolderInbox, 50); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// A stale cursor must not cause a duplicate row.
	h.engine.ResetFolder(ctx, 7, models.FolderInbox)
	h.server.folders["INBOX"][0].Seen = true
	h.server.folders["INBOX"][0].Flagged = true

	res, err := h.engine.SyncFolder(ctx, 7, cred, models.FolderInbox, 50)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Synced != 0 {
		t.Fatalf("expected no new rows, got %+v", res)
	}
	msg := h.messages.row(7, "a@x")
	if !msg.IsRead || !msg.IsStarred {
		t.Fatalf("expected flags updated, got read=%v starred=%v", msg.IsRead, msg.IsStarred)
	}
	if !h.cursors.seen[cursorKey{7, models.FolderInbox}]["a@x"] {
		t.Fatal("expected cursor to be healed")
	}
}

func TestSyncFolder_FetchWindowIsBounded(t *testing.T) {
	var msgs []FetchedMessage
	for i := 1; i <= 10; i++ {
		msgs = append(msgs, fetched(uint32(i), fmt.Sprintf("m%d@x", i), false))
	}
	h := newHarness(msgs...)

	res, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderInbox, 3)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 3 {
		t.Fatalf("expected 3 synced, got %+v", res)
	}
	if h.server.fetchFrom != 8 {
		t.Fatalf("expected window to start at seq 8, got %d", h.server.fetchFrom)
	}
	if h.messages.row(7, "m10@x") == nil {
		t.Fatal("expected newest message imported")
	}
}

func TestSyncFolder_FailureOnOneMessageDoesNotStopBatch(t *testing.T) {
	h := newHarness(fetched(1, "a@x", false), fetched(2, "b@x", false), fetched(3, "c@x", false))
	h.messages.failSave["b@x"] = true

	res, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderInbox, 50)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 2 || res.Errors != 1 {
		t.Fatalf("expected 2 synced and 1 error, got %+v", res)
	}
	if h.messages.row(7, "c@x") == nil {
		t.Fatal("message after the failure should still be saved")
	}
}

func TestSyncFolder_UnparseableMessageSkipped(t *testing.T) {
	bad := FetchedMessage{UID: 2, MessageID: "bad@x"}
	h := newHarness(fetched(1, "a@x", false), bad)

	res, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderInbox, 50)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 1 || res.Errors != 1 {
		t.Fatalf("expected 1 synced and 1 error, got %+v", res)
	}
}

func TestSyncFolder_ParsesAndNormalizes(t *testing.T) {
	h := newHarness(fetched(1, "a@x", true))
	archive := &memArchive{objects: make(map[string][]byte)}
	h.engine.SetArchive(archive)

	if _, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderInbox, 50); err != nil {
		t.Fatalf("sync: %v", err)
	}
	msg := h.messages.row(7, "a@x")
	if msg.From != "alice@example.com" {
		t.Fatalf("expected lowercased sender, got %q", msg.From)
	}
	if msg.Subject != "msg a@x" || !strings.Contains(msg.BodyText, "body of") {
		t.Fatalf("unexpected content %+v", msg)
	}
	if !msg.IsRead || msg.Folder != models.FolderInbox {
		t.Fatalf("unexpected flags/folder %+v", msg)
	}
	if msg.RawRef == "" || archive.objects[msg.RawRef] == nil {
		t.Fatalf("expected raw source archived under %q", msg.RawRef)
	}
}

func TestSyncFolder_SynthesizesMissingMessageID(t *testing.T) {
	raw := []byte("From: a@b.com\r\nSubject: no id\r\n\r\nhello")
	h := newHarness(FetchedMessage{UID: 42, Raw: raw})

	if _, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderInbox, 50); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if h.messages.row(7, "inbox.42.1@example.com") == nil {
		t.Fatalf("expected synthesized id, have %v", h.messages.rows)
	}
}

func TestSyncFolder_AuthFailureNotRetried(t *testing.T) {
	h := newHarness()
	bad := Credential{Address: "me@example.com", Password: "wrong"}

	_, err := h.engine.SyncFolder(context.Background(), 7, bad, models.FolderInbox, 50)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if h.server.dials != 1 {
		t.Fatalf("auth failure must not be retried, dials=%d", h.server.dials)
	}
}

func TestSyncFolder_TransientFailureRetried(t *testing.T) {
	h := newHarness(fetched(1, "a@x", false))
	h.server.dialErrs = []error{syscall.ECONNRESET, syscall.ECONNREFUSED}

	res, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderInbox, 50)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 1 || h.server.dials != 3 {
		t.Fatalf("expected success on third dial, dials=%d res=%+v", h.server.dials, res)
	}
}

func TestSyncFolder_TransientFailureExhausted(t *testing.T) {
	h := newHarness()
	h.server.dialErrs = []error{syscall.ECONNRESET, syscall.ECONNRESET, syscall.ECONNRESET, syscall.ECONNRESET}

	_, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderInbox, 50)
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if h.server.dials != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.server.dials)
	}
}

func TestSyncFolder_ListedNameMatchedCaseInsensitively(t *testing.T) {
	h := newHarness()
	h.server.folders["SENT ITEMS"] = []FetchedMessage{fetched(1, "s@x", true)}

	res, err := h.engine.SyncFolder(context.Background(), 7, cred, models.FolderSent, 50)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 1 {
		t.Fatalf("expected sent folder found by case variant, got %+v (tried %v)", res, h.server.selected)
	}
	if h.messages.row(7, "s@x").Folder != models.FolderSent {
		t.Fatal("expected message filed under SENT")
	}
}

func TestSyncFolder_MissingFolderBecomesUnavailable(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 1; i < 5; i++ {
		res, err := h.engine.SyncFolder(ctx, 7, cred, models.FolderSpam, 50)
		if err != nil {
			t.Fatalf("run %d: expected soft failure, got %v", i, err)
		}
		if res.Synced != 0 || res.Errors != 1 {
			t.Fatalf("run %d: unexpected result %+v", i, res)
		}
	}
	_, err := h.engine.SyncFolder(ctx, 7, cred, models.FolderSpam, 50)
	if !errors.Is(err, ErrFolderUnavailable) {
		t.Fatalf("expected ErrFolderUnavailable on fifth failure, got %v", err)
	}
}

func TestSyncFolder_SharedMessageIDStaysPerUser(t *testing.T) {
	h := newHarness(fetched(1, "shared@x", false))
	ctx := context.Background()
	if _, err := h.engine.SyncFolder(ctx, 7, cred, models.FolderInbox, 50); err != nil {
		t.Fatalf("user 7 sync: %v", err)
	}

	// Same list mail lands in user 8's mailbox, already read there.
	h.server.folders["INBOX"][0].Seen = true
	res, err := h.engine.SyncFolder(ctx, 8, cred, models.FolderInbox, 50)
	if err != nil {
		t.Fatalf("user 8 sync: %v", err)
	}
	if res.Synced != 1 || res.Updated != 0 {
		t.Fatalf("user 8 should get its own copy, got %+v", res)
	}

	mine, theirs := h.messages.row(7, "shared@x"), h.messages.row(8, "shared@x")
	if mine == nil || theirs == nil {
		t.Fatalf("expected a row per user, have %v", h.messages.rows)
	}
	if mine.IsRead {
		t.Fatal("user 8's flags leaked onto user 7's row")
	}
	if !theirs.IsRead || theirs.UserID != 8 {
		t.Fatalf("unexpected row for user 8: %+v", theirs)
	}
}

func TestSyncAllFolders_SkipsMissingAndUsesOneConnection(t *testing.T) {
	h := newHarness(fetched(1, "a@x", false))
	h.server.folders["Sent"] = []FetchedMessage{fetched(1, "s@x", true)}
	h.server.folders["Some Custom Label"] = []FetchedMessage{fetched(1, "c@x", false)}

	results, err := h.engine.SyncAllFolders(context.Background(), 7, cred, 50)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(results) != len(StandardFolders) {
		t.Fatalf("expected a result per standard folder, got %d", len(results))
	}
	skipped := 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		}
		if r.Errors != 0 {
			t.Fatalf("folder %s: unexpected errors %+v", r.Folder, r)
		}
	}
	if skipped != len(StandardFolders)-2 {
		t.Fatalf("expected every folder but inbox and sent skipped, got %d", skipped)
	}
	if h.server.dials != 1 || h.server.closes != 1 {
		t.Fatalf("expected one connection, dials=%d closes=%d", h.server.dials, h.server.closes)
	}
	if h.messages.row(7, "c@x") != nil {
		t.Fatal("unknown folder must not be synced")
	}
	if len(h.messages.rows) != 2 {
		t.Fatalf("expected inbox and sent imported, got %d", len(h.messages.rows))
	}
	if h.notifier.count(notify.EventSyncComplete) != 1 {
		t.Fatal("expected one sync-complete event")
	}
}

func TestSyncAllFolders_UnlistedFoldersNeverBecomeUnavailable(t *testing.T) {
	h := newHarness(fetched(1, "a@x", false))
	ctx := context.Background()

	for run := 1; run <= 6; run++ {
		results, err := h.engine.SyncAllFolders(ctx, 7, cred, 50)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		for _, r := range results {
			if r.Errors != 0 {
				t.Fatalf("run %d: folder %s reported errors: %+v", run, r.Folder, r)
			}
			if r.Skipped != (r.Folder != models.FolderInbox) {
				t.Fatalf("run %d: folder %s skipped=%v", run, r.Folder, r.Skipped)
			}
		}
	}
	for k, n := range h.cursors.failures {
		if n != 0 {
			t.Fatalf("folder %s recorded %d open failures", k.folder, n)
		}
	}
	for _, name := range h.server.selected {
		if name != "INBOX" {
			t.Fatalf("unlisted folder %q was selected", name)
		}
	}
}
