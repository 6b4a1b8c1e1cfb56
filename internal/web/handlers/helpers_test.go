package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/outbox"
	"github.com/znz-systems/mailpipe/internal/priority"
	"github.com/znz-systems/mailpipe/internal/store"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

// --- Shared mocks used by the handler tests ---

type mockVault struct{ err error }

func (m *mockVault) Encrypt(plaintext string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "sealed:" + plaintext, nil
}

type mockCredentialStore struct {
	creds map[int64]*models.MailCredential
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{creds: make(map[int64]*models.MailCredential)}
}

func (m *mockCredentialStore) UpsertCredential(_ context.Context, userID int64, address, secret string) (*models.MailCredential, error) {
	c := &models.MailCredential{UserID: userID, Address: address, EncryptedSecret: secret, CreatedAt: time.Now()}
	m.creds[userID] = c
	return c, nil
}

func (m *mockCredentialStore) GetCredential(_ context.Context, userID int64) (*models.MailCredential, error) {
	c, ok := m.creds[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (m *mockCredentialStore) MarkCredentialVerified(context.Context, int64) error { return nil }

type mockDeviceStore struct {
	tokens map[int64][]string
}

func (m *mockDeviceStore) AddDeviceToken(_ context.Context, userID int64, token string) error {
	if m.tokens == nil {
		m.tokens = make(map[int64][]string)
	}
	m.tokens[userID] = append(m.tokens[userID], token)
	return nil
}

func (m *mockDeviceStore) ListDeviceTokens(_ context.Context, userID int64) ([]string, error) {
	return m.tokens[userID], nil
}

func (m *mockDeviceStore) DeleteDeviceTokens(context.Context, []string) error { return nil }

type syncCall struct {
	UserID   int64
	Folder   models.Folder
	Limit    int
	Interval time.Duration
}

type mockSync struct {
	once      []syncCall
	recurring []syncCall
	stopped   bool
}

func (m *mockSync) RequestSync(_ context.Context, userID int64, folder models.Folder, limit int) (*models.ScheduledAction, bool, error) {
	m.once = append(m.once, syncCall{UserID: userID, Folder: folder, Limit: limit})
	return &models.ScheduledAction{PublicID: uuid.New(), Kind: models.ActionSync, Status: models.ActionPending}, true, nil
}

func (m *mockSync) StartRecurringSync(_ context.Context, userID int64, limit int, interval time.Duration) (*models.ScheduledAction, bool, error) {
	m.recurring = append(m.recurring, syncCall{UserID: userID, Limit: limit, Interval: interval})
	return &models.ScheduledAction{PublicID: uuid.New(), Kind: models.ActionRecurringSync, Status: models.ActionPending, IntervalMs: interval.Milliseconds()}, true, nil
}

func (m *mockSync) StopRecurringSync(context.Context, int64) (bool, error) {
	return m.stopped, nil
}

type mockActions struct {
	actions map[uuid.UUID]*models.ScheduledAction
}

func (m *mockActions) Get(_ context.Context, id uuid.UUID) (*models.ScheduledAction, error) {
	a, ok := m.actions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

type mockOutbox struct {
	queued    []outbox.QueueRequest
	queueErr  error
	cancelErr error
	entries   map[uuid.UUID]*models.OutboxEntry
}

func (m *mockOutbox) Queue(_ context.Context, req outbox.QueueRequest) (*outbox.QueueResult, error) {
	if m.queueErr != nil {
		return nil, m.queueErr
	}
	m.queued = append(m.queued, req)
	sendAt := time.Date(2026, 3, 2, 10, 0, 10, 0, time.UTC)
	if req.SendAt != nil {
		sendAt = *req.SendAt
	}
	scheduled := req.SendAt != nil
	return &outbox.QueueResult{
		Entry:      &models.OutboxEntry{PublicID: uuid.New(), UserID: req.UserID, Status: models.OutboxPending, SendAt: sendAt},
		Cancelable: !scheduled,
		Scheduled:  scheduled,
	}, nil
}

func (m *mockOutbox) Cancel(_ context.Context, userID int64, id uuid.UUID) (*models.OutboxEntry, error) {
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	e, ok := m.entries[id]
	if !ok || e.UserID != userID {
		return nil, outbox.ErrEntryNotFound
	}
	e.Status = models.OutboxCancelled
	return e, nil
}

type mockSnoozer struct {
	wakeAt time.Time
	err    error
}

func (m *mockSnoozer) Snooze(_ context.Context, userID int64, id uuid.UUID, wakeAt time.Time) (*models.EmailMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.wakeAt = wakeAt
	return &models.EmailMessage{PublicID: id, UserID: userID, Folder: models.FolderSnoozed, SnoozedUntil: &wakeAt}, nil
}

func (m *mockSnoozer) Unsnooze(_ context.Context, userID int64, id uuid.UUID) (*models.EmailMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.EmailMessage{PublicID: id, UserID: userID, Folder: models.FolderInbox}, nil
}

type mockRanker struct {
	buckets priority.Buckets
	limit   int
}

func (m *mockRanker) Rank(_ context.Context, _ int64, limit int) (priority.Buckets, error) {
	m.limit = limit
	return m.buckets, nil
}

type mockPinger struct{ err error }

func (m *mockPinger) PingContext(context.Context) error { return m.err }

var errBoom = errors.New("boom")

type testDeps struct {
	creds   *mockCredentialStore
	devices *mockDeviceStore
	sync    *mockSync
	actions *mockActions
	outbox  *mockOutbox
	snooze  *mockSnoozer
	ranker  *mockRanker
	db      *mockPinger
}

func newTestHandler() (*APIHandler, *testDeps) {
	d := &testDeps{
		creds:   newMockCredentialStore(),
		devices: &mockDeviceStore{},
		sync:    &mockSync{},
		actions: &mockActions{actions: make(map[uuid.UUID]*models.ScheduledAction)},
		outbox:  &mockOutbox{entries: make(map[uuid.UUID]*models.OutboxEntry)},
		snooze:  &mockSnoozer{},
		ranker:  &mockRanker{},
		db:      &mockPinger{},
	}
	h := NewAPIHandler(APIDeps{
		Vault:        &mockVault{},
		Credentials:  d.creds,
		Devices:      d.devices,
		Sync:         d.sync,
		Actions:      d.actions,
		Outbox:       d.outbox,
		Snooze:       d.snooze,
		Ranker:       d.ranker,
		DB:           d.db,
		MaxBodyBytes: 4096,
	})
	h.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) } // a Monday
	return h, d
}

// serve routes one request through a chi mux so URL params resolve.
func serve(t *testing.T, pattern string, handler http.HandlerFunc, method, path, body string, userID int64) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, handler)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(middleware.WithUserID(req.Context(), userID))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env
}
