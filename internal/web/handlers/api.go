package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/outbox"
	"github.com/znz-systems/mailpipe/internal/priority"
	"github.com/znz-systems/mailpipe/internal/store"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

const defaultMaxBodyBytes int64 = 1024 * 1024

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

type SyncRequester interface {
	RequestSync(ctx context.Context, userID int64, folder models.Folder, limit int) (*models.ScheduledAction, bool, error)
	StartRecurringSync(ctx context.Context, userID int64, limit int, interval time.Duration) (*models.ScheduledAction, bool, error)
	StopRecurringSync(ctx context.Context, userID int64) (bool, error)
}

type ActionReader interface {
	Get(ctx context.Context, publicID uuid.UUID) (*models.ScheduledAction, error)
}

type Outbox interface {
	Queue(ctx context.Context, req outbox.QueueRequest) (*outbox.QueueResult, error)
	Cancel(ctx context.Context, userID int64, publicID uuid.UUID) (*models.OutboxEntry, error)
}

type Snoozer interface {
	Snooze(ctx context.Context, userID int64, publicID uuid.UUID, wakeAt time.Time) (*models.EmailMessage, error)
	Unsnooze(ctx context.Context, userID int64, publicID uuid.UUID) (*models.EmailMessage, error)
}

type Ranker interface {
	Rank(ctx context.Context, userID int64, limit int) (priority.Buckets, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// APIDeps holds the collaborators of the trigger API.
type APIDeps struct {
	Vault               Encrypter
	Credentials         store.CredentialStore
	Devices             store.DeviceTokenStore
	Sync                SyncRequester
	Actions             ActionReader
	Outbox              Outbox
	Snooze              Snoozer
	Ranker              Ranker
	DB                  Pinger
	DefaultSyncInterval time.Duration
	MaxBodyBytes        int64
}

// APIHandler serves the trigger surface under /api/v1.
type APIHandler struct {
	deps APIDeps
	now  func() time.Time
}

func NewAPIHandler(deps APIDeps) *APIHandler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.DefaultSyncInterval <= 0 {
		deps.DefaultSyncInterval = 5 * time.Minute
	}
	return &APIHandler{deps: deps, now: time.Now}
}

// HandleHealth reports whether the database answers.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.PingContext(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, jsonResponse{Error: "database unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

// jsonResponse is the envelope for all API JSON responses.
type jsonResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonResponse{Error: msg})
}

func writeInternal(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.ErrorContext(r.Context(), "request failed", "op", op, "user_id", middleware.UserIDFromContext(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decodeJSON reads a size-capped JSON body into v. It writes the error response
// itself and reports false on failure. An empty body leaves v untouched.
func (h *APIHandler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def, max int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
