package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/imapsync"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/store"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

const (
	maxSyncLimit       = 500
	minRecurringPeriod = time.Minute
)

type syncRequest struct {
	Folder          string `json:"folder"`
	Limit           int    `json:"limit"`
	Recurring       bool   `json:"recurring"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

type actionResponse struct {
	ID          uuid.UUID           `json:"id"`
	Kind        models.ActionKind   `json:"kind"`
	Status      models.ActionStatus `json:"status"`
	RunAt       time.Time           `json:"runAt"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"maxAttempts"`
	LastError   string              `json:"lastError,omitempty"`
	Recurring   bool                `json:"recurring"`
	FinishedAt  *time.Time          `json:"finishedAt,omitempty"`
	Created     *bool               `json:"created,omitempty"`
}

func newActionResponse(a *models.ScheduledAction) actionResponse {
	return actionResponse{
		ID:          a.PublicID,
		Kind:        a.Kind,
		Status:      a.Status,
		RunAt:       a.RunAt,
		Attempts:    a.Attempts,
		MaxAttempts: a.MaxAttempts,
		LastError:   a.LastError,
		Recurring:   a.IntervalMs > 0,
		FinishedAt:  a.FinishedAt,
	}
}

// HandleRequestSync enqueues a one-off or recurring sync for the acting user.
func (h *APIHandler) HandleRequestSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Limit < 0 || req.Limit > maxSyncLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}

	var folder models.Folder
	if req.Folder != "" {
		f, ok := imapsync.FolderForRemote(req.Folder)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown folder")
			return
		}
		folder = f
	}

	userID := middleware.UserIDFromContext(r.Context())
	if _, err := h.deps.Credentials.GetCredential(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusConflict, "no mailbox credential stored")
			return
		}
		writeInternal(w, r, "get credential", err)
		return
	}

	var (
		action  *models.ScheduledAction
		created bool
		err     error
	)
	if req.Recurring {
		if folder != "" {
			writeError(w, http.StatusBadRequest, "recurring sync always covers every folder")
			return
		}
		interval := h.deps.DefaultSyncInterval
		if req.IntervalSeconds != 0 {
			interval = time.Duration(req.IntervalSeconds) * time.Second
		}
		if interval < minRecurringPeriod {
			writeError(w, http.StatusBadRequest, "intervalSeconds must be at least 60")
			return
		}
		action, created, err = h.deps.Sync.StartRecurringSync(r.Context(), userID, req.Limit, interval)
	} else {
		action, created, err = h.deps.Sync.RequestSync(r.Context(), userID, folder, req.Limit)
	}
	if err != nil {
		writeInternal(w, r, "enqueue sync", err)
		return
	}

	resp := newActionResponse(action)
	resp.Created = &created
	writeJSON(w, http.StatusAccepted, jsonResponse{OK: true, Data: resp})
}

// HandleStopRecurringSync cancels the acting user's recurring sync, if any.
func (h *APIHandler) HandleStopRecurringSync(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.deps.Sync.StopRecurringSync(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeInternal(w, r, "stop recurring sync", err)
		return
	}
	if !stopped {
		writeError(w, http.StatusNotFound, "no recurring sync scheduled")
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

// HandleGetAction reports the status of one of the acting user's actions.
func (h *APIHandler) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	action, err := h.deps.Actions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		writeInternal(w, r, "get action", err)
		return
	}
	if actionOwner(action) != middleware.UserIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true, Data: newActionResponse(action)})
}

// actionOwner extracts the user id every user-scoped payload carries.
// Payloads keyed by entity id (send, wake) report 0 and are never exposed.
func actionOwner(a *models.ScheduledAction) int64 {
	var p struct {
		UserID int64 `json:"userId"`
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return 0
	}
	return p.UserID
}
