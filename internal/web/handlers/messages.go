package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/snooze"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

type snoozeRequest struct {
	Preset string     `json:"preset"`
	Until  *time.Time `json:"until"`
}

type messageResponse struct {
	ID           uuid.UUID     `json:"id"`
	MessageID    string        `json:"messageId"`
	Folder       models.Folder `json:"folder"`
	From         string        `json:"from"`
	To           []string      `json:"to"`
	Subject      string        `json:"subject"`
	IsRead       bool          `json:"isRead"`
	IsStarred    bool          `json:"isStarred"`
	SentAt       time.Time     `json:"sentAt"`
	SnoozedUntil *time.Time    `json:"snoozedUntil,omitempty"`
}

func newMessageResponse(m *models.EmailMessage) messageResponse {
	return messageResponse{
		ID:           m.PublicID,
		MessageID:    m.MessageID,
		Folder:       m.Folder,
		From:         m.From,
		To:           m.To,
		Subject:      m.Subject,
		IsRead:       m.IsRead,
		IsStarred:    m.IsStarred,
		SentAt:       m.SentAt,
		SnoozedUntil: m.SnoozedUntil,
	}
}

// HandleSnooze parks a message until a preset or explicit wake time.
func (h *APIHandler) HandleSnooze(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req snoozeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	var wakeAt time.Time
	switch {
	case req.Preset != "" && req.Until != nil:
		writeError(w, http.StatusBadRequest, "give either preset or until, not both")
		return
	case req.Until != nil:
		wakeAt = *req.Until
	case req.Preset != "":
		t, err := snooze.WakeTime(snooze.Preset(req.Preset), h.now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		wakeAt = t
	default:
		writeError(w, http.StatusBadRequest, "preset or until is required")
		return
	}

	msg, err := h.deps.Snooze.Snooze(r.Context(), middleware.UserIDFromContext(r.Context()), id, wakeAt)
	if err != nil {
		h.writeSnoozeError(w, r, "snooze message", err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true, Data: newMessageResponse(msg)})
}

// HandleUnsnooze returns a snoozed message to its folder right away.
func (h *APIHandler) HandleUnsnooze(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	msg, err := h.deps.Snooze.Unsnooze(r.Context(), middleware.UserIDFromContext(r.Context()), id)
	if err != nil {
		h.writeSnoozeError(w, r, "unsnooze message", err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true, Data: newMessageResponse(msg)})
}

func (h *APIHandler) writeSnoozeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, snooze.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, snooze.ErrAlreadySnoozed), errors.Is(err, snooze.ErrNotSnoozed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, snooze.ErrWakeInPast):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeInternal(w, r, op, err)
	}
}
