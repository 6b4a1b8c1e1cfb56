package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/outbox"
	"github.com/znz-systems/mailpipe/internal/store"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

type queueSendRequest struct {
	FromName string     `json:"fromName"`
	To       []string   `json:"to"`
	Cc       []string   `json:"cc"`
	Bcc      []string   `json:"bcc"`
	Subject  string     `json:"subject"`
	HTML     string     `json:"html"`
	Text     string     `json:"text"`
	SendAt   *time.Time `json:"sendAt"`
}

type outboxResponse struct {
	ID         uuid.UUID           `json:"id"`
	Status     models.OutboxStatus `json:"status"`
	SendAt     time.Time           `json:"sendAt"`
	Cancelable bool                `json:"cancelable"`
	Scheduled  bool                `json:"scheduled"`
}

type cancelRejection struct {
	Status models.OutboxStatus `json:"status"`
	Reason string              `json:"reason"`
}

// HandleQueueSend puts a message into the outbox. The sender address is the
// acting user's stored mailbox address.
func (h *APIHandler) HandleQueueSend(w http.ResponseWriter, r *http.Request) {
	var req queueSendRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	userID := middleware.UserIDFromContext(r.Context())
	cred, err := h.deps.Credentials.GetCredential(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusConflict, "no mailbox credential stored")
			return
		}
		writeInternal(w, r, "get credential", err)
		return
	}

	res, err := h.deps.Outbox.Queue(r.Context(), outbox.QueueRequest{
		UserID:      userID,
		FromAddress: cred.Address,
		FromName:    req.FromName,
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		HTML:        req.HTML,
		Text:        req.Text,
		SendAt:      req.SendAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, outbox.ErrNoRecipients),
			errors.Is(err, outbox.ErrSenderRequired),
			errors.Is(err, outbox.ErrScheduleInPast),
			errors.Is(err, outbox.ErrEmptyMessage),
			errors.Is(err, outbox.ErrInvalidRecipients):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeInternal(w, r, "queue send", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, jsonResponse{OK: true, Data: outboxResponse{
		ID:         res.Entry.PublicID,
		Status:     res.Entry.Status,
		SendAt:     res.Entry.SendAt,
		Cancelable: res.Cancelable,
		Scheduled:  res.Scheduled,
	}})
}

// HandleCancelSend undoes a queued send while it is still PENDING and not yet due.
func (h *APIHandler) HandleCancelSend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.deps.Outbox.Cancel(r.Context(), middleware.UserIDFromContext(r.Context()), id)
	if err != nil {
		var cancelErr *outbox.CancelError
		switch {
		case errors.As(err, &cancelErr):
			writeJSON(w, http.StatusConflict, jsonResponse{
				Error: cancelErr.Error(),
				Data:  cancelRejection{Status: cancelErr.Status, Reason: cancelErr.Reason},
			})
		case errors.Is(err, outbox.ErrEntryNotFound):
			writeError(w, http.StatusNotFound, "outbox entry not found")
		default:
			writeInternal(w, r, "cancel send", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, jsonResponse{OK: true, Data: outboxResponse{
		ID:     entry.PublicID,
		Status: entry.Status,
		SendAt: entry.SendAt,
	}})
}
