package handlers

import (
	"net/http"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

type credentialRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type credentialResponse struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// HandlePutCredential encrypts and stores the mailbox password for the acting user.
func (h *APIHandler) HandlePutCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	addr, err := gomail.ParseAddress(strings.TrimSpace(req.Address))
	if err != nil {
		writeError(w, http.StatusBadRequest, "address must be a valid email address")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	sealed, err := h.deps.Vault.Encrypt(req.Password)
	if err != nil {
		writeInternal(w, r, "encrypt credential", err)
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	cred, err := h.deps.Credentials.UpsertCredential(r.Context(), userID, strings.ToLower(addr.Address), sealed)
	if err != nil {
		writeInternal(w, r, "store credential", err)
		return
	}

	writeJSON(w, http.StatusOK, jsonResponse{OK: true, Data: credentialResponse{
		Address:  cred.Address,
		Verified: cred.VerifiedAt != nil,
	}})
}

type deviceRequest struct {
	Token string `json:"token"`
}

// HandleRegisterDevice records a push token for the acting user.
func (h *APIHandler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" || len(token) > 4096 {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.deps.Devices.AddDeviceToken(r.Context(), middleware.UserIDFromContext(r.Context()), token); err != nil {
		writeInternal(w, r, "add device token", err)
		return
	}
	writeJSON(w, http.StatusCreated, jsonResponse{OK: true})
}
