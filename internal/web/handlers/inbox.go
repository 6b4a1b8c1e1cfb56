package handlers

import (
	"net/http"

	"github.com/znz-systems/mailpipe/internal/priority"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

const (
	defaultPriorityLimit = 50
	maxPriorityLimit     = 200
)

type scoredMessage struct {
	messageResponse
	Score   float64           `json:"score"`
	Factors []priority.Factor `json:"factors"`
}

type priorityInbox struct {
	Starred            []scoredMessage `json:"starred"`
	ImportantAndUnread []scoredMessage `json:"importantAndUnread"`
	EverythingElse     []scoredMessage `json:"everythingElse"`
}

func scoredList(items []priority.Scored) []scoredMessage {
	out := make([]scoredMessage, 0, len(items))
	for _, it := range items {
		out = append(out, scoredMessage{
			messageResponse: newMessageResponse(it.Message),
			Score:           it.Result.Score,
			Factors:         it.Result.Factors,
		})
	}
	return out
}

// HandlePriorityInbox returns the acting user's messages split into triage buckets.
func (h *APIHandler) HandlePriorityInbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPriorityLimit, maxPriorityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.deps.Ranker.Rank(r.Context(), middleware.UserIDFromContext(r.Context()), limit)
	if err != nil {
		writeInternal(w, r, "rank inbox", err)
		return
	}

	writeJSON(w, http.StatusOK, jsonResponse{OK: true, Data: priorityInbox{
		Starred:            scoredList(buckets.Starred),
		ImportantAndUnread: scoredList(buckets.ImportantAndUnread),
		EverythingElse:     scoredList(buckets.EverythingElse),
	}})
}
