package priority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/store"
)

const defaultRankLimit = 200

// Ranker loads a user's mail and sender histories and applies Score.
type Ranker struct {
	messages    store.MessageStore
	credentials store.CredentialStore
	now         func() time.Time
}

func NewRanker(messages store.MessageStore, credentials store.CredentialStore) *Ranker {
	return &Ranker{
		messages:    messages,
		credentials: credentials,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Rank returns the priority-ranked inbox view for userID.
func (r *Ranker) Rank(ctx context.Context, userID int64, limit int) (Buckets, error) {
	scored, err := r.score(ctx, userID, limit)
	if err != nil {
		return Buckets{}, err
	}
	return Classify(scored), nil
}

// Recompute scores the user's recent inbox and caches the results on the messages.
func (r *Ranker) Recompute(ctx context.Context, userID int64) (int, error) {
	scored, err := r.score(ctx, userID, defaultRankLimit)
	if err != nil {
		return 0, err
	}
	scores := make(map[int64]float64, len(scored))
	for _, s := range scored {
		scores[s.Message.ID] = s.Result.Score
	}
	if err := r.messages.SetPriorityScores(ctx, scores); err != nil {
		return 0, fmt.Errorf("caching priority scores: %w", err)
	}
	slog.Info("priority scores recomputed", "user_id", userID, "messages", len(scores))
	return len(scores), nil
}

func (r *Ranker) score(ctx context.Context, userID int64, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = defaultRankLimit
	}

	viewer := Viewer{Now: r.now()}
	cred, err := r.credentials.GetCredential(ctx, userID)
	switch {
	case err == nil:
		viewer.Address = cred.Address
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("loading mailbox address: %w", err)
	}

	msgs, err := r.messages.ListMessagesByFolders(ctx, userID, []models.Folder{models.FolderInbox}, limit)
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}

	senders := make([]string, 0, len(msgs))
	seen := make(map[string]bool)
	for _, m := range msgs {
		addr := strings.ToLower(m.From)
		if addr != "" && !seen[addr] {
			seen[addr] = true
			senders = append(senders, addr)
		}
	}
	histories, err := r.messages.GetSenderHistories(ctx, userID, senders)
	if err != nil {
		return nil, fmt.Errorf("loading sender histories: %w", err)
	}

	out := make([]Scored, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		out = append(out, Scored{
			Message: m,
			Result:  Score(m, histories[strings.ToLower(m.From)], viewer),
		})
	}
	return out, nil
}
