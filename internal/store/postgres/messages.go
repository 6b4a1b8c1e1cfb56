package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/znz-systems/mailpipe/internal/models"
	"github.com/znz-systems/mailpipe/internal/store"
)

const messageColumns = `id, public_id, user_id, message_id, folder, from_address, to_addresses, cc_addresses,
	subject, body_html, body_text, has_attachments, is_read, is_starred, sent_at, snoozed_until,
	snoozed_from_folder, priority_score, raw_ref, created_at, updated_at`

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func scanMessage(row scanner) (*models.EmailMessage, error) {
	m := &models.EmailMessage{}
	var snoozedFrom sql.NullString
	var score sql.NullFloat64
	err := row.Scan(
		&m.ID, &m.PublicID, &m.UserID, &m.MessageID, &m.Folder, &m.From, pq.Array(&m.To), pq.Array(&m.Cc),
		&m.Subject, &m.BodyHTML, &m.BodyText, &m.HasAttachments, &m.IsRead, &m.IsStarred, &m.SentAt, &m.SnoozedUntil,
		&snoozedFrom, &score, &m.RawRef, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if snoozedFrom.Valid {
		f := models.Folder(snoozedFrom.String)
		m.SnoozedFromFolder = &f
	}
	if score.Valid {
		m.PriorityScore = &score.Float64
	}
	return m, nil
}

func (s *MessageStore) CreateMessage(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error) {
	publicID := msg.PublicID
	if publicID == uuid.Nil {
		publicID = uuid.New()
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	created, err := scanMessage(s.db.QueryRowContext(ctx,
		`INSERT INTO email_messages
		 (public_id, user_id, message_id, folder, from_address, to_addresses, cc_addresses, subject,
		  body_html, body_text, has_attachments, is_read, is_starred, sent_at, raw_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING `+messageColumns,
		publicID, msg.UserID, msg.MessageID, msg.Folder, msg.From, pq.Array(nonNil(msg.To)), pq.Array(nonNil(msg.Cc)),
		msg.Subject, msg.BodyHTML, msg.BodyText, msg.HasAttachments, msg.IsRead, msg.IsStarred, sentAt, msg.RawRef,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

func (s *MessageStore) MessageExists(ctx context.Context, userID int64, messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_messages WHERE user_id = $1 AND message_id = $2)`, userID, messageID,
	).Scan(&exists)
	return exists, err
}

func (s *MessageStore) UpdateMessageFlags(ctx context.Context, userID int64, messageID string, isRead, isStarred bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_messages
		 SET is_read = $3, is_starred = $4, updated_at = NOW()
		 WHERE user_id = $1 AND message_id = $2 AND (is_read <> $3 OR is_starred <> $4)`,
		userID, messageID, isRead, isStarred,
	)
	return err
}

func (s *MessageStore) GetMessageByID(ctx context.Context, id int64) (*models.EmailMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE id = $1`, id,
	))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *MessageStore) GetMessageByPublicID(ctx context.Context, publicID uuid.UUID) (*models.EmailMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE public_id = $1`, publicID,
	))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *MessageStore) GetMessageByMessageID(ctx context.Context, userID int64, messageID string) (*models.EmailMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE user_id = $1 AND message_id = $2`, userID, messageID,
	))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *MessageStore) ListMessagesByFolders(ctx context.Context, userID int64, folders []models.Folder, limit int) ([]models.EmailMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	names := make([]string, len(folders))
	for i, f := range folders {
		names[i] = string(f)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM email_messages
		 WHERE user_id = $1 AND folder = ANY($2)
		 ORDER BY sent_at DESC
		 LIMIT $3`,
		userID, pq.Array(names), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *MessageStore) SnoozeMessage(ctx context.Context, id int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_messages
		 SET snoozed_from_folder = folder,
		     folder = 'SNOOZED',
		     snoozed_until = $2,
		     updated_at = NOW()
		 WHERE id = $1 AND snoozed_until IS NULL`,
		id, until,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *MessageStore) RestoreSnoozedMessage(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_messages
		 SET folder = snoozed_from_folder,
		     snoozed_until = NULL,
		     snoozed_from_folder = NULL,
		     is_read = FALSE,
		     updated_at = NOW()
		 WHERE id = $1 AND folder = 'SNOOZED'`,
		id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MessageStore) ListDueSnoozedMessages(ctx context.Context, now time.Time, limit int) ([]models.EmailMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM email_messages
		 WHERE snoozed_until IS NOT NULL AND snoozed_until <= $1
		 ORDER BY snoozed_until ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *MessageStore) GetSenderHistories(ctx context.Context, userID int64, addresses []string) (map[string]models.SenderHistory, error) {
	lowered := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			lowered = append(lowered, a)
		}
	}
	out := make(map[string]models.SenderHistory, len(lowered))
	if len(lowered) == 0 {
		return out, nil
	}

	// Received mail counts by sender; replies are SENT messages addressed to that sender.
	rows, err := s.db.QueryContext(ctx,
		`WITH senders AS (SELECT unnest($2::text[]) AS address)
		 SELECT s.address,
		        (SELECT COUNT(*) FROM email_messages m
		          WHERE m.user_id = $1 AND m.folder <> 'SENT' AND lower(m.from_address) = s.address),
		        (SELECT COUNT(*) FROM email_messages m
		          WHERE m.user_id = $1 AND m.folder = 'SENT' AND s.address = ANY(m.to_addresses)),
		        (SELECT MAX(m.sent_at) FROM email_messages m
		          WHERE m.user_id = $1
		            AND (lower(m.from_address) = s.address OR (m.folder = 'SENT' AND s.address = ANY(m.to_addresses))))
		 FROM senders s`,
		userID, pq.Array(lowered),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var h models.SenderHistory
		if err := rows.Scan(&h.Address, &h.ReceivedCount, &h.ReplyCount, &h.LastInteraction); err != nil {
			return nil, err
		}
		out[h.Address] = h
	}
	return out, rows.Err()
}

func (s *MessageStore) SetPriorityScores(ctx context.Context, scores map[int64]float64) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(scores))
	values := make([]float64, 0, len(scores))
	for id, v := range scores {
		ids = append(ids, id)
		values = append(values, v)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_messages m
		 SET priority_score = v.score
		 FROM unnest($1::bigint[], $2::float8[]) AS v(id, score)
		 WHERE m.id = v.id`,
		pq.Array(ids), pq.Array(values),
	)
	return err
}

func collectMessages(rows *sql.Rows) ([]models.EmailMessage, error) {
	var out []models.EmailMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
