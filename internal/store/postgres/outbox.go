package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/znz-systems/mailpipe/internal/models"
)

const outboxColumns = `id, public_id, user_id, from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
	subject, body_html, body_text, send_at, status, attempts, max_attempts, sent_message_ref, error_message,
	created_at, updated_at`

type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func scanOutboxEntry(row scanner) (*models.OutboxEntry, error) {
	e := &models.OutboxEntry{}
	var ref uuid.NullUUID
	err := row.Scan(
		&e.ID, &e.PublicID, &e.UserID, &e.FromAddress, &e.FromName, pq.Array(&e.To), pq.Array(&e.Cc), pq.Array(&e.Bcc),
		&e.Subject, &e.BodyHTML, &e.BodyText, &e.SendAt, &e.Status, &e.Attempts, &e.MaxAttempts, &ref, &e.ErrorMessage,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ref.Valid {
		e.SentMessageRef = &ref.UUID
	}
	return e, nil
}

func (s *OutboxStore) CreateOutboxEntry(ctx context.Context, params models.OutboxCreateParams) (*models.OutboxEntry, error) {
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return scanOutboxEntry(s.db.QueryRowContext(ctx,
		`INSERT INTO outbox_entries
		 (public_id, user_id, from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
		  subject, body_html, body_text, send_at, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+outboxColumns,
		uuid.New(), params.UserID, params.FromAddress, params.FromName,
		pq.Array(nonNil(params.To)), pq.Array(nonNil(params.Cc)), pq.Array(nonNil(params.Bcc)),
		params.Subject, params.BodyHTML, params.BodyText, params.SendAt, maxAttempts,
	))
}

func (s *OutboxStore) GetOutboxEntryByID(ctx context.Context, id int64) (*models.OutboxEntry, error) {
	e, err := scanOutboxEntry(s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE id = $1`, id,
	))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *OutboxStore) GetOutboxEntryByPublicID(ctx context.Context, publicID uuid.UUID) (*models.OutboxEntry, error) {
	e, err := scanOutboxEntry(s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE public_id = $1`, publicID,
	))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *OutboxStore) CancelOutboxEntry(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'CANCELLED', updated_at = NOW()
		 WHERE id = $1 AND status = 'PENDING' AND send_at > $2`,
		id, now,
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

func (s *OutboxStore) ClaimDueOutboxEntries(ctx context.Context, now time.Time, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH due AS (
			SELECT id
			FROM outbox_entries
			WHERE status = 'PENDING' AND send_at <= $1
			ORDER BY send_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries o
		SET status = 'SENDING',
			attempts = o.attempts + 1,
			updated_at = NOW()
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.public_id, o.user_id, o.from_address, o.from_name, o.to_addresses, o.cc_addresses,
			o.bcc_addresses, o.subject, o.body_html, o.body_text, o.send_at, o.status, o.attempts, o.max_attempts,
			o.sent_message_ref, o.error_message, o.created_at, o.updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *OutboxStore) ClaimOutboxEntry(ctx context.Context, id int64, now time.Time) (*models.OutboxEntry, error) {
	e, err := scanOutboxEntry(s.db.QueryRowContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'SENDING',
		     attempts = attempts + 1,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'PENDING' AND send_at <= $2
		 RETURNING `+outboxColumns,
		id, now,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (s *OutboxStore) MarkOutboxSent(ctx context.Context, id int64, sentMessageRef *uuid.UUID) error {
	var ref uuid.NullUUID
	if sentMessageRef != nil {
		ref = uuid.NullUUID{UUID: *sentMessageRef, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'SENT', sent_message_ref = $2, error_message = '', updated_at = NOW()
		 WHERE id = $1 AND status = 'SENDING'`,
		id, ref,
	)
	return err
}

func (s *OutboxStore) MarkOutboxRetry(ctx context.Context, id int64, sendAt time.Time, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'PENDING', send_at = $2, error_message = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'SENDING'`,
		id, sendAt, errorMessage,
	)
	return err
}

func (s *OutboxStore) ReleaseOutboxEntry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'PENDING', attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
		 WHERE id = $1 AND status = 'SENDING'`,
		id,
	)
	return err
}

func (s *OutboxStore) MarkOutboxFailed(ctx context.Context, id int64, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'FAILED', error_message = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'SENDING'`,
		id, errorMessage,
	)
	return err
}
