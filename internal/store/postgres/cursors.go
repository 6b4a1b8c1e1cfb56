package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/znz-systems/mailpipe/internal/models"
)

type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

func (s *CursorStore) GetCursor(ctx context.Context, userID int64, folder models.Folder) (*models.SyncCursor, error) {
	c := &models.SyncCursor{UserID: userID, Folder: folder}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_at, open_failures FROM sync_cursors WHERE user_id = $1 AND folder = $2`,
		userID, folder,
	).Scan(&c.LastSyncedAt, &c.OpenFailures)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return c, nil
}

func (s *CursorStore) HasSeen(ctx context.Context, userID int64, folder models.Folder, messageID string) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM sync_cursor_entries
			WHERE user_id = $1 AND folder = $2 AND message_id = $3
		)`,
		userID, folder, messageID,
	).Scan(&seen)
	return seen, err
}

func (s *CursorStore) MarkSeen(ctx context.Context, userID int64, folder models.Folder, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursor_entries (user_id, folder, message_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		userID, folder, messageID,
	)
	return err
}

func (s *CursorStore) TouchCursor(ctx context.Context, userID int64, folder models.Folder, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (user_id, folder, last_synced_at, open_failures)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id, folder) DO UPDATE
		 SET last_synced_at = EXCLUDED.last_synced_at, open_failures = 0`,
		userID, folder, syncedAt,
	)
	return err
}

func (s *CursorStore) RecordOpenFailure(ctx context.Context, userID int64, folder models.Folder) (int, error) {
	var failures int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sync_cursors (user_id, folder, open_failures)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, folder) DO UPDATE
		 SET open_failures = sync_cursors.open_failures + 1
		 RETURNING open_failures`,
		userID, folder,
	).Scan(&failures)
	return failures, err
}

func (s *CursorStore) ResetCursor(ctx context.Context, userID int64, folder models.Folder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_cursor_entries WHERE user_id = $1 AND folder = $2`, userID, folder,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_cursors SET last_synced_at = NULL, open_failures = 0 WHERE user_id = $1 AND folder = $2`,
		userID, folder,
	); err != nil {
		return err
	}
	return tx.Commit()
}
