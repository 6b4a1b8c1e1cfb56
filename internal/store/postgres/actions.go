package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpipe/internal/models"
)

const actionColumns = `id, public_id, kind, payload, run_at, status, attempts, max_attempts,
	last_error, idempotency_key, interval_ms, locked_at, finished_at, created_at, updated_at`

type ActionStore struct {
	db *sql.DB
}

func NewActionStore(db *sql.DB) *ActionStore {
	return &ActionStore{db: db}
}

func scanAction(row scanner) (*models.ScheduledAction, error) {
	a := &models.ScheduledAction{}
	var payload []byte
	err := row.Scan(
		&a.ID, &a.PublicID, &a.Kind, &payload, &a.RunAt, &a.Status, &a.Attempts, &a.MaxAttempts,
		&a.LastError, &a.IdempotencyKey, &a.IntervalMs, &a.LockedAt, &a.FinishedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Payload = payload
	return a, nil
}

func (s *ActionStore) CreateAction(ctx context.Context, params models.ActionCreateParams) (*models.ScheduledAction, bool, error) {
	payload := []byte(params.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	action, err := scanAction(s.db.QueryRowContext(ctx,
		`INSERT INTO scheduled_actions (public_id, kind, payload, run_at, max_attempts, idempotency_key, interval_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) WHERE status IN ('PENDING', 'RUNNING') DO NOTHING
		 RETURNING `+actionColumns,
		uuid.New(), params.Kind, payload, params.RunAt, maxAttempts, params.IdempotencyKey, params.IntervalMs,
	))
	if err == nil {
		return action, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	existing, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+`
		 FROM scheduled_actions
		 WHERE idempotency_key = $1 AND status IN ('PENDING', 'RUNNING')`,
		params.IdempotencyKey,
	))
	if err != nil {
		// The active action finished between the insert and the lookup.
		return nil, false, notFound(err)
	}
	return existing, false, nil
}

func (s *ActionStore) GetActionByPublicID(ctx context.Context, publicID uuid.UUID) (*models.ScheduledAction, error) {
	action, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE public_id = $1`, publicID,
	))
	if err != nil {
		return nil, notFound(err)
	}
	return action, nil
}

func (s *ActionStore) ClaimNextAction(ctx context.Context, kind models.ActionKind) (*models.ScheduledAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	action, err := scanAction(tx.QueryRowContext(ctx,
		`WITH next_action AS (
			SELECT id
			FROM scheduled_actions
			WHERE kind = $1
			  AND status = 'PENDING'
			  AND run_at <= NOW()
			ORDER BY run_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_actions a
		SET status = 'RUNNING',
			attempts = a.attempts + 1,
			locked_at = NOW(),
			updated_at = NOW()
		FROM next_action
		WHERE a.id = next_action.id
		RETURNING a.id, a.public_id, a.kind, a.payload, a.run_at, a.status, a.attempts, a.max_attempts,
			a.last_error, a.idempotency_key, a.interval_ms, a.locked_at, a.finished_at, a.created_at, a.updated_at`,
		kind,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if commitErr := tx.Commit(); commitErr != nil {
				return nil, commitErr
			}
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return action, nil
}

func (s *ActionStore) MarkActionSucceeded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'SUCCEEDED',
		     last_error = '',
		     finished_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'RUNNING'`,
		id,
	)
	return err
}

func (s *ActionStore) MarkActionRetry(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'PENDING',
		     run_at = $2,
		     last_error = $3,
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'RUNNING'`,
		id, runAt, lastError,
	)
	return err
}

func (s *ActionStore) MarkActionFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'FAILED',
		     last_error = $2,
		     finished_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'RUNNING'`,
		id, lastError,
	)
	return err
}

func (s *ActionStore) RearmAction(ctx context.Context, id int64, nextRunAt time.Time) (*models.ScheduledAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	done, err := scanAction(tx.QueryRowContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'SUCCEEDED',
		     last_error = '',
		     finished_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'RUNNING'
		 RETURNING `+actionColumns,
		id,
	))
	if err != nil {
		return nil, notFound(err)
	}

	next, err := scanAction(tx.QueryRowContext(ctx,
		`INSERT INTO scheduled_actions (public_id, kind, payload, run_at, max_attempts, idempotency_key, interval_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+actionColumns,
		uuid.New(), done.Kind, []byte(done.Payload), nextRunAt, done.MaxAttempts, done.IdempotencyKey, done.IntervalMs,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *ActionStore) CancelActionByKey(ctx context.Context, idempotencyKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'CANCELLED',
		     finished_at = NOW(),
		     updated_at = NOW()
		 WHERE idempotency_key = $1
		   AND (status = 'PENDING' OR (status = 'RUNNING' AND interval_ms > 0))`,
		idempotencyKey,
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

func (s *ActionStore) RequeueStaleActions(ctx context.Context, lockedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions
		 SET status = 'PENDING',
		     locked_at = NULL,
		     last_error = 'lease expired',
		     updated_at = NOW()
		 WHERE status = 'RUNNING' AND locked_at < $1`,
		lockedBefore,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *ActionStore) PurgeActions(ctx context.Context, finishedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_actions
		 WHERE status IN ('SUCCEEDED', 'FAILED', 'CANCELLED') AND finished_at < $1`,
		finishedBefore,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
