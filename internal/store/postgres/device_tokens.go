package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

type DeviceTokenStore struct {
	db *sql.DB
}

func NewDeviceTokenStore(db *sql.DB) *DeviceTokenStore {
	return &DeviceTokenStore{db: db}
}

func (s *DeviceTokenStore) AddDeviceToken(ctx context.Context, userID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_tokens (token, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id`,
		token, userID,
	)
	return err
}

func (s *DeviceTokenStore) ListDeviceTokens(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM device_tokens WHERE user_id = $1 ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *DeviceTokenStore) DeleteDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = ANY($1)`, pq.Array(tokens))
	return err
}
