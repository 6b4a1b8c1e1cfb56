package postgres

import (
	"context"
	"database/sql"

	"github.com/znz-systems/mailpipe/internal/models"
)

type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) UpsertCredential(ctx context.Context, userID int64, address, encryptedSecret string) (*models.MailCredential, error) {
	c := &models.MailCredential{}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO mail_credentials (user_id, address, encrypted_secret)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET address = EXCLUDED.address,
		     encrypted_secret = EXCLUDED.encrypted_secret,
		     verified_at = NULL,
		     updated_at = NOW()
		 RETURNING user_id, address, encrypted_secret, verified_at, created_at, updated_at`,
		userID, address, encryptedSecret,
	).Scan(&c.UserID, &c.Address, &c.EncryptedSecret, &c.VerifiedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, userID int64) (*models.MailCredential, error) {
	c := &models.MailCredential{}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, address, encrypted_secret, verified_at, created_at, updated_at
		 FROM mail_credentials WHERE user_id = $1`,
		userID,
	).Scan(&c.UserID, &c.Address, &c.EncryptedSecret, &c.VerifiedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *CredentialStore) MarkCredentialVerified(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mail_credentials
		 SET verified_at = NOW(), updated_at = NOW()
		 WHERE user_id = $1 AND verified_at IS NULL`,
		userID,
	)
	return err
}
