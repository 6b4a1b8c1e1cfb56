// Package auth holds the trigger token primitives. The API trusts any caller
// presenting the token whose bcrypt hash is configured.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidToken = errors.New("invalid trigger token")

// HashToken hashes a trigger token using bcrypt with the default cost.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// CheckToken compares a bcrypt hash with a presented token. An empty hash
// or token never matches.
func CheckToken(hash []byte, token string) error {
	if len(hash) == 0 || token == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// GenerateToken generates a cryptographically secure random 32-byte hex-encoded token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
