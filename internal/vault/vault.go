// Package vault encrypts mailbox passwords before they are persisted.
//
// Blobs are framed as hex(iv) ":" hex(ciphertext||tag) using AES-256-GCM with a key
// derived from the operator secret by SHA-256, so any secret length yields a valid key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const separator = ":"

var ErrEmptySecret = errors.New("vault secret is required")

// FormatError reports a blob that cannot be decrypted: bad framing, bad encoding,
// or an authentication failure from a wrong key or tampered ciphertext.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "invalid encrypted secret: " + e.Reason
}

type Vault struct {
	aead cipher.AEAD
}

func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(iv) + separator + hex.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(blob string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(blob, separator)
	if !ok {
		return "", &FormatError{Reason: "missing separator"}
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != v.aead.NonceSize() {
		return "", &FormatError{Reason: "malformed iv"}
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) < v.aead.Overhead() {
		return "", &FormatError{Reason: "malformed ciphertext"}
	}
	plain, err := v.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return "", &FormatError{Reason: "authentication failed"}
	}
	return string(plain), nil
}
