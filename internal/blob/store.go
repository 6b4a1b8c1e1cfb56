// Package blob archives the raw RFC 822 source of messages imported by sync.
// Archived objects are write-once: a key derived from a Message-ID always
// names the same message, so a second Put of the key is a no-op.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/znz-systems/mailpipe/internal/models"
)

var (
	ErrObjectNotFound = errors.New("archived message not found")
	ErrInvalidKey     = errors.New("invalid archive key")
)

const MessageContentType = "message/rfc822"

// DefaultDir is where the filesystem backend writes when no path is configured.
const DefaultDir = "./data/archive"

type Store interface {
	// Put stores raw under key unless the key already holds a message.
	Put(ctx context.Context, key string, raw []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Backend           string
	FSRoot            string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
}

// NewFromConfig builds the configured backend. It returns nil, nil when
// archiving is switched off; the sync engine then stores no raw_ref.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	switch backend := strings.ToLower(strings.TrimSpace(cfg.Backend)); backend {
	case "", "none", "off":
		return nil, nil
	case "fs", "filesystem", "local":
		return NewFilesystemStore(cfg.FSRoot)
	case "s3", "r2", "minio":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", backend)
	}
}

// MessageKey is <userId>/<folder>/<sha256(messageId)>.eml. The hash keeps
// Message-ID characters out of paths and object keys.
func MessageKey(userID int64, folder models.Folder, messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return path.Join(strconv.FormatInt(userID, 10), strings.ToLower(string(folder)), hex.EncodeToString(sum[:])+".eml")
}

// checkKey accepts only clean, relative, slash-separated keys.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key ||
		key == ".." || strings.HasPrefix(key, "../") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
