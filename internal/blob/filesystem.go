package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore keeps archived messages under one directory. All access
// goes through an os.Root, so no key can reach outside it.
type FilesystemStore struct {
	root *os.Root
}

func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open archive dir: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) Close() error { return s.root.Close() }

func (s *FilesystemStore) Put(ctx context.Context, key string, raw []byte) error {
	exists, err := s.Exists(ctx, key)
	if err != nil || exists {
		return err
	}
	name := filepath.FromSlash(key)
	if err := s.root.MkdirAll(filepath.Dir(name), 0o750); err != nil {
		return fmt.Errorf("create archive subdir: %w", err)
	}
	// Readers never observe a half-written message.
	partial := name + ".partial"
	if err := s.root.WriteFile(partial, raw, 0o640); err != nil {
		return fmt.Errorf("write archived message: %w", err)
	}
	if err := s.root.Rename(partial, name); err != nil {
		_ = s.root.Remove(partial)
		return fmt.Errorf("publish archived message: %w", err)
	}
	return nil
}

func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	raw, err := s.root.ReadFile(filepath.FromSlash(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return raw, err
}

func (s *FilesystemStore) Exists(_ context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	_, err := s.root.Stat(filepath.FromSlash(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.root.Remove(filepath.FromSlash(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
