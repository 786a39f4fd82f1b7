// Package filestore keeps each key in its own JSON file under a directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/John-Robertt/reqguard/internal/storage"
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type Store struct {
	dir string
	mu  sync.RWMutex
}

// New creates dir if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storage.Err("STORAGE_OPEN_ERROR", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) (string, error) {
	if !keyRe.MatchString(key) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, false, storage.Err("STORAGE_READ_ERROR", key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Err("STORAGE_READ_ERROR", key, err)
	}
	return b, true, nil
}

// Set writes to a temp file in the same directory and renames it over the
// target, so readers see either the old or the new content.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return storage.Err("STORAGE_WRITE_ERROR", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return storage.Err("STORAGE_WRITE_ERROR", key, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return storage.Err("STORAGE_WRITE_ERROR", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return storage.Err("STORAGE_WRITE_ERROR", key, err)
	}
	if err := tmp.Close(); err != nil {
		return storage.Err("STORAGE_WRITE_ERROR", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return storage.Err("STORAGE_WRITE_ERROR", key, err)
	}
	return nil
}
