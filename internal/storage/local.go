// Package storage provides concrete responseprocessor.ExternalStorage
// implementations. LocalStore backs the filesystem (`local://`); cloud
// providers (`s3://`, `azure://`) are documented extension points that
// implement the same interface against the provider SDKs.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore persists oversized response payloads under a base directory
// on the local filesystem, addressed by a `local://` URI. It exists so the
// response processor's external-storage path (spec §4.3) can be exercised
// without a cloud SDK or credentials in dev/test environments.
type LocalStore struct {
	baseDir string
}

// NewLocalStore builds a LocalStore rooted at baseDir. baseDir is created
// lazily on first Put.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("local storage: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("local storage: write: %w", err)
	}
	return "local://" + key, nil
}

func (s *LocalStore) Get(_ context.Context, uri string) ([]byte, error) {
	key := strings.TrimPrefix(uri, "local://")
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("local storage: read: %w", err)
	}
	return data, nil
}
