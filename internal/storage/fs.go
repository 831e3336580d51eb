/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// FilesystemStore implements ObjectStore on a local directory tree. Used in
// development and as the test fixture backend.
type FilesystemStore struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStore creates a filesystem-backed object store rooted at
// rootDir.
func NewFilesystemStore(rootDir string, logger zerolog.Logger) *FilesystemStore {
	return &FilesystemStore{
		rootDir: rootDir,
		logger:  logger.With().Str("component", "fs-store").Logger(),
	}
}

// path maps a key onto the root, rejecting traversal outside it.
func (f *FilesystemStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(f.rootDir, clean), nil
}

func (f *FilesystemStore) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	full, err := f.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("create directories: %w", err)
	}

	dest, err := os.Create(full)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	n, err := io.Copy(dest, body)
	if err != nil {
		os.Remove(full)
		return 0, fmt.Errorf("write file: %w", err)
	}

	f.logger.Debug().Str("key", key).Int64("bytes", n).Msg("object stored")
	return n, nil
}

func (f *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

func (f *FilesystemStore) Delete(ctx context.Context, key string) error {
	full, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
