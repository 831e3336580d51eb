/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage abstracts blob storage for finished call recordings.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// ObjectStore persists recording blobs under opaque keys.
type ObjectStore interface {
	// Put writes the full object and returns the stored size in bytes.
	Put(ctx context.Context, key string, body io.Reader) (int64, error)

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
