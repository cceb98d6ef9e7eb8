// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package blob stores agent state snapshots. Blobs are immutable: every save
// writes a fresh key and swings the pointer in redis afterwards, so a key's
// content never changes once written. That is what makes the read cache in
// cached.go safe.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("blob not found")

// Store reads and writes immutable blobs.
type Store interface {
	// Put writes data under key. Keys are written at most once.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the blob at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// IsNotFound returns whether the error indicates a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
