// Package blobstore holds the immutable content of published batches,
// addressed by digest.
package blobstore

import (
	"context"
	"fmt"
)

type Store interface {
	Put(ctx context.Context, key string, content []byte) error
	// Get returns common.ErrorNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BatchKey is the object key of a batch archive.
func BatchKey(digest string) string {
	return fmt.Sprintf("batches/%s.zip", digest)
}
