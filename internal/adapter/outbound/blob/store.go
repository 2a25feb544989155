// Package blob persists memory files to append-only blob storage. The
// production implementation targets Azure Blob Storage; an in-memory
// implementation backs tests and token-less development.
package blob

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrKeyExists is returned by Put when the key is already present.
	// Keys are write-once; the caller maps this to a conflict response.
	ErrKeyExists = errors.New("blob key already exists")

	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("blob not found")
)

// Item describes one stored blob as seen by List.
type Item struct {
	// Name is the full key, e.g. "memory/<run_id>.json".
	Name string
	// LastModified orders items by recency.
	LastModified time.Time
	// Metadata holds the blob's user metadata.
	Metadata map[string]string
}

// PutOptions carries content type and initial metadata for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the append-only blob port.
// Interface owned by the adapter layer; services depend on it.
type Store interface {
	// Put creates the blob at key. Returns ErrKeyExists if the key is
	// already present; existing blobs are never overwritten.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error

	// Get returns the blob's content and metadata, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)

	// List returns all items under prefix.
	List(ctx context.Context, prefix string) ([]Item, error)

	// SetMetadata replaces the blob's user metadata.
	SetMetadata(ctx context.Context, key string, metadata map[string]string) error
}
