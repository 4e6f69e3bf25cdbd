// Package objstore abstracts the flat-namespace, byte-range object store
// contract the segment store depends on (GET, PUT, LIST with a
// common-prefix delimiter, DELETE), so internal/store can be exercised
// against either a real S3-compatible bucket or a local-disk stand-in when
// the local-mode flag disables network activity.
package objstore

import (
	"context"
	"io"
)

// ObjectInfo describes one object returned by List.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Backend is the object-storage contract from spec §6: a flat namespace
// with byte-range GET, PUT, delimited LIST, and DELETE.
type Backend interface {
	// Put uploads the full contents of r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// GetRange downloads key; offset/length of 0,-1 means the whole object.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// List enumerates objects under prefix. When delimiter is non-empty,
	// keys sharing a segment up to the next delimiter occurrence are
	// collapsed into commonPrefixes instead of being returned individually —
	// the mechanism the segment store uses to derive the set of generations
	// for a database.
	List(ctx context.Context, prefix, delimiter string) (objects []ObjectInfo, commonPrefixes []string, err error)

	// Delete removes key. Deleting a key that does not exist is not an
	// error.
	Delete(ctx context.Context, key string) error
}
