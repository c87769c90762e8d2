// Package backend keeps session log segments on remote object storage.
//
// Keys are slash-separated paths relative to the configured root. A session
// is a directory of segment objects; the backend itself knows nothing about
// segments and just stores whole objects.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object or directory does not exist.
var ErrNotFound = errors.New("backend: not found")

// Object describes an entry returned by List.
type Object struct {
	Key     string // full key from the root
	Size    int64
	ModTime time.Time
	Dir     bool
}

// Backend is the object storage used by remote sinks.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get opens the object at key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the entries directly under dir ("" is the root).
	// A missing dir yields no entries.
	List(ctx context.Context, dir string) ([]Object, error)

	// RemoveDir deletes every object under dir and then dir itself.
	RemoveDir(ctx context.Context, dir string) error

	Close() error
}
