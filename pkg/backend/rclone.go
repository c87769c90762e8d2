package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"
	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/object"

	"github.com/iodump/iodump/pkg/metrics"
)

// Config selects and configures an rclone remote.
type Config struct {
	Name   string            // label for logs and metrics
	Type   string            // rclone backend: "local", "s3", "azureblob", "googlecloudstorage", "sftp"
	Root   string            // bucket or directory, with an optional prefix
	Params map[string]string // rclone options for the backend type
}

// Rclone is a Backend on top of an rclone fs.Fs.
type Rclone struct {
	name string
	f    fs.Fs
}

// OpenRclone connects to the remote described by cfg.
func OpenRclone(ctx context.Context, cfg Config) (*Rclone, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	info, err := fs.Find(cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("backend.OpenRclone: type %q: %w", cfg.Type, err)
	}
	f, err := info.NewFs(ctx, cfg.Name, cfg.Root, configmap.Simple(cfg.Params))
	if err != nil && !errors.Is(err, fs.ErrorIsFile) {
		return nil, fmt.Errorf("backend.OpenRclone: %s:%s: %w", cfg.Type, cfg.Root, err)
	}
	slog.Info("Remote storage ready", "component", "backend",
		"name", cfg.Name, "type", cfg.Type, "root", f.Root())
	return &Rclone{name: cfg.Name, f: f}, nil
}

func (r *Rclone) Name() string { return r.name }

// observe records the latency and failure of one operation.
func (r *Rclone) observe(op string, start time.Time, err error) {
	metrics.BackendRequestDuration.WithLabelValues(r.name, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.BackendErrors.WithLabelValues(r.name, op).Inc()
	}
}

// Put uploads data under key.
func (r *Rclone) Put(ctx context.Context, key string, data []byte) (err error) {
	defer func(start time.Time) { r.observe("put", start, err) }(time.Now())
	src := object.NewStaticObjectInfo(key, time.Now(), int64(len(data)), true, nil, r.f)
	if _, err = r.f.Put(ctx, bytes.NewReader(data), src); err != nil {
		return fmt.Errorf("backend %s: put %s: %w", r.name, key, err)
	}
	return nil
}

// Get opens the object at key.
func (r *Rclone) Get(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { r.observe("get", start, err) }(time.Now())
	obj, err := r.f.NewObject(ctx, key)
	if err != nil {
		return nil, r.wrap("get", key, err)
	}
	if rc, err = obj.Open(ctx); err != nil {
		return nil, r.wrap("get", key, err)
	}
	return rc, nil
}

// List returns the entries directly under dir.
func (r *Rclone) List(ctx context.Context, dir string) (out []Object, err error) {
	defer func(start time.Time) { r.observe("list", start, err) }(time.Now())
	entries, err := r.f.List(ctx, dir)
	if errors.Is(err, fs.ErrorDirNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap("list", dir, err)
	}
	out = make([]Object, 0, len(entries))
	for _, e := range entries {
		_, isDir := e.(fs.Directory)
		out = append(out, Object{
			Key:     e.Remote(),
			Size:    e.Size(),
			ModTime: e.ModTime(ctx),
			Dir:     isDir,
		})
	}
	return out, nil
}

// RemoveDir deletes the objects under dir, recursing into subdirectories,
// then removes dir.
func (r *Rclone) RemoveDir(ctx context.Context, dir string) (err error) {
	defer func(start time.Time) { r.observe("remove", start, err) }(time.Now())
	entries, err := r.f.List(ctx, dir)
	if err != nil {
		return r.wrap("remove", dir, err)
	}
	for _, e := range entries {
		switch e := e.(type) {
		case fs.Object:
			if err := e.Remove(ctx); err != nil {
				return r.wrap("remove", e.Remote(), err)
			}
		case fs.Directory:
			if err := r.RemoveDir(ctx, e.Remote()); err != nil {
				return err
			}
		}
	}
	if err := r.f.Rmdir(ctx, dir); err != nil && !errors.Is(err, fs.ErrorDirNotFound) {
		return r.wrap("remove", dir, err)
	}
	return nil
}

// Close releases the remote.
func (r *Rclone) Close() error {
	slog.Debug("Remote storage closed", "component", "backend", "name", r.name)
	return nil
}

// wrap maps rclone's not-found errors onto ErrNotFound.
func (r *Rclone) wrap(op, key string, err error) error {
	if errors.Is(err, fs.ErrorObjectNotFound) || errors.Is(err, fs.ErrorDirNotFound) {
		err = ErrNotFound
	}
	return fmt.Errorf("backend %s: %s %s: %w", r.name, op, key, err)
}

var _ Backend = (*Rclone)(nil)
