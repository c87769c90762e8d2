// Package session maps recording sessions onto the configured log storage.
//
// A Store opens one sink per session id and can later list the stored
// sessions and export any of them in wire format, for every sink type that
// keeps its logs.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iodump/iodump/pkg/backend"
	"github.com/iodump/iodump/pkg/config"
	"github.com/iodump/iodump/pkg/dump"
	"github.com/iodump/iodump/pkg/sink"
)

const fileExt = ".dump"

var (
	// ErrInvalidID is returned for ids that cannot name a session.
	ErrInvalidID = errors.New("session: invalid id")

	// ErrNotFound is returned by Export and Remove for unknown sessions.
	ErrNotFound = errors.New("session: not found")

	// ErrUnsupported is returned by List and Export for sinks that do not
	// keep logs, such as stdout.
	ErrUnsupported = errors.New("session: not supported by this sink type")
)

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.New().String()
}

// Info describes a stored session.
type Info struct {
	ID       string
	Modified time.Time
	Size     int64 // bytes, when the storage knows it
}

// Store opens session sinks of one configured type.
type Store struct {
	cfg    config.SinkConfig
	badger *sink.BadgerStore
	remote backend.Backend
}

// Open prepares the storage described by cfg.
func Open(cfg config.SinkConfig) (*Store, error) {
	s := &Store{cfg: cfg}
	switch cfg.Type {
	case config.SinkFile:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("session.Open: %w", err)
		}
	case config.SinkStdout:
	case config.SinkBadger:
		store, err := sink.OpenBadger(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("session.Open: %w", err)
		}
		s.badger = store
	case config.SinkRemote:
		be, err := backend.OpenRclone(context.Background(), backend.Config{
			Name:   "remote",
			Type:   cfg.Remote.Type,
			Root:   cfg.Remote.Root,
			Params: cfg.Remote.Config,
		})
		if err != nil {
			return nil, fmt.Errorf("session.Open: %w", err)
		}
		s.remote = be
	default:
		return nil, fmt.Errorf("session.Open: unknown sink type %q", cfg.Type)
	}
	return s, nil
}

// Type returns the configured sink type.
func (s *Store) Type() string { return s.cfg.Type }

// Shared reports whether every session writes to the same stream. Such a
// store cannot serve concurrent sessions.
func (s *Store) Shared() bool { return s.cfg.Type == config.SinkStdout }

// Create opens the sink for session id. Closing the sink ends the session;
// the store stays open.
func (s *Store) Create(id string) (dump.Sink, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	switch s.cfg.Type {
	case config.SinkFile:
		f, err := sink.OpenFile(s.filePath(id), sink.FileConfig{
			BufferSize:  int(s.cfg.BufferSize),
			SyncOnFlush: s.cfg.SyncOnFlush,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.SinkStdout:
		return sink.NewStream(os.Stdout, int(s.cfg.BufferSize)), nil
	case config.SinkBadger:
		bs, err := s.badger.Session(id)
		if err != nil {
			return nil, err
		}
		return bs, nil
	case config.SinkRemote:
		return sink.NewRemote(s.remote, id, sink.RemoteConfig{SegmentSize: int(s.cfg.Remote.SegmentSize)}), nil
	}
	return nil, fmt.Errorf("session.Create: unknown sink type %q", s.cfg.Type)
}

// Export writes the log of session id to w and returns the byte count.
func (s *Store) Export(ctx context.Context, id string, w io.Writer) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	switch s.cfg.Type {
	case config.SinkFile:
		f, err := os.Open(s.filePath(id))
		if err != nil {
			return 0, fmt.Errorf("session.Export: %w", notFound(err))
		}
		defer f.Close()
		return io.Copy(w, f)
	case config.SinkBadger:
		cw := &countingWriter{w: w}
		if _, err := s.badger.Export(id, cw); err != nil {
			return cw.n, fmt.Errorf("session.Export: %w", notFound(err))
		}
		return cw.n, nil
	case config.SinkRemote:
		rc, err := sink.OpenRemote(ctx, s.remote, id)
		if err != nil {
			return 0, fmt.Errorf("session.Export: %w", notFound(err))
		}
		defer rc.Close()
		return io.Copy(w, rc)
	}
	return 0, ErrUnsupported
}

// List returns the stored sessions, oldest first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	var out []Info
	switch s.cfg.Type {
	case config.SinkFile:
		entries, err := os.ReadDir(s.cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("session.List: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, Info{
				ID:       strings.TrimSuffix(e.Name(), fileExt),
				Modified: fi.ModTime(),
				Size:     fi.Size(),
			})
		}
	case config.SinkBadger:
		sessions, err := s.badger.Sessions()
		if err != nil {
			return nil, err
		}
		for _, si := range sessions {
			out = append(out, Info{ID: si.ID, Modified: si.Created})
		}
	case config.SinkRemote:
		entries, err := s.remote.List(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("session.List: %w", err)
		}
		for _, e := range entries {
			if e.Dir {
				out = append(out, Info{ID: e.Key, Modified: e.ModTime})
			}
		}
	default:
		return nil, ErrUnsupported
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Modified.Before(out[j].Modified)
	})
	return out, nil
}

// Remove deletes the log of session id. The session must not be recording.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	var err error
	switch s.cfg.Type {
	case config.SinkFile:
		err = os.Remove(s.filePath(id))
	case config.SinkBadger:
		err = s.badger.Delete(id)
	case config.SinkRemote:
		err = s.remote.RemoveDir(ctx, id)
	default:
		return ErrUnsupported
	}
	if err != nil {
		return fmt.Errorf("session.Remove: %w", notFound(err))
	}
	slog.Info("session removed", "component", "session", "session", id, "type", s.cfg.Type)
	return nil
}

// Close releases the storage.
func (s *Store) Close() error {
	var errs []error
	if s.badger != nil {
		errs = append(errs, s.badger.Close())
	}
	if s.remote != nil {
		errs = append(errs, s.remote.Close())
	}
	slog.Debug("session store closed", "component", "session", "type", s.cfg.Type)
	return errors.Join(errs...)
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.cfg.Dir, id+fileExt)
}

// validateID accepts ids made of letters, digits, '-', '_' and '.', not
// starting with '.'.
func validateID(id string) error {
	if id == "" || id[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// notFound marks storage-specific not-found errors as ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, sink.ErrNoSession) || errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
