package sink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// FileConfig tunes a file sink.
type FileConfig struct {
	BufferSize  int  // bytes buffered before a write reaches the file; default 64KB
	SyncOnFlush bool // fsync on every Flush
	Append      bool // append instead of truncating an existing file
}

// File is a buffered log file.
type File struct {
	f    *os.File
	bw   *bufio.Writer
	sync bool
}

// Create creates (or truncates) the log file at path.
func Create(path string) (*File, error) {
	return OpenFile(path, FileConfig{})
}

// OpenFile opens a log file at path, creating parent directories.
func OpenFile(path string, cfg FileConfig) (*File, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink.OpenFile: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink.OpenFile: %w", err)
	}
	return &File{f: f, bw: bufio.NewWriterSize(f, cfg.BufferSize), sync: cfg.SyncOnFlush}, nil
}

// Name returns the file path.
func (s *File) Name() string { return s.f.Name() }

// Write buffers p.
func (s *File) Write(p []byte) (int, error) {
	return s.bw.Write(p)
}

// Flush writes buffered bytes to the file and, if configured, syncs it.
func (s *File) Flush() error {
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("sink.File: flush %s: %w", s.f.Name(), err)
	}
	if s.sync {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sink.File: sync %s: %w", s.f.Name(), err)
		}
	}
	return nil
}

// Close flushes and closes the file.
func (s *File) Close() error {
	ferr := s.Flush()
	cerr := s.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
