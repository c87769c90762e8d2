package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/iodump/iodump/pkg/backend"
	"github.com/iodump/iodump/pkg/metrics"
)

const segmentExt = ".seg"

// DefaultSegmentSize is the buffered size at which Remote uploads a segment.
const DefaultSegmentSize = 4 * 1024 * 1024

// Remote buffers the log and uploads it to a backend as numbered segments
// under a prefix. Concatenating the segments in name order yields the log.
type Remote struct {
	be          backend.Backend
	prefix      string
	segmentSize int
	timeout     time.Duration

	buf    bytes.Buffer
	seq    int
	closed bool
}

// RemoteConfig tunes a Remote sink.
type RemoteConfig struct {
	SegmentSize int           // upload once this many bytes are buffered
	Timeout     time.Duration // per-upload timeout; default 1m
}

// NewRemote returns a sink uploading segments under prefix on be. The
// backend is not closed with the sink.
func NewRemote(be backend.Backend, prefix string, cfg RemoteConfig) *Remote {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Remote{
		be:          be,
		prefix:      strings.Trim(prefix, "/"),
		segmentSize: cfg.SegmentSize,
		timeout:     cfg.Timeout,
	}
}

func segmentName(prefix string, seq int) string {
	return path.Join(prefix, fmt.Sprintf("%08d%s", seq, segmentExt))
}

// Write buffers p and uploads a segment once the buffer is full.
func (r *Remote) Write(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	r.buf.Write(p)
	if r.buf.Len() >= r.segmentSize {
		if err := r.upload(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush uploads whatever is buffered as a segment.
func (r *Remote) Flush() error {
	if r.closed {
		return ErrClosed
	}
	return r.upload()
}

// Close uploads the remaining buffer.
func (r *Remote) Close() error {
	if r.closed {
		return nil
	}
	err := r.upload()
	r.closed = true
	return err
}

// Segments returns how many segments were uploaded.
func (r *Remote) Segments() int { return r.seq }

func (r *Remote) upload() error {
	if r.buf.Len() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	name := segmentName(r.prefix, r.seq)
	data := r.buf.Bytes()
	if err := r.be.Put(ctx, name, data); err != nil {
		// Keep the buffer so a later flush can retry the same segment.
		return fmt.Errorf("sink.Remote: upload %s: %w", name, err)
	}
	slog.Debug("segment uploaded", "component", "sink", "backend", r.be.Name(), "segment", name, "bytes", len(data))
	metrics.SegmentsUploaded.WithLabelValues(r.be.Name()).Inc()
	r.buf.Reset()
	r.seq++
	return nil
}

// OpenRemote returns a reader over the log stored under prefix, reading the
// segments in order.
func OpenRemote(ctx context.Context, be backend.Backend, prefix string) (io.ReadCloser, error) {
	prefix = strings.Trim(prefix, "/")
	entries, err := be.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("sink.OpenRemote: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.Dir && strings.HasSuffix(e.Key, segmentExt) {
			names = append(names, e.Key)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("sink.OpenRemote: %s: %w", prefix, backend.ErrNotFound)
	}
	sort.Strings(names)
	return &segmentReader{ctx: ctx, be: be, names: names}, nil
}

// segmentReader opens one segment at a time.
type segmentReader struct {
	ctx   context.Context
	be    backend.Backend
	names []string
	cur   io.ReadCloser
}

func (s *segmentReader) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			if len(s.names) == 0 {
				return 0, io.EOF
			}
			rc, err := s.be.Get(s.ctx, s.names[0])
			if err != nil {
				return 0, err
			}
			s.cur = rc
			s.names = s.names[1:]
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur.Close()
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *segmentReader) Close() error {
	if s.cur != nil {
		return s.cur.Close()
	}
	return nil
}
