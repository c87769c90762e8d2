// Package dump wraps byte-stream handles so that every completed read and
// write is mirrored, as an encoded event, to a log sink.
//
// A wrapper behaves like the handle it wraps: counts and errors are returned
// unchanged. An event is appended for each call that transferred data, that
// succeeded, or (for reads) that reported end of stream. A call that failed
// with nothing transferred is not logged.
//
// If appending to the sink fails, the call still returns the count the inner
// handle reported, together with a *SinkError. The failure is sticky: later
// calls keep passing through to the handle but no further events are
// appended, because the sink may now hold a partial frame.
//
// A wrapper allows one in-flight Read and one in-flight Write at a time.
package dump

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iodump/iodump/pkg/event"
)

var (
	// ErrClosed is returned by operations on a closed wrapper.
	ErrClosed = errors.New("dump: wrapper is closed")

	// ErrSinkWrite is matched by every *SinkError.
	ErrSinkWrite = errors.New("dump: sink write failed")
)

// Sink is an append-only destination for encoded events.
// A Sink that also implements io.Closer is closed with the wrapper.
type Sink interface {
	io.Writer
	Flush() error
}

// Flusher is implemented by handles with a Flush method.
type Flusher interface {
	Flush() error
}

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Observer is notified of recording outcomes. Calls are made while the
// wrapper's sink lock is held, so implementations must not block.
type Observer interface {
	EventRecorded(ev event.Event)
	InnerFailed(dir event.Direction, err error)
	SinkFailed(dir event.Direction, err error)
}

// SinkError reports a failure to append an event. N is the count the inner
// handle reported for the call that could not be logged.
type SinkError struct {
	Direction event.Direction
	N         int
	Err       error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("dump: record %s of %d bytes: %v", e.Direction, e.N, e.Err)
}

// Unwrap returns the underlying sink error.
func (e *SinkError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSinkWrite.
func (e *SinkError) Is(target error) bool { return target == ErrSinkWrite }

// Option configures a wrapper.
type Option func(*options)

type options struct {
	clock    Clock
	observer Observer
	logger   *slog.Logger
}

// WithClock sets the timestamp source. The default is SystemClock.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithObserver attaches an observer, e.g. metrics.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger used for sink failures. The default is
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Capabilities describes what the wrapped handle supports.
type Capabilities struct {
	Read  bool
	Write bool
	Flush bool
	Seek  bool
	Close bool
}

// dumper is the shared core of Reader, Writer and ReadWriter.
type dumper struct {
	inner any
	sink  Sink
	opts  options

	closed atomic.Bool

	mu         sync.Mutex // serializes appends to sink
	buf        []byte
	sinkErr    *SinkError
	sinkClosed bool
	events     int64
}

func newDumper(inner any, sink Sink, opts []Option) *dumper {
	o := options{clock: SystemClock, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &dumper{
		inner: inner,
		sink:  sink,
		opts:  o,
		buf:   make([]byte, 0, event.HeaderSize+4096),
	}
}

func (d *dumper) read(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	n, err := d.inner.(io.Reader).Read(p)
	return d.complete(event.Read, p, n, err)
}

func (d *dumper) write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	n, err := d.inner.(io.Writer).Write(p)
	return d.complete(event.Write, p, n, err)
}

// complete records the outcome of an inner call and returns what the caller
// should see.
func (d *dumper) complete(dir event.Direction, p []byte, n int, err error) (int, error) {
	if n < 0 || n > len(p) {
		// A misbehaving handle; there is no meaningful payload to log.
		return n, err
	}
	if err != nil && err != io.EOF && d.opts.observer != nil {
		d.opts.observer.InnerFailed(dir, err)
	}
	if !shouldRecord(dir, n, err) {
		return n, err
	}

	serr := d.record(dir, p[:n])
	if err != nil {
		return n, err
	}
	if serr != nil {
		return n, serr
	}
	return n, nil
}

func shouldRecord(dir event.Direction, n int, err error) bool {
	if err == nil || n > 0 {
		return true
	}
	return dir == event.Read && err == io.EOF
}

// record stamps and appends one event. The timestamp is taken under the
// lock so log order and time order agree.
func (d *dumper) record(dir event.Direction, payload []byte) *SinkError {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sinkClosed {
		return &SinkError{Direction: dir, N: len(payload), Err: ErrClosed}
	}
	if d.sinkErr != nil {
		return &SinkError{Direction: dir, N: len(payload), Err: d.sinkErr.Err}
	}

	ev := event.Event{Direction: dir, Time: d.opts.clock.Now(), Payload: payload}
	d.buf = event.AppendEncode(d.buf[:0], ev)
	wn, err := d.sink.Write(d.buf)
	if err == nil && wn != len(d.buf) {
		err = io.ErrShortWrite
	}
	if cap(d.buf) > 1<<20 {
		d.buf = make([]byte, 0, event.HeaderSize+4096)
	}
	if err != nil {
		d.sinkErr = &SinkError{Direction: ev.Direction, N: len(ev.Payload), Err: err}
		d.opts.logger.Warn("event not recorded, logging stopped",
			"component", "dump",
			"direction", ev.Direction.String(),
			"bytes", len(ev.Payload),
			"error", err,
		)
		if d.opts.observer != nil {
			d.opts.observer.SinkFailed(ev.Direction, err)
		}
		return d.sinkErr
	}

	d.events++
	if d.opts.observer != nil {
		d.opts.observer.EventRecorded(ev)
	}
	return nil
}

func (d *dumper) flush() error {
	if d.closed.Load() {
		return ErrClosed
	}
	if f, ok := d.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func (d *dumper) flushLog() error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink.Flush()
}

func (d *dumper) sinkError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sinkErr == nil {
		return nil
	}
	return d.sinkErr
}

func (d *dumper) count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

func (d *dumper) caps() Capabilities {
	_, r := d.inner.(io.Reader)
	_, w := d.inner.(io.Writer)
	_, f := d.inner.(Flusher)
	_, s := d.inner.(io.Seeker)
	_, c := d.inner.(io.Closer)
	return Capabilities{Read: r, Write: w, Flush: f, Seek: s, Close: c}
}

// close releases the inner handle and the sink. The inner handle is closed
// first so that a Read blocked on it returns.
func (d *dumper) close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var errs []error
	if c, ok := d.inner.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close handle: %w", err))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sink.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush sink: %w", err))
	}
	if c, ok := d.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	// Appends racing with close must not touch the released sink.
	d.sinkClosed = true
	return errors.Join(errs...)
}
