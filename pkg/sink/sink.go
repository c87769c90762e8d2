// Package sink provides append-only destinations for encoded event logs.
//
// Every sink has Write and Flush; Write receives one whole encoded event per
// call from a dump wrapper. Sinks that hold resources also implement Close.
package sink

import (
	"bufio"
	"io"
	"os"
)

// flusher matches writers with their own Flush, such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// Stream is a buffered sink over a writer it does not own. Close flushes but
// leaves the writer open.
type Stream struct {
	w  io.Writer
	bw *bufio.Writer
}

// NewStream returns a Stream writing to w through a buffer of size bytes.
// A size of zero or less uses the bufio default.
func NewStream(w io.Writer, size int) *Stream {
	if size <= 0 {
		size = 4096
	}
	return &Stream{w: w, bw: bufio.NewWriterSize(w, size)}
}

// Stdout returns a sink writing to standard output.
func Stdout() *Stream {
	return NewStream(os.Stdout, 0)
}

// Write buffers p.
func (s *Stream) Write(p []byte) (int, error) {
	return s.bw.Write(p)
}

// Flush writes buffered bytes, then flushes w if it can be flushed.
func (s *Stream) Flush() error {
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if f, ok := s.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Close flushes. The underlying writer stays open.
func (s *Stream) Close() error {
	return s.Flush()
}

// Unbuffered adapts w as a sink without buffering. Flush is forwarded when w
// has one. The writer is not closed.
func Unbuffered(w io.Writer) *Passthrough {
	return &Passthrough{w: w}
}

// Passthrough forwards each write directly.
type Passthrough struct {
	w io.Writer
}

// Write forwards p.
func (p *Passthrough) Write(b []byte) (int, error) { return p.w.Write(b) }

// Flush forwards to the writer's Flush if present.
func (p *Passthrough) Flush() error {
	if f, ok := p.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Discard is a sink that drops everything.
var Discard = Unbuffered(io.Discard)
