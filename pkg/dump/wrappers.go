package dump

import "io"

// Reader records the reads of a read-only handle.
type Reader struct {
	d *dumper
}

// NewReader wraps r. The wrapper takes ownership of r and sink.
func NewReader(r io.Reader, sink Sink, opts ...Option) *Reader {
	return &Reader{d: newDumper(r, sink, opts)}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) { return r.d.read(p) }

// FlushLog flushes the sink.
func (r *Reader) FlushLog() error { return r.d.flushLog() }

// Err returns the sticky sink error, if any.
func (r *Reader) Err() error { return r.d.sinkError() }

// Events returns the number of events recorded.
func (r *Reader) Events() int64 { return r.d.count() }

// Caps reports the wrapped handle's capabilities.
func (r *Reader) Caps() Capabilities { return r.d.caps() }

// Close releases the handle and the sink.
func (r *Reader) Close() error { return r.d.close() }

// Writer records the writes of a write-only handle.
type Writer struct {
	d *dumper
}

// NewWriter wraps w. The wrapper takes ownership of w and sink.
func NewWriter(w io.Writer, sink Sink, opts ...Option) *Writer {
	return &Writer{d: newDumper(w, sink, opts)}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) { return w.d.write(p) }

// Flush flushes the wrapped handle if it supports flushing. The sink is
// not flushed; see FlushLog.
func (w *Writer) Flush() error { return w.d.flush() }

// FlushLog flushes the sink.
func (w *Writer) FlushLog() error { return w.d.flushLog() }

// Err returns the sticky sink error, if any.
func (w *Writer) Err() error { return w.d.sinkError() }

// Events returns the number of events recorded.
func (w *Writer) Events() int64 { return w.d.count() }

// Caps reports the wrapped handle's capabilities.
func (w *Writer) Caps() Capabilities { return w.d.caps() }

// Close releases the handle and the sink.
func (w *Writer) Close() error { return w.d.close() }

// ReadWriter records both directions of a handle into one log.
type ReadWriter struct {
	d *dumper
}

// NewReadWriter wraps rw. The wrapper takes ownership of rw and sink.
func NewReadWriter(rw io.ReadWriter, sink Sink, opts ...Option) *ReadWriter {
	return &ReadWriter{d: newDumper(rw, sink, opts)}
}

// Read implements io.Reader.
func (rw *ReadWriter) Read(p []byte) (int, error) { return rw.d.read(p) }

// Write implements io.Writer.
func (rw *ReadWriter) Write(p []byte) (int, error) { return rw.d.write(p) }

// Flush flushes the wrapped handle if it supports flushing.
func (rw *ReadWriter) Flush() error { return rw.d.flush() }

// FlushLog flushes the sink.
func (rw *ReadWriter) FlushLog() error { return rw.d.flushLog() }

// Err returns the sticky sink error, if any.
func (rw *ReadWriter) Err() error { return rw.d.sinkError() }

// Events returns the number of events recorded.
func (rw *ReadWriter) Events() int64 { return rw.d.count() }

// Caps reports the wrapped handle's capabilities.
func (rw *ReadWriter) Caps() Capabilities { return rw.d.caps() }

// Close releases the handle and the sink.
func (rw *ReadWriter) Close() error { return rw.d.close() }

var (
	_ io.ReadCloser      = (*Reader)(nil)
	_ io.WriteCloser     = (*Writer)(nil)
	_ io.ReadWriteCloser = (*ReadWriter)(nil)
)
