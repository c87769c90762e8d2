package sink

import (
	"bytes"
	"errors"
	"sync"

	"github.com/iodump/iodump/pkg/event"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("sink: closed")

// Memory keeps the log in memory (for testing).
type Memory struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
	closed  bool
}

// NewMemory creates an empty memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Write appends p.
func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.buf.Write(p)
}

// Flush counts the call.
func (m *Memory) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

// Close marks the sink closed. The contents stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Bytes returns a copy of the log.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.buf.Bytes())
}

// Events decodes the log.
func (m *Memory) Events() ([]event.Event, error) {
	return event.DecodeAll(bytes.NewReader(m.Bytes()))
}

// Flushes returns how many times Flush was called.
func (m *Memory) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
