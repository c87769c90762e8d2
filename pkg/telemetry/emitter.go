package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Emitter delivers a batch of session summaries.
type Emitter interface {
	Emit(ctx context.Context, batch []SessionSummary) error
	Close() error
}

// JSONLEmitter writes one JSON object per line.
type JSONLEmitter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	buf    bytes.Buffer
}

// NewJSONLEmitter writes to w. Close does not close w.
func NewJSONLEmitter(w io.Writer) *JSONLEmitter {
	return &JSONLEmitter{w: w}
}

// OpenFileEmitter appends JSON lines to path, creating parent directories.
func OpenFileEmitter(path string) (*JSONLEmitter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry.OpenFileEmitter: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.OpenFileEmitter: %w", err)
	}
	return &JSONLEmitter{w: f, closer: f}, nil
}

// Emit encodes the whole batch and writes it with a single call, so
// concurrent writers to the same file do not interleave lines.
func (e *JSONLEmitter) Emit(_ context.Context, batch []SessionSummary) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Reset()
	if err := encodeLines(&e.buf, batch); err != nil {
		return err
	}
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("telemetry.JSONLEmitter: %w", err)
	}
	return nil
}

func (e *JSONLEmitter) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

func encodeLines(buf *bytes.Buffer, batch []SessionSummary) error {
	enc := json.NewEncoder(buf)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			return fmt.Errorf("telemetry: encode %s: %w", batch[i].SessionID, err)
		}
	}
	return nil
}

// HTTPEmitter posts each batch as newline-delimited JSON.
type HTTPEmitter struct {
	url    string
	client *http.Client
}

// NewHTTPEmitter posts to url. Any 2xx response is success.
func NewHTTPEmitter(url string) *HTTPEmitter {
	return &HTTPEmitter{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (e *HTTPEmitter) Emit(ctx context.Context, batch []SessionSummary) error {
	var body bytes.Buffer
	if err := encodeLines(&body, batch); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, &body)
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry.HTTPEmitter: %s: status %d", e.url, resp.StatusCode)
	}
	return nil
}

func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

type discard struct{}

func (discard) Emit(context.Context, []SessionSummary) error { return nil }
func (discard) Close() error                                 { return nil }

// Discard drops every batch.
var Discard Emitter = discard{}

// MemoryEmitter keeps every summary (for testing).
type MemoryEmitter struct {
	mu      sync.Mutex
	batches int
	events  []SessionSummary
}

func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

func (e *MemoryEmitter) Emit(_ context.Context, batch []SessionSummary) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches++
	e.events = append(e.events, batch...)
	return nil
}

func (e *MemoryEmitter) Close() error { return nil }

// Events returns a copy of the stored summaries.
func (e *MemoryEmitter) Events() []SessionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SessionSummary(nil), e.events...)
}

// Len returns how many summaries were emitted.
func (e *MemoryEmitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// Batches returns how many Emit calls were made.
func (e *MemoryEmitter) Batches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}
