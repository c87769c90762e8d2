// Package proxy is a TCP proxy that records every connection.
//
// Each accepted client connection is paired with a fresh connection to the
// upstream. The upstream side is wrapped in a dump.ReadWriter, so the
// session log holds writes (client to upstream) and reads (upstream to
// client) in the order they completed.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iodump/iodump/pkg/dump"
	"github.com/iodump/iodump/pkg/metrics"
	"github.com/iodump/iodump/pkg/session"
	"github.com/iodump/iodump/pkg/telemetry"
)

// ErrSharedSink is returned by New when every session would write to the
// same stream.
var ErrSharedSink = errors.New("proxy: sink type cannot hold concurrent sessions")

// Sinks opens one log sink per session.
type Sinks interface {
	Create(id string) (dump.Sink, error)
	Type() string
}

// Config configures a Server.
type Config struct {
	Listen      string
	Upstream    string
	DialTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithCollector sends a summary of every finished session to c.
func WithCollector(c *telemetry.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// WithIDFunc overrides session id generation.
func WithIDFunc(f func() string) Option {
	return func(s *Server) { s.newID = f }
}

// WithClock sets the timestamp source of the session logs.
func WithClock(c dump.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// Server accepts connections and records them.
type Server struct {
	cfg       Config
	sinks     Sinks
	collector *telemetry.Collector
	newID     func() string
	clock     dump.Clock

	mu      sync.Mutex
	ln      net.Listener
	clients map[net.Conn]struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New creates a server. Sinks that report Shared() == true are rejected.
func New(cfg Config, sinks Sinks, opts ...Option) (*Server, error) {
	if cfg.Upstream == "" {
		return nil, fmt.Errorf("proxy.New: upstream address required")
	}
	if sh, ok := sinks.(interface{ Shared() bool }); ok && sh.Shared() {
		return nil, fmt.Errorf("proxy.New: %s: %w", sinks.Type(), ErrSharedSink)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		sinks:   sinks,
		newID:   session.NewID,
		clock:   dump.SystemClock,
		clients: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ListenAndServe listens on cfg.Listen and serves until ctx is done or
// Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("proxy.ListenAndServe: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after Close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	if s.closed.Load() {
		ln.Close()
		return nil
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	slog.Info("Proxy listening", "component", "proxy",
		"listen", ln.Addr().String(), "upstream", s.cfg.Upstream, "sink", s.sinks.Type())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("proxy.Serve: accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, drops open client connections and waits for their
// sessions to be finalized.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	slog.Info("Proxy stopped", "component", "proxy")
	return err
}

// track registers c and adds it to the wait group, unless the server is
// closing.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) handle(ctx context.Context, client net.Conn) {
	id := s.newID()
	log := slog.With("component", "proxy", "session", id)
	sum := telemetry.SessionSummary{
		SessionID:    id,
		Kind:         "proxy",
		ClientAddr:   client.RemoteAddr().String(),
		UpstreamAddr: s.cfg.Upstream,
		Sink:         s.sinks.Type(),
		Start:        time.Now(),
	}
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	err := s.record(ctx, client, id, &sum, log)
	client.Close()

	sum.Finish(time.Now())
	status := "ok"
	if err != nil {
		status = "error"
		sum.Error = err.Error()
		log.Warn("Session failed", "error", err)
	} else {
		log.Info("Session finished", "events", sum.Events,
			"bytes_written", sum.BytesWritten, "bytes_read", sum.BytesRead,
			"duration_ms", sum.DurationMs)
	}
	metrics.SessionsTotal.WithLabelValues(status).Inc()
	s.collector.Record(sum)
}

// record dials the upstream and pumps both directions through a wrapper.
func (s *Server) record(ctx context.Context, client net.Conn, id string, sum *telemetry.SessionSummary, log *slog.Logger) error {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	upstream, err := d.DialContext(ctx, "tcp", s.cfg.Upstream)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	sk, err := s.sinks.Create(id)
	if err != nil {
		upstream.Close()
		return fmt.Errorf("open sink: %w", err)
	}
	rw := dump.NewReadWriter(upstream, sk,
		dump.WithClock(s.clock),
		dump.WithObserver(metrics.Observer{}),
		dump.WithLogger(log),
	)
	log.Info("Session started", "client", sum.ClientAddr, "upstream", upstream.RemoteAddr().String())

	var (
		wg             sync.WaitGroup
		upErr, downErr error
		written, read  int64
		abortOnce      sync.Once
	)
	abort := func() {
		abortOnce.Do(func() {
			now := time.Now()
			client.SetDeadline(now)
			upstream.SetDeadline(now)
		})
	}

	wg.Add(2)
	go func() { // client -> upstream
		defer wg.Done()
		written, upErr = dump.Copy(rw, client)
		if upErr != nil {
			abort()
			return
		}
		closeWrite(upstream)
	}()
	go func() { // upstream -> client
		defer wg.Done()
		read, downErr = dump.Copy(client, rw)
		if downErr != nil {
			abort()
			return
		}
		closeWrite(client)
	}()
	wg.Wait()

	sum.BytesWritten = written
	sum.BytesRead = read
	sum.Events = rw.Events()
	if serr := rw.Err(); serr != nil {
		sum.SinkError = serr.Error()
	}
	if cerr := rw.Close(); cerr != nil {
		log.Debug("Session close", "error", cerr)
	}

	// The first failure is the cause; the other side fails from the abort.
	if upErr != nil && !isClosedConn(upErr) {
		return fmt.Errorf("client to upstream: %w", upErr)
	}
	if downErr != nil && !isClosedConn(downErr) {
		return fmt.Errorf("upstream to client: %w", downErr)
	}
	return nil
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func isClosedConn(err error) bool {
	var ne net.Error
	return errors.Is(err, net.ErrClosed) || (errors.As(err, &ne) && ne.Timeout())
}
