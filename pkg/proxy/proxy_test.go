package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/iodump/iodump/pkg/dump"
	"github.com/iodump/iodump/pkg/event"
	"github.com/iodump/iodump/pkg/sink"
	"github.com/iodump/iodump/pkg/telemetry"
)

type memSinks struct {
	mu     sync.Mutex
	sinks  map[string]*sink.Memory
	shared bool
}

func newMemSinks() *memSinks {
	return &memSinks{sinks: make(map[string]*sink.Memory)}
}

func (m *memSinks) Create(id string) (dump.Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sink.NewMemory()
	m.sinks[id] = s
	return s, nil
}

func (m *memSinks) Type() string { return "memory" }
func (m *memSinks) Shared() bool { return m.shared }

func (m *memSinks) get(id string) *sink.Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sinks[id]
}

// startEcho runs an upstream that echoes everything and closes after EOF.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// startProxy serves on a loopback port and returns its address.
func startProxy(t *testing.T, upstream string, sinks Sinks, opts ...Option) string {
	t.Helper()
	srv, err := New(Config{Upstream: upstream, DialTimeout: time.Second}, sinks, opts...)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		srv.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().String()
}

func waitSummaries(t *testing.T, mem *telemetry.MemoryEmitter, n int) []telemetry.SessionSummary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for mem.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d summaries, have %d", n, mem.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return mem.Events()
}

func newCollector(t *testing.T) (*telemetry.Collector, *telemetry.MemoryEmitter) {
	mem := telemetry.NewMemoryEmitter()
	c := telemetry.NewCollectorWithEmitter(telemetry.CollectorConfig{
		Enabled:       true,
		BatchSize:     1,
		FlushInterval: time.Hour,
	}, mem)
	t.Cleanup(func() { c.Close() })
	return c, mem
}

func TestProxyRecordsSession(t *testing.T) {
	sinks := newMemSinks()
	coll, mem := newCollector(t)
	proxyAddr := startProxy(t, startEcho(t), sinks,
		WithCollector(coll),
		WithIDFunc(func() string { return "s1" }),
	)

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q", buf)
	}
	conn.(*net.TCPConn).CloseWrite()
	if rest, err := io.ReadAll(conn); err != nil || len(rest) != 0 {
		t.Fatalf("after half-close: %q, %v", rest, err)
	}

	sums := waitSummaries(t, mem, 1)
	sum := sums[0]
	if sum.SessionID != "s1" || sum.Kind != "proxy" || sum.Sink != "memory" {
		t.Errorf("summary = %+v", sum)
	}
	if sum.BytesWritten != 4 || sum.BytesRead != 4 || sum.Error != "" {
		t.Errorf("summary counts = %+v", sum)
	}

	events, err := sinks.get("s1").Events()
	if err != nil {
		t.Fatal(err)
	}
	var wrote, read []byte
	for _, ev := range events {
		switch ev.Direction {
		case event.Write:
			wrote = append(wrote, ev.Payload...)
		case event.Read:
			read = append(read, ev.Payload...)
		}
	}
	if string(wrote) != "ping" || string(read) != "ping" {
		t.Errorf("logged wrote=%q read=%q", wrote, read)
	}
	if last := events[len(events)-1]; last.Direction != event.Read || len(last.Payload) != 0 {
		t.Errorf("last event = %v %d bytes, want the upstream EOF", last.Direction, len(last.Payload))
	}
	if int64(len(events)) != sum.Events {
		t.Errorf("summary events = %d, log has %d", sum.Events, len(events))
	}
	if !sinks.get("s1").Closed() {
		t.Error("session sink not closed")
	}
}

func TestProxyConcurrentSessions(t *testing.T) {
	sinks := newMemSinks()
	coll, mem := newCollector(t)
	var (
		mu   sync.Mutex
		next int
	)
	proxyAddr := startProxy(t, startEcho(t), sinks,
		WithCollector(coll),
		WithIDFunc(func() string {
			mu.Lock()
			defer mu.Unlock()
			next++
			return fmt.Sprintf("c%d", next)
		}),
	)

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", proxyAddr)
			if err != nil {
				t.Error(err)
				return
			}
			defer conn.Close()
			msg := []byte(fmt.Sprintf("client-%d", i))
			conn.Write(msg)
			conn.(*net.TCPConn).CloseWrite()
			got, err := io.ReadAll(conn)
			if err != nil || string(got) != string(msg) {
				t.Errorf("client %d got %q, %v", i, got, err)
			}
		}(i)
	}
	wg.Wait()

	for _, sum := range waitSummaries(t, mem, clients) {
		events, err := sinks.get(sum.SessionID).Events()
		if err != nil {
			t.Fatalf("%s: %v", sum.SessionID, err)
		}
		var wrote []byte
		for _, ev := range events {
			if ev.Direction == event.Write {
				wrote = append(wrote, ev.Payload...)
			}
		}
		if int64(len(wrote)) != sum.BytesWritten {
			t.Errorf("%s: logged %d written bytes, summary says %d", sum.SessionID, len(wrote), sum.BytesWritten)
		}
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	// Reserve a port and free it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()

	sinks := newMemSinks()
	coll, mem := newCollector(t)
	proxyAddr := startProxy(t, dead, sinks, WithCollector(coll))

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the proxy to drop the client")
	}

	sum := waitSummaries(t, mem, 1)[0]
	if sum.Error == "" {
		t.Error("summary should carry the dial error")
	}
	if sinks.get(sum.SessionID) != nil {
		t.Error("no sink should be opened when the upstream is unreachable")
	}
}

func TestNewRejectsSharedSink(t *testing.T) {
	_, err := New(Config{Upstream: "127.0.0.1:1"}, &memSinks{shared: true})
	if !errors.Is(err, ErrSharedSink) {
		t.Errorf("err = %v, want ErrSharedSink", err)
	}
	if _, err := New(Config{}, newMemSinks()); err == nil {
		t.Error("expected error for missing upstream")
	}
}

func TestCloseStopsServe(t *testing.T) {
	srv, err := New(Config{Upstream: startEcho(t)}, newMemSinks())
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	// An open session is dropped on shutdown.
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

type failSink struct{}

func (failSink) Write([]byte) (int, error) { return 0, errors.New("log volume full") }
func (failSink) Flush() error              { return nil }

type failSinks struct{}

func (failSinks) Create(string) (dump.Sink, error) { return failSink{}, nil }
func (failSinks) Type() string                     { return "broken" }

func TestProxyKeepsTrafficWhenSinkFails(t *testing.T) {
	coll, mem := newCollector(t)
	proxyAddr := startProxy(t, startEcho(t), failSinks{}, WithCollector(coll))

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("still flows"))
	conn.(*net.TCPConn).CloseWrite()
	got, err := io.ReadAll(conn)
	if err != nil || string(got) != "still flows" {
		t.Fatalf("echo = %q, %v", got, err)
	}

	sum := waitSummaries(t, mem, 1)[0]
	if sum.SinkError == "" || sum.Error != "" || sum.Events != 0 {
		t.Errorf("summary = %+v", sum)
	}
}
