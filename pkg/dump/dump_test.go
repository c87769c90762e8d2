package dump

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/iodump/iodump/pkg/event"
	"github.com/iodump/iodump/pkg/sink"
)

// fakeClock advances one millisecond per call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// failingSink accepts ok writes and then fails every write.
type failingSink struct {
	ok      int
	writes  int
	flushed int
	buf     bytes.Buffer
}

var errDiskFull = errors.New("disk full")

func (s *failingSink) Write(p []byte) (int, error) {
	s.writes++
	if s.writes > s.ok {
		return 0, errDiskFull
	}
	return s.buf.Write(p)
}

func (s *failingSink) Flush() error { s.flushed++; return nil }

// faultHandle fails its failAt-th call (1-based) with nothing transferred.
type faultHandle struct {
	calls  int
	failAt int
	data   []byte
	out    bytes.Buffer
	closed bool
}

var errFault = errors.New("injected fault")

func (h *faultHandle) Read(p []byte) (int, error) {
	h.calls++
	if h.calls == h.failAt {
		return 0, errFault
	}
	if len(h.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, h.data[:1])
	h.data = h.data[n:]
	return n, nil
}

func (h *faultHandle) Write(p []byte) (int, error) {
	h.calls++
	if h.calls == h.failAt {
		return 0, errFault
	}
	return h.out.Write(p)
}

func (h *faultHandle) Close() error { h.closed = true; return nil }

// shortWriter accepts at most max bytes per call.
type shortWriter struct {
	max int
	out bytes.Buffer
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		w.out.Write(p[:w.max])
		return w.max, io.ErrShortWrite
	}
	return w.out.Write(p)
}

type recordingObserver struct {
	mu       sync.Mutex
	recorded []event.Event
	inner    []error
	sink     []error
}

func (o *recordingObserver) EventRecorded(ev event.Event) {
	o.mu.Lock()
	o.recorded = append(o.recorded, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) InnerFailed(_ event.Direction, err error) {
	o.mu.Lock()
	o.inner = append(o.inner, err)
	o.mu.Unlock()
}

func (o *recordingObserver) SinkFailed(_ event.Direction, err error) {
	o.mu.Lock()
	o.sink = append(o.sink, err)
	o.mu.Unlock()
}

func mustEvents(t *testing.T, m *sink.Memory) []event.Event {
	t.Helper()
	events, err := m.Events()
	if err != nil {
		t.Fatalf("decode log: %v", err)
	}
	return events
}

func TestReaderPassThrough(t *testing.T) {
	const text = "the quick brown fox jumps over the lazy dog"
	for _, tc := range []struct {
		name string
		wrap func(io.Reader) io.Reader
	}{
		{"plain", func(r io.Reader) io.Reader { return r }},
		{"half", iotest.HalfReader},
		{"onebyte", iotest.OneByteReader},
		{"dataerr", iotest.DataErrReader},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := sink.NewMemory()
			r := NewReader(tc.wrap(strings.NewReader(text)), m)
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != text {
				t.Fatalf("read %q, want %q", got, text)
			}

			var logged []byte
			for _, ev := range mustEvents(t, m) {
				if ev.Direction != event.Read {
					t.Fatalf("unexpected direction %v", ev.Direction)
				}
				logged = append(logged, ev.Payload...)
			}
			if string(logged) != text {
				t.Errorf("logged %q, want %q", logged, text)
			}
			if r.Events() != int64(len(mustEvents(t, m))) {
				t.Errorf("Events = %d, log has %d", r.Events(), len(mustEvents(t, m)))
			}
		})
	}
}

func TestWriterPassThrough(t *testing.T) {
	var out bytes.Buffer
	m := sink.NewMemory()
	w := NewWriter(&out, m)

	chunks := []string{"GET / HTTP/1.1\r\n", "Host: x\r\n", "\r\n"}
	for _, c := range chunks {
		n, err := w.Write([]byte(c))
		if err != nil || n != len(c) {
			t.Fatalf("Write(%q) = %d, %v", c, n, err)
		}
	}
	if out.String() != strings.Join(chunks, "") {
		t.Errorf("inner got %q", out.String())
	}

	events := mustEvents(t, m)
	if len(events) != len(chunks) {
		t.Fatalf("events = %d, want %d", len(events), len(chunks))
	}
	for i, ev := range events {
		if ev.Direction != event.Write || string(ev.Payload) != chunks[i] {
			t.Errorf("event %d = %v %q", i, ev.Direction, ev.Payload)
		}
	}
}

func TestScenarioReadThenWrite(t *testing.T) {
	h := &faultHandle{data: []byte("ABC")}
	m := sink.NewMemory()
	rw := NewReadWriter(h, m, WithClock(newFakeClock()))

	buf := make([]byte, 3)
	if _, err := io.ReadFull(iotest.OneByteReader(rw), buf); err != nil {
		t.Fatal(err)
	}
	if _, err := rw.Write([]byte("Z")); err != nil {
		t.Fatal(err)
	}

	events := mustEvents(t, m)
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	var reads []byte
	for _, ev := range events[:3] {
		if ev.Direction != event.Read {
			t.Fatalf("want read, got %v", ev.Direction)
		}
		reads = append(reads, ev.Payload...)
	}
	if !bytes.Equal(reads, []byte{0x41, 0x42, 0x43}) {
		t.Errorf("read payloads = % X", reads)
	}
	if last := events[3]; last.Direction != event.Write || !bytes.Equal(last.Payload, []byte{0x5A}) {
		t.Errorf("write event = %v % X", last.Direction, last.Payload)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Time.Before(events[i-1].Time) {
			t.Errorf("timestamp %d went backwards", i)
		}
	}
}

func TestScenarioSingleRead(t *testing.T) {
	var out bytes.Buffer
	h := struct {
		io.Reader
		io.Writer
	}{strings.NewReader("ABC"), &out}
	m := sink.NewMemory()
	rw := NewReadWriter(h, m, WithClock(newFakeClock()))

	buf := make([]byte, 3)
	if n, err := rw.Read(buf); n != 3 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if _, err := rw.Write([]byte{0x5A}); err != nil {
		t.Fatal(err)
	}

	events := mustEvents(t, m)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if ev := events[0]; ev.Direction != event.Read || !bytes.Equal(ev.Payload, []byte{0x41, 0x42, 0x43}) {
		t.Errorf("first event = %v % X", ev.Direction, ev.Payload)
	}
	if ev := events[1]; ev.Direction != event.Write || !bytes.Equal(ev.Payload, []byte{0x5A}) {
		t.Errorf("second event = %v % X", ev.Direction, ev.Payload)
	}
	if !events[1].Time.After(events[0].Time) {
		t.Errorf("times = %v, %v", events[0].Time, events[1].Time)
	}
	if out.String() != "Z" {
		t.Errorf("inner got %q", out.String())
	}
}

// stallClock blocks its first caller until release is closed.
type stallClock struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (c *stallClock) Now() time.Time {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n == 1 {
		close(c.entered)
		<-c.release
	}
	return time.Unix(1000, 0).Add(time.Duration(n-1) * time.Second)
}

func TestTimestampsFollowLogOrder(t *testing.T) {
	clk := &stallClock{entered: make(chan struct{}), release: make(chan struct{})}
	h := struct {
		io.Reader
		io.Writer
	}{strings.NewReader("A"), io.Discard}
	m := sink.NewMemory()
	rw := NewReadWriter(h, m, WithClock(clk))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rw.Read(make([]byte, 1))
	}()
	<-clk.entered
	go func() {
		defer wg.Done()
		rw.Write([]byte("Z"))
	}()
	time.Sleep(50 * time.Millisecond)
	close(clk.release)
	wg.Wait()

	events := mustEvents(t, m)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Direction != event.Read || events[1].Direction != event.Write {
		t.Errorf("order = %v, %v", events[0].Direction, events[1].Direction)
	}
	if events[1].Time.Before(events[0].Time) {
		t.Errorf("event 1 at %v precedes event 0 at %v", events[1].Time, events[0].Time)
	}
}

func TestFailedCallNotRecorded(t *testing.T) {
	obs := &recordingObserver{}
	h := &faultHandle{failAt: 2}
	m := sink.NewMemory()
	w := NewWriter(h, m, WithObserver(obs))

	if _, err := w.Write([]byte("one")); err != nil {
		t.Fatal(err)
	}
	n, err := w.Write([]byte("two"))
	if n != 0 || err != errFault {
		t.Fatalf("second Write = %d, %v; want 0, errFault unchanged", n, err)
	}
	if _, err := w.Write([]byte("three")); err != nil {
		t.Fatal(err)
	}

	events := mustEvents(t, m)
	if len(events) != 2 || string(events[0].Payload) != "one" || string(events[1].Payload) != "three" {
		t.Fatalf("events = %+v", events)
	}
	if len(obs.inner) != 1 || obs.inner[0] != errFault {
		t.Errorf("InnerFailed calls = %v", obs.inner)
	}
	if len(obs.recorded) != 2 {
		t.Errorf("EventRecorded calls = %d", len(obs.recorded))
	}
}

func TestEOFRecordsEmptyRead(t *testing.T) {
	m := sink.NewMemory()
	r := NewReader(strings.NewReader(""), m)

	n, err := r.Read(make([]byte, 8))
	if n != 0 || err != io.EOF {
		t.Fatalf("Read = %d, %v; want 0, io.EOF", n, err)
	}
	events := mustEvents(t, m)
	if len(events) != 1 || events[0].Direction != event.Read || len(events[0].Payload) != 0 {
		t.Fatalf("events = %+v, want one empty read", events)
	}
}

func TestZeroLengthWriteRecorded(t *testing.T) {
	m := sink.NewMemory()
	w := NewWriter(io.Discard, m)
	if n, err := w.Write(nil); n != 0 || err != nil {
		t.Fatalf("Write(nil) = %d, %v", n, err)
	}
	events := mustEvents(t, m)
	if len(events) != 1 || len(events[0].Payload) != 0 {
		t.Fatalf("events = %+v", events)
	}
}

func TestShortWriteLogsPrefix(t *testing.T) {
	inner := &shortWriter{max: 4}
	m := sink.NewMemory()
	w := NewWriter(inner, m)

	n, err := w.Write([]byte("abcdefgh"))
	if n != 4 || err != io.ErrShortWrite {
		t.Fatalf("Write = %d, %v", n, err)
	}
	events := mustEvents(t, m)
	if len(events) != 1 || string(events[0].Payload) != "abcd" {
		t.Fatalf("events = %+v, want the accepted prefix", events)
	}
}

func TestSinkFailureIsSticky(t *testing.T) {
	obs := &recordingObserver{}
	s := &failingSink{ok: 1}
	var out bytes.Buffer
	w := NewWriter(&out, s, WithObserver(obs))

	if _, err := w.Write([]byte("kept")); err != nil {
		t.Fatal(err)
	}

	n, err := w.Write([]byte("lost"))
	if n != 4 {
		t.Errorf("n = %d, want inner count 4", n)
	}
	if !errors.Is(err, ErrSinkWrite) {
		t.Fatalf("err = %v, want ErrSinkWrite", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("err = %v, want wrapped sink error", err)
	}
	var se *SinkError
	if !errors.As(err, &se) || se.N != 4 || se.Direction != event.Write {
		t.Errorf("SinkError = %+v", se)
	}

	// The handle still sees the data; the sink is no longer touched.
	writes := s.writes
	if _, err := w.Write([]byte("more")); !errors.Is(err, ErrSinkWrite) {
		t.Errorf("later Write err = %v", err)
	}
	if s.writes != writes {
		t.Errorf("sink written after failure: %d -> %d", writes, s.writes)
	}
	_, err = w.Write([]byte("tail!!"))
	if !errors.As(err, &se) || se.N != 6 || se.Direction != event.Write || !errors.Is(err, errDiskFull) {
		t.Errorf("later SinkError = %+v, want this call's count", se)
	}
	if out.String() != "keptlostmoretail!!" {
		t.Errorf("inner got %q", out.String())
	}
	if !errors.Is(w.Err(), errDiskFull) {
		t.Errorf("Err() = %v", w.Err())
	}
	if w.Events() != 1 {
		t.Errorf("Events = %d, want 1", w.Events())
	}
	if len(obs.sink) != 1 {
		t.Errorf("SinkFailed calls = %d, want 1", len(obs.sink))
	}

	events, err := event.DecodeAll(&s.buf)
	if err != nil || len(events) != 1 || string(events[0].Payload) != "kept" {
		t.Errorf("sink holds %+v, %v", events, err)
	}
}

func TestInnerErrorWinsOverSinkError(t *testing.T) {
	inner := &shortWriter{max: 1}
	w := NewWriter(inner, &failingSink{})
	_, err := w.Write([]byte("xy"))
	if err != io.ErrShortWrite {
		t.Fatalf("err = %v, want inner io.ErrShortWrite", err)
	}
	if !errors.Is(w.Err(), ErrSinkWrite) {
		t.Errorf("Err() = %v, want sticky sink failure", w.Err())
	}
}

func TestClose(t *testing.T) {
	h := &faultHandle{}
	m := sink.NewMemory()
	rw := NewReadWriter(h, m)

	rw.Write([]byte("x"))
	if err := rw.Close(); err != nil {
		t.Fatal(err)
	}
	if !h.closed {
		t.Error("inner handle not closed")
	}
	if !m.Closed() || m.Flushes() == 0 {
		t.Errorf("sink closed=%v flushes=%d", m.Closed(), m.Flushes())
	}
	if err := rw.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
	if _, err := rw.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v", err)
	}
	if _, err := rw.Write([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v", err)
	}
	if err := rw.FlushLog(); !errors.Is(err, ErrClosed) {
		t.Errorf("FlushLog after Close = %v", err)
	}
	if h.out.String() != "x" {
		t.Errorf("inner got %q", h.out.String())
	}
	if rw.Err() != nil {
		t.Errorf("Err() after clean Close = %v", rw.Err())
	}
}

func TestCloseWithoutInnerCloser(t *testing.T) {
	m := sink.NewMemory()
	r := NewReader(strings.NewReader("abc"), m)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.Closed() {
		t.Error("sink not closed")
	}
}

type flushCounter struct {
	bytes.Buffer
	flushes int
}

func (f *flushCounter) Flush() error { f.flushes++; return nil }

func TestFlushAndFlushLogAreIndependent(t *testing.T) {
	inner := &flushCounter{}
	m := sink.NewMemory()
	w := NewWriter(inner, m)

	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if inner.flushes != 1 || m.Flushes() != 0 {
		t.Errorf("after Flush: inner=%d sink=%d", inner.flushes, m.Flushes())
	}
	if err := w.FlushLog(); err != nil {
		t.Fatal(err)
	}
	if inner.flushes != 1 || m.Flushes() != 1 {
		t.Errorf("after FlushLog: inner=%d sink=%d", inner.flushes, m.Flushes())
	}

	// A handle without Flush is a no-op.
	if err := NewWriter(io.Discard, sink.NewMemory()).Flush(); err != nil {
		t.Errorf("Flush on plain writer = %v", err)
	}
}

func TestCaps(t *testing.T) {
	r := NewReader(strings.NewReader("x"), sink.NewMemory())
	if c := r.Caps(); !c.Read || !c.Seek || c.Close || c.Flush {
		t.Errorf("strings.Reader caps = %+v", c)
	}
	w := NewWriter(&flushCounter{}, sink.NewMemory())
	if c := w.Caps(); !c.Write || !c.Flush || c.Close {
		t.Errorf("flushCounter caps = %+v", c)
	}
	rw := NewReadWriter(&faultHandle{}, sink.NewMemory())
	if c := rw.Caps(); !c.Read || !c.Write || !c.Close || c.Seek {
		t.Errorf("faultHandle caps = %+v", c)
	}
}

func TestConcurrentReadAndWrite(t *testing.T) {
	client, server := net.Pipe()
	m := sink.NewMemory()
	rw := NewReadWriter(client, m)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)

	// Echo peer.
	go func() {
		defer wg.Done()
		io.Copy(server, server)
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 16)
		total := 0
		for total < rounds*4 {
			n, err := rw.Read(buf)
			if err != nil {
				t.Errorf("Read: %v", err)
				return
			}
			total += n
		}
	}()

	for i := 0; i < rounds; i++ {
		if _, err := rw.Write([]byte("ping")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	// Wait for the reader, then release the echo goroutine.
	deadline := time.After(5 * time.Second)
	for {
		var read int
		for _, ev := range mustEvents(t, m) {
			if ev.Direction == event.Read {
				read += len(ev.Payload)
			}
		}
		if read >= rounds*4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out with %d bytes read", read)
		case <-time.After(5 * time.Millisecond):
		}
	}
	rw.Close()
	server.Close()
	wg.Wait()

	var written, read int
	for _, ev := range mustEvents(t, m) {
		switch ev.Direction {
		case event.Write:
			written += len(ev.Payload)
		case event.Read:
			read += len(ev.Payload)
		}
	}
	if written != rounds*4 || read != rounds*4 {
		t.Errorf("logged written=%d read=%d, want %d each", written, read, rounds*4)
	}
}
