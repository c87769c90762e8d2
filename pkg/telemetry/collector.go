package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// CollectorConfig configures telemetry collection.
type CollectorConfig struct {
	Enabled       bool
	Sink          string // "stdout", "stderr", "file", "http", "nop"
	FilePath      string
	Endpoint      string // URL for the "http" sink
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int // summaries buffered before Record drops; default max(1024, 4*BatchSize)
}

// Collector batches session summaries on a background goroutine and hands
// them to an emitter. Record never blocks the session that produced the
// summary; when the queue is full the summary is dropped and counted.
type Collector struct {
	cfg     CollectorConfig
	emitter Emitter

	queue   chan SessionSummary
	flushes chan chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewCollector builds the emitter named by cfg.Sink and starts a collector.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	var (
		em  Emitter
		err error
	)
	switch cfg.Sink {
	case "stdout":
		em = NewJSONLEmitter(os.Stdout)
	case "stderr":
		em = NewJSONLEmitter(os.Stderr)
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "iodump-sessions.jsonl"
		}
		if em, err = OpenFileEmitter(path); err != nil {
			return nil, err
		}
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("telemetry.NewCollector: http sink requires an endpoint")
		}
		em = NewHTTPEmitter(cfg.Endpoint)
	case "", "nop":
		em = Discard
	default:
		return nil, fmt.Errorf("telemetry.NewCollector: unknown sink %q", cfg.Sink)
	}
	return NewCollectorWithEmitter(cfg, em), nil
}

// NewCollectorWithEmitter starts a collector around em.
func NewCollectorWithEmitter(cfg CollectorConfig, em Emitter) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = max(1024, 4*cfg.BatchSize)
	}
	c := &Collector{
		cfg:     cfg,
		emitter: em,
		queue:   make(chan SessionSummary, cfg.QueueSize),
		flushes: make(chan chan struct{}),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.run()
	return c
}

// Record queues a summary. It is safe on a nil or disabled collector and
// after Close.
func (c *Collector) Record(s SessionSummary) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	select {
	case <-c.stop:
		c.dropped.Add(1)
		return
	default:
	}
	select {
	case c.queue <- s:
	default:
		if c.dropped.Add(1) == 1 {
			slog.Warn("telemetry queue full, dropping summaries", "component", "telemetry",
				"queue_size", c.cfg.QueueSize)
		}
	}
}

// Flush emits everything queued so far and returns once it is delivered.
func (c *Collector) Flush() {
	if c == nil {
		return
	}
	done := make(chan struct{})
	select {
	case c.flushes <- done:
		<-done
	case <-c.stopped:
	}
}

// Dropped returns how many summaries were discarded.
func (c *Collector) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Close emits the remaining summaries and closes the emitter. Only the
// first call has an effect.
func (c *Collector) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.once.Do(func() {
		close(c.stop)
		<-c.stopped
		err = c.emitter.Close()
	})
	return err
}

func (c *Collector) run() {
	defer close(c.stopped)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]SessionSummary, 0, c.cfg.BatchSize)
	emit := func() {
		if len(batch) == 0 {
			return
		}
		c.emit(batch)
		batch = make([]SessionSummary, 0, c.cfg.BatchSize)
	}
	// drain moves whatever is queued into batch without blocking.
	drain := func() {
		for {
			select {
			case s := <-c.queue:
				batch = append(batch, s)
				if len(batch) >= c.cfg.BatchSize {
					emit()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case s := <-c.queue:
			batch = append(batch, s)
			if len(batch) >= c.cfg.BatchSize {
				emit()
			}
		case <-ticker.C:
			emit()
		case done := <-c.flushes:
			drain()
			emit()
			close(done)
		case <-c.stop:
			drain()
			emit()
			return
		}
	}
}

// emit delivers one batch. Failed batches are dropped; summaries are best
// effort.
func (c *Collector) emit(batch []SessionSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.emitter.Emit(ctx, batch); err != nil {
		c.dropped.Add(int64(len(batch)))
		slog.Warn("telemetry flush failed", "component", "telemetry", "count", len(batch), "error", err)
	}
}
