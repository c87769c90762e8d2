// Package metrics holds the Prometheus collectors of iodump.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iodump/iodump/pkg/event"
)

var (
	// Recording metrics
	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iodump_events_recorded_total",
		Help: "Events appended to a log sink",
	}, []string{"direction"})
	BytesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iodump_bytes_recorded_total",
		Help: "Payload bytes appended to a log sink",
	}, []string{"direction"})
	EventSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iodump_event_payload_bytes",
		Help:    "Payload size of recorded events",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"direction"})
	InnerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iodump_inner_errors_total",
		Help: "Failed reads and writes on wrapped handles",
	}, []string{"direction"})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iodump_sink_errors_total",
		Help: "Events that could not be appended to a sink",
	}, []string{"direction"})

	// Proxy metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iodump_sessions_active",
		Help: "Currently open recording sessions",
	})
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iodump_sessions_total",
		Help: "Recording sessions by outcome",
	}, []string{"status"})

	// Remote storage metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iodump_backend_request_duration_seconds",
		Help:    "Backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})
	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iodump_backend_errors_total",
		Help: "Backend errors by operation",
	}, []string{"backend", "operation"})
	SegmentsUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iodump_remote_segments_uploaded_total",
		Help: "Log segments uploaded to remote storage",
	}, []string{"backend"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	for _, dir := range []event.Direction{event.Read, event.Write} {
		EventsRecorded.WithLabelValues(dir.String())
		BytesRecorded.WithLabelValues(dir.String())
		InnerErrors.WithLabelValues(dir.String())
		SinkErrors.WithLabelValues(dir.String())
	}
	SessionsTotal.WithLabelValues("ok")
	SessionsTotal.WithLabelValues("error")
}

// Observer feeds wrapper outcomes into the recording metrics.
type Observer struct{}

// EventRecorded counts a recorded event.
func (Observer) EventRecorded(ev event.Event) {
	dir := ev.Direction.String()
	EventsRecorded.WithLabelValues(dir).Inc()
	BytesRecorded.WithLabelValues(dir).Add(float64(len(ev.Payload)))
	EventSize.WithLabelValues(dir).Observe(float64(len(ev.Payload)))
}

// InnerFailed counts a failed read or write.
func (Observer) InnerFailed(dir event.Direction, err error) {
	InnerErrors.WithLabelValues(dir.String()).Inc()
}

// SinkFailed counts an event lost to a sink failure.
func (Observer) SinkFailed(dir event.Direction, err error) {
	SinkErrors.WithLabelValues(dir.String()).Inc()
}
