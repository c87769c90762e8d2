package telemetry

import "time"

// SessionSummary describes one finished recording session.
type SessionSummary struct {
	SessionID    string    `json:"session"`
	Kind         string    `json:"kind"` // "proxy", "exec"
	ClientAddr   string    `json:"client,omitempty"`
	UpstreamAddr string    `json:"upstream,omitempty"`
	Command      string    `json:"command,omitempty"`
	Sink         string    `json:"sink"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Events       int64     `json:"events"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	DurationMs   float64   `json:"duration_ms"`
	SinkError    string    `json:"sink_error,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Finish stamps End and DurationMs.
func (s *SessionSummary) Finish(end time.Time) {
	s.End = end
	s.DurationMs = float64(end.Sub(s.Start).Microseconds()) / 1000
}
