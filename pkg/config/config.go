package config

import (
	"fmt"
	"time"
)

// Sink types.
const (
	SinkFile   = "file"
	SinkStdout = "stdout"
	SinkBadger = "badger"
	SinkRemote = "remote"
)

// Config is the top-level iodump configuration.
type Config struct {
	Sink      SinkConfig      `yaml:"sink"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SinkConfig selects where session logs are written.
type SinkConfig struct {
	Type          string       `yaml:"type"` // "file", "stdout", "badger", "remote"
	Dir           string       `yaml:"dir"`  // log directory (file) or database directory (badger)
	BufferSizeRaw string       `yaml:"buffer_size"`
	BufferSize    int64        `yaml:"-"`
	SyncOnFlush   bool         `yaml:"sync_on_flush"`
	Remote        RemoteConfig `yaml:"remote"`
}

// RemoteConfig describes the rclone remote used by the "remote" sink.
type RemoteConfig struct {
	Type           string            `yaml:"type"` // rclone backend name, e.g. "s3", "azureblob", "local"
	Root           string            `yaml:"root"` // bucket/container + optional prefix
	Config         map[string]string `yaml:"config"`
	SegmentSizeRaw string            `yaml:"segment_size"`
	SegmentSize    int64             `yaml:"-"`
}

// ProxyConfig configures the recording TCP proxy.
type ProxyConfig struct {
	Listen      string        `yaml:"listen"`
	Upstream    string        `yaml:"upstream"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// TelemetryConfig configures session summary telemetry.
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Sink          string        `yaml:"sink"` // "stdout", "stderr", "file", "http", "nop"
	FilePath      string        `yaml:"file_path"`
	Endpoint      string        `yaml:"endpoint"` // URL for the "http" sink
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	switch c.Sink.Type {
	case SinkFile, SinkBadger:
		if c.Sink.Dir == "" {
			return fmt.Errorf("config: sink type %q requires dir", c.Sink.Type)
		}
	case SinkStdout:
	case SinkRemote:
		if c.Sink.Remote.Type == "" {
			return fmt.Errorf("config: remote sink requires remote.type")
		}
		if c.Sink.Remote.SegmentSize < 0 {
			return fmt.Errorf("config: remote.segment_size must be positive, got %d", c.Sink.Remote.SegmentSize)
		}
	default:
		return fmt.Errorf("config: unknown sink type %q", c.Sink.Type)
	}
	if c.Sink.BufferSize < 0 {
		return fmt.Errorf("config: buffer_size must be positive, got %d", c.Sink.BufferSize)
	}

	if c.Proxy.DialTimeout < 0 {
		return fmt.Errorf("config: proxy.dial_timeout must not be negative")
	}
	if c.Proxy.Upstream != "" && c.Proxy.Listen == "" {
		return fmt.Errorf("config: proxy.upstream set without proxy.listen")
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Sink {
		case "stdout", "stderr", "nop":
		case "file":
			if c.Telemetry.FilePath == "" {
				return fmt.Errorf("config: telemetry sink \"file\" requires file_path")
			}
		case "http":
			if c.Telemetry.Endpoint == "" {
				return fmt.Errorf("config: telemetry sink \"http\" requires endpoint")
			}
		default:
			return fmt.Errorf("config: unknown telemetry sink %q", c.Telemetry.Sink)
		}
		if c.Telemetry.BatchSize < 0 {
			return fmt.Errorf("config: telemetry.batch_size must not be negative")
		}
	}
	return nil
}
