package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an iodump configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	// Defaults always parse.
	_ = cfg.parseSizes()
	return &cfg
}

// Finish applies defaults, resolves sizes and validates. Call it after
// changing fields, e.g. from command-line flags.
func (c *Config) Finish() error {
	c.applyDefaults()
	if err := c.parseSizes(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Sink.Type == "" {
		c.Sink.Type = SinkFile
	}
	if c.Sink.Dir == "" && (c.Sink.Type == SinkFile || c.Sink.Type == SinkBadger) {
		c.Sink.Dir = "./iodump-logs"
	}
	if c.Sink.BufferSizeRaw == "" {
		c.Sink.BufferSizeRaw = "64KB"
	}
	if c.Sink.Remote.SegmentSizeRaw == "" {
		c.Sink.Remote.SegmentSizeRaw = "4MB"
	}
	if c.Sink.Remote.Config == nil {
		c.Sink.Remote.Config = map[string]string{}
	}
	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 10 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Telemetry.Sink == "" {
		c.Telemetry.Sink = "stdout"
	}
	if c.Telemetry.BatchSize == 0 {
		c.Telemetry.BatchSize = 100
	}
	if c.Telemetry.FlushInterval == 0 {
		c.Telemetry.FlushInterval = 10 * time.Second
	}
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	v, err := ParseSize(c.Sink.BufferSizeRaw)
	if err != nil {
		return fmt.Errorf("config: invalid sink.buffer_size %q: %w", c.Sink.BufferSizeRaw, err)
	}
	c.Sink.BufferSize = v

	v, err = ParseSize(c.Sink.Remote.SegmentSizeRaw)
	if err != nil {
		return fmt.Errorf("config: invalid sink.remote.segment_size %q: %w", c.Sink.Remote.SegmentSizeRaw, err)
	}
	c.Sink.Remote.SegmentSize = v
	return nil
}

var sizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"K":  1 << 10,
	"KB": 1 << 10,
	"M":  1 << 20,
	"MB": 1 << 20,
	"G":  1 << 30,
	"GB": 1 << 30,
	"T":  1 << 40,
	"TB": 1 << 40,
}

// ParseSize converts a size such as "64KB", "4MB" or "1.5G" to bytes.
// Units are binary; an empty string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	num := strings.TrimRightFunc(s, func(r rune) bool { return r >= 'A' && r <= 'Z' })
	mult, ok := sizeUnits[strings.TrimSpace(s[len(num):])]
	if !ok {
		return 0, fmt.Errorf("config.ParseSize: unknown unit in %q", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q", s)
	}
	return int64(v * float64(mult)), nil
}
