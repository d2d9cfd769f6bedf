// Package config holds the application configuration: defaults are
// declared on struct tags and applied with go-defaults, then optionally
// overlaid from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	API        APIConfig        `yaml:"api"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

// ScanConfig controls device discovery.
type ScanConfig struct {
	Duration time.Duration `yaml:"duration" default:"10s"`

	// NameHints are case-insensitive substrings matched against the
	// advertised name. A peripheral is listed when its name matches a
	// hint or it advertises ServiceUUID.
	NameHints   []string `yaml:"name_hints"`
	ServiceUUID string   `yaml:"service_uuid" default:"6e400001b5a3f393e0a9e50e24dcca9e"`

	// Unfiltered disables the heuristics entirely (operator debug toggle).
	Unfiltered bool `yaml:"unfiltered"`
}

// ConnectionConfig controls the per-peripheral connection lifecycle.
type ConnectionConfig struct {
	ServiceUUID    string `yaml:"service_uuid" default:"6e400001b5a3f393e0a9e50e24dcca9e"`
	NotifyCharUUID string `yaml:"notify_char_uuid" default:"6e400003b5a3f393e0a9e50e24dcca9e"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`

	// Settle delays between lifecycle steps. The sensor-side stack
	// drops discovery requests issued immediately after the link comes
	// up, so these waits are required in practice.
	DiscoverySettle time.Duration `yaml:"discovery_settle" default:"500ms"`
	SubscribeSettle time.Duration `yaml:"subscribe_settle" default:"300ms"`

	MaxAttempts  int           `yaml:"max_attempts" default:"3"`
	RetryDelay   time.Duration `yaml:"retry_delay" default:"2s"`
	RemovalGrace time.Duration `yaml:"removal_grace" default:"5s"`
}

// SessionConfig bounds per-session buffers.
type SessionConfig struct {
	HistoryCap   int `yaml:"history_cap" default:"50"`
	RawTapBytes  int `yaml:"raw_tap_bytes" default:"1024"`
	EventFeedCap int `yaml:"event_feed_cap" default:"128"`
}

// APIConfig configures the HTTP status endpoint. An empty listen
// address disables the server.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// KafkaConfig configures the reading export. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic" default:"gasmon.readings"`
}

// defaultNameHints is applied when no hint list was configured.
var defaultNameHints = []string{"ESP32", "SPOILAGE", "GAS"}

// New returns a configuration with all defaults applied.
func New() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Scan.NameHints = append([]string(nil), defaultNameHints...)
	return cfg
}

// Load builds a configuration from defaults overlaid with the YAML
// file at path. An empty path returns pure defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if len(cfg.Scan.NameHints) == 0 {
		cfg.Scan.NameHints = append([]string(nil), defaultNameHints...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub cannot run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Connection.MaxAttempts < 1 {
		return fmt.Errorf("connection.max_attempts must be >= 1, got %d", c.Connection.MaxAttempts)
	}
	if c.Session.HistoryCap < 1 {
		return fmt.Errorf("session.history_cap must be >= 1, got %d", c.Session.HistoryCap)
	}
	if c.Session.RawTapBytes < 1 {
		return fmt.Errorf("session.raw_tap_bytes must be >= 1, got %d", c.Session.RawTapBytes)
	}
	if c.Session.EventFeedCap < 1 {
		return fmt.Errorf("session.event_feed_cap must be >= 1, got %d", c.Session.EventFeedCap)
	}
	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0, got %s", c.Scan.Duration)
	}
	return nil
}

// NewLogger creates a logger configured from LogLevel.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
