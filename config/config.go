package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/store"
	"github.com/INLOpen/nexuskv/wal"
	"gopkg.in/yaml.v3"
)

// StoreConfig holds the durability settings of one table.
type StoreConfig struct {
	RootPath        string `yaml:"root_path"`
	TableName       string `yaml:"table_name"`
	SegmentCapacity uint64 `yaml:"segment_capacity"` // records per segment, clamped to at least 200
	InboxSize       int    `yaml:"inbox_size"`
	SyncMode        string `yaml:"sync_mode"` // "always", "interval" or "disabled"
	SyncInterval    string `yaml:"sync_interval"`
	Compression     string `yaml:"compression"`    // "none", "snappy", "lz4" or "zstd"
	DocumentCodec   string `yaml:"document_codec"` // "json" or "go-json"
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// TrackFiles logs the lifecycle of every file handle the log opens.
	TrackFiles bool `yaml:"track_files"`
}

// HooksConfig enables the bundled hook listeners.
type HooksConfig struct {
	KeyMaxLength   int      `yaml:"key_max_length"`
	KeyPrefixes    []string `yaml:"key_prefixes"`
	KeyRequireUTF8 bool     `yaml:"key_require_utf8"`
	TrackRotations bool     `yaml:"track_rotations"`
	AlertDropped   bool     `yaml:"alert_dropped_writes"`
}

// Config is the top-level configuration struct.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Debug   DebugConfig   `yaml:"debug"`
	Hooks   HooksConfig   `yaml:"hooks"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			RootPath:        "./data",
			TableName:       "default",
			SegmentCapacity: 500,
			InboxSize:       20,
			SyncMode:        "interval",
			SyncInterval:    "1s",
			Compression:     "none",
			DocumentCodec:   "go-json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuskv.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			MetricsEnabled: true,
		},
		Hooks: HooksConfig{
			AlertDropped: true,
		},
	}
}

// Load reads configuration from an io.Reader, starting from Default.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise only fail when the store opens.
func (c *Config) Validate() error {
	if c.Store.RootPath == "" {
		return fmt.Errorf("store.root_path must not be empty")
	}
	if c.Store.TableName == "" {
		return fmt.Errorf("store.table_name must not be empty")
	}
	if c.Store.InboxSize < 0 {
		return fmt.Errorf("store.inbox_size must not be negative, got %d", c.Store.InboxSize)
	}
	if _, err := wal.ParseSyncMode(c.Store.SyncMode); err != nil {
		return fmt.Errorf("store.sync_mode: %w", err)
	}
	if _, err := core.ParseCompressionType(c.Store.Compression); err != nil {
		return fmt.Errorf("store.compression: %w", err)
	}
	switch c.Store.DocumentCodec {
	case "", "json", "go-json":
	default:
		return fmt.Errorf("store.document_codec must be json or go-json, got %q", c.Store.DocumentCodec)
	}
	switch c.Tracing.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// StoreOptions converts the store section into store.Options. Logger, hook
// manager and tracer provider are left for the caller to fill in.
func (c *Config) StoreOptions(logger *slog.Logger) (store.Options, error) {
	mode, err := wal.ParseSyncMode(c.Store.SyncMode)
	if err != nil {
		return store.Options{}, fmt.Errorf("store.sync_mode: %w", err)
	}
	compression, err := core.ParseCompressionType(c.Store.Compression)
	if err != nil {
		return store.Options{}, fmt.Errorf("store.compression: %w", err)
	}
	return store.Options{
		RootPath:        c.Store.RootPath,
		TableName:       c.Store.TableName,
		SegmentCapacity: c.Store.SegmentCapacity,
		InboxSize:       c.Store.InboxSize,
		SyncMode:        mode,
		SyncInterval:    ParseDuration(c.Store.SyncInterval, time.Second, logger),
		Compression:     compression,
		DocumentCodec:   c.Store.DocumentCodec,
		Logger:          logger,
		MetricsEnabled:  c.Debug.MetricsEnabled,
	}, nil
}
