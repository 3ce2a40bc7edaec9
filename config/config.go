// Package config loads fragkit settings from TOML or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/fragkit/backoff"
	"github.com/vinayprograms/fragkit/codec"
	"github.com/vinayprograms/fragkit/logging"
)

// Formats accepted by Parse.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// Backends for the bus and store sections.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Config is the root configuration.
type Config struct {
	// Service is the service name jobs are registered under.
	Service string `toml:"service" yaml:"service"`

	Container ContainerConfig `toml:"container" yaml:"container"`
	Worker    WorkerConfig    `toml:"worker" yaml:"worker"`
	Retry     RetryConfig     `toml:"retry" yaml:"retry"`
	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" yaml:"heartbeat"`
	Catalog   CatalogConfig   `toml:"catalog" yaml:"catalog"`
}

// ContainerConfig configures the task container.
type ContainerConfig struct {
	// AutoEvict removes tasks from the container once every fragment is done.
	AutoEvict bool `toml:"auto_evict" yaml:"auto_evict"`
}

// WorkerConfig configures the claim loop.
type WorkerConfig struct {
	// ID identifies this process in claim tags and heartbeats.
	// Empty generates one at startup.
	ID           string        `toml:"id" yaml:"id"`
	Concurrency  int           `toml:"concurrency" yaml:"concurrency"`
	PollInterval time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	MaxAttempts  int           `toml:"max_attempts" yaml:"max_attempts"`

	// ClaimRate caps claims per second across the pool. Zero is unlimited.
	ClaimRate float64 `toml:"claim_rate" yaml:"claim_rate"`

	// StuckAfter is how long a claimed fragment may go without a report
	// before the reaper fails it. Zero disables the sweep.
	StuckAfter time.Duration `toml:"stuck_after" yaml:"stuck_after"`
}

// RetryConfig selects the backoff between attempts.
type RetryConfig struct {
	Strategy   string        `toml:"strategy" yaml:"strategy"`
	Initial    time.Duration `toml:"initial" yaml:"initial"`
	Max        time.Duration `toml:"max" yaml:"max"`
	Multiplier float64       `toml:"multiplier" yaml:"multiplier"`
}

// BusConfig selects the event transport.
type BusConfig struct {
	Backend       string `toml:"backend" yaml:"backend"`
	URL           string `toml:"url" yaml:"url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	URL     string `toml:"url" yaml:"url"`
	Bucket  string `toml:"bucket" yaml:"bucket"`
	Codec   string `toml:"codec" yaml:"codec"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// TelemetryConfig configures OTLP tracing. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	Protocol string `toml:"protocol" yaml:"protocol"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`
}

// HeartbeatConfig configures worker liveness.
type HeartbeatConfig struct {
	Interval time.Duration `toml:"interval" yaml:"interval"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout"`
}

// CatalogConfig configures the search index. An empty path keeps the
// index in memory.
type CatalogConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Service:   "default",
		Container: ContainerConfig{AutoEvict: true},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  5,
			StuckAfter:   5 * time.Minute,
		},
		Retry: RetryConfig{
			Strategy:   backoff.NameJitter,
			Initial:    time.Second,
			Max:        time.Minute,
			Multiplier: 2,
		},
		Bus: BusConfig{
			Backend:       BackendMemory,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "fragkit",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			URL:     "nats://127.0.0.1:4222",
			Bucket:  "fragkit-tasks",
			Codec:   codec.NameJSON,
		},
		Log:       LogConfig{Level: "info"},
		Metrics:   MetricsConfig{Namespace: "fragkit"},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
			Timeout:  15 * time.Second,
		},
	}
}

// Load reads a config file. The format follows the extension:
// .toml, or .yaml/.yml.
func Load(path string) (*Config, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, format)
}

func formatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported config extension %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		return fmt.Errorf("service: must not be empty")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency: must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval: must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts: must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.ClaimRate < 0 {
		return fmt.Errorf("worker.claim_rate: must not be negative")
	}
	if c.Worker.StuckAfter < 0 {
		return fmt.Errorf("worker.stuck_after: must not be negative")
	}
	if _, err := backoff.New(c.Backoff()); err != nil {
		return fmt.Errorf("retry.strategy: %w", err)
	}
	if err := checkBackend("bus.backend", c.Bus.Backend); err != nil {
		return err
	}
	if err := checkBackend("store.backend", c.Store.Backend); err != nil {
		return err
	}
	if !codec.Known(c.Store.Codec) {
		return fmt.Errorf("store.codec: unknown codec %q", c.Store.Codec)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol: must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval: must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout: must exceed heartbeat.interval")
	}
	return nil
}

func checkBackend(field, backend string) error {
	switch backend {
	case BackendMemory, BackendNATS:
		return nil
	default:
		return fmt.Errorf("%s: must be %s or %s, got %q", field, BackendMemory, BackendNATS, backend)
	}
}

// Backoff returns the retry section as a backoff configuration.
func (c *Config) Backoff() backoff.Config {
	return backoff.Config{
		Strategy:   c.Retry.Strategy,
		Initial:    c.Retry.Initial,
		Max:        c.Retry.Max,
		Multiplier: c.Retry.Multiplier,
	}
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}
