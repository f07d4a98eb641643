package driftlock

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "5m" as well as integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds engine-level settings. Store and transport carry their own
// config structs; they are nested here so a whole client can be described in
// one YAML file.
type Config struct {
	// EntityTypes lists the entity types this client synchronizes. Pull walks
	// them in order; an empty list means nothing is pulled.
	EntityTypes []string `yaml:"entity_types"`

	// BatchSize caps the number of entries in one push request. Default: 500
	BatchSize int `yaml:"batch_size"`

	// PullLimit caps the number of changes requested per pull page.
	// Default: 200
	PullLimit int `yaml:"pull_limit"`

	// SyncInterval is the periodic trigger cadence while the engine is
	// started. Zero disables the timer. Default: 5m
	SyncInterval Duration `yaml:"sync_interval"`

	// Retry governs backoff between failed attempts of one sync trigger.
	Retry RetryConfig `yaml:"retry"`

	// BreakerMaxFailures opens the transport circuit breaker after this many
	// consecutive failures. Default: 5
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerResetTimeout is how long the breaker stays open before probing.
	// Default: 30s
	BreakerResetTimeout Duration `yaml:"breaker_reset_timeout"`

	// Network configures the connectivity monitor.
	Network NetworkConfig `yaml:"network"`

	// Stream configures the optional websocket change stream.
	Stream StreamConfig `yaml:"stream"`

	// Store and Transport let a YAML file describe the full client. They are
	// read by the companion constructors, not by the engine itself.
	Store     SQLiteStoreConfig   `yaml:"store"`
	Transport HTTPTransportConfig `yaml:"transport"`

	// Logger receives engine events. Default: slog.Default()
	Logger *slog.Logger `yaml:"-"`

	// Clock is injectable for tests. Default: system clock.
	Clock Clock `yaml:"-"`

	// Metrics optionally records engine observability counters.
	Metrics *Metrics `yaml:"-"`
}

// DefaultConfig returns engine defaults. EntityTypes must still be set by the
// caller.
func DefaultConfig() Config {
	return Config{
		BatchSize:           500,
		PullLimit:           200,
		SyncInterval:        Duration(5 * time.Minute),
		Retry:               DefaultRetryConfig(),
		BreakerMaxFailures:  5,
		BreakerResetTimeout: Duration(30 * time.Second),
		Network:             DefaultNetworkConfig(),
	}
}

// LoadConfig reads a YAML config file, layering it over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// backfill fills zero values with defaults so a partially populated Config
// behaves like DefaultConfig for the fields it omits.
func (c *Config) backfill() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.PullLimit <= 0 {
		c.PullLimit = 200
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = Duration(30 * time.Second)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
}
