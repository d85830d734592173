// Package config loads the preprocd configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultFlushInterval   = time.Second
	DefaultSyncInterval    = time.Second
	DefaultScriptTimeout   = 10 * time.Second
	DefaultNATSURL         = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix   = "preproc"
	DefaultStream          = "PREPROC_VALUES"
	DefaultSinkSubject     = "preproc.values"
	DefaultPublishRetries  = 3
	DefaultPublishBackoff  = 50 * time.Millisecond
	MaxPublishBackoff      = 500 * time.Millisecond
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 30 * time.Second
	DefaultMetricsListen   = ":9464"
	DefaultTracingEndpoint = "127.0.0.1:4318"
	DefaultSampleRatio     = 1.0
)

// Environment overrides.
const (
	EnvWorkers = "PREPROC_WORKERS"
	EnvNATSURL = "PREPROC_NATS_URL"
)

// Sink kinds.
const (
	SinkLog       = "log"
	SinkMemory    = "memory"
	SinkJetStream = "jetstream"
	SinkBlob      = "blob"
)

// Config is the top-level preprocd configuration.
type Config struct {
	Manager ManagerConfig `yaml:"manager"`
	NATS    NATSConfig    `yaml:"nats"`
	Sink    SinkConfig    `yaml:"sink"`
	Items   ItemsConfig   `yaml:"items"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ManagerConfig tunes the event loop and the in-process worker pool.
type ManagerConfig struct {
	// Workers is the number of in-process workers. Zero sizes the pool from
	// the CPU quota.
	Workers int `yaml:"workers"`

	// CheckParent rejects workers that do not report preprocd as parent.
	CheckParent bool `yaml:"check_parent"`

	FlushInterval time.Duration `yaml:"flush_interval"`
	SyncInterval  time.Duration `yaml:"sync_interval"`

	// ScriptTimeout bounds a single JavaScript step.
	ScriptTimeout time.Duration `yaml:"script_timeout"`
}

// NATSConfig configures the bus remote workers and clients talk over.
type NATSConfig struct {
	// Enabled serves the manager on NATS subjects.
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// TokenEnv names the environment variable holding the auth token.
	TokenEnv      string        `yaml:"token_env"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Token returns the auth token resolved from the environment.
func (n NATSConfig) Token() string {
	if n.TokenEnv == "" {
		return ""
	}
	return os.Getenv(n.TokenEnv)
}

// SinkConfig selects where flushed values go.
type SinkConfig struct {
	// Kinds lists the sinks values are fanned out to: log | memory | jetstream | blob.
	Kinds []string `yaml:"kinds"`

	Stream         string        `yaml:"stream"`
	Subject        string        `yaml:"subject"`
	PublishRetries int           `yaml:"publish_retries"`
	PublishBackoff time.Duration `yaml:"publish_backoff"`

	// ConnectionStringEnv names the environment variable holding the Azure
	// storage connection string.
	ConnectionStringEnv string `yaml:"connection_string_env"`
	Container           string `yaml:"container"`
	Prefix              string `yaml:"prefix"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// ConnectionString returns the blob connection string from the environment.
func (s SinkConfig) ConnectionString() string {
	if s.ConnectionStringEnv == "" {
		return ""
	}
	return os.Getenv(s.ConnectionStringEnv)
}

// Has reports whether kind is among the configured sinks.
func (s SinkConfig) Has(kind string) bool {
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// BreakerConfig guards remote sinks. A zero threshold disables the breaker.
type BreakerConfig struct {
	Failures int           `yaml:"failures"`
	Reset    time.Duration `yaml:"reset"`
}

// ItemsConfig points at the item configuration file.
type ItemsConfig struct {
	Path string `yaml:"path"`
	// Watch reloads the file when it changes.
	Watch bool `yaml:"watch"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type MetricsConfig struct {
	// Listen is the address /metrics is served on. Empty disables it.
	Listen string `yaml:"listen"`
}

// Load reads and parses the YAML config file at path, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	cfg := defaults()
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Manager: ManagerConfig{
			FlushInterval: DefaultFlushInterval,
			SyncInterval:  DefaultSyncInterval,
			ScriptTimeout: DefaultScriptTimeout,
		},
		NATS: NATSConfig{
			URL:           DefaultNATSURL,
			Name:          "preprocd",
			SubjectPrefix: DefaultSubjectPrefix,
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		},
		Sink: SinkConfig{
			Kinds:          []string{SinkLog},
			Stream:         DefaultStream,
			Subject:        DefaultSinkSubject,
			PublishRetries: DefaultPublishRetries,
			PublishBackoff: DefaultPublishBackoff,
			Breaker: BreakerConfig{
				Failures: DefaultBreakerFailures,
				Reset:    DefaultBreakerReset,
			},
		},
		Tracing: TracingConfig{
			Endpoint:    DefaultTracingEndpoint,
			Environment: "development",
			SampleRatio: DefaultSampleRatio,
		},
		Metrics: MetricsConfig{Listen: DefaultMetricsListen},
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", EnvWorkers, v)
		}
		cfg.Manager.Workers = n
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Manager.Workers < 0 {
		return fmt.Errorf("manager.workers must not be negative")
	}
	if cfg.Manager.FlushInterval <= 0 {
		return fmt.Errorf("manager.flush_interval must be positive")
	}
	if cfg.Manager.SyncInterval <= 0 {
		return fmt.Errorf("manager.sync_interval must be positive")
	}
	if cfg.Manager.ScriptTimeout <= 0 {
		return fmt.Errorf("manager.script_timeout must be positive")
	}
	if cfg.NATS.Enabled {
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when nats is enabled")
		}
		if cfg.NATS.SubjectPrefix == "" {
			return fmt.Errorf("nats.subject_prefix is required when nats is enabled")
		}
	}
	if len(cfg.Sink.Kinds) == 0 {
		return fmt.Errorf("sink.kinds must name at least one sink")
	}
	for i, kind := range cfg.Sink.Kinds {
		switch kind {
		case SinkLog, SinkMemory:
		case SinkJetStream:
			if !cfg.NATS.Enabled {
				return fmt.Errorf("sink.kinds[%d]: jetstream requires nats.enabled", i)
			}
			if cfg.Sink.Stream == "" || cfg.Sink.Subject == "" {
				return fmt.Errorf("sink.kinds[%d]: jetstream requires sink.stream and sink.subject", i)
			}
		case SinkBlob:
			if cfg.Sink.ConnectionStringEnv == "" || cfg.Sink.Container == "" {
				return fmt.Errorf("sink.kinds[%d]: blob requires sink.connection_string_env and sink.container", i)
			}
		default:
			return fmt.Errorf("sink.kinds[%d]: unknown kind %q", i, kind)
		}
	}
	// Flush runs on the manager loop.
	if cfg.Sink.PublishBackoff <= 0 || cfg.Sink.PublishBackoff > MaxPublishBackoff {
		return fmt.Errorf("sink.publish_backoff must be within (0, %s]", MaxPublishBackoff)
	}
	if cfg.Sink.Breaker.Failures < 0 {
		return fmt.Errorf("sink.breaker.failures must not be negative")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
