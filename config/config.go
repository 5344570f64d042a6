// Package config loads fleetwatch settings from TOML with environment
// overrides. Settings are read once at startup.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from strings like "30s".
// Bare integers are taken as seconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// Tracing exporters.
const (
	TracingNone     = "none"
	TracingStdout   = "stdout"
	TracingOTLPGRPC = "otlp-grpc"
	TracingOTLPHTTP = "otlp-http"
)

// Config is the full daemon configuration.
type Config struct {
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	HTTP      HTTPConfig      `toml:"http"`
	Store     StoreConfig     `toml:"store"`
	NATS      NATSConfig      `toml:"nats"`
	Ingest    IngestConfig    `toml:"ingest"`
	Probe     ProbeConfig     `toml:"probe"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Shutdown  ShutdownConfig  `toml:"shutdown"`
}

// HeartbeatConfig controls the sweep.
type HeartbeatConfig struct {
	// CheckInterval is the sweep period.
	CheckInterval Duration `toml:"check_interval"`

	// FailureThreshold is the silence after which a node is dead.
	FailureThreshold Duration `toml:"failure_threshold"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Listen       string   `toml:"listen"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// StoreConfig selects and configures the liveness store.
type StoreConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	Bucket      string `toml:"bucket"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// NATSConfig configures the message bus. An empty URL disables it.
type NATSConfig struct {
	URL              string `toml:"url"`
	HeartbeatSubject string `toml:"heartbeat_subject"`
	EventsPrefix     string `toml:"events_prefix"`
	Queue            string `toml:"queue"`
}

// IngestConfig throttles heartbeats per source IP. RateLimit 0 disables it.
type IngestConfig struct {
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
}

// ProbeTarget is one external endpoint whose reachability drives a service.
type ProbeTarget struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// ProbeConfig configures the endpoint checker. No targets disables it.
type ProbeConfig struct {
	Interval    Duration      `toml:"interval"`
	Timeout     Duration      `toml:"timeout"`
	Concurrency int           `toml:"concurrency"`
	Targets     []ProbeTarget `toml:"targets"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	Metrics     bool    `toml:"metrics"`
	Tracing     string  `toml:"tracing"`
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	SampleRate  float64 `toml:"sample_rate"`
	ServiceName string  `toml:"service_name"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Grace Duration `toml:"grace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Heartbeat: HeartbeatConfig{
			CheckInterval:    Duration{30 * time.Second},
			FailureThreshold: Duration{120 * time.Second},
		},
		HTTP: HTTPConfig{
			Listen:       ":8000",
			ReadTimeout:  Duration{10 * time.Second},
			WriteTimeout: Duration{10 * time.Second},
		},
		Store: StoreConfig{
			Backend: BackendBadger,
			Path:    "./data/fleetwatch",
			Bucket:  "fleetwatch",
		},
		NATS: NATSConfig{
			HeartbeatSubject: "fleet.heartbeat",
			EventsPrefix:     "fleet.events",
			Queue:            "fleetwatch",
		},
		Ingest: IngestConfig{
			Burst: 5,
		},
		Probe: ProbeConfig{
			Interval:    Duration{60 * time.Second},
			Timeout:     Duration{5 * time.Second},
			Concurrency: 4,
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			Tracing:     TracingNone,
			SampleRate:  1.0,
			ServiceName: "fleetwatch",
		},
		Shutdown: ShutdownConfig{Grace: Duration{10 * time.Second}},
	}
}

// maxProbeTimeout caps outbound health probes.
const maxProbeTimeout = 10 * time.Second

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Heartbeat.CheckInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat.check_interval must be positive")
	}
	if c.Heartbeat.FailureThreshold.Duration <= 0 {
		return fmt.Errorf("heartbeat.failure_threshold must be positive")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the badger backend")
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats backend")
		}
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the nats backend")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Ingest.RateLimit < 0 {
		return fmt.Errorf("ingest.rate_limit must not be negative")
	}
	if c.Ingest.RateLimit > 0 && c.Ingest.Burst <= 0 {
		return fmt.Errorf("ingest.burst must be positive when rate limiting")
	}
	if len(c.Probe.Targets) > 0 {
		if c.Probe.Interval.Duration <= 0 {
			return fmt.Errorf("probe.interval must be positive")
		}
		if c.Probe.Timeout.Duration <= 0 || c.Probe.Timeout.Duration > maxProbeTimeout {
			return fmt.Errorf("probe.timeout must be in (0, %s]", maxProbeTimeout)
		}
		for i, t := range c.Probe.Targets {
			if t.Name == "" {
				return fmt.Errorf("probe.targets[%d].name is required", i)
			}
			u, err := url.Parse(t.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("probe.targets[%d].url %q is not an absolute URL", i, t.URL)
			}
		}
	}
	switch c.Telemetry.Tracing {
	case "", TracingNone, TracingStdout, TracingOTLPGRPC, TracingOTLPHTTP:
	default:
		return fmt.Errorf("unknown telemetry.tracing %q", c.Telemetry.Tracing)
	}
	if c.Shutdown.Grace.Duration < 0 {
		return fmt.Errorf("shutdown.grace must not be negative")
	}
	return nil
}

// StandardPaths returns config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"fleetwatch.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fleetwatch", "fleetwatch.toml"))
	}
	return append(paths, "/etc/fleetwatch/fleetwatch.toml")
}

// Load reads path, or the first standard location when path is empty, and
// applies environment overrides. A missing standard file is not an error.
// It returns the file actually used ("" when none).
func Load(path string) (Config, string, error) {
	if path != "" {
		cfg, err := LoadFile(path)
		return cfg, path, err
	}
	for _, p := range StandardPaths() {
		if _, err := os.Stat(p); err == nil {
			cfg, err := LoadFile(p)
			return cfg, p, err
		}
	}
	cfg := Default()
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, "", err
	}
	return cfg, "", cfg.Validate()
}

// LoadFile decodes a TOML file over the defaults and applies environment
// overrides.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes TOML text over the defaults without environment overrides.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
