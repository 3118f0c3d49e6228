// Package config loads the broker's configuration from config.yaml plus
// environment overrides, the same two-layer load as the teacher's own
// config.Load, trimmed to the closed key set of spec §6.5.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/retrypolicy"
)

// RetryOverride overrides one domain.Kind's backoff parameters (spec
// §6.5: "retry.<kind>.{base,max,mult,jitter}"). Durations are plain
// strings in config.yaml (e.g. "500ms", "2s") and parsed at Load time.
type RetryOverride struct {
	Base   string  `yaml:"base"`
	Max    string  `yaml:"max"`
	Mult   float64 `yaml:"mult"`
	Jitter float64 `yaml:"jitter"`
}

// FederationConfig configures the optional outbound Federation Client
// (spec §4.8). Empty UpstreamURL disables federation entirely.
type FederationConfig struct {
	UpstreamURL string `yaml:"upstream_url"`
	AuthToken   string `yaml:"auth_token"`
}

// TelemetryConfig toggles OpenTelemetry tracing/metrics export (spec
// §1.1 Ambient stack), field-for-field the same shape as the teacher's
// own otel.Config so internal/otel.Init needs no adaptation.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the broker's full configuration, covering every key spec
// §6.5 names. Field names map 1:1 onto the spec table; anything the
// teacher's own config.Config covered for an orthogonal concern (LLM
// providers, skills, channels, MCP, agents) has no equivalent here —
// see DESIGN.md for why those fields were dropped rather than adapted.
type Config struct {
	HomeDir string `yaml:"-"`

	BindHost string `yaml:"bind_host"`
	BindPort int    `yaml:"bind_port"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	WorkerAuthToken      string `yaml:"worker_auth_token"`
	MaxWorkers           int    `yaml:"max_workers"`
	PerWorkerConcurrency int    `yaml:"per_worker_concurrency"`

	HeartbeatInterval string `yaml:"heartbeat_interval"` // e.g. "15s"
	HeartbeatMiss     int    `yaml:"heartbeat_miss"`     // missed heartbeats before a session is considered dead

	ReaperInterval  string `yaml:"reaper_interval"`   // e.g. "10s"
	StaleAssignedMs int    `yaml:"stale_assigned_ms"`

	RetentionDays int `yaml:"retention_days"`

	RetryOverrides map[string]RetryOverride `yaml:"retry"`

	EventBusInbox      int    `yaml:"event_bus_inbox"`
	StreamWriteTimeout string `yaml:"stream_write_timeout"` // e.g. "5s"

	Federation FederationConfig `yaml:"federation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindHost:             "127.0.0.1",
		BindPort:             8787,
		LogLevel:             "info",
		DBPath:               "broker.db",
		MaxWorkers:           256,
		PerWorkerConcurrency: 4,
		HeartbeatInterval:    "15s",
		HeartbeatMiss:        3,
		ReaperInterval:       "10s",
		StaleAssignedMs:      45000,
		RetentionDays:        90,
		EventBusInbox:        1024,
		StreamWriteTimeout:   "5s",
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the broker's home directory, overridable via
// BROKERD_HOME the same way the teacher honors GOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("BROKERD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".brokerd")
}

// Load reads config.yaml from HomeDir, applies environment overrides,
// and normalizes defaults — the same Load/normalize/applyEnvOverrides
// pipeline as the teacher's own config.Load.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create broker home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.BindPort <= 0 {
		cfg.BindPort = 8787
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "broker.db"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 256
	}
	if cfg.PerWorkerConcurrency <= 0 {
		cfg.PerWorkerConcurrency = 4
	}
	if cfg.HeartbeatInterval == "" {
		cfg.HeartbeatInterval = "15s"
	}
	if cfg.HeartbeatMiss <= 0 {
		cfg.HeartbeatMiss = 3
	}
	if cfg.ReaperInterval == "" {
		cfg.ReaperInterval = "10s"
	}
	if cfg.StaleAssignedMs <= 0 {
		cfg.StaleAssignedMs = 45000
	}
	if cfg.EventBusInbox <= 0 {
		cfg.EventBusInbox = 1024
	}
	if cfg.StreamWriteTimeout == "" {
		cfg.StreamWriteTimeout = "5s"
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "brokerd"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BROKERD_BIND_HOST"); raw != "" {
		cfg.BindHost = raw
	}
	if raw := os.Getenv("BROKERD_BIND_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.BindPort = v
		}
	}
	if raw := os.Getenv("BROKERD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BROKERD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("BROKERD_WORKER_AUTH_TOKEN"); raw != "" {
		cfg.WorkerAuthToken = raw
	}
	if raw := os.Getenv("BROKERD_MAX_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxWorkers = v
		}
	}
	if raw := os.Getenv("BROKERD_PER_WORKER_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PerWorkerConcurrency = v
		}
	}
	if raw := os.Getenv("BROKERD_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionDays = v
		}
	}
	if raw := os.Getenv("BROKERD_FEDERATION_UPSTREAM_URL"); raw != "" {
		cfg.Federation.UpstreamURL = raw
	}
	if raw := os.Getenv("BROKERD_FEDERATION_AUTH_TOKEN"); raw != "" {
		cfg.Federation.AuthToken = raw
	}
}

// HeartbeatIntervalDuration parses HeartbeatInterval, falling back to
// 15s if the configured value is malformed.
func (c Config) HeartbeatIntervalDuration() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, 15*time.Second)
}

// ReaperIntervalDuration parses ReaperInterval, falling back to 10s.
func (c Config) ReaperIntervalDuration() time.Duration {
	return parseDurationOr(c.ReaperInterval, 10*time.Second)
}

// StaleAssignedDuration converts StaleAssignedMs to a time.Duration.
func (c Config) StaleAssignedDuration() time.Duration {
	return time.Duration(c.StaleAssignedMs) * time.Millisecond
}

// StreamWriteTimeoutDuration parses StreamWriteTimeout, falling back to 5s.
func (c Config) StreamWriteTimeoutDuration() time.Duration {
	return parseDurationOr(c.StreamWriteTimeout, 5*time.Second)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// BuildRetryTable returns a retrypolicy.Table seeded with spec §4.2's
// defaults and then overridden per RetryOverrides (spec §6.5:
// "retry.<kind>.{base,max,mult,jitter}"). Malformed duration strings in
// an override leave that kind's default base/max untouched.
func (c Config) BuildRetryTable() *retrypolicy.Table {
	table := retrypolicy.NewTable()
	for kind, override := range c.RetryOverrides {
		k := domain.Kind(kind)
		params := table.Params(k)
		if d, err := time.ParseDuration(override.Base); err == nil {
			params.Base = d
		}
		if d, err := time.ParseDuration(override.Max); err == nil {
			params.Max = d
		}
		if override.Mult > 0 {
			params.Multiplier = override.Mult
		}
		if override.Jitter > 0 {
			params.Jitter = override.Jitter
		}
		table.Override(k, params)
	}
	return table
}

// Fingerprint returns a stable hash of the active config (the broker's
// equivalent of the teacher's config.Config.Fingerprint, used to detect
// drift after a hot reload).
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s:%d|workers=%d|conc=%d|heartbeat=%s|reaper=%s|stale=%d|retention=%d",
		c.BindHost, c.BindPort, c.MaxWorkers, c.PerWorkerConcurrency,
		c.HeartbeatInterval, c.ReaperInterval, c.StaleAssignedMs, c.RetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
