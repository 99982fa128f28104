// Package config loads oraclevm settings: built-in defaults, then an optional
// YAML file named by ORACLEVM_CONFIG, then ORACLEVM_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxprotocol/oraclevm/pkg/artifacts"
	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/observability"
	"github.com/fluxprotocol/oraclevm/pkg/quota"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "ORACLEVM_CONFIG"

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheRedis    = "redis"
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
)

// Config holds process configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// LedgerURL is a PostgreSQL URL for the gas usage ledger. Empty keeps
	// usage in memory.
	LedgerURL   string               `yaml:"ledger_url"`
	Fetch       FetchConfig          `yaml:"fetch"`
	Cache       CacheConfig          `yaml:"cache"`
	Sandbox     sandbox.HostConfig   `yaml:"sandbox"`
	GasSchedule map[string]uint64    `yaml:"gas_schedule"`
	Telemetry   observability.Config `yaml:"telemetry"`
	Artifacts   artifacts.Config     `yaml:"artifacts"`
	Quota       QuotaConfig          `yaml:"quota"`
}

// QuotaConfig enables per-caller gas quotas. Defaults apply to callers with
// no stored limits.
type QuotaConfig struct {
	Enabled  bool         `yaml:"enabled"`
	Defaults quota.Limits `yaml:"defaults"`
}

// FetchConfig configures outbound requests.
type FetchConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	UserAgent        string        `yaml:"user_agent"`
	AllowHosts       []string      `yaml:"allow_hosts"`
	// Policy is a CEL expression over request.{method,url,host,scheme}.
	Policy string `yaml:"policy"`
}

// CacheConfig selects where fetched responses are kept.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	// DSN is the SQLite path or PostgreSQL URL.
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	fo := fetch.DefaultClientOptions()
	return &Config{
		LogLevel: "INFO",
		Fetch: FetchConfig{
			Timeout:          fo.Timeout,
			MaxRetries:       fo.MaxRetries,
			Burst:            fo.Burst,
			MaxResponseBytes: fo.MaxResponseBytes,
			UserAgent:        fo.UserAgent,
		},
		Cache:     CacheConfig{Backend: CacheMemory, RedisPrefix: "oraclevm:fetch:"},
		Sandbox:   sandbox.DefaultHostConfig(),
		Telemetry: *observability.DefaultConfig(),
		Artifacts: artifacts.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the file named by
// ORACLEVM_CONFIG and the environment, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds the configuration from defaults and one YAML file, ignoring
// the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache: redis_addr is required for the redis backend"))
		}
	case CacheSQLite, CachePostgres:
		if c.Cache.DSN == "" {
			errs = append(errs, fmt.Errorf("cache: dsn is required for the %s backend", c.Cache.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("cache: unknown backend %q", c.Cache.Backend))
	}
	switch c.Artifacts.Backend {
	case artifacts.BackendFS, artifacts.BackendS3, artifacts.BackendGCS:
	default:
		errs = append(errs, fmt.Errorf("artifacts: unknown backend %q", c.Artifacts.Backend))
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, errors.New("fetch: max_retries must not be negative"))
	}
	if c.Fetch.RatePerSecond < 0 {
		errs = append(errs, errors.New("fetch: rate_per_second must not be negative"))
	}
	if _, err := c.egressPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("fetch: %w", err))
	}
	if c.Sandbox.MemoryLimitBytes < 0 || c.Sandbox.CPUTimeLimit < 0 || c.Sandbox.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("sandbox: limits must not be negative"))
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, fmt.Errorf("gas_schedule: %w", err))
	}
	if err := c.Quota.Defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quota: %w", err))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry: sample_rate %v outside [0, 1]", c.Telemetry.SampleRate))
	}
	return errors.Join(errs...)
}

// SlogLevel returns LogLevel as a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Schedule builds the gas schedule with GasSchedule overrides applied.
func (c *Config) Schedule() (*budget.Schedule, error) {
	return budget.NewSchedule(c.GasSchedule)
}

// HostConfig returns the sandbox limits with the configured schedule.
func (c *Config) HostConfig() (sandbox.HostConfig, error) {
	schedule, err := c.Schedule()
	if err != nil {
		return sandbox.HostConfig{}, err
	}
	hc := c.Sandbox
	hc.Schedule = schedule
	return hc, nil
}

// ClientOptions returns fetch client options, with an egress policy when an
// allowlist or expression is configured.
func (c *Config) ClientOptions() (fetch.ClientOptions, error) {
	policy, err := c.egressPolicy()
	if err != nil {
		return fetch.ClientOptions{}, err
	}
	opts := fetch.DefaultClientOptions()
	opts.Timeout = c.Fetch.Timeout
	opts.MaxRetries = c.Fetch.MaxRetries
	opts.RatePerSecond = c.Fetch.RatePerSecond
	opts.Burst = c.Fetch.Burst
	opts.MaxResponseBytes = c.Fetch.MaxResponseBytes
	opts.UserAgent = c.Fetch.UserAgent
	opts.Policy = policy
	return opts, nil
}

func (c *Config) egressPolicy() (*fetch.EgressPolicy, error) {
	if len(c.Fetch.AllowHosts) == 0 && c.Fetch.Policy == "" {
		return nil, nil
	}
	return fetch.NewEgressPolicy(c.Fetch.AllowHosts, c.Fetch.Policy)
}
