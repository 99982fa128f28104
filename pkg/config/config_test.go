package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxprotocol/oraclevm/pkg/artifacts"
	"github.com/fluxprotocol/oraclevm/pkg/config"
	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
)

var envKeys = []string{
	config.FileEnv,
	"ORACLEVM_LOG_LEVEL", "ORACLEVM_LEDGER_URL",
	"ORACLEVM_FETCH_TIMEOUT", "ORACLEVM_FETCH_MAX_RETRIES", "ORACLEVM_FETCH_RATE",
	"ORACLEVM_FETCH_BURST", "ORACLEVM_FETCH_MAX_BYTES", "ORACLEVM_FETCH_USER_AGENT",
	"ORACLEVM_FETCH_ALLOW_HOSTS", "ORACLEVM_FETCH_POLICY",
	"ORACLEVM_CACHE_BACKEND", "ORACLEVM_CACHE_DSN", "ORACLEVM_REDIS_ADDR",
	"ORACLEVM_REDIS_PASSWORD", "ORACLEVM_REDIS_DB",
	"ORACLEVM_MEMORY_LIMIT_BYTES", "ORACLEVM_CPU_TIME_LIMIT", "ORACLEVM_MAX_OUTPUT_BYTES",
	"ORACLEVM_ENTRY_POINT",
	"ORACLEVM_OTEL_ENABLED", "ORACLEVM_OTLP_ENDPOINT", "ORACLEVM_OTLP_INSECURE",
	"ORACLEVM_OTEL_SAMPLE_RATE", "ORACLEVM_ENVIRONMENT",
	"ORACLEVM_ARTIFACT_BACKEND", "ORACLEVM_ARTIFACT_DIR", "ORACLEVM_ARTIFACT_BUCKET",
	"ORACLEVM_ARTIFACT_PREFIX", "ORACLEVM_ARTIFACT_REGION", "ORACLEVM_ARTIFACT_ENDPOINT",
	"ORACLEVM_QUOTA_ENABLED", "ORACLEVM_QUOTA_DAILY_GAS", "ORACLEVM_QUOTA_MONTHLY_GAS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oraclevm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoad_Defaults verifies the process boots with no configuration at all.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Empty(t, cfg.LedgerURL)
	assert.Equal(t, config.CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, int64(64*1024*1024), cfg.Sandbox.MemoryLimitBytes)
	assert.Equal(t, "_start", cfg.Sandbox.EntryPoint)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, artifacts.BackendFS, cfg.Artifacts.Backend)

	opts, err := cfg.ClientOptions()
	require.NoError(t, err)
	assert.Nil(t, opts.Policy)

	hc, err := cfg.HostConfig()
	require.NoError(t, err)
	require.NotNil(t, hc.Schedule)
	assert.Equal(t, uint64(10000), hc.Schedule.Cost(budget.OpFetch))
}

// TestLoad_Overrides verifies 12-factor environment overrides.
func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORACLEVM_LOG_LEVEL", "debug")
	t.Setenv("ORACLEVM_LEDGER_URL", "postgres://ledger:5432/gas")
	t.Setenv("ORACLEVM_FETCH_TIMEOUT", "5s")
	t.Setenv("ORACLEVM_FETCH_MAX_RETRIES", "0")
	t.Setenv("ORACLEVM_FETCH_RATE", "2.5")
	t.Setenv("ORACLEVM_FETCH_ALLOW_HOSTS", "api.example.com, , pokeapi.co")
	t.Setenv("ORACLEVM_CACHE_BACKEND", "redis")
	t.Setenv("ORACLEVM_REDIS_ADDR", "localhost:6379")
	t.Setenv("ORACLEVM_REDIS_DB", "2")
	t.Setenv("ORACLEVM_CPU_TIME_LIMIT", "250ms")
	t.Setenv("ORACLEVM_OTEL_ENABLED", "true")
	t.Setenv("ORACLEVM_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("ORACLEVM_ARTIFACT_BACKEND", "s3")
	t.Setenv("ORACLEVM_ARTIFACT_BUCKET", "modules")
	t.Setenv("ORACLEVM_QUOTA_ENABLED", "true")
	t.Setenv("ORACLEVM_QUOTA_DAILY_GAS", "1000000000")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "postgres://ledger:5432/gas", cfg.LedgerURL)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 0, cfg.Fetch.MaxRetries)
	assert.Equal(t, 2.5, cfg.Fetch.RatePerSecond)
	assert.Equal(t, []string{"api.example.com", "pokeapi.co"}, cfg.Fetch.AllowHosts)
	assert.Equal(t, config.CacheRedis, cfg.Cache.Backend)
	assert.Equal(t, 2, cfg.Cache.RedisDB)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.CPUTimeLimit)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, artifacts.BackendS3, cfg.Artifacts.Backend)
	assert.Equal(t, "modules", cfg.Artifacts.Bucket)
	assert.True(t, cfg.Quota.Enabled)
	assert.Equal(t, "1000000000", cfg.Quota.Defaults.Daily)
	assert.Empty(t, cfg.Quota.Defaults.Monthly)

	opts, err := cfg.ClientOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.Policy)
	assert.NoError(t, opts.Policy.Check(fetch.Request{Method: "GET", URL: "https://pokeapi.co/api/v2/pokemon/ditto"}))
	assert.Error(t, opts.Policy.Check(fetch.Request{Method: "GET", URL: "https://evil.example.org/"}))
}

func TestLoad_FileOverlay(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
log_level: debug
ledger_url: postgres://ledger/db
fetch:
  timeout: 5s
  max_retries: 1
  allow_hosts: [api.example.com]
  policy: request.method == "GET"
cache:
  backend: sqlite
  dsn: /tmp/cache.db
sandbox:
  memory_limit_bytes: 1048576
  cpu_time_limit: 2s
gas_schedule:
  fetch: 20000
telemetry:
  enabled: true
  otlp_endpoint: collector:4317
artifacts:
  backend: gcs
  bucket: modules
quota:
  enabled: true
  defaults:
    monthly: "5000000"
`)
	t.Setenv(config.FileEnv, path)
	t.Setenv("ORACLEVM_LOG_LEVEL", "warn")

	cfg, err := config.Load()
	require.NoError(t, err)

	// Environment beats the file; the file beats defaults; unset keys keep defaults.
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
	assert.Equal(t, "postgres://ledger/db", cfg.LedgerURL)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 1, cfg.Fetch.MaxRetries)
	assert.Equal(t, "oraclevm/1", cfg.Fetch.UserAgent)
	assert.Equal(t, config.CacheSQLite, cfg.Cache.Backend)
	assert.Equal(t, "/tmp/cache.db", cfg.Cache.DSN)
	assert.Equal(t, int64(1048576), cfg.Sandbox.MemoryLimitBytes)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.CPUTimeLimit)
	assert.Equal(t, "_start", cfg.Sandbox.EntryPoint)
	assert.Equal(t, "oraclevm", cfg.Telemetry.ServiceName)
	assert.Equal(t, artifacts.BackendGCS, cfg.Artifacts.Backend)
	assert.True(t, cfg.Quota.Enabled)
	assert.Equal(t, "5000000", cfg.Quota.Defaults.Monthly)

	hc, err := cfg.HostConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(20000), hc.Schedule.Cost(budget.OpFetch))
	assert.Equal(t, uint64(40000), hc.Schedule.Cost(budget.OpFetchMiss))

	opts, err := cfg.ClientOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.Policy)
	assert.NoError(t, opts.Policy.Check(fetch.Request{Method: "GET", URL: "https://api.example.com/v1"}))
	assert.Error(t, opts.Policy.Check(fetch.Request{Method: "POST", URL: "https://api.example.com/v1"}))
}

func TestLoadFile_IgnoresEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORACLEVM_LOG_LEVEL", "error")
	path := writeFile(t, "log_level: debug\n")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	empty, err := config.LoadFile(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "INFO", empty.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		file string
		msg  string
	}{
		{name: "bad duration", env: map[string]string{"ORACLEVM_FETCH_TIMEOUT": "soon"}, msg: "ORACLEVM_FETCH_TIMEOUT"},
		{name: "bad integer", env: map[string]string{"ORACLEVM_REDIS_DB": "two"}, msg: "ORACLEVM_REDIS_DB"},
		{name: "bad bool", env: map[string]string{"ORACLEVM_OTEL_ENABLED": "sometimes"}, msg: "ORACLEVM_OTEL_ENABLED"},
		{name: "unknown level", env: map[string]string{"ORACLEVM_LOG_LEVEL": "loud"}, msg: "log_level"},
		{name: "unknown cache", env: map[string]string{"ORACLEVM_CACHE_BACKEND": "memcached"}, msg: "unknown backend"},
		{name: "sqlite without dsn", env: map[string]string{"ORACLEVM_CACHE_BACKEND": "sqlite"}, msg: "dsn is required"},
		{name: "redis without addr", env: map[string]string{"ORACLEVM_CACHE_BACKEND": "redis"}, msg: "redis_addr is required"},
		{name: "unknown artifacts backend", env: map[string]string{"ORACLEVM_ARTIFACT_BACKEND": "tape"}, msg: "artifacts"},
		{name: "bad policy", env: map[string]string{"ORACLEVM_FETCH_POLICY": "request.method =="}, msg: "fetch"},
		{name: "sample rate", env: map[string]string{"ORACLEVM_OTEL_SAMPLE_RATE": "2"}, msg: "sample_rate"},
		{name: "unknown gas kind", file: "gas_schedule:\n  teleport: 5\n", msg: "teleport"},
		{name: "unknown field", file: "fetch:\n  retries: 5\n", msg: "retries"},
		{name: "bad quota", env: map[string]string{"ORACLEVM_QUOTA_DAILY_GAS": "-10"}, msg: "quota"},
		{name: "negative limit", file: "sandbox:\n  max_output_bytes: -1\n", msg: "sandbox"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if tc.file != "" {
				t.Setenv(config.FileEnv, writeFile(t, tc.file))
			}
			_, err := config.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.yaml")
}
