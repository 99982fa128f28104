package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fluxprotocol/oraclevm/pkg/artifacts"
)

// applyEnv overrides c with every ORACLEVM_* variable that is set and non-empty.
func (c *Config) applyEnv() error {
	e := envReader{}

	e.str("ORACLEVM_LOG_LEVEL", &c.LogLevel)
	e.str("ORACLEVM_LEDGER_URL", &c.LedgerURL)

	e.duration("ORACLEVM_FETCH_TIMEOUT", &c.Fetch.Timeout)
	e.integer("ORACLEVM_FETCH_MAX_RETRIES", &c.Fetch.MaxRetries)
	e.float("ORACLEVM_FETCH_RATE", &c.Fetch.RatePerSecond)
	e.integer("ORACLEVM_FETCH_BURST", &c.Fetch.Burst)
	e.int64("ORACLEVM_FETCH_MAX_BYTES", &c.Fetch.MaxResponseBytes)
	e.str("ORACLEVM_FETCH_USER_AGENT", &c.Fetch.UserAgent)
	e.list("ORACLEVM_FETCH_ALLOW_HOSTS", &c.Fetch.AllowHosts)
	e.str("ORACLEVM_FETCH_POLICY", &c.Fetch.Policy)

	e.str("ORACLEVM_CACHE_BACKEND", &c.Cache.Backend)
	e.str("ORACLEVM_CACHE_DSN", &c.Cache.DSN)
	e.str("ORACLEVM_REDIS_ADDR", &c.Cache.RedisAddr)
	e.str("ORACLEVM_REDIS_PASSWORD", &c.Cache.RedisPassword)
	e.integer("ORACLEVM_REDIS_DB", &c.Cache.RedisDB)

	e.int64("ORACLEVM_MEMORY_LIMIT_BYTES", &c.Sandbox.MemoryLimitBytes)
	e.duration("ORACLEVM_CPU_TIME_LIMIT", &c.Sandbox.CPUTimeLimit)
	e.integer("ORACLEVM_MAX_OUTPUT_BYTES", &c.Sandbox.MaxOutputBytes)
	e.str("ORACLEVM_ENTRY_POINT", &c.Sandbox.EntryPoint)

	e.boolean("ORACLEVM_OTEL_ENABLED", &c.Telemetry.Enabled)
	e.str("ORACLEVM_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	e.boolean("ORACLEVM_OTLP_INSECURE", &c.Telemetry.Insecure)
	e.float("ORACLEVM_OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate)
	e.str("ORACLEVM_ENVIRONMENT", &c.Telemetry.Environment)

	var backend string
	if e.str("ORACLEVM_ARTIFACT_BACKEND", &backend) {
		c.Artifacts.Backend = artifacts.Backend(backend)
	}
	e.str("ORACLEVM_ARTIFACT_DIR", &c.Artifacts.Dir)
	e.str("ORACLEVM_ARTIFACT_BUCKET", &c.Artifacts.Bucket)
	e.str("ORACLEVM_ARTIFACT_PREFIX", &c.Artifacts.Prefix)
	e.str("ORACLEVM_ARTIFACT_REGION", &c.Artifacts.Region)
	e.str("ORACLEVM_ARTIFACT_ENDPOINT", &c.Artifacts.Endpoint)

	e.boolean("ORACLEVM_QUOTA_ENABLED", &c.Quota.Enabled)
	e.str("ORACLEVM_QUOTA_DAILY_GAS", &c.Quota.Defaults.Daily)
	e.str("ORACLEVM_QUOTA_MONTHLY_GAS", &c.Quota.Defaults.Monthly)

	return errors.Join(e.errs...)
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (e *envReader) str(key string, dst *string) bool {
	v, ok := e.lookup(key)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
