// Package config defines the coordinator's configuration surface and a
// yaml.v3-based loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreBackend selects the storage adapter variant.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "in-memory"
	StoreBackendShared StoreBackend = "shared"
)

// UnknownSessionStatus selects the HTTP status used for an unrecognized or
// closed session (legacy clients expect 400).
type UnknownSessionStatus int

const (
	UnknownSessionStatus404 UnknownSessionStatus = 404
	UnknownSessionStatus400 UnknownSessionStatus = 400
)

// Config is the complete set of coordinator tunables: storage backend
// selection, resilience knobs, admission timing, and the HTTP surface.
//
// The keys ending in _ms decode into time.Duration fields, so in YAML they
// take Go duration strings such as "500ms" or "5s"; a bare integer number
// of milliseconds is not accepted.
type Config struct {
	// Path is where the Streamable HTTP surface is mounted (default /mcp).
	Path string `yaml:"path" mapstructure:"path"`

	// StoreBackend selects in-memory vs shared (durable) storage.
	StoreBackend StoreBackend `yaml:"store_backend" mapstructure:"store_backend"`
	StoreURL     string       `yaml:"store_url" mapstructure:"store_url"`
	StorePrefix  string       `yaml:"store_prefix" mapstructure:"store_prefix"`
	StreamMaxLen int          `yaml:"stream_maxlen" mapstructure:"stream_maxlen"`

	UseLocalCache   bool          `yaml:"use_local_cache" mapstructure:"use_local_cache"`
	CacheMaxEntries int           `yaml:"cache_max_entries" mapstructure:"cache_max_entries"`
	CacheTTL        time.Duration `yaml:"cache_ttl_ms" mapstructure:"cache_ttl_ms"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_ms" mapstructure:"retry_base_ms"`
	RetryCapDelay    time.Duration `yaml:"retry_cap_ms" mapstructure:"retry_cap_ms"`

	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown_ms" mapstructure:"breaker_cooldown_ms"`

	AdmitLockTTL  time.Duration `yaml:"admit_lock_ttl_ms" mapstructure:"admit_lock_ttl_ms"`
	AdmitLockWait time.Duration `yaml:"admit_lock_wait_ms" mapstructure:"admit_lock_wait_ms"`

	UnknownSessionStatus UnknownSessionStatus `yaml:"unknown_session_status" mapstructure:"unknown_session_status"`
	MaxBodyBytes         int64                `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`

	// InterceptorStripes bounds the per-session lock striping.
	InterceptorStripes int `yaml:"interceptor_stripes" mapstructure:"interceptor_stripes"`

	TransitionRetry int `yaml:"transition_retry" mapstructure:"transition_retry"`
}

// Default returns a fully populated Config: 3 retry attempts / 50ms base /
// 2s cap, breaker threshold 5 / cooldown 10s, admission lock TTL 2s /
// wait 500ms, cache 1024 entries / 5s TTL, 1 MiB max body, path /mcp,
// HTTP 404 for unknown sessions.
func Default() Config {
	return Config{
		Path: "/mcp",

		StoreBackend: StoreBackendMemory,
		StorePrefix:  "mcpcoord:",
		StreamMaxLen: 1000,

		UseLocalCache:   true,
		CacheMaxEntries: 1024,
		CacheTTL:        5 * time.Second,

		RetryMaxAttempts: 3,
		RetryBaseDelay:   50 * time.Millisecond,
		RetryCapDelay:    2 * time.Second,

		BreakerFailureThreshold: 5,
		BreakerCooldown:         10 * time.Second,

		AdmitLockTTL:  2 * time.Second,
		AdmitLockWait: 500 * time.Millisecond,

		UnknownSessionStatus: UnknownSessionStatus404,
		MaxBodyBytes:         1 << 20,

		InterceptorStripes: 64,
		TransitionRetry:    3,
	}
}

// Load reads a YAML config file from path, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
