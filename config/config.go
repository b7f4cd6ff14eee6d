// Package config defines the coordinator's process configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level coordinator configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	TaskDefaults TaskDefaultsConfig `yaml:"task_defaults"`
	Agents       AgentsConfig       `yaml:"agents"`
	Control      ControlConfig      `yaml:"control"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	LogLevel     string             `yaml:"log_level"`
	CORSOrigins  string             `yaml:"cors_origins"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig controls the SQLite-backed persistence layer.
type StoreConfig struct {
	Path string `yaml:"path"`

	// CommandTimeout bounds every Store call; a call that blows past it
	// fails transient rather than hanging on a wedged connection.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// PoolMin/PoolMax size the idle-connection pool. The number of open
	// connections stays pinned at one regardless (see store.Store.Configure)
	// since the dispatcher's atomic claim depends on SQLite never fanning
	// writes out across more than one connection; these bound how many
	// connections are kept warm rather than reopened per call.
	PoolMin int `yaml:"pool_min"`
	PoolMax int `yaml:"pool_max"`
}

// DispatcherConfig controls task claiming.
type DispatcherConfig struct {
	MaxConcurrentTasksPerAgent int `yaml:"max_concurrent_tasks_per_agent"`
}

// TaskDefaultsConfig controls fallback values applied when a task or its
// type has no explicit override.
type TaskDefaultsConfig struct {
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes"`
}

// AgentsConfig controls agent liveness tracking.
type AgentsConfig struct {
	HeartbeatOfflineThreshold time.Duration `yaml:"heartbeat_offline_threshold"`
	HeartbeatSweepInterval    time.Duration `yaml:"heartbeat_sweep_interval"`
}

// ControlConfig controls the background sweep loops.
type ControlConfig struct {
	StuckSweepInterval      time.Duration `yaml:"stuck_sweep_interval"`
	IdempotencyGCInterval   time.Duration `yaml:"idempotency_gc_interval"`
	SoftDeleteRetention     time.Duration `yaml:"soft_delete_retention"`
	SoftDeleteSweepInterval time.Duration `yaml:"soft_delete_sweep_interval"`
}

// IdempotencyConfig controls the idempotency-key guard.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RateLimitConfig controls the in-process rate limiter.
type RateLimitConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxRequests  int           `yaml:"max_requests"`
	MaxStoreSize int           `yaml:"max_store_size"`
}

// DefaultConfig returns a config with sensible defaults, matching the
// original system's environment-variable defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:       ServerConfig{Addr: ":8080"},
		Store: StoreConfig{
			Path:           "./data/coordinator.db",
			CommandTimeout: 5 * time.Second,
			PoolMin:        1,
			PoolMax:        1,
		},
		Dispatcher:   DispatcherConfig{MaxConcurrentTasksPerAgent: 3},
		TaskDefaults: TaskDefaultsConfig{DefaultTimeoutMinutes: 120},
		Agents: AgentsConfig{
			HeartbeatOfflineThreshold: 5 * time.Minute,
			HeartbeatSweepInterval:    60 * time.Second,
		},
		Control: ControlConfig{
			StuckSweepInterval:      60 * time.Second,
			IdempotencyGCInterval:   time.Hour,
			SoftDeleteRetention:     30 * 24 * time.Hour,
			SoftDeleteSweepInterval: 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		RateLimit: RateLimitConfig{
			Window:       60 * time.Second,
			MaxRequests:  100,
			MaxStoreSize: 10000,
		},
		LogLevel:    "info",
		CORSOrigins: "*",
	}
}

// Load reads a YAML config file over top of DefaultConfig, so a file that
// only overrides a handful of fields still gets sane values everywhere
// else.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
