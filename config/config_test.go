package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_SaneDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Dispatcher.MaxConcurrentTasksPerAgent != 3 {
		t.Errorf("Dispatcher.MaxConcurrentTasksPerAgent = %d, want 3", cfg.Dispatcher.MaxConcurrentTasksPerAgent)
	}
	if cfg.Agents.HeartbeatOfflineThreshold != 5*time.Minute {
		t.Errorf("Agents.HeartbeatOfflineThreshold = %v, want 5m", cfg.Agents.HeartbeatOfflineThreshold)
	}
	if cfg.RateLimit.MaxRequests != 100 {
		t.Errorf("RateLimit.MaxRequests = %d, want 100", cfg.RateLimit.MaxRequests)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Store.CommandTimeout != 5*time.Second {
		t.Errorf("Store.CommandTimeout = %v, want 5s", cfg.Store.CommandTimeout)
	}
	if cfg.Store.PoolMin != 1 || cfg.Store.PoolMax != 1 {
		t.Errorf("Store.PoolMin/PoolMax = %d/%d, want 1/1", cfg.Store.PoolMin, cfg.Store.PoolMax)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load: want error for a missing file")
	}
	if !os.IsNotExist(unwrapPathErr(err)) {
		t.Fatalf("Load: error %v does not unwrap to a not-exist error", err)
	}
}

func TestLoad_PartialOverrideLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	yaml := "server:\n  addr: \":9090\"\ndispatcher:\n  max_concurrent_tasks_per_agent: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090 (overridden)", cfg.Server.Addr)
	}
	if cfg.Dispatcher.MaxConcurrentTasksPerAgent != 7 {
		t.Errorf("Dispatcher.MaxConcurrentTasksPerAgent = %d, want 7 (overridden)", cfg.Dispatcher.MaxConcurrentTasksPerAgent)
	}
	// Untouched fields must still carry their defaults.
	if cfg.RateLimit.MaxRequests != 100 {
		t.Errorf("RateLimit.MaxRequests = %d, want 100 (default preserved)", cfg.RateLimit.MaxRequests)
	}
	if cfg.Control.SoftDeleteRetention != 30*24*time.Hour {
		t.Errorf("Control.SoftDeleteRetention = %v, want 30 days (default preserved)", cfg.Control.SoftDeleteRetention)
	}
}

func unwrapPathErr(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}
