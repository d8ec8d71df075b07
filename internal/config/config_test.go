package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pool.MaxPoolSize != 10 {
		t.Errorf("max_pool_size = %d, want 10", cfg.Pool.MaxPoolSize)
	}
	if cfg.Pool.MinIdle != 2 {
		t.Errorf("min_idle = %d, want 2", cfg.Pool.MinIdle)
	}
	if cfg.Pool.ConnectionTimeout != 30*time.Second {
		t.Errorf("connection_timeout = %v, want 30s", cfg.Pool.ConnectionTimeout)
	}
	if cfg.Pool.IdleTimeout != 10*time.Minute {
		t.Errorf("idle_timeout = %v, want 10m", cfg.Pool.IdleTimeout)
	}
	if cfg.Pool.MaxLifetime != 30*time.Minute {
		t.Errorf("max_lifetime = %v, want 30m", cfg.Pool.MaxLifetime)
	}
	if cfg.Pool.LeakDetection != 60*time.Second {
		t.Errorf("leak_detection = %v, want 60s", cfg.Pool.LeakDetection)
	}
	if cfg.Pool.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Pool.MaxRetries)
	}
	if cfg.Pool.BackoffBase != time.Second {
		t.Errorf("backoff_base = %v, want 1s", cfg.Pool.BackoffBase)
	}
	if cfg.Dispatcher.Workers != 10 {
		t.Errorf("workers = %d, want 10", cfg.Dispatcher.Workers)
	}
	if cfg.Dispatcher.DrainTimeout != 60*time.Second {
		t.Errorf("drain_timeout = %v, want 60s", cfg.Dispatcher.DrainTimeout)
	}
	if cfg.Coalescer.QuiescenceWindow != 2*time.Second {
		t.Errorf("quiescence_window = %v, want 2s", cfg.Coalescer.QuiescenceWindow)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagevault.yaml")
	content := `
database_path: /var/lib/pagevault/pages.db
verbose: true
pool:
  max_pool_size: 25
  connection_timeout: 5s
dispatcher:
  workers: 4
coalescer:
  quiescence_window: 500ms
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DatabasePath != "/var/lib/pagevault/pages.db" {
		t.Errorf("database_path = %q", cfg.DatabasePath)
	}
	if !cfg.Verbose {
		t.Error("verbose not set")
	}
	if cfg.Pool.MaxPoolSize != 25 {
		t.Errorf("max_pool_size = %d, want 25", cfg.Pool.MaxPoolSize)
	}
	if cfg.Pool.ConnectionTimeout != 5*time.Second {
		t.Errorf("connection_timeout = %v, want 5s", cfg.Pool.ConnectionTimeout)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Dispatcher.Workers)
	}
	if cfg.Coalescer.QuiescenceWindow != 500*time.Millisecond {
		t.Errorf("quiescence_window = %v, want 500ms", cfg.Coalescer.QuiescenceWindow)
	}

	// Untouched keys keep their defaults.
	if cfg.Pool.MinIdle != 2 {
		t.Errorf("min_idle = %d, want default 2", cfg.Pool.MinIdle)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PAGEVAULT_POOL_MAX_POOL_SIZE", "7")
	t.Setenv("PAGEVAULT_VERBOSE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pool.MaxPoolSize != 7 {
		t.Errorf("max_pool_size = %d, want env override 7", cfg.Pool.MaxPoolSize)
	}
	if !cfg.Verbose {
		t.Error("verbose env override not applied")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero pool size", "pool:\n  max_pool_size: 0\n"},
		{"min idle above max", "pool:\n  max_pool_size: 2\n  min_idle: 5\n"},
		{"zero workers", "dispatcher:\n  workers: 0\n"},
		{"zero quiescence window", "coalescer:\n  quiescence_window: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pagevault.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

func TestMaterializedConfigs(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	pc := cfg.PoolConfig(nil)
	if pc.MaxPoolSize != 10 || pc.LeakDetectionThreshold != 60*time.Second {
		t.Errorf("pool config not materialized: %+v", pc)
	}

	dc := cfg.DispatcherConfig(nil)
	if dc.Workers != 10 || dc.DrainTimeout != 60*time.Second {
		t.Errorf("dispatcher config not materialized: %+v", dc)
	}

	cc := cfg.CoalescerConfig(nil)
	if cc.QuiescenceWindow != 2*time.Second {
		t.Errorf("coalescer config not materialized: %+v", cc)
	}
}
