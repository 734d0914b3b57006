package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentinel-core/internal/schema"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, true},
		{"no windows", func(c *Config) { c.Features.Windows = nil }, true},
		{"sliding without slide", func(c *Config) {
			c.Features.Windows = []WindowSpec{{Kind: schema.WindowSliding, Span: time.Minute}}
		}, true},
		{"slide exceeds span", func(c *Config) {
			c.Features.Windows = []WindowSpec{{Kind: schema.WindowSliding, Span: time.Minute, Slide: 2 * time.Minute}}
		}, true},
		{"session without gap", func(c *Config) {
			c.Features.Windows = []WindowSpec{{Kind: schema.WindowSession}}
		}, true},
		{"unknown bus kind", func(c *Config) { c.Bus.Kind = "zeromq" }, true},
		{"zero retry attempts", func(c *Config) { c.Orchestrator.AdapterRetry.MaxAttempts = 0 }, true},
		{"protected asset not cidr", func(c *Config) {
			c.Orchestrator.ProtectedAssets = []string{"10.0.0.1"}
		}, true},
		{"zero retention", func(c *Config) { c.Audit.Retention = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  http_port: 9191
features:
  allowed_lateness: 45s
  per_key_memory_cap: 123
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SENTINEL_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.HTTPPort != 9191 {
		t.Errorf("http_port = %d, want 9191", cfg.Server.HTTPPort)
	}
	if cfg.Features.AllowedLateness != 45*time.Second {
		t.Errorf("allowed_lateness = %v, want 45s", cfg.Features.AllowedLateness)
	}
	if cfg.Features.PerKeyMemoryCap != 123 {
		t.Errorf("per_key_memory_cap = %d, want 123", cfg.Features.PerKeyMemoryCap)
	}
	// Untouched sections keep defaults.
	if cfg.Bus.Partitions != 8 {
		t.Errorf("bus.partitions = %d, want default 8", cfg.Bus.Partitions)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.HTTPPort)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SENTINEL_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Bus.Kind != BusKafka {
		t.Errorf("bus kind = %s, want kafka", cfg.Bus.Kind)
	}
	if len(cfg.Bus.Kafka.Brokers) != 2 || cfg.Bus.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Bus.Kafka.Brokers)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
}
