package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
}

func TestResolveDerivesPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/coalesce"
	cfg.Resolve()

	if cfg.Store.Path != filepath.Join("/var/lib/coalesce", "scores.db") {
		t.Errorf("unexpected db path: %s", cfg.Store.Path)
	}
	if cfg.Migration.AuditDir != filepath.Join("/var/lib/coalesce", "audit") {
		t.Errorf("unexpected audit dir: %s", cfg.Migration.AuditDir)
	}
	if cfg.Snapshot.Path != filepath.Join("/var/lib/coalesce", "snapshots") {
		t.Errorf("unexpected snapshot path: %s", cfg.Snapshot.Path)
	}
}

func TestResolveKeepsExplicitPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = "/custom/scores.db"
	cfg.Resolve()

	if cfg.Store.Path != "/custom/scores.db" {
		t.Errorf("explicit path overwritten: %s", cfg.Store.Path)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty table", func(c *Config) { c.Store.Table = "" }},
		{"bad strategy", func(c *Config) { c.Store.Strategy = "last_writer_wins" }},
		{"bad synchronous", func(c *Config) { c.Store.Synchronous = "EXTRA" }},
		{"zero pool", func(c *Config) { c.Store.PoolSize = 0 }},
		{"bad policy", func(c *Config) { c.Retry.Policy = "frantic" }},
		{"bad snapshot type", func(c *Config) { c.Snapshot.Type = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Snapshot.Type = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /data/scoring
store:
  table: daily_scores
  strategy: max
  pool_size: 8
retry:
  policy: aggressive
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.DataDir != "/data/scoring" {
		t.Errorf("unexpected data dir: %s", cfg.DataDir)
	}
	if cfg.Store.Table != "daily_scores" || cfg.Store.Strategy != "max" {
		t.Errorf("store section not applied: %+v", cfg.Store)
	}
	if cfg.Store.PoolSize != 8 {
		t.Errorf("expected pool size 8, got %d", cfg.Store.PoolSize)
	}
	if cfg.Retry.Policy != "aggressive" {
		t.Errorf("expected aggressive policy, got %s", cfg.Retry.Policy)
	}
	// Untouched fields keep their defaults.
	if cfg.Store.Synchronous != "NORMAL" {
		t.Errorf("default synchronous lost: %s", cfg.Store.Synchronous)
	}
}

func TestLoadFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"store": {"table": "marks", "strategy": "replace_if_newer"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store.Table != "marks" || cfg.Store.Strategy != "replace_if_newer" {
		t.Errorf("JSON config not applied: %+v", cfg.Store)
	}
}

func TestLoadFromFileUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COALESCE_DATA_DIR", "/env/data")
	t.Setenv("COALESCE_TABLE", "env_scores")
	t.Setenv("COALESCE_STRATEGY", "max")
	t.Setenv("COALESCE_POOL_SIZE", "16")
	t.Setenv("COALESCE_BUSY_TIMEOUT", "2s")
	t.Setenv("COALESCE_RETRY_POLICY", "conservative")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DataDir != "/env/data" {
		t.Errorf("unexpected data dir: %s", cfg.DataDir)
	}
	if cfg.Store.Table != "env_scores" || cfg.Store.Strategy != "max" {
		t.Errorf("store env not applied: %+v", cfg.Store)
	}
	if cfg.Store.PoolSize != 16 {
		t.Errorf("expected pool size 16, got %d", cfg.Store.PoolSize)
	}
	if cfg.Store.BusyTimeout != 2*time.Second {
		t.Errorf("expected 2s busy timeout, got %v", cfg.Store.BusyTimeout)
	}
	if cfg.Retry.Policy != "conservative" {
		t.Errorf("expected conservative policy, got %s", cfg.Retry.Policy)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "engine")
	cfg.Resolve()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("failed to create directories: %v", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.Migration.AuditDir, cfg.Snapshot.Path} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}
