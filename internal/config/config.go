// Package config provides unified configuration for the Coalesce engine and
// its binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Coalesce engine.
type Config struct {
	// DataDir is the base directory for the database file, migration audit
	// logs, and local snapshots.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Retry configuration
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Migration configuration
	Migration MigrationConfig `json:"migration" yaml:"migration"`

	// Snapshot storage configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
}

// StoreConfig holds connection factory and pool configuration.
type StoreConfig struct {
	// Path is the database file path. Defaults to <data_dir>/scores.db.
	Path string `json:"path" yaml:"path"`

	// Table is the score table for this metric class.
	Table string `json:"table" yaml:"table"`

	// Strategy is the merge strategy: sum, max, replace_if_newer.
	Strategy string `json:"strategy" yaml:"strategy"`

	// BusyTimeout is SQLite's internal lock-wait window.
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// CacheSizeKB is the per-connection page cache size in KiB.
	CacheSizeKB int `json:"cache_size_kb" yaml:"cache_size_kb"`

	// Synchronous is the durability level: OFF, NORMAL, FULL.
	Synchronous string `json:"synchronous" yaml:"synchronous"`

	// PoolSize is the number of handles in the pool.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// AcquireTimeout is the pool exhaustion deadline.
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
}

// RetryConfig holds the retry policy selection.
type RetryConfig struct {
	// Policy is the preset name: aggressive, balanced, conservative.
	Policy string `json:"policy" yaml:"policy"`
}

// MigrationConfig holds migration orchestrator configuration.
type MigrationConfig struct {
	// AuditDir is the directory for fold audit logs. Defaults to
	// <data_dir>/audit.
	AuditDir string `json:"audit_dir" yaml:"audit_dir"`

	// SnapshotBeforeRun uploads a database snapshot before migrating.
	SnapshotBeforeRun bool `json:"snapshot_before_run" yaml:"snapshot_before_run"`
}

// SnapshotConfig holds snapshot storage configuration.
type SnapshotConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type). Defaults to
	// <data_dir>/snapshots.
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 snapshot storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/coalesce",
		Store: StoreConfig{
			Table:          "scores",
			Strategy:       "sum",
			BusyTimeout:    5 * time.Second,
			CacheSizeKB:    64 * 1024,
			Synchronous:    "NORMAL",
			PoolSize:       4,
			AcquireTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			Policy: "balanced",
		},
		Migration: MigrationConfig{
			SnapshotBeforeRun: true,
		},
		Snapshot: SnapshotConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/coalesce"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "scores.db")
	}
	if c.Migration.AuditDir == "" {
		c.Migration.AuditDir = filepath.Join(c.DataDir, "audit")
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.DataDir, "snapshots")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Store.Table == "" {
		return fmt.Errorf("store.table is required")
	}

	switch c.Store.Strategy {
	case "sum", "max", "replace_if_newer":
	default:
		return fmt.Errorf("invalid store.strategy: %s (must be sum, max, or replace_if_newer)", c.Store.Strategy)
	}

	switch c.Store.Synchronous {
	case "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid store.synchronous: %s (must be OFF, NORMAL, or FULL)", c.Store.Synchronous)
	}

	if c.Store.PoolSize <= 0 {
		return fmt.Errorf("store.pool_size must be positive, got %d", c.Store.PoolSize)
	}

	switch c.Retry.Policy {
	case "aggressive", "balanced", "conservative":
	default:
		return fmt.Errorf("invalid retry.policy: %s (must be aggressive, balanced, or conservative)", c.Retry.Policy)
	}

	if c.Snapshot.Type != "local" && c.Snapshot.Type != "s3" {
		return fmt.Errorf("invalid snapshot type: %s (must be local or s3)", c.Snapshot.Type)
	}

	if c.Snapshot.Type == "s3" && c.Snapshot.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when snapshot type is s3")
	}

	return nil
}

// EnsureDirectories creates the directories the engine writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Migration.AuditDir}
	if c.Snapshot.Type == "local" {
		dirs = append(dirs, c.Snapshot.Path)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the COALESCE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("COALESCE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("COALESCE_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("COALESCE_TABLE"); v != "" {
		cfg.Store.Table = v
	}
	if v := os.Getenv("COALESCE_STRATEGY"); v != "" {
		cfg.Store.Strategy = v
	}
	if v := os.Getenv("COALESCE_POOL_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.PoolSize)
	}
	if v := os.Getenv("COALESCE_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.BusyTimeout = d
		}
	}
	if v := os.Getenv("COALESCE_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.AcquireTimeout = d
		}
	}
	if v := os.Getenv("COALESCE_RETRY_POLICY"); v != "" {
		cfg.Retry.Policy = v
	}
	if v := os.Getenv("COALESCE_SNAPSHOT_TYPE"); v != "" {
		cfg.Snapshot.Type = v
	}
	if v := os.Getenv("COALESCE_S3_BUCKET"); v != "" {
		cfg.Snapshot.S3.Bucket = v
	}
	if v := os.Getenv("COALESCE_S3_REGION"); v != "" {
		cfg.Snapshot.S3.Region = v
	}
	if v := os.Getenv("COALESCE_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.S3.Endpoint = v
	}
}
