// Package loadtest drives the aggregation store at configurable concurrency
// and reports latency and error distributions. It is part of the core: the
// concurrency guarantees of the pool, retry engine, and merge path are
// unverifiable without it.
package loadtest

import (
	"fmt"
	"time"
)

// Worker types.
const (
	WorkerTypeThread  = "thread"
	WorkerTypeProcess = "process"
)

// Config holds one harness run's parameters.
type Config struct {
	// DBPath is the database file shared by all workers.
	DBPath string `json:"db_path"`

	// Table is the score table under test.
	Table string `json:"table"`

	// Strategy is the merge strategy name (sum, max, replace_if_newer).
	Strategy string `json:"strategy"`

	// Policy is the retry policy preset (aggressive, balanced, conservative).
	Policy string `json:"policy"`

	// Operations is the total merge count across all workers.
	Operations int `json:"operations"`

	// Workers is the concurrent worker count.
	Workers int `json:"workers"`

	// WorkerType selects goroutine workers or child-process workers.
	WorkerType string `json:"worker_type"`

	// Tenants and SubjectsPerTenant bound key cardinality.
	Tenants           int `json:"tenants"`
	SubjectsPerTenant int `json:"subjects_per_tenant"`

	// Hotness is the fraction of operations routed to one hot key per
	// tenant.
	Hotness float64 `json:"hotness"`

	// EnableBatch switches workers to BatchMerge.
	EnableBatch bool `json:"enable_batch"`

	// BatchSize is the operations per batch when EnableBatch is set.
	BatchSize int `json:"batch_size"`

	// PoolSize is the handle pool size. Defaults to Workers.
	PoolSize int `json:"pool_size"`

	// OutputPath receives the machine-readable report. Empty means stdout
	// only.
	OutputPath string `json:"output_path,omitempty"`

	// Thresholds decide the harness exit code.
	Thresholds Thresholds `json:"thresholds"`
}

// Thresholds are the pass/fail criteria for a run.
type Thresholds struct {
	// MinSuccessRate is the minimum fraction of succeeded operations
	// (0 disables the check).
	MinSuccessRate float64 `json:"min_success_rate"`

	// MaxP99 is the maximum acceptable p99 latency (0 disables the check).
	MaxP99 time.Duration `json:"max_p99_ns"`
}

// DefaultConfig returns a small smoke-test configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:            dbPath,
		Table:             "scores",
		Strategy:          "sum",
		Policy:            "balanced",
		Operations:        1000,
		Workers:           5,
		WorkerType:        WorkerTypeThread,
		Tenants:           4,
		SubjectsPerTenant: 50,
		Hotness:           0.2,
		BatchSize:         25,
		Thresholds: Thresholds{
			MinSuccessRate: 1.0,
		},
	}
}

// Normalize fills derived defaults.
func (c *Config) Normalize() {
	if c.WorkerType == "" {
		c.WorkerType = WorkerTypeThread
	}
	if c.PoolSize <= 0 {
		c.PoolSize = c.Workers
	}
	if c.EnableBatch && c.BatchSize <= 0 {
		c.BatchSize = 25
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Operations <= 0 {
		return fmt.Errorf("operations must be positive, got %d", c.Operations)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.WorkerType != WorkerTypeThread && c.WorkerType != WorkerTypeProcess {
		return fmt.Errorf("invalid worker type %q (must be thread or process)", c.WorkerType)
	}
	if c.Tenants <= 0 {
		return fmt.Errorf("tenants must be positive, got %d", c.Tenants)
	}
	if c.SubjectsPerTenant <= 0 {
		return fmt.Errorf("subjects per tenant must be positive, got %d", c.SubjectsPerTenant)
	}
	if c.Hotness < 0 || c.Hotness > 1 {
		return fmt.Errorf("hotness must be in [0, 1], got %f", c.Hotness)
	}
	if c.EnableBatch && c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive when batch mode is enabled")
	}
	return nil
}
