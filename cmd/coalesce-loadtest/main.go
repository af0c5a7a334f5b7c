// Package main implements the coalesce load test harness. It hammers one
// database file from concurrent workers (goroutines or child processes),
// verifies the resulting table state, and reports latency percentiles.
//
// Exit codes: 0 on pass, 1 on threshold violation, 2 on harness error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coalescedb/coalesce/internal/loadtest"
	"github.com/coalescedb/coalesce/internal/observability"
	"github.com/coalescedb/coalesce/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Optional .env for local runs; absence is not an error.
	_ = godotenv.Load()

	var (
		cfg            loadtest.Config
		minSuccessRate float64
		maxP99         time.Duration
		showVersion    bool

		childMode   bool
		childConfig string
		childIndex  int
		childResult string
	)

	flag.StringVar(&cfg.DBPath, "db", envOr("COALESCE_DB_PATH", "loadtest.db"), "Database file path")
	flag.StringVar(&cfg.Table, "table", envOr("COALESCE_TABLE", "scores"), "Score table name")
	flag.StringVar(&cfg.Strategy, "strategy", envOr("COALESCE_STRATEGY", "sum"), "Merge strategy: sum, max, replace_if_newer")
	flag.StringVar(&cfg.Policy, "policy", envOr("COALESCE_RETRY_POLICY", "balanced"), "Retry policy: aggressive, balanced, conservative")
	flag.IntVar(&cfg.Operations, "operations", 10000, "Total merge operations")
	flag.IntVar(&cfg.Workers, "workers", 8, "Concurrent workers")
	flag.StringVar(&cfg.WorkerType, "worker-type", loadtest.WorkerTypeThread, "Worker type: thread or process")
	flag.IntVar(&cfg.Tenants, "tenants", 8, "Tenant count")
	flag.IntVar(&cfg.SubjectsPerTenant, "subjects", 100, "Subjects per tenant")
	flag.Float64Var(&cfg.Hotness, "hotness", 0.2, "Fraction of operations hitting one hot key per tenant")
	flag.BoolVar(&cfg.EnableBatch, "batch", false, "Use batched merges")
	flag.IntVar(&cfg.BatchSize, "batch-size", 25, "Operations per batch")
	flag.IntVar(&cfg.PoolSize, "pool-size", 0, "Handle pool size (default: workers)")
	flag.StringVar(&cfg.OutputPath, "output", "", "Write the JSON report to this path")
	flag.Float64Var(&minSuccessRate, "min-success-rate", 1.0, "Minimum success rate (0 disables)")
	flag.DurationVar(&maxP99, "max-p99", 0, "Maximum p99 latency (0 disables)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.BoolVar(&childMode, loadtest.ChildFlagRun, false, "Run as a worker process (internal)")
	flag.StringVar(&childConfig, loadtest.ChildFlagConfig, "", "Worker configuration path (internal)")
	flag.IntVar(&childIndex, loadtest.ChildFlagIndex, 0, "Worker index (internal)")
	flag.StringVar(&childResult, loadtest.ChildFlagResult, "", "Worker result path (internal)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Coalesce Load Test Harness\n\n")
		fmt.Fprintf(os.Stderr, "Usage: coalesce-loadtest [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  coalesce-loadtest --operations 100000 --workers 16 --db /tmp/lt.db\n")
		fmt.Fprintf(os.Stderr, "  coalesce-loadtest --worker-type process --workers 4 --policy aggressive\n")
		fmt.Fprintf(os.Stderr, "  coalesce-loadtest --batch --batch-size 50 --max-p99 50ms --output report.json\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("coalesce-loadtest version %s (commit: %s)\n", version, commit)
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if childMode {
		if err := loadtest.ExecuteChild(ctx, childConfig, childIndex, childResult); err != nil {
			log.Printf("Worker process failed: %v", err)
			return 2
		}
		return 0
	}

	cfg.Thresholds = loadtest.Thresholds{
		MinSuccessRate: minSuccessRate,
		MaxP99:         maxP99,
	}

	runner, err := loadtest.NewRunner(cfg, observability.NewNotifier(256))
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 2
	}

	report, err := runner.Run(ctx)
	if err != nil {
		log.Printf("Run failed: %v", err)
		return 2
	}

	fmt.Print(report.Human())

	if cfg.OutputPath != "" {
		if err := writeReport(ctx, report, cfg.OutputPath); err != nil {
			log.Printf("Failed to write report: %v", err)
			return 2
		}
		log.Printf("Report written to %s", cfg.OutputPath)
	}

	if len(report.Violations) > 0 {
		return 1
	}
	return 0
}

// writeReport persists the JSON report locally, or uploads it when the path
// is an s3://bucket/key URL.
func writeReport(ctx context.Context, report *loadtest.Report, path string) error {
	if !strings.HasPrefix(path, "s3://") {
		return report.Write(path)
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(path, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return fmt.Errorf("invalid s3 output path %q (want s3://bucket/key)", path)
	}

	tmp, err := os.CreateTemp("", "coalesce-report-*.json")
	if err != nil {
		return fmt.Errorf("failed to create report staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	data, err := report.JSON()
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to stage report: %w", err)
	}

	sink, err := storage.NewS3Storage(ctx, bucket, storage.S3Config{
		Region:   os.Getenv("COALESCE_S3_REGION"),
		Endpoint: os.Getenv("COALESCE_S3_ENDPOINT"),
	})
	if err != nil {
		return err
	}
	return sink.Upload(ctx, tmp.Name(), key)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
