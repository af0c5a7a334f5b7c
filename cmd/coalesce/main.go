// Package main implements the coalesce admin binary. It initializes score
// tables, reports schema status, and runs forward and rollback migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coalescedb/coalesce/internal/config"
	"github.com/coalescedb/coalesce/internal/migrate"
	"github.com/coalescedb/coalesce/internal/observability"
	"github.com/coalescedb/coalesce/internal/retry"
	"github.com/coalescedb/coalesce/internal/score"
	"github.com/coalescedb/coalesce/internal/storage"
	"github.com/coalescedb/coalesce/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile    string
		dataDir       string
		dbPath        string
		table         string
		strategy      string
		mode          string
		targetVersion int
		tenantID      int64
		topN          int
		showVersion   bool
		showHelp      bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for data files")
	flag.StringVar(&dbPath, "db", "", "Database file path (overrides config)")
	flag.StringVar(&table, "table", "", "Score table name (overrides config)")
	flag.StringVar(&strategy, "strategy", "", "Merge strategy: sum, max, replace_if_newer")
	flag.StringVar(&mode, "mode", "status", "Command: status, init, migrate, rollback, top")
	flag.IntVar(&targetVersion, "target-version", 0, "Schema version for migrate/rollback")
	flag.Int64Var(&tenantID, "tenant", 0, "Tenant ID for the top command")
	flag.IntVar(&topN, "n", 10, "Result count for the top command")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Coalesce - Write-Coalescing Score Aggregation Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: coalesce [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  coalesce --mode status --db scores.db\n")
		fmt.Fprintf(os.Stderr, "  coalesce --mode init --db scores.db --table scores --strategy sum\n")
		fmt.Fprintf(os.Stderr, "  coalesce --mode migrate --target-version 2 --db scores.db\n")
		fmt.Fprintf(os.Stderr, "  coalesce --mode rollback --target-version 1 --db scores.db\n")
		fmt.Fprintf(os.Stderr, "  coalesce --mode top --tenant 7 --n 20 --db scores.db\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  COALESCE_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  COALESCE_DB_PATH        Database file path\n")
		fmt.Fprintf(os.Stderr, "  COALESCE_TABLE          Score table name\n")
		fmt.Fprintf(os.Stderr, "  COALESCE_STRATEGY       Merge strategy\n")
		fmt.Fprintf(os.Stderr, "  COALESCE_SNAPSHOT_TYPE  Snapshot storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("coalesce version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, dbPath, table, strategy)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, mode, targetVersion, tenantID, topN); err != nil {
		log.Fatalf("Command %s failed: %v", mode, err)
	}
}

// loadConfig layers configuration sources: file, environment, then flags.
func loadConfig(configFile, dataDir, dbPath, table, strategy string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if table != "" {
		cfg.Store.Table = table
	}
	if strategy != "" {
		cfg.Store.Strategy = strategy
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, mode string, targetVersion int, tenantID int64, topN int) error {
	switch mode {
	case "status":
		return runStatus(ctx, cfg)
	case "init":
		return runInit(ctx, cfg)
	case "migrate":
		if targetVersion == 0 {
			targetVersion = score.SchemaVersionConstrained
		}
		return runMigrate(ctx, cfg, targetVersion)
	case "rollback":
		if targetVersion == 0 {
			return fmt.Errorf("rollback requires --target-version")
		}
		return runRollback(ctx, cfg, targetVersion)
	case "top":
		if tenantID == 0 {
			return fmt.Errorf("top requires --tenant")
		}
		return runTop(ctx, cfg, tenantID, topN)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func newOrchestrator(cfg *config.Config, notifier *observability.Notifier) (*migrate.Orchestrator, error) {
	factoryCfg := store.DefaultFactoryConfig(cfg.Store.Path)
	factoryCfg.BusyTimeout = cfg.Store.BusyTimeout
	factoryCfg.CacheSizeKB = cfg.Store.CacheSizeKB
	factoryCfg.Synchronous = cfg.Store.Synchronous
	factory, err := store.NewFactory(factoryCfg)
	if err != nil {
		return nil, err
	}

	strategy, err := score.ParseStrategy(cfg.Store.Strategy)
	if err != nil {
		return nil, err
	}

	var snapshots storage.ObjectStorage
	if cfg.Migration.SnapshotBeforeRun {
		snapshots, err = newSnapshotStorage(cfg)
		if err != nil {
			return nil, err
		}
	}

	return migrate.New(factory, migrate.Config{
		Table:     cfg.Store.Table,
		Strategy:  strategy,
		AuditDir:  cfg.Migration.AuditDir,
		Snapshots: snapshots,
		Notifier:  notifier,
	})
}

func newSnapshotStorage(cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Snapshot.Type {
	case "s3":
		return storage.NewS3Storage(context.Background(), cfg.Snapshot.S3.Bucket, storage.S3Config{
			Region:   cfg.Snapshot.S3.Region,
			Endpoint: cfg.Snapshot.S3.Endpoint,
		})
	default:
		return storage.NewLocalStorage(cfg.Snapshot.Path)
	}
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	orch, err := newOrchestrator(cfg, nil)
	if err != nil {
		return err
	}
	ver, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("database:       %s\n", cfg.Store.Path)
	fmt.Printf("table:          %s\n", cfg.Store.Table)
	fmt.Printf("schema version: %d\n", ver)
	switch ver {
	case 0:
		fmt.Println("state:          uninitialized")
	case score.SchemaVersionLegacy:
		fmt.Println("state:          legacy (no uniqueness constraint)")
	case score.SchemaVersionConstrained:
		fmt.Println("state:          constrained")
	default:
		fmt.Println("state:          unknown")
	}
	return nil
}

func runInit(ctx context.Context, cfg *config.Config) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	st, pool, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Printf("Initialized table %s in %s", cfg.Store.Table, cfg.Store.Path)
	return nil
}

func runMigrate(ctx context.Context, cfg *config.Config, targetVersion int) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	notifier := observability.NewNotifier(64)
	orch, err := newOrchestrator(cfg, notifier)
	if err != nil {
		return err
	}
	logMigrationEvents(ctx, notifier)
	if err := orch.Run(ctx, targetVersion); err != nil {
		return err
	}
	log.Printf("Migration to version %d complete", targetVersion)
	return nil
}

func runRollback(ctx context.Context, cfg *config.Config, targetVersion int) error {
	notifier := observability.NewNotifier(64)
	orch, err := newOrchestrator(cfg, notifier)
	if err != nil {
		return err
	}
	logMigrationEvents(ctx, notifier)
	if err := orch.Rollback(ctx, targetVersion); err != nil {
		return err
	}
	log.Printf("Rollback to version %d complete", targetVersion)
	return nil
}

func runTop(ctx context.Context, cfg *config.Config, tenantID int64, n int) error {
	st, pool, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer pool.Close()

	records, err := st.TopN(ctx, tenantID, n)
	if err != nil {
		return err
	}
	fmt.Printf("%-12s %-12s %-14s %s\n", "TENANT", "SUBJECT", "SCORE", "LAST EVENT")
	for _, r := range records {
		fmt.Printf("%-12d %-12d %-14.2f %d\n", r.TenantID, r.SubjectID, r.Score, r.LastEventTS)
	}
	return nil
}

// openStore builds the factory, pool, retry engine, and aggregation store
// from the resolved configuration.
func openStore(ctx context.Context, cfg *config.Config, notifier *observability.Notifier) (*score.Store, *store.Pool, error) {
	factoryCfg := store.DefaultFactoryConfig(cfg.Store.Path)
	factoryCfg.BusyTimeout = cfg.Store.BusyTimeout
	factoryCfg.CacheSizeKB = cfg.Store.CacheSizeKB
	factoryCfg.Synchronous = cfg.Store.Synchronous
	factory, err := store.NewFactory(factoryCfg)
	if err != nil {
		return nil, nil, err
	}

	poolCfg := store.PoolConfig{
		Size:           cfg.Store.PoolSize,
		AcquireTimeout: cfg.Store.AcquireTimeout,
	}
	pool, err := store.NewPool(ctx, factory, poolCfg, notifier)
	if err != nil {
		return nil, nil, err
	}

	strategy, err := score.ParseStrategy(cfg.Store.Strategy)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	engine := retry.NewEngine(retry.ByName(cfg.Retry.Policy), retry.SQLiteBusy, notifier)
	st, err := score.NewStore(pool, engine, cfg.Store.Table, strategy)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool, nil
}

// logMigrationEvents mirrors orchestrator step events onto the log.
func logMigrationEvents(ctx context.Context, notifier *observability.Notifier) {
	ch := notifier.SubscribeAutoID()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				log.Printf("[%s] %s: %s", ev.Type, ev.Component, ev.Detail)
			}
		}
	}()
}
