package loadtest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
	"github.com/coalescedb/coalesce/internal/observability"
	"github.com/coalescedb/coalesce/internal/retry"
	"github.com/coalescedb/coalesce/internal/score"
	"github.com/coalescedb/coalesce/internal/store"
)

// keySeed fixes the key stream so separate worker processes agree on it.
const keySeed uint32 = 0x5c04e5

// counters accumulates worker outcomes.
type counters struct {
	succeeded atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	errors map[string]int64
}

func newCounters() *counters {
	return &counters{errors: make(map[string]int64)}
}

func (c *counters) recordError(err error, n int64) {
	c.failed.Add(n)
	code := cerrors.GetCode(err)
	if code == "" {
		code = "UNCLASSIFIED"
	}
	c.mu.Lock()
	c.errors[code] += n
	c.mu.Unlock()
}

func (c *counters) errorsByCode() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}

// Runner executes one harness run against a shared database file.
type Runner struct {
	cfg      Config
	notifier *observability.Notifier
}

// NewRunner validates the configuration and builds a runner.
func NewRunner(cfg Config, notifier *observability.Notifier) (*Runner, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, cerrors.NewConfigurationError(
			fmt.Sprintf("invalid load test configuration: %v", err), err)
	}
	return &Runner{cfg: cfg, notifier: notifier}, nil
}

// openStore wires a factory, pool, retry engine, and aggregation store for
// cfg. The caller owns the returned pool.
func openStore(ctx context.Context, cfg Config, poolSize int, notifier *observability.Notifier) (*score.Store, *store.Pool, error) {
	strategy, err := score.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}

	factory, err := store.NewFactory(store.DefaultFactoryConfig(cfg.DBPath))
	if err != nil {
		return nil, nil, err
	}

	poolCfg := store.DefaultPoolConfig()
	poolCfg.Size = poolSize
	pool, err := store.NewPool(ctx, factory, poolCfg, notifier)
	if err != nil {
		return nil, nil, err
	}

	engine := retry.NewEngine(retry.ByName(cfg.Policy), retry.SQLiteBusy, notifier)
	st, err := score.NewStore(pool, engine, cfg.Table, strategy)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool, nil
}

// Run drives the configured operation count through the store and returns
// the report. The report's Violations are already evaluated against the
// configured thresholds.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	st, pool, err := openStore(ctx, r.cfg, r.cfg.PoolSize, r.notifier)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	rec := observability.NewLatencyRecorder(r.cfg.Operations)
	cnt := newCounters()
	started := time.Now()

	switch r.cfg.WorkerType {
	case WorkerTypeProcess:
		err = r.runProcesses(ctx, rec, cnt)
	default:
		err = r.runThreads(ctx, st, rec, cnt)
	}
	if err != nil {
		return nil, err
	}

	finished := time.Now()
	report := &Report{
		RunID:      uuid.NewString(),
		StartedAt:  started,
		FinishedAt: finished,
		Config:     r.cfg,
		Operations: int64(r.cfg.Operations),
		Succeeded:  cnt.succeeded.Load(),
		Failed:     cnt.failed.Load(),
		Latency:    rec.Snapshot(),
		Errors:     cnt.errorsByCode(),
	}
	if elapsed := finished.Sub(started).Seconds(); elapsed > 0 {
		report.Throughput = float64(report.Operations) / elapsed
	}

	if err := r.verify(ctx, st, report); err != nil {
		return nil, err
	}
	report.Evaluate(r.cfg.Thresholds)
	return report, nil
}

// runThreads shares one pool across goroutine workers. Workers pull
// operation indices from a single atomic cursor, so the key stream is
// identical regardless of worker count.
func (r *Runner) runThreads(ctx context.Context, st *score.Store, rec *observability.LatencyRecorder, cnt *counters) error {
	var cursor atomic.Int64
	total := int64(r.cfg.Operations)
	gen := NewKeyGenerator(r.cfg.Tenants, r.cfg.SubjectsPerTenant, r.cfg.Hotness, keySeed)
	baseTS := time.Now().Unix()

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if r.cfg.EnableBatch {
					start := cursor.Add(int64(r.cfg.BatchSize)) - int64(r.cfg.BatchSize)
					if start >= total {
						return
					}
					end := start + int64(r.cfg.BatchSize)
					if end > total {
						end = total
					}
					runBatch(ctx, st, gen, baseTS, start, end, rec, cnt)
					continue
				}
				op := cursor.Add(1) - 1
				if op >= total {
					return
				}
				runMerge(ctx, st, gen, baseTS, op, rec, cnt)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func runMerge(ctx context.Context, st *score.Store, gen *KeyGenerator, baseTS, op int64, rec *observability.LatencyRecorder, cnt *counters) {
	tenantID, subjectID := gen.Key(op)
	start := time.Now()
	_, err := st.Merge(ctx, tenantID, subjectID, 1.0, baseTS+op)
	rec.Record(time.Since(start))
	if err != nil {
		cnt.recordError(err, 1)
		return
	}
	cnt.succeeded.Add(1)
}

func runBatch(ctx context.Context, st *score.Store, gen *KeyGenerator, baseTS, startOp, endOp int64, rec *observability.LatencyRecorder, cnt *counters) {
	ops := make([]score.MergeOp, 0, endOp-startOp)
	for op := startOp; op < endOp; op++ {
		tenantID, subjectID := gen.Key(op)
		ops = append(ops, score.MergeOp{
			TenantID:  tenantID,
			SubjectID: subjectID,
			Delta:     1.0,
			EventTS:   baseTS + op,
		})
	}
	start := time.Now()
	err := st.BatchMerge(ctx, ops)
	elapsed := time.Since(start)
	// Per-operation latency within a batch is not observable, so each
	// operation is charged the batch mean.
	per := elapsed / time.Duration(len(ops))
	for range ops {
		rec.Record(per)
	}
	if err != nil {
		cnt.recordError(err, int64(len(ops)))
		return
	}
	cnt.succeeded.Add(int64(len(ops)))
}

// verify recomputes the expected table state from the key stream and
// compares it against the database.
func (r *Runner) verify(ctx context.Context, st *score.Store, report *Report) error {
	gen := NewKeyGenerator(r.cfg.Tenants, r.cfg.SubjectsPerTenant, r.cfg.Hotness, keySeed)

	rows, err := st.RowCount(ctx)
	if err != nil {
		return err
	}
	dups, err := st.DuplicateKeys(ctx)
	if err != nil {
		return err
	}

	v := Verification{
		ExpectedRows:  gen.DistinctKeys(report.Succeeded),
		ActualRows:    rows,
		DuplicateKeys: int64(len(dups)),
	}
	// Row count prediction only holds when every operation landed; with
	// failures, the surviving key set depends on which indices failed.
	if report.Failed > 0 {
		v.ExpectedRows = 0
	}

	if st.Strategy() == score.Sum {
		total, err := st.TotalScore(ctx)
		if err != nil {
			return err
		}
		v.ExpectedScore = float64(report.Succeeded)
		v.ActualScore = total
	}

	v.Passed = v.DuplicateKeys == 0 &&
		(v.ExpectedRows == 0 || v.ExpectedRows == v.ActualRows) &&
		(st.Strategy() != score.Sum || math.Abs(v.ExpectedScore-v.ActualScore) < 1e-6)
	report.Verification = v
	return nil
}
