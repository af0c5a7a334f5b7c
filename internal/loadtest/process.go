package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/coalescedb/coalesce/internal/observability"
	"github.com/coalescedb/coalesce/internal/score"
)

// Child invocation flag names, shared with the harness binary so the
// parent's argv and the child's flag set cannot drift apart.
const (
	ChildFlagRun    = "run-child"
	ChildFlagConfig = "child-config"
	ChildFlagIndex  = "child-index"
	ChildFlagResult = "child-result"
)

// ChildResult is the partial outcome one worker process reports back to
// the parent.
type ChildResult struct {
	WorkerIndex int              `json:"worker_index"`
	Succeeded   int64            `json:"succeeded"`
	Failed      int64            `json:"failed"`
	Errors      map[string]int64 `json:"errors,omitempty"`
	SamplesNS   []int64          `json:"samples_ns"`
}

// ChildArgs builds the argv for spawning one worker process.
func ChildArgs(configPath string, workerIndex int, resultPath string) []string {
	return []string{
		"--" + ChildFlagRun,
		"--" + ChildFlagConfig, configPath,
		"--" + ChildFlagIndex, strconv.Itoa(workerIndex),
		"--" + ChildFlagResult, resultPath,
	}
}

// runProcesses re-executes the current binary once per worker. Each child
// opens its own database connections, so lock contention crosses process
// boundaries instead of staying inside one SQLite client.
func (r *Runner) runProcesses(ctx context.Context, rec *observability.LatencyRecorder, cnt *counters) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate harness binary: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "coalesce-loadtest-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cfgData, err := json.Marshal(r.cfg)
	if err != nil {
		return fmt.Errorf("failed to encode child configuration: %w", err)
	}
	cfgPath := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(cfgPath, cfgData, 0o644); err != nil {
		return fmt.Errorf("failed to write child configuration: %w", err)
	}

	resultPaths := make([]string, r.cfg.Workers)
	spawnErrs := make([]error, r.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		resultPaths[i] = filepath.Join(tmpDir, fmt.Sprintf("result-%d.json", i))
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			cmd := exec.CommandContext(ctx, exe, ChildArgs(cfgPath, idx, resultPaths[idx])...)
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				spawnErrs[idx] = fmt.Errorf("worker process %d failed: %w", idx, err)
			}
		}(i)
	}
	wg.Wait()

	for _, err := range spawnErrs {
		if err != nil {
			return err
		}
	}

	for i := 0; i < r.cfg.Workers; i++ {
		data, err := os.ReadFile(resultPaths[i])
		if err != nil {
			return fmt.Errorf("failed to read worker %d result: %w", i, err)
		}
		var res ChildResult
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("failed to decode worker %d result: %w", i, err)
		}
		mergeChild(&res, rec, cnt)
	}
	return ctx.Err()
}

func mergeChild(res *ChildResult, rec *observability.LatencyRecorder, cnt *counters) {
	cnt.succeeded.Add(res.Succeeded)
	cnt.failed.Add(res.Failed)
	cnt.mu.Lock()
	for code, n := range res.Errors {
		cnt.errors[code] += n
	}
	cnt.mu.Unlock()
	for _, ns := range res.SamplesNS {
		rec.Record(time.Duration(ns))
	}
}

// RunChild executes the slice of the operation stream owned by
// workerIndex: every index congruent to it modulo the worker count. The
// parent has already created the schema.
func RunChild(ctx context.Context, cfg Config, workerIndex int) (*ChildResult, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if workerIndex < 0 || workerIndex >= cfg.Workers {
		return nil, fmt.Errorf("worker index %d out of range [0, %d)", workerIndex, cfg.Workers)
	}

	st, pool, err := openStore(ctx, cfg, 1, nil)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	rec := observability.NewLatencyRecorder(cfg.Operations/cfg.Workers + 1)
	cnt := newCounters()
	gen := NewKeyGenerator(cfg.Tenants, cfg.SubjectsPerTenant, cfg.Hotness, keySeed)
	baseTS := time.Now().Unix()
	total := int64(cfg.Operations)

	if cfg.EnableBatch {
		// Stride partitioning is not contiguous, so batch the owned
		// indices directly instead of reusing the range-based path.
		pending := make([]int64, 0, cfg.BatchSize)
		for op := int64(workerIndex); op < total; op += int64(cfg.Workers) {
			pending = append(pending, op)
			if len(pending) == cfg.BatchSize {
				runChildBatch(ctx, st, gen, baseTS, pending, rec, cnt)
				pending = pending[:0]
			}
		}
		if len(pending) > 0 {
			runChildBatch(ctx, st, gen, baseTS, pending, rec, cnt)
		}
	} else {
		for op := int64(workerIndex); op < total; op += int64(cfg.Workers) {
			runMerge(ctx, st, gen, baseTS, op, rec, cnt)
		}
	}

	samples := rec.Samples()
	ns := make([]int64, len(samples))
	for i, d := range samples {
		ns[i] = int64(d)
	}
	return &ChildResult{
		WorkerIndex: workerIndex,
		Succeeded:   cnt.succeeded.Load(),
		Failed:      cnt.failed.Load(),
		Errors:      cnt.errorsByCode(),
		SamplesNS:   ns,
	}, nil
}

// runChildBatch merges a non-contiguous set of operation indices in one
// transaction.
func runChildBatch(ctx context.Context, st *score.Store, gen *KeyGenerator, baseTS int64, indices []int64, rec *observability.LatencyRecorder, cnt *counters) {
	ops := make([]score.MergeOp, 0, len(indices))
	for _, op := range indices {
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
	per := time.Since(start) / time.Duration(len(ops))
	for range ops {
		rec.Record(per)
	}
	if err != nil {
		cnt.recordError(err, int64(len(ops)))
		return
	}
	cnt.succeeded.Add(int64(len(ops)))
}

// ExecuteChild is the harness binary's entry point for child mode: it
// loads the parent's configuration, runs the owned slice, and writes the
// partial result where the parent expects it.
func ExecuteChild(ctx context.Context, configPath string, workerIndex int, resultPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read child configuration: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to decode child configuration: %w", err)
	}

	res, err := RunChild(ctx, cfg, workerIndex)
	if err != nil {
		return err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode child result: %w", err)
	}
	if err := os.WriteFile(resultPath, out, 0o644); err != nil {
		return fmt.Errorf("failed to write child result: %w", err)
	}
	return nil
}
