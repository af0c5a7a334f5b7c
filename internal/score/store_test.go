package score

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
	"github.com/coalescedb/coalesce/internal/retry"
	"github.com/coalescedb/coalesce/internal/store"
)

func newTestStore(t *testing.T, strategy Strategy, poolSize int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scores.db")
	factory, err := store.NewFactory(store.DefaultFactoryConfig(path))
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	pool, err := store.NewPool(context.Background(), factory, store.PoolConfig{
		Size:           poolSize,
		AcquireTimeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	engine := retry.NewEngine(retry.Aggressive(), retry.SQLiteBusy, nil)
	s, err := NewStore(pool, engine, "scores", strategy)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	return s
}

func TestNewStoreRejectsBadTableName(t *testing.T) {
	if _, err := NewStore(nil, nil, "scores; DROP TABLE x", Sum); err == nil {
		t.Fatal("expected error for invalid table name")
	}
}

func TestMergeInsertsThenCombines(t *testing.T) {
	s := newTestStore(t, Sum, 2)
	ctx := context.Background()

	rec, err := s.Merge(ctx, 1, 100, 10, 1000)
	if err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	if rec.Score != 10 {
		t.Errorf("expected score 10, got %f", rec.Score)
	}

	rec, err = s.Merge(ctx, 1, 100, 5, 1001)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if rec.Score != 15 {
		t.Errorf("expected score 15, got %f", rec.Score)
	}
	if rec.LastEventTS != 1001 {
		t.Errorf("expected last event TS 1001, got %d", rec.LastEventTS)
	}

	count, err := s.RowCount(ctx)
	if err != nil {
		t.Fatalf("row count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}

func TestMergeMaxStrategy(t *testing.T) {
	s := newTestStore(t, Max, 2)
	ctx := context.Background()

	if _, err := s.Merge(ctx, 1, 100, 50, 1000); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	rec, err := s.Merge(ctx, 1, 100, 30, 1001)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if rec.Score != 50 {
		t.Errorf("expected high-water mark 50, got %f", rec.Score)
	}
}

func TestMergeReplaceIfNewer(t *testing.T) {
	s := newTestStore(t, ReplaceIfNewer, 2)
	ctx := context.Background()

	if _, err := s.Merge(ctx, 1, 100, 50, 2000); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	// Older event must not replace the stored value.
	rec, err := s.Merge(ctx, 1, 100, 99, 1000)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if rec.Score != 50 {
		t.Errorf("stale event replaced the value: got %f", rec.Score)
	}

	rec, err = s.Merge(ctx, 1, 100, 7, 3000)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if rec.Score != 7 {
		t.Errorf("newer event did not replace the value: got %f", rec.Score)
	}
}

func TestConcurrentMergesLoseNothing(t *testing.T) {
	s := newTestStore(t, Sum, 4)
	ctx := context.Background()

	const workers = 3
	const mergesPerWorker = 100

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < mergesPerWorker; i++ {
				if _, err := s.Merge(ctx, 1, 100, 1, int64(i)); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent merge failed: %v", err)
	}

	rec, err := s.Get(ctx, 1, 100)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Score != workers*mergesPerWorker {
		t.Errorf("lost updates: expected %d, got %f", workers*mergesPerWorker, rec.Score)
	}

	dups, err := s.DuplicateKeys(ctx)
	if err != nil {
		t.Fatalf("duplicate check failed: %v", err)
	}
	if len(dups) != 0 {
		t.Errorf("expected no duplicate keys, got %v", dups)
	}
}

func TestBatchMergeAtomic(t *testing.T) {
	s := newTestStore(t, Sum, 2)
	ctx := context.Background()

	ops := []MergeOp{
		{TenantID: 1, SubjectID: 1, Delta: 1, EventTS: 10},
		{TenantID: 1, SubjectID: 2, Delta: 2, EventTS: 11},
		{TenantID: 2, SubjectID: 1, Delta: 3, EventTS: 12},
		{TenantID: 1, SubjectID: 1, Delta: 4, EventTS: 13},
	}
	if err := s.BatchMerge(ctx, ops); err != nil {
		t.Fatalf("batch merge failed: %v", err)
	}

	rec, err := s.Get(ctx, 1, 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Score != 5 {
		t.Errorf("expected folded score 5, got %f", rec.Score)
	}

	total, err := s.TotalScore(ctx)
	if err != nil {
		t.Fatalf("total score failed: %v", err)
	}
	if total != 10 {
		t.Errorf("expected total 10, got %f", total)
	}
}

func TestBatchMergeEmptyNoOp(t *testing.T) {
	s := newTestStore(t, Sum, 1)
	if err := s.BatchMerge(context.Background(), nil); err != nil {
		t.Fatalf("empty batch must be a no-op, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t, Sum, 1)

	_, err := s.Get(context.Background(), 9, 9)
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if code := cerrors.GetCode(err); code != cerrors.CodeRecordNotFound {
		t.Errorf("expected code %s, got %s", cerrors.CodeRecordNotFound, code)
	}
}

func TestTopNOrdering(t *testing.T) {
	s := newTestStore(t, Sum, 2)
	ctx := context.Background()

	seed := []MergeOp{
		{TenantID: 1, SubjectID: 1, Delta: 30, EventTS: 1},
		{TenantID: 1, SubjectID: 2, Delta: 10, EventTS: 2},
		{TenantID: 1, SubjectID: 3, Delta: 20, EventTS: 3},
		{TenantID: 1, SubjectID: 4, Delta: 20, EventTS: 4},
		{TenantID: 2, SubjectID: 1, Delta: 99, EventTS: 5},
	}
	if err := s.BatchMerge(ctx, seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	records, err := s.TopN(ctx, 1, 3)
	if err != nil {
		t.Fatalf("top_n failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].SubjectID != 1 {
		t.Errorf("expected subject 1 first, got %d", records[0].SubjectID)
	}
	// Score ties keep a stable subject_id order.
	if records[1].SubjectID != 3 || records[2].SubjectID != 4 {
		t.Errorf("unexpected tie order: %d then %d", records[1].SubjectID, records[2].SubjectID)
	}

	records, err = s.TopN(ctx, 1, 0)
	if err != nil {
		t.Fatalf("top_n with n=0 failed: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil for n=0, got %v", records)
	}
}

func TestCancelledMergeLeavesNoPartialWrite(t *testing.T) {
	s := newTestStore(t, Sum, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Merge(ctx, 1, 100, 10, 1000); err == nil {
		t.Fatal("expected error from cancelled merge")
	}

	count, err := s.RowCount(context.Background())
	if err != nil {
		t.Fatalf("row count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("cancelled merge left %d rows", count)
	}
}

func TestContendedKeyResolvesWithinRetryBudget(t *testing.T) {
	// A near-zero busy timeout pushes lock contention out of the driver and
	// into the retry engine as SQLITE_BUSY.
	path := filepath.Join(t.TempDir(), "contended.db")
	cfg := store.DefaultFactoryConfig(path)
	cfg.BusyTimeout = time.Millisecond

	factory, err := store.NewFactory(cfg)
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	pool, err := store.NewPool(context.Background(), factory, store.PoolConfig{
		Size:           3,
		AcquireTimeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	engine := retry.NewEngine(retry.Aggressive(), retry.SQLiteBusy, nil)
	s, err := NewStore(pool, engine, "scores", Sum)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}

	const workers = 3
	const mergesPerWorker = 100

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	errCh := make(chan error, workers*mergesPerWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < mergesPerWorker; i++ {
				_, err := s.Merge(ctx, 1, 42, 1, int64(i))
				if err == nil {
					succeeded.Add(1)
					continue
				}
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	// Every collision must resolve inside the retry budget or surface as an
	// exhausted retry; anything else means contention leaked past the engine.
	for err := range errCh {
		if code := cerrors.GetCode(err); code != cerrors.CodeRetryExhausted {
			t.Fatalf("expected code %s for a contended merge, got %s: %v",
				cerrors.CodeRetryExhausted, code, err)
		}
	}

	rec, err := s.Get(ctx, 1, 42)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Score != float64(succeeded.Load()) {
		t.Errorf("lost updates under contention: %d merges succeeded, score is %f",
			succeeded.Load(), rec.Score)
	}

	dups, err := s.DuplicateKeys(ctx)
	if err != nil {
		t.Fatalf("duplicate check failed: %v", err)
	}
	if len(dups) != 0 {
		t.Errorf("expected no duplicate keys, got %v", dups)
	}
}

func TestEnsureSchemaRejectsLegacyVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	factory, err := store.NewFactory(store.DefaultFactoryConfig(path))
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}

	ctx := context.Background()
	h, err := factory.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open handle: %v", err)
	}
	if _, err := h.DB().ExecContext(ctx, CreateLegacyTableSQL("scores")); err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	if _, err := h.DB().ExecContext(ctx, CreateVersionTableSQL()); err != nil {
		t.Fatalf("failed to create version table: %v", err)
	}
	if err := SetVersion(ctx, h.DB(), SchemaVersionLegacy); err != nil {
		t.Fatalf("failed to set version: %v", err)
	}
	h.Close()

	pool, err := store.NewPool(ctx, factory, store.DefaultPoolConfig(), nil)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	defer pool.Close()

	engine := retry.NewEngine(retry.Balanced(), retry.SQLiteBusy, nil)
	s, err := NewStore(pool, engine, "scores", Sum)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.EnsureSchema(ctx); err == nil {
		t.Fatal("expected EnsureSchema to reject a legacy-version file")
	}
}
