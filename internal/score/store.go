package score

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
	"github.com/coalescedb/coalesce/internal/retry"
	"github.com/coalescedb/coalesce/internal/store"
)

// Store is the aggregation store: an UPSERT-based merge API over one table
// per tracked metric class. The combine-and-write is a single atomic
// statement, which is what eliminates the read-modify-write race; the retry
// engine only absorbs the transient busy window in front of it.
type Store struct {
	pool     *store.Pool
	engine   *retry.Engine
	table    string
	strategy Strategy

	mergeSQL string
	batchSQL string
}

// NewStore builds a store over an existing pool and retry engine.
func NewStore(pool *store.Pool, engine *retry.Engine, table string, strategy Strategy) (*Store, error) {
	if !ValidTableName(table) {
		return nil, cerrors.NewConfigurationError(
			fmt.Sprintf("invalid table name %q", table), nil)
	}
	s := &Store{
		pool:     pool,
		engine:   engine,
		table:    table,
		strategy: strategy,
	}
	s.mergeSQL = fmt.Sprintf(`INSERT INTO %s (tenant_id, subject_id, score, last_event_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, subject_id) DO UPDATE SET %s
		RETURNING tenant_id, subject_id, score, last_event_ts, created_at, updated_at`,
		table, strategy.ConflictClause())
	s.batchSQL = fmt.Sprintf(`INSERT INTO %s (tenant_id, subject_id, score, last_event_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, subject_id) DO UPDATE SET %s`,
		table, strategy.ConflictClause())
	return s, nil
}

// Table returns the table this store writes to.
func (s *Store) Table() string { return s.table }

// Strategy returns the store's merge strategy.
func (s *Store) Strategy() Strategy { return s.strategy }

// EnsureSchema creates the constrained table, its indexes, and the version
// marker on a fresh file. A file still at the legacy version must be migrated
// first.
func (s *Store) EnsureSchema(ctx context.Context) error {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	version, err := CurrentVersion(ctx, h.DB())
	if err != nil {
		return cerrors.NewStoreError("failed to read schema version", err)
	}
	if version == SchemaVersionLegacy {
		return cerrors.NewConfigurationError(
			fmt.Sprintf("table %s is at the legacy schema version; run a migration first", s.table), nil)
	}

	stmts := append([]string{CreateTableSQL(s.table)}, IndexSQL(s.table)...)
	for _, stmt := range stmts {
		if _, err := h.DB().ExecContext(ctx, stmt); err != nil {
			return cerrors.NewStoreError("failed to create schema", err)
		}
	}
	if version == 0 {
		if err := SetVersion(ctx, h.DB(), SchemaVersionConstrained); err != nil {
			return cerrors.NewStoreError("failed to record schema version", err)
		}
	}
	return nil
}

// Merge inserts the key with the given values, or atomically combines the
// existing and incoming state under the store's strategy. Transient
// busy/locked conflicts are retried; a cancelled call leaves no partial
// write.
func (s *Store) Merge(ctx context.Context, tenantID, subjectID int64, delta float64, eventTS int64) (*ScoreRecord, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	return retry.DoWithData(ctx, s.engine, func() (*ScoreRecord, error) {
		now := time.Now().Unix()
		var rec ScoreRecord
		err := h.DB().QueryRowContext(ctx, s.mergeSQL,
			tenantID, subjectID, delta, eventTS, now, now,
		).Scan(&rec.TenantID, &rec.SubjectID, &rec.Score, &rec.LastEventTS, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, classify("merge failed", err)
		}
		return &rec, nil
	})
}

// BatchMerge applies all operations as one transaction. The whole transaction
// rolls back on any failure or cancellation, so it is safe to retry as a
// unit.
func (s *Store) BatchMerge(ctx context.Context, ops []MergeOp) error {
	if len(ops) == 0 {
		return nil
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	return s.engine.Do(ctx, func() error {
		tx, err := h.DB().BeginTx(ctx, nil)
		if err != nil {
			return classify("batch merge: begin failed", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, s.batchSQL)
		if err != nil {
			return classify("batch merge: prepare failed", err)
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for _, op := range ops {
			if _, err := stmt.ExecContext(ctx,
				op.TenantID, op.SubjectID, op.Delta, op.EventTS, now, now); err != nil {
				return classify("batch merge: exec failed", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return classify("batch merge: commit failed", err)
		}
		return nil
	})
}

// Get reads one record. Reads are eventually consistent with respect to
// in-flight merges.
func (s *Store) Get(ctx context.Context, tenantID, subjectID int64) (*ScoreRecord, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var rec ScoreRecord
	err = h.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT tenant_id, subject_id, score, last_event_ts, created_at, updated_at
		FROM %s WHERE tenant_id = ? AND subject_id = ?`, s.table),
		tenantID, subjectID,
	).Scan(&rec.TenantID, &rec.SubjectID, &rec.Score, &rec.LastEventTS, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerrors.New(cerrors.ErrCategoryStore, cerrors.CodeRecordNotFound,
			fmt.Sprintf("no record for tenant=%d subject=%d", tenantID, subjectID))
	}
	if err != nil {
		return nil, classify("get failed", err)
	}
	return &rec, nil
}

// TopN returns up to n records for the tenant ordered by score descending,
// subject_id ascending for a stable order on ties.
func (s *Store) TopN(ctx context.Context, tenantID int64, n int) ([]ScoreRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.DB().QueryContext(ctx, fmt.Sprintf(
		`SELECT tenant_id, subject_id, score, last_event_ts, created_at, updated_at
		FROM %s WHERE tenant_id = ?
		ORDER BY score DESC, subject_id ASC LIMIT ?`, s.table),
		tenantID, n)
	if err != nil {
		return nil, classify("top_n failed", err)
	}
	defer rows.Close()

	var records []ScoreRecord
	for rows.Next() {
		var rec ScoreRecord
		if err := rows.Scan(&rec.TenantID, &rec.SubjectID, &rec.Score,
			&rec.LastEventTS, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, classify("top_n scan failed", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("top_n iteration failed", err)
	}
	return records, nil
}

// RowCount returns the number of rows in the table.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(h)

	var count int64
	err = h.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count)
	if err != nil {
		return 0, classify("row count failed", err)
	}
	return count, nil
}

// TotalScore returns the sum of all scores in the table. The load harness
// uses it to confirm no updates were lost.
func (s *Store) TotalScore(ctx context.Context) (float64, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(h)

	var total sql.NullFloat64
	err = h.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT SUM(score) FROM %s", s.table)).Scan(&total)
	if err != nil {
		return 0, classify("total score failed", err)
	}
	return total.Float64, nil
}

// DuplicateKeys returns keys with more than one row. Under the constrained
// schema this is always empty; tests assert it.
func (s *Store) DuplicateKeys(ctx context.Context) ([][2]int64, error) {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.DB().QueryContext(ctx, fmt.Sprintf(
		`SELECT tenant_id, subject_id FROM %s
		GROUP BY tenant_id, subject_id HAVING COUNT(*) > 1`, s.table))
	if err != nil {
		return nil, classify("duplicate check failed", err)
	}
	defer rows.Close()

	var dups [][2]int64
	for rows.Next() {
		var tenantID, subjectID int64
		if err := rows.Scan(&tenantID, &subjectID); err != nil {
			return nil, classify("duplicate check scan failed", err)
		}
		dups = append(dups, [2]int64{tenantID, subjectID})
	}
	return dups, rows.Err()
}

// PoolStats exposes the underlying pool's observability snapshot.
func (s *Store) PoolStats() store.PoolStats {
	return s.pool.Stats()
}

// classify maps a driver error onto the engine taxonomy: the transient
// busy/locked signal becomes a retryable TransientStoreConflict, everything
// else a fatal StoreError.
func classify(msg string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return cerrors.NewTransientConflict(msg, err)
	}
	return cerrors.NewStoreError(msg, err)
}
