package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
	"github.com/coalescedb/coalesce/internal/observability"
	"github.com/coalescedb/coalesce/internal/score"
	"github.com/coalescedb/coalesce/internal/storage"
	"github.com/coalescedb/coalesce/internal/store"
)

// Config holds orchestrator configuration.
type Config struct {
	// Table is the score table to migrate.
	Table string

	// Strategy folds duplicate legacy rows. It must match the strategy the
	// aggregation store uses on this table.
	Strategy score.Strategy

	// AuditDir receives fold audit logs.
	AuditDir string

	// Snapshots, when set, receives a database snapshot before each forward
	// migration.
	Snapshots storage.ObjectStorage

	// Notifier, when set, receives migration step events.
	Notifier *observability.Notifier
}

// Orchestrator runs schema migrations over its own exclusive handle, never
// through the shared pool.
type Orchestrator struct {
	factory *store.Factory
	cfg     Config
}

// New creates an orchestrator.
func New(factory *store.Factory, cfg Config) (*Orchestrator, error) {
	if !score.ValidTableName(cfg.Table) {
		return nil, cerrors.NewConfigurationError(
			fmt.Sprintf("invalid table name %q", cfg.Table), nil)
	}
	if cfg.AuditDir == "" {
		cfg.AuditDir = "audit"
	}
	return &Orchestrator{factory: factory, cfg: cfg}, nil
}

// Status returns the current schema version (0 for a fresh file).
func (o *Orchestrator) Status(ctx context.Context) (int, error) {
	h, err := o.factory.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	return score.CurrentVersion(ctx, h.DB())
}

// Run migrates forward to targetVersion. Running at or above the target is a
// no-op. The shadow table, fold, swap, index rebuild, version marker, and
// self-test probe all happen inside one transaction; a failed probe rolls the
// entire migration back.
func (o *Orchestrator) Run(ctx context.Context, targetVersion int) error {
	if targetVersion != score.SchemaVersionConstrained {
		return cerrors.NewMigrationError(cerrors.CodeVersionUnknown,
			fmt.Sprintf("unknown target version %d", targetVersion), nil)
	}

	h, err := o.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer h.Close()
	db := h.DB()

	current, err := score.CurrentVersion(ctx, db)
	if err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to read schema version", err)
	}
	if current >= targetVersion {
		return nil
	}

	runID := uuid.NewString()

	if o.cfg.Snapshots != nil {
		if err := o.snapshot(ctx, db, runID); err != nil {
			return err
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to begin migration transaction", err)
	}
	defer tx.Rollback()

	hasLegacy, err := tableExists(ctx, tx, o.cfg.Table)
	if err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to inspect schema", err)
	}

	// Fold legacy history in memory and emit the audit log before any row is
	// combined away. The scan runs inside the migration transaction, so no
	// write can slip in between fold and swap.
	var folded []score.ScoreRecord
	if hasLegacy {
		audit := NewAuditLogger(o.cfg.AuditDir, runID)
		folded, err = o.foldLegacyRows(ctx, tx, audit)
		if err != nil {
			return err
		}
		if path, err := audit.Flush(); err != nil {
			return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to write fold audit log", err)
		} else if path != "" {
			log.Printf("migrate: %d folded rows audited to %s", audit.Len(), path)
		}
	}

	shadow := o.cfg.Table + "_shadow"
	o.step("create shadow table " + shadow)
	if _, err := tx.ExecContext(ctx, score.CreateTableSQL(shadow)); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to create shadow table", err)
	}

	if len(folded) > 0 {
		o.step(fmt.Sprintf("copy %d folded rows", len(folded)))
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (tenant_id, subject_id, score, last_event_ts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, shadow))
		if err != nil {
			return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to prepare copy", err)
		}
		for _, rec := range folded {
			if _, err := stmt.ExecContext(ctx,
				rec.TenantID, rec.SubjectID, rec.Score, rec.LastEventTS, rec.CreatedAt, rec.UpdatedAt); err != nil {
				stmt.Close()
				return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to copy folded row", err)
			}
		}
		stmt.Close()
	}

	o.step("swap shadow table into place")
	if hasLegacy {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", o.cfg.Table)); err != nil {
			return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to drop legacy table", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadow, o.cfg.Table)); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to swap shadow table", err)
	}

	o.step("rebuild indexes")
	for _, stmt := range score.IndexSQL(o.cfg.Table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to rebuild index", err)
		}
	}

	if err := score.SetVersion(ctx, tx, targetVersion); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to record version", err)
	}

	o.step("run conflict probe")
	if err := o.probeConstraint(ctx, tx); err != nil {
		o.publish(observability.Event{
			Type:      observability.MigrationRolledBack,
			Component: "migrate",
			Detail:    err.Error(),
		})
		return err
	}

	if err := tx.Commit(); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to commit migration", err)
	}
	log.Printf("migrate: %s migrated to version %d (run %s)", o.cfg.Table, targetVersion, runID)
	return nil
}

// Rollback reverses to the prior unconstrained schema. The constrained layout
// has one row per key, so the reverse copy is lossless and nothing needs
// auditing.
func (o *Orchestrator) Rollback(ctx context.Context, targetVersion int) error {
	if targetVersion != score.SchemaVersionLegacy {
		return cerrors.NewMigrationError(cerrors.CodeVersionUnknown,
			fmt.Sprintf("unknown rollback target version %d", targetVersion), nil)
	}

	h, err := o.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer h.Close()
	db := h.DB()

	current, err := score.CurrentVersion(ctx, db)
	if err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to read schema version", err)
	}
	if current <= targetVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to begin rollback transaction", err)
	}
	defer tx.Rollback()

	shadow := o.cfg.Table + "_shadow"
	o.step("create legacy shadow table " + shadow)
	if _, err := tx.ExecContext(ctx, score.CreateLegacyTableSQL(shadow)); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to create legacy shadow table", err)
	}

	o.step("copy rows to legacy layout")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s SELECT tenant_id, subject_id, score, last_event_ts, created_at, updated_at FROM %s`,
		shadow, o.cfg.Table)); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to copy rows", err)
	}

	o.step("swap shadow table into place")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", o.cfg.Table)); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to drop constrained table", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadow, o.cfg.Table)); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to swap shadow table", err)
	}

	o.step("rebuild indexes")
	for _, stmt := range score.IndexSQL(o.cfg.Table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to rebuild index", err)
		}
	}

	if err := score.ClearVersionsAbove(ctx, tx, targetVersion); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to clear version markers", err)
	}
	if err := score.SetVersion(ctx, tx, targetVersion); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to record version", err)
	}

	if err := tx.Commit(); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to commit rollback", err)
	}
	log.Printf("migrate: %s rolled back to version %d", o.cfg.Table, targetVersion)
	return nil
}

// foldLegacyRows scans the legacy table grouped by key, folds duplicate rows
// through the configured strategy, and records every member of a folded group
// in the audit log.
func (o *Orchestrator) foldLegacyRows(ctx context.Context, q queryer, audit *AuditLogger) ([]score.ScoreRecord, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT tenant_id, subject_id, score, last_event_ts, created_at, updated_at
		FROM %s ORDER BY tenant_id, subject_id`, o.cfg.Table))
	if err != nil {
		return nil, cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to scan legacy rows", err)
	}
	defer rows.Close()

	var folded []score.ScoreRecord
	var group []score.ScoreRecord

	flush := func() {
		if len(group) == 0 {
			return
		}
		acc := group[0]
		for _, rec := range group[1:] {
			acc = o.cfg.Strategy.Combine(acc, rec)
		}
		if len(group) > 1 {
			for _, rec := range group {
				audit.Record(AuditEntry{
					Table:       o.cfg.Table,
					Strategy:    o.cfg.Strategy.String(),
					TenantID:    rec.TenantID,
					SubjectID:   rec.SubjectID,
					Score:       rec.Score,
					LastEventTS: rec.LastEventTS,
					CreatedAt:   rec.CreatedAt,
					UpdatedAt:   rec.UpdatedAt,
					FoldedScore: acc.Score,
				})
			}
		}
		folded = append(folded, acc)
		group = group[:0]
	}

	for rows.Next() {
		var rec score.ScoreRecord
		if err := rows.Scan(&rec.TenantID, &rec.SubjectID, &rec.Score,
			&rec.LastEventTS, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to scan legacy row", err)
		}
		if len(group) > 0 &&
			(group[0].TenantID != rec.TenantID || group[0].SubjectID != rec.SubjectID) {
			flush()
		}
		group = append(group, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "legacy scan failed", err)
	}
	flush()

	return folded, nil
}

// probeConstraint inserts a known duplicate pair inside a savepoint and
// verifies it converges to exactly one surviving row. The probe key uses
// negative IDs so it can never collide with real data.
func (o *Orchestrator) probeConstraint(ctx context.Context, tx *sql.Tx) error {
	const probeTenant, probeSubject = -1, -1

	if _, err := tx.ExecContext(ctx, "SAVEPOINT conflict_probe"); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeProbeFailed, "failed to open probe savepoint", err)
	}

	now := time.Now().Unix()
	probeSQL := fmt.Sprintf(
		`INSERT INTO %s (tenant_id, subject_id, score, last_event_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, subject_id) DO UPDATE SET %s`,
		o.cfg.Table, o.cfg.Strategy.ConflictClause())

	for _, delta := range []float64{1, 1} {
		if _, err := tx.ExecContext(ctx, probeSQL,
			probeTenant, probeSubject, delta, now, now, now); err != nil {
			tx.ExecContext(ctx, "ROLLBACK TO conflict_probe")
			return cerrors.NewMigrationError(cerrors.CodeProbeFailed, "probe insert failed", err)
		}
	}

	var count int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE tenant_id = ? AND subject_id = ?", o.cfg.Table),
		probeTenant, probeSubject).Scan(&count)
	if err != nil {
		tx.ExecContext(ctx, "ROLLBACK TO conflict_probe")
		return cerrors.NewMigrationError(cerrors.CodeProbeFailed, "probe count failed", err)
	}

	if _, err := tx.ExecContext(ctx, "ROLLBACK TO conflict_probe"); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeProbeFailed, "failed to roll back probe", err)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE conflict_probe"); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeProbeFailed, "failed to release probe savepoint", err)
	}

	if count != 1 {
		return cerrors.NewMigrationError(cerrors.CodeProbeFailed,
			fmt.Sprintf("conflict probe did not converge: %d rows survived, want 1", count), nil)
	}
	return nil
}

// snapshot writes a consistent copy of the database and uploads it.
func (o *Orchestrator) snapshot(ctx context.Context, db *sql.DB, runID string) error {
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("coalesce-snapshot-%s.db", runID))
	defer os.Remove(tmp)

	o.step("snapshot database before migration")
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to snapshot database", err)
	}

	object := fmt.Sprintf("snapshots/%s-%s.db", o.cfg.Table, runID)
	if err := o.cfg.Snapshots.Upload(ctx, tmp, object); err != nil {
		return cerrors.NewMigrationError(cerrors.CodeMigrationFailed, "failed to upload snapshot", err)
	}
	log.Printf("migrate: pre-migration snapshot uploaded to %s", object)
	return nil
}

// queryer abstracts *sql.DB and *sql.Tx for read helpers.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func tableExists(ctx context.Context, q queryer, table string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) step(detail string) {
	o.publish(observability.Event{
		Type:      observability.MigrationStep,
		Component: "migrate",
		Detail:    detail,
	})
}

func (o *Orchestrator) publish(ev observability.Event) {
	if o.cfg.Notifier != nil {
		o.cfg.Notifier.Publish(ev)
	}
}
