package score

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
)

// Schema versions tracked in the schema_migrations marker table.
const (
	// SchemaVersionLegacy is the unconstrained layout: duplicate rows per
	// key are possible.
	SchemaVersionLegacy = 1

	// SchemaVersionConstrained carries the composite primary key that makes
	// the atomic merge possible.
	SchemaVersionConstrained = 2
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidTableName reports whether name is a safe SQL identifier. Table names
// come from configuration (one table per tracked metric class), never from
// request data.
func ValidTableName(name string) bool {
	return identPattern.MatchString(name)
}

// CreateTableSQL returns the DDL for the constrained layout.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tenant_id INTEGER NOT NULL,
		subject_id INTEGER NOT NULL,
		score REAL NOT NULL,
		last_event_ts INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, subject_id)
	)`, table)
}

// CreateLegacyTableSQL returns the DDL for the unconstrained layout. Used by
// migration rollback and by tests seeding duplicate history.
func CreateLegacyTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tenant_id INTEGER NOT NULL,
		subject_id INTEGER NOT NULL,
		score REAL NOT NULL,
		last_event_ts INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`, table)
}

// IndexSQL returns the secondary index statements for a table.
func IndexSQL(table string) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_last_event_ts ON %s (last_event_ts)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_tenant_score ON %s (tenant_id, score DESC)", table, table),
	}
}

// CreateVersionTableSQL returns the DDL for the migration-version marker
// table.
func CreateVersionTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`
}

// CurrentVersion returns the highest applied schema version, or 0 for a
// fresh file.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, CreateVersionTableSQL()); err != nil {
		return 0, fmt.Errorf("schema: failed to ensure version table: %w", err)
	}
	var version int
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("schema: failed to get current version: %w", err)
	}
	return version, nil
}

// SetVersion records an applied version. execer lets callers run this inside
// a migration transaction.
func SetVersion(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, version int) error {
	_, err := execer.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("schema: failed to record version %d: %w", version, err)
	}
	return nil
}

// ClearVersionsAbove removes version markers above the given version, for
// rollback.
func ClearVersionsAbove(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, version int) error {
	_, err := execer.ExecContext(ctx,
		"DELETE FROM schema_migrations WHERE version > ?", version)
	if err != nil {
		return fmt.Errorf("schema: failed to clear versions above %d: %w", version, err)
	}
	return nil
}
