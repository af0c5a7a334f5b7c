// Package score implements the UPSERT-based merge API for per-key scores and
// the closed set of merge strategies it supports.
package score

// ScoreRecord is one aggregated row, unique per (tenant_id, subject_id).
// Uniqueness is enforced by the store's composite primary key, never by
// application-level deduplication.
type ScoreRecord struct {
	TenantID    int64   `json:"tenant_id"`
	SubjectID   int64   `json:"subject_id"`
	Score       float64 `json:"score"`
	LastEventTS int64   `json:"last_event_ts"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// MergeOp is one (key, delta, timestamp) tuple for BatchMerge.
type MergeOp struct {
	TenantID  int64   `json:"tenant_id"`
	SubjectID int64   `json:"subject_id"`
	Delta     float64 `json:"delta"`
	EventTS   int64   `json:"event_ts"`
}
