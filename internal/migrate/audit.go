// Package migrate evolves the score schema safely on both fresh and legacy
// data files, folding duplicate history through the active merge strategy.
package migrate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
)

// AuditEntry records one legacy row that was folded away during a migration.
// Entries are written before the fold so no history is silently dropped.
type AuditEntry struct {
	RunID       string  `json:"run_id"`
	Table       string  `json:"table"`
	Strategy    string  `json:"strategy"`
	TenantID    int64   `json:"tenant_id"`
	SubjectID   int64   `json:"subject_id"`
	Score       float64 `json:"score"`
	LastEventTS int64   `json:"last_event_ts"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
	FoldedScore float64 `json:"folded_score"`
	RecordedAt  int64   `json:"recorded_at"`
}

// AuditLogger buffers fold audit entries and writes them as one
// snappy-compressed JSONL file per migration run.
type AuditLogger struct {
	dir     string
	runID   string
	entries []AuditEntry
}

// NewAuditLogger creates a logger for one migration run.
func NewAuditLogger(dir, runID string) *AuditLogger {
	return &AuditLogger{dir: dir, runID: runID}
}

// Record buffers one entry.
func (l *AuditLogger) Record(e AuditEntry) {
	e.RunID = l.runID
	if e.RecordedAt == 0 {
		e.RecordedAt = time.Now().Unix()
	}
	l.entries = append(l.entries, e)
}

// Len returns the number of buffered entries.
func (l *AuditLogger) Len() int { return len(l.entries) }

// Flush writes all buffered entries to disk and returns the file path.
// Returns an empty path when there is nothing to write.
func (l *AuditLogger) Flush() (string, error) {
	if len(l.entries) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return "", fmt.Errorf("audit: failed to create directory: %w", err)
	}

	var buf bytes.Buffer
	for _, e := range l.entries {
		line, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("audit: failed to marshal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	compressed := snappy.Encode(nil, buf.Bytes())
	path := filepath.Join(l.dir, fmt.Sprintf("fold-audit-%s.jsonl.snappy", l.runID))
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return "", fmt.Errorf("audit: failed to write %s: %w", path, err)
	}
	return path, nil
}

// ReadAuditLog decompresses and parses a fold audit file.
func ReadAuditLog(path string) ([]AuditEntry, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to read %s: %w", path, err)
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("audit: snappy decompress failed: %w", err)
	}

	var entries []AuditEntry
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: failed to parse entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan failed: %w", err)
	}
	return entries, nil
}
