package loadtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coalescedb/coalesce/internal/observability"
)

// Verification compares the post-run table contents against the expected
// key stream.
type Verification struct {
	ExpectedRows  int64   `json:"expected_rows"`
	ActualRows    int64   `json:"actual_rows"`
	ExpectedScore float64 `json:"expected_score,omitempty"`
	ActualScore   float64 `json:"actual_score,omitempty"`
	DuplicateKeys int64   `json:"duplicate_keys"`
	Passed        bool    `json:"passed"`
}

// Report is the outcome of one harness run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Config Config `json:"config"`

	Operations int64   `json:"operations"`
	Succeeded  int64   `json:"succeeded"`
	Failed     int64   `json:"failed"`
	Throughput float64 `json:"throughput_ops_per_sec"`

	Latency observability.LatencySnapshot `json:"latency"`

	// Errors counts failures by error code.
	Errors map[string]int64 `json:"errors,omitempty"`

	Verification Verification `json:"verification"`

	Violations []string `json:"violations,omitempty"`
}

// SuccessRate returns succeeded / operations, or 1 for an empty run.
func (r *Report) SuccessRate() float64 {
	if r.Operations == 0 {
		return 1.0
	}
	return float64(r.Succeeded) / float64(r.Operations)
}

// Evaluate fills Violations from the configured thresholds and the
// verification outcome. It returns true when the run passed.
func (r *Report) Evaluate(th Thresholds) bool {
	r.Violations = r.Violations[:0]
	if th.MinSuccessRate > 0 && r.SuccessRate() < th.MinSuccessRate {
		r.Violations = append(r.Violations, fmt.Sprintf(
			"success rate %.4f below minimum %.4f", r.SuccessRate(), th.MinSuccessRate))
	}
	if th.MaxP99 > 0 && r.Latency.P99 > th.MaxP99 {
		r.Violations = append(r.Violations, fmt.Sprintf(
			"p99 latency %s above maximum %s", r.Latency.P99, th.MaxP99))
	}
	if !r.Verification.Passed {
		r.Violations = append(r.Violations, fmt.Sprintf(
			"verification failed: expected %d rows got %d, %d duplicate keys",
			r.Verification.ExpectedRows, r.Verification.ActualRows, r.Verification.DuplicateKeys))
	}
	return len(r.Violations) == 0
}

// JSON renders the report for machine consumption.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Human renders a terminal summary.
func (r *Report) Human() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d ops, %d workers (%s), strategy=%s policy=%s\n",
		r.RunID, r.Operations, r.Config.Workers, r.Config.WorkerType,
		r.Config.Strategy, r.Config.Policy)
	fmt.Fprintf(&b, "  duration:   %s (%.0f ops/sec)\n",
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Throughput)
	fmt.Fprintf(&b, "  succeeded:  %d (%.2f%%)\n", r.Succeeded, r.SuccessRate()*100)
	fmt.Fprintf(&b, "  failed:     %d\n", r.Failed)
	fmt.Fprintf(&b, "  latency:    p50=%s p95=%s p99=%s max=%s\n",
		r.Latency.P50, r.Latency.P95, r.Latency.P99, r.Latency.Max)
	fmt.Fprintf(&b, "  rows:       expected=%d actual=%d duplicates=%d\n",
		r.Verification.ExpectedRows, r.Verification.ActualRows, r.Verification.DuplicateKeys)
	if r.Verification.ExpectedScore != 0 || r.Verification.ActualScore != 0 {
		fmt.Fprintf(&b, "  score:      expected=%.1f actual=%.1f\n",
			r.Verification.ExpectedScore, r.Verification.ActualScore)
	}
	if len(r.Errors) > 0 {
		codes := make([]string, 0, len(r.Errors))
		for code := range r.Errors {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		fmt.Fprintf(&b, "  errors:\n")
		for _, code := range codes {
			fmt.Fprintf(&b, "    %-24s %d\n", code, r.Errors[code])
		}
	}
	if len(r.Violations) > 0 {
		fmt.Fprintf(&b, "  FAILED:\n")
		for _, v := range r.Violations {
			fmt.Fprintf(&b, "    %s\n", v)
		}
	} else {
		fmt.Fprintf(&b, "  PASSED\n")
	}
	return b.String()
}

// Write persists the JSON report to path, creating parent directories.
func (r *Report) Write(path string) error {
	data, err := r.JSON()
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
