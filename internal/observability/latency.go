package observability

import (
	"sort"
	"sync"
	"time"
)

// LatencyRecorder collects duration samples and computes distribution
// statistics. It is safe for concurrent use; Record is O(1).
type LatencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
}

// LatencySnapshot holds the distribution of recorded durations at a point in
// time.
type LatencySnapshot struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
	Mean  time.Duration `json:"mean_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	P99   time.Duration `json:"p99_ns"`
}

// NewLatencyRecorder creates a recorder. capacityHint pre-sizes the sample
// buffer; zero is fine.
func NewLatencyRecorder(capacityHint int) *LatencyRecorder {
	return &LatencyRecorder{
		samples: make([]time.Duration, 0, capacityHint),
	}
}

// Record adds a single duration sample.
func (r *LatencyRecorder) Record(d time.Duration) {
	r.mu.Lock()
	r.samples = append(r.samples, d)
	r.mu.Unlock()
}

// Merge appends all samples from another recorder.
func (r *LatencyRecorder) Merge(other *LatencyRecorder) {
	other.mu.Lock()
	copied := make([]time.Duration, len(other.samples))
	copy(copied, other.samples)
	other.mu.Unlock()

	r.mu.Lock()
	r.samples = append(r.samples, copied...)
	r.mu.Unlock()
}

// Samples returns a copy of the raw samples recorded so far.
func (r *LatencyRecorder) Samples() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]time.Duration, len(r.samples))
	copy(copied, r.samples)
	return copied
}

// Count returns the number of samples recorded so far.
func (r *LatencyRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Snapshot computes the distribution over all samples recorded so far.
// Returns a zero snapshot if nothing has been recorded.
func (r *LatencyRecorder) Snapshot() LatencySnapshot {
	r.mu.Lock()
	sorted := make([]time.Duration, len(r.samples))
	copy(sorted, r.samples)
	r.mu.Unlock()

	if len(sorted) == 0 {
		return LatencySnapshot{}
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return LatencySnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  total / time.Duration(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile returns the nearest-rank percentile of a sorted sample set.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
