package observability

import (
	"sync"
	"testing"
	"time"
)

func TestLatencySnapshotEmpty(t *testing.T) {
	r := NewLatencyRecorder(0)
	snap := r.Snapshot()
	if snap.Count != 0 || snap.P99 != 0 {
		t.Errorf("expected zero snapshot, got %+v", snap)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	r := NewLatencyRecorder(100)
	for i := 1; i <= 100; i++ {
		r.Record(time.Duration(i) * time.Millisecond)
	}

	snap := r.Snapshot()
	if snap.Count != 100 {
		t.Errorf("expected 100 samples, got %d", snap.Count)
	}
	if snap.Min != time.Millisecond {
		t.Errorf("expected min 1ms, got %v", snap.Min)
	}
	if snap.Max != 100*time.Millisecond {
		t.Errorf("expected max 100ms, got %v", snap.Max)
	}
	if snap.P50 != 50*time.Millisecond {
		t.Errorf("expected p50 50ms, got %v", snap.P50)
	}
	if snap.P95 != 95*time.Millisecond {
		t.Errorf("expected p95 95ms, got %v", snap.P95)
	}
	if snap.P99 != 99*time.Millisecond {
		t.Errorf("expected p99 99ms, got %v", snap.P99)
	}
}

func TestLatencySingleSample(t *testing.T) {
	r := NewLatencyRecorder(1)
	r.Record(7 * time.Millisecond)

	snap := r.Snapshot()
	if snap.Min != 7*time.Millisecond || snap.Max != 7*time.Millisecond ||
		snap.P50 != 7*time.Millisecond || snap.P99 != 7*time.Millisecond {
		t.Errorf("single sample must dominate all stats: %+v", snap)
	}
}

func TestLatencyMerge(t *testing.T) {
	a := NewLatencyRecorder(0)
	b := NewLatencyRecorder(0)
	a.Record(time.Millisecond)
	b.Record(3 * time.Millisecond)

	a.Merge(b)
	if a.Count() != 2 {
		t.Errorf("expected 2 samples after merge, got %d", a.Count())
	}
	snap := a.Snapshot()
	if snap.Max != 3*time.Millisecond {
		t.Errorf("expected merged max 3ms, got %v", snap.Max)
	}
}

func TestLatencyConcurrentRecord(t *testing.T) {
	r := NewLatencyRecorder(0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Record(time.Microsecond)
			}
		}()
	}
	wg.Wait()

	if r.Count() != 800 {
		t.Errorf("expected 800 samples, got %d", r.Count())
	}
}
