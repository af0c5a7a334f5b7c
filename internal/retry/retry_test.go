package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
)

// fastPolicy keeps tests quick while still exercising the backoff path.
func fastPolicy(attempts int) Policy {
	return Policy{
		BaseDelay:   time.Millisecond,
		Multiplier:  1.0,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: attempts,
		MaxJitter:   0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e := NewEngine(fastPolicy(5), SQLiteBusy, nil)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	e := NewEngine(fastPolicy(5), SQLiteBusy, nil)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return cerrors.NewTransientConflict("table is locked", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	e := NewEngine(fastPolicy(4), SQLiteBusy, nil)

	cause := cerrors.NewTransientConflict("database is locked", nil)
	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		return cause
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if code := cerrors.GetCode(err); code != cerrors.CodeRetryExhausted {
		t.Errorf("expected code %s, got %s", cerrors.CodeRetryExhausted, code)
	}
	if n := cerrors.RetryAttempts(err); n != 4 {
		t.Errorf("expected 4 recorded attempts, got %d", n)
	}
	if !errors.Is(err, cause) {
		t.Error("expected exhaustion error to wrap the last transient error")
	}
	if cerrors.IsRetryable(err) {
		t.Error("exhaustion error must not itself be retryable")
	}
}

func TestDoNonRetryablePassesThrough(t *testing.T) {
	e := NewEngine(fastPolicy(5), SQLiteBusy, nil)

	permanent := cerrors.NewStoreError("constraint violation", nil)
	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Errorf("expected no retries for a permanent error, got %d calls", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected the permanent error unchanged, got %v", err)
	}
	if cerrors.GetCode(err) == cerrors.CodeRetryExhausted {
		t.Error("permanent error must not be wrapped as exhaustion")
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	e := NewEngine(Policy{
		BaseDelay:   50 * time.Millisecond,
		Multiplier:  1.0,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: 100,
	}, SQLiteBusy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := e.Do(ctx, func() error {
		return cerrors.NewTransientConflict("database is locked", nil)
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestDoWithDataReturnsValue(t *testing.T) {
	e := NewEngine(fastPolicy(5), SQLiteBusy, nil)

	calls := 0
	got, err := DoWithData(context.Background(), e, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, cerrors.NewTransientConflict("database is locked", nil)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestSQLiteBusyClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"wrapped driver busy", fmt.Errorf("merge: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"transient conflict", cerrors.NewTransientConflict("locked", nil), true},
		{"store error", cerrors.NewStoreError("bad", nil), false},
		{"plain error", errors.New("random"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SQLiteBusy(tt.err); got != tt.want {
				t.Errorf("SQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestByName(t *testing.T) {
	if ByName("aggressive") != Aggressive() {
		t.Error("aggressive preset not resolved")
	}
	if ByName("conservative") != Conservative() {
		t.Error("conservative preset not resolved")
	}
	if ByName("balanced") != Balanced() {
		t.Error("balanced preset not resolved")
	}
	if ByName("unknown") != Balanced() {
		t.Error("unknown name must fall back to balanced")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	e := NewEngine(Policy{
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    35 * time.Millisecond,
		MaxAttempts: 5,
	}, SQLiteBusy, nil)

	d0 := e.backoffDelay(0, nil, nil)
	d1 := e.backoffDelay(1, nil, nil)
	d2 := e.backoffDelay(2, nil, nil)

	if d0 != 10*time.Millisecond {
		t.Errorf("attempt 0: expected 10ms, got %v", d0)
	}
	if d1 != 20*time.Millisecond {
		t.Errorf("attempt 1: expected 20ms, got %v", d1)
	}
	if d2 != 35*time.Millisecond {
		t.Errorf("attempt 2: expected cap of 35ms, got %v", d2)
	}
}
