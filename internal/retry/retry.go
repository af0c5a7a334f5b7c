// Package retry wraps fallible operations with bounded, jittered exponential
// backoff. It is a generic policy layer: classification is explicit and
// wrapped operations must themselves be idempotent.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	retrygo "github.com/avast/retry-go/v4"
	"github.com/mattn/go-sqlite3"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
	"github.com/coalescedb/coalesce/internal/observability"
)

// Policy holds backoff parameters.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// Multiplier grows the delay between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// MaxAttempts bounds the total number of attempts (including the first).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// MaxJitter is the upper bound of the random delay added to each attempt
	// to prevent synchronized retry storms across workers.
	MaxJitter time.Duration `json:"max_jitter" yaml:"max_jitter"`
}

// Aggressive retries quickly and often. Suited to short busy windows on a
// hot key.
func Aggressive() Policy {
	return Policy{
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  1.5,
		MaxDelay:    250 * time.Millisecond,
		MaxAttempts: 10,
		MaxJitter:   10 * time.Millisecond,
	}
}

// Balanced is the default policy.
func Balanced() Policy {
	return Policy{
		BaseDelay:   20 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    1 * time.Second,
		MaxAttempts: 6,
		MaxJitter:   25 * time.Millisecond,
	}
}

// Conservative backs off hard and gives up early. Suited to batch contexts
// where the caller has its own scheduling.
func Conservative() Policy {
	return Policy{
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 3,
		MaxJitter:   50 * time.Millisecond,
	}
}

// ByName resolves a policy preset by name. Unknown names fall back to
// Balanced.
func ByName(name string) Policy {
	switch name {
	case "aggressive":
		return Aggressive()
	case "conservative":
		return Conservative()
	default:
		return Balanced()
	}
}

// Classifier reports whether an error is transient and worth retrying.
// Classification is always explicit - never by message text.
type Classifier func(error) bool

// SQLiteBusy classifies the store's transient busy/locked signal, in either
// raw driver form or already wrapped as a retryable CoalesceError.
func SQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return cerrors.IsRetryable(err)
}

// Engine applies a policy and classifier to operations.
type Engine struct {
	policy   Policy
	classify Classifier
	notifier *observability.Notifier
}

// NewEngine creates a retry engine. classifier must not be nil; notifier may
// be nil.
func NewEngine(policy Policy, classifier Classifier, notifier *observability.Notifier) *Engine {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Engine{
		policy:   policy,
		classify: classifier,
		notifier: notifier,
	}
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy { return e.policy }

// Do runs op, retrying transient failures under the engine's policy. It
// blocks between attempts and honors ctx cancellation. On exhaustion the last
// error is wrapped as RetryExhausted; non-transient errors propagate
// unchanged after the first attempt.
func (e *Engine) Do(ctx context.Context, op func() error) error {
	_, err := DoWithData(ctx, e, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoWithData is the value-returning call shape of Engine.Do.
func DoWithData[T any](ctx context.Context, e *Engine, op func() (T, error)) (T, error) {
	start := time.Now()
	attempts := 0

	result, err := retrygo.DoWithData(
		func() (T, error) {
			attempts++
			return op()
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(e.policy.MaxAttempts)),
		retrygo.MaxJitter(e.policy.MaxJitter),
		retrygo.DelayType(retrygo.CombineDelay(e.backoffDelay, retrygo.RandomDelay)),
		retrygo.RetryIf(func(err error) bool { return e.classify(err) }),
		retrygo.OnRetry(func(n uint, err error) {
			e.publish(observability.Event{
				Type:      observability.RetryAttempt,
				Component: "retry",
				Detail:    err.Error(),
				Attempt:   int(n) + 1,
				Elapsed:   time.Since(start),
			})
		}),
		retrygo.LastErrorOnly(true),
	)
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	// Non-transient errors propagate as-is; only a still-transient error
	// after the full budget becomes RetryExhausted.
	if !e.classify(err) {
		return result, err
	}

	elapsed := time.Since(start)
	e.publish(observability.Event{
		Type:      observability.RetryGaveUp,
		Component: "retry",
		Detail:    err.Error(),
		Attempt:   attempts,
		Elapsed:   elapsed,
	})
	return result, cerrors.NewRetryExhausted(attempts, elapsed, err)
}

// backoffDelay grows BaseDelay by Multiplier per attempt, capped at MaxDelay.
func (e *Engine) backoffDelay(n uint, _ error, _ *retrygo.Config) time.Duration {
	d := time.Duration(float64(e.policy.BaseDelay) * math.Pow(e.policy.Multiplier, float64(n)))
	if e.policy.MaxDelay > 0 && d > e.policy.MaxDelay {
		d = e.policy.MaxDelay
	}
	return d
}

func (e *Engine) publish(ev observability.Event) {
	if e.notifier != nil {
		e.notifier.Publish(ev)
	}
}
