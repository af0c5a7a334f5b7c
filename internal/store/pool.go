package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
	"github.com/coalescedb/coalesce/internal/observability"
)

// Pool issues and reclaims handles under a fixed concurrency bound. It is the
// only mutable state shared between workers and owns the invariant
// in_use + idle == total.
type Pool struct {
	handles []*Handle
	free    chan *Handle

	acquireTimeout time.Duration
	pending        atomic.Int64
	waitTimes      *observability.LatencyRecorder
	notifier       *observability.Notifier

	mu     sync.Mutex
	closed bool
}

// PoolConfig holds pool construction parameters.
type PoolConfig struct {
	// Size is the number of handles the pool owns (default: 4).
	Size int

	// AcquireTimeout is the exhaustion deadline for Acquire (default: 5s).
	// A tighter ctx deadline wins.
	AcquireTimeout time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:           4,
		AcquireTimeout: 5 * time.Second,
	}
}

// PoolStats is a snapshot of pool state for observability.
type PoolStats struct {
	Total       int           `json:"total"`
	Active      int           `json:"active"`
	Idle        int           `json:"idle"`
	Pending     int           `json:"pending"`
	WaitTimeP99 time.Duration `json:"wait_time_p99_ns"`
}

// NewPool constructs all handles up front via the factory. Handle
// construction failure is fatal and already-built handles are closed.
// notifier may be nil; events are then dropped.
func NewPool(ctx context.Context, factory *Factory, cfg PoolConfig, notifier *observability.Notifier) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}

	p := &Pool{
		handles:        make([]*Handle, 0, cfg.Size),
		free:           make(chan *Handle, cfg.Size),
		acquireTimeout: cfg.AcquireTimeout,
		waitTimes:      observability.NewLatencyRecorder(1024),
		notifier:       notifier,
	}

	for i := 0; i < cfg.Size; i++ {
		h, err := factory.Open(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.handles = append(p.handles, h)
		p.free <- h
	}

	return p, nil
}

// Acquire checks a handle out of the pool. It blocks until a handle frees,
// the pool's acquire timeout fires, or ctx is done. The returned handle is
// exclusively owned by the caller until Release.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, cerrors.New(cerrors.ErrCategoryPool, cerrors.CodePoolClosed, "pool is closed")
	}
	p.mu.Unlock()

	start := time.Now()
	p.pending.Add(1)
	defer p.pending.Add(-1)

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case h, ok := <-p.free:
		if !ok {
			return nil, cerrors.New(cerrors.ErrCategoryPool, cerrors.CodePoolClosed, "pool is closed")
		}
		wait := time.Since(start)
		p.waitTimes.Record(wait)
		p.publish(observability.Event{
			Type:      observability.PoolAcquired,
			Component: "pool",
			Detail:    h.ID(),
			Elapsed:   wait,
		})
		return h, nil
	case <-timer.C:
		p.publish(observability.Event{
			Type:      observability.PoolExhausted,
			Component: "pool",
			Detail:    fmt.Sprintf("no handle within %s", p.acquireTimeout),
			Elapsed:   time.Since(start),
		})
		return nil, cerrors.NewPoolExhausted(
			fmt.Sprintf("no handle became available within %s", p.acquireTimeout))
	case <-ctx.Done():
		return nil, cerrors.NewPoolExhausted(
			fmt.Sprintf("acquire cancelled after %s: %v", time.Since(start), ctx.Err()))
	}
}

// Release returns a handle to the pool. Releasing into a closed pool is a
// no-op; the handle is closed with the rest.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	// The send happens under p.mu so Close cannot close p.free between the
	// closed check and the send.
	released := false
	select {
	case p.free <- h:
		released = true
	default:
		// Double release - drop rather than corrupt the free list.
	}
	p.mu.Unlock()

	if released {
		p.publish(observability.Event{
			Type:      observability.PoolReleased,
			Component: "pool",
			Detail:    h.ID(),
		})
	}
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() PoolStats {
	idle := len(p.free)
	total := len(p.handles)
	return PoolStats{
		Total:       total,
		Active:      total - idle,
		Idle:        idle,
		Pending:     int(p.pending.Load()),
		WaitTimeP99: p.waitTimes.Snapshot().P99,
	}
}

// Close closes every handle the pool owns. In-flight handles are closed too,
// so callers must finish before closing.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.free)
	p.mu.Unlock()

	for range p.free {
		// Drain so no goroutine blocks on a stale send.
	}

	var lastErr error
	for _, h := range p.handles {
		if err := h.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *Pool) publish(ev observability.Event) {
	if p.notifier != nil {
		p.notifier.Publish(ev)
	}
}
