package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minhvo-dev/docpipe/internal/job"
)

// Factory builds one engine handle. Called once per slot at startup.
type Factory func() (Engine, error)

// Pool is a fixed set of pre-initialized engine handles. A worker
// checks out exactly one handle per job and must return it whatever
// way the transform exits; the buffered channel serializes checkout
// with FIFO fairness and no exposed locks.
type Pool struct {
	handles        chan Engine
	size           int
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// NewPool constructs size handles up front. Any factory failure aborts
// construction: a partially usable pool would degrade silently under
// load, which is exactly what the fail-fast startup contract forbids.
func NewPool(factory Factory, size int, acquireTimeout time.Duration, logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("engine pool size must be greater than 0, got %d", size)
	}

	p := &Pool{
		handles:        make(chan Engine, size),
		size:           size,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}

	for i := 0; i < size; i++ {
		h, err := factory()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize engine handle %d/%d: %w", i+1, size, err)
		}
		p.handles <- h
	}

	logger.Info("Engine pool initialized",
		slog.Int("size", size),
		slog.Duration("acquire_timeout", acquireTimeout),
	)

	return p, nil
}

// Acquire checks out one handle, blocking up to the configured
// timeout. Exhaustion surfaces as job.ErrPoolExhausted, which the
// failure policy treats as retryable.
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case h := <-p.handles:
		return h, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no handle freed within %s", job.ErrPoolExhausted, p.acquireTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("engine acquisition canceled: %w", ctx.Err())
	}
}

// Release returns a handle to the pool. Must be called unconditionally
// after Acquire succeeds, success or failure, or the pool starves.
func (p *Pool) Release(h Engine) {
	select {
	case p.handles <- h:
	default:
		// Returning more handles than were acquired is a programming
		// error; dropping the extra keeps the pool bounded.
		p.logger.Error("Engine pool over-release dropped",
			slog.Int("size", p.size),
		)
	}
}

// Size returns the fixed number of handles
func (p *Pool) Size() int {
	return p.size
}

// Available reports how many handles are currently checked in
func (p *Pool) Available() int {
	return len(p.handles)
}
