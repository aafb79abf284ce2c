package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crewflow/flowd/errors"
)

// Pool bounds the number of concurrently running executions. Admission
// is reject-on-full rather than queueing: a rejected execution stays
// pending and the caller decides whether to retry.
type Pool struct {
	runner *Runner
	logger *zap.SugaredLogger

	wg sync.WaitGroup

	mu       sync.Mutex
	active   int
	capacity int
	closed   bool
}

// NewPool creates a pool allowing up to maxConcurrent simultaneous runs.
func NewPool(runner *Runner, maxConcurrent int, logger *zap.SugaredLogger) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{
		runner:   runner,
		logger:   logger,
		capacity: maxConcurrent,
	}
}

// Submit starts the execution on a pool goroutine. Returns ErrCapacity
// when all slots are taken, leaving the execution record untouched.
func (p *Pool) Submit(ctx context.Context, executionID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Wrap(errors.ErrCapacity, "pool is draining")
	}
	if p.active >= p.capacity {
		capacity := p.capacity
		p.mu.Unlock()
		p.logger.Warnw("Execution rejected, pool at capacity",
			"execution_id", executionID,
			"capacity", capacity)
		return errors.Wrapf(errors.ErrCapacity, "all %d execution slots busy", capacity)
	}
	p.active++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
		}()

		if err := p.runner.Run(ctx, executionID); err != nil {
			p.logger.Errorw("Execution run returned error",
				"execution_id", executionID,
				"error", err)
		}
	}()
	return nil
}

// Active returns the number of currently occupied slots.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Capacity returns the maximum number of concurrent runs.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Resize changes the concurrency bound. Shrinking below the current
// active count does not interrupt running executions; new submissions
// are rejected until the count falls under the new bound.
func (p *Pool) Resize(maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	p.mu.Lock()
	old := p.capacity
	p.capacity = maxConcurrent
	p.mu.Unlock()
	if old != maxConcurrent {
		p.logger.Infow("Execution pool resized",
			"old_capacity", old,
			"new_capacity", maxConcurrent)
	}
}

// Drain stops accepting new work and waits for in-flight runs to finish.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Infow("Execution pool drained")
}
