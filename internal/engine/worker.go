package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a run is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// PoolMetrics tracks run pool operational counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// RunPool bounds the number of concurrently executing run loops.
type RunPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewRunPool creates a pool with the given max concurrency.
func NewRunPool(size int) *RunPool {
	if size <= 0 {
		size = 1
	}
	return &RunPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues a run loop. It blocks while the pool is at capacity,
// respecting context cancellation, and returns ErrPoolShutdown after
// Shutdown.
func (p *RunPool) Submit(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			atomic.AddInt64(&p.metrics.Completed, 1)
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()

	return nil
}

// Wait blocks until all submitted runs complete.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active runs to finish.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *RunPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
