package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PanicHandler receives the value recovered from a task panic.
type PanicHandler func(recovered any)

// WorkerPool is a bounded goroutine pool for node invocations. With size 1
// nodes run strictly one at a time.
type WorkerPool struct {
	size    int
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	onPanic PanicHandler
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency. onPanic may
// be nil.
func NewWorkerPool(size int, onPanic PanicHandler) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		sem:     make(chan struct{}, size),
		onPanic: onPanic,
		done:    make(chan struct{}),
	}
}

// Size returns the max concurrency.
func (p *WorkerPool) Size() int {
	return p.size
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at
// capacity and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
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

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
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
				atomic.AddInt64(&p.metrics.Failed, 1)
				if p.onPanic != nil {
					p.onPanic(r)
				}
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active work to complete.
func (p *WorkerPool) Shutdown() {
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

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// PanicError wraps a value recovered from a panicking node executor.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("executor panicked: %v", e.Value)
}
