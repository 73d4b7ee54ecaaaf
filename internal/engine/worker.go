package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrPoolSaturated is returned when the task queue is full.
	ErrPoolSaturated = errors.New("worker pool queue is full")
)

// Task is a unit of background work, typically one execution loop.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// WorkerPool runs tasks on a fixed set of goroutines fed by a bounded queue.
// Tasks run under the pool's own context, not the submitter's, so a request
// that starts an execution can return while the execution keeps going.
type WorkerPool struct {
	queue   chan Task
	wg      sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool starts size workers with room for queueSize waiting tasks.
func NewWorkerPool(size, queueSize int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		queue:  make(chan Task, queueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

// Submit enqueues a task without blocking.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolShutdown
	}
	select {
	case p.queue <- task:
		atomic.AddInt64(&p.metrics.Queued, 1)
		return nil
	default:
		return ErrPoolSaturated
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		atomic.AddInt64(&p.metrics.Queued, -1)
		p.run(task)
	}
}

func (p *WorkerPool) run(task Task) {
	atomic.AddInt64(&p.metrics.Active, 1)
	defer atomic.AddInt64(&p.metrics.Active, -1)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.Error("task panicked", slog.String("task", task.Name), slog.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := task.Run(p.ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		p.logger.Error("task failed", slog.String("task", task.Name), slog.String("error", err.Error()))
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

// Shutdown stops accepting tasks and waits for queued and running ones. If
// ctx ends first, running tasks see their context cancelled.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
