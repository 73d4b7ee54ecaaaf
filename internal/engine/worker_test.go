package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2, 4, nil)

	var ran int64
	err := pool.Submit(Task{Name: "one", Run: func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3, 20, nil)

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(Task{Name: "busy", Run: func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_ = pool.Shutdown(context.Background())
	if maxConcurrent > 3 {
		t.Errorf("max concurrency %d exceeds pool size 3", maxConcurrent)
	}
	if m := pool.Metrics(); m.Completed != 10 {
		t.Errorf("expected 10 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_SaturatedQueue(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	block := Task{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := pool.Submit(block); err != nil {
		t.Fatal(err)
	}
	<-started

	noop := Task{Name: "noop", Run: func(context.Context) error { return nil }}
	if err := pool.Submit(noop); err != nil {
		t.Fatalf("queue slot should be free: %v", err)
	}
	if err := pool.Submit(noop); !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("expected ErrPoolSaturated, got %v", err)
	}

	close(release)
	_ = pool.Shutdown(context.Background())
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(2, 4, nil)

	_ = pool.Submit(Task{Name: "fail", Run: func(context.Context) error { return errors.New("boom") }})
	_ = pool.Submit(Task{Name: "panic", Run: func(context.Context) error { panic("oops") }})
	_ = pool.Submit(Task{Name: "ok", Run: func(context.Context) error { return nil }})

	_ = pool.Shutdown(context.Background())

	m := pool.Metrics()
	if m.Failed != 2 || m.Panics != 1 || m.Completed != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil)
	_ = pool.Shutdown(context.Background())

	err := pool.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
	// Second shutdown is a no-op.
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

func TestWorkerPool_ShutdownDeadlineCancelsTasks(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil)
	started := make(chan struct{})
	_ = pool.Submit(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
