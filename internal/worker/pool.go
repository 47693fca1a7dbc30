package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool runs submitted tasks on a fixed number of goroutines
type Pool struct {
	workers int
	timeout time.Duration
	tasks   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

// NewPool creates a pool. Each task gets a context bounded by timeout,
// when positive.
func NewPool(workers, queueSize int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers: workers,
		timeout: timeout,
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the worker goroutines
func (p *Pool) Start() {
	slog.Info("Starting worker pool", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the queue and waits for running tasks
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	slog.Info("Stopping worker pool")
	p.wg.Wait()
	p.cancel()
	slog.Info("Worker pool stopped")
}

// Submit queues task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		slog.Debug("Task submitted to worker pool", "task", task.Name)
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueLength returns the number of tasks waiting for a worker
func (p *Pool) QueueLength() int {
	return len(p.tasks)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	slog.Debug("Worker started", "worker_id", id)

	for task := range p.tasks {
		p.run(id, task)
	}

	slog.Debug("Worker stopped", "worker_id", id)
}

func (p *Pool) run(id int, task Task) {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task panicked", "worker_id", id, "task", task.Name, "panic", r)
		}
	}()

	if err := task.Run(ctx); err != nil {
		slog.Error("Task failed", "worker_id", id, "task", task.Name, "error", err)
	}
}
