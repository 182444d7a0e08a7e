package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dandantas/gatekeeper/internal/coordinator"
	"github.com/dandantas/gatekeeper/internal/model"
)

// ErrPoolStopped is returned by Submit once Stop has been called
var ErrPoolStopped = errors.New("worker pool is stopped")

// ProcessFunc applies one event, usually Coordinator.Handle
type ProcessFunc func(ctx context.Context, ev model.Event) (coordinator.Result, error)

// WorkerPool manages a pool of worker goroutines for concurrent event processing
type WorkerPool struct {
	workers   int
	jobs      chan Job
	processFn ProcessFunc
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workers int, jobQueueSize int, fn ProcessFunc) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workers:   workers,
		jobs:      make(chan Job, jobQueueSize),
		processFn: fn,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the worker pool
func (wp *WorkerPool) Start() {
	slog.Info("Starting worker pool", "workers", wp.workers)

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop stops accepting jobs and waits for queued ones to finish
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	slog.Info("Stopping worker pool")
	wp.wg.Wait()
	wp.cancel()
	slog.Info("Worker pool stopped")
}

// Submit queues a job, blocking while the queue is full
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}
	if job.Context == nil {
		job.Context = context.Background()
	}

	select {
	case wp.jobs <- job:
		slog.Debug("Job submitted to worker pool",
			"run_id", job.Event.RunID,
			"correlation_id", job.Event.CorrelationID,
			"async", job.Async,
		)
		return nil
	case <-job.Context.Done():
		return job.Context.Err()
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// Process runs events through the pool and returns their results in input order.
// Events for different runs proceed in parallel.
func (wp *WorkerPool) Process(ctx context.Context, events []model.Event) []Result {
	results := make([]Result, len(events))
	replies := make(chan Result, len(events))

	pending := 0
	for i, ev := range events {
		if err := wp.Submit(Job{Index: i, Event: ev, Context: ctx, reply: replies}); err != nil {
			results[i] = Result{Index: i, Error: err}
			continue
		}
		pending++
	}

	for ; pending > 0; pending-- {
		r := <-replies
		results[r.Index] = r
	}
	return results
}

// worker is the worker goroutine that processes jobs
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	slog.Debug("Worker started", "worker_id", id)

	for job := range wp.jobs {
		res, err := wp.processFn(job.Context, job.Event)

		if job.Async || job.reply == nil {
			if err != nil {
				slog.Error("Async event processing failed",
					"worker_id", id,
					"run_id", job.Event.RunID,
					"correlation_id", job.Event.CorrelationID,
					"error", err,
				)
			}
			continue
		}

		// reply is buffered for the whole batch, so this never blocks
		job.reply <- Result{Index: job.Index, Result: res, Error: err}
	}

	slog.Debug("Worker stopped", "worker_id", id)
}

// GetJobQueueLength returns the current number of jobs in the queue
func (wp *WorkerPool) GetJobQueueLength() int {
	return len(wp.jobs)
}
