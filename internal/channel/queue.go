package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("inbound queue full")

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("inbound queue closed")

// Task is one unit of inbound work, typically normalization plus the handler call.
type Task func(ctx context.Context)

// WorkQueue moves inbound processing off the connection read loop. Tasks wait
// in a bounded backlog and run on goroutines capped by a weighted semaphore.
// Tasks are not ordered relative to each other.
type WorkQueue struct {
	logger  *slog.Logger
	backlog chan Task
	sem     *semaphore.Weighted
	active  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewWorkQueue creates a queue holding up to size pending tasks with at most
// workers running concurrently. It must be started before tasks run.
func NewWorkQueue(log *slog.Logger, size, workers int) *WorkQueue {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &WorkQueue{
		logger:  log.With(slog.String("component", "inbound_queue")),
		backlog: make(chan Task, size),
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

// Start launches the dispatch loop. Tasks receive a context derived from ctx.
func (q *WorkQueue) Start(ctx context.Context) {
	q.once.Do(func() {
		q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
		q.wg.Add(1)
		go q.dispatch()
	})
}

// Submit enqueues task without blocking.
func (q *WorkQueue) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.backlog <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Active returns the number of tasks currently running.
func (q *WorkQueue) Active() int64 {
	return q.active.Load()
}

// Pending returns the number of tasks waiting for a worker.
func (q *WorkQueue) Pending() int {
	return len(q.backlog)
}

// Capacity is the backlog size past which Submit returns ErrQueueFull.
func (q *WorkQueue) Capacity() int {
	return cap(q.backlog)
}

// Close stops accepting tasks, drains the backlog and waits for running tasks
// or for ctx to expire. Running tasks are never interrupted.
func (q *WorkQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.backlog)
	}
	q.mu.Unlock()

	// Close without Start still has to drain.
	q.Start(context.Background())

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WorkQueue) dispatch() {
	defer q.wg.Done()
	for task := range q.backlog {
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			q.logger.Warn("inbound task dropped", slog.Any("error", err))
			continue
		}
		q.wg.Add(1)
		q.active.Add(1)
		go func(task Task) {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("inbound task panicked", slog.Any("panic", r))
				}
				q.active.Add(-1)
				q.sem.Release(1)
				q.wg.Done()
			}()
			task(q.ctx)
		}(task)
	}
}
