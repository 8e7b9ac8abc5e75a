// Package asyncjobs runs fire-and-forget background work: tracker snapshot
// persistence, run-log appends, and async project runs. Jobs go through a
// bounded queue rather than unstructured goroutine spawning, and a failed
// job never affects the outcome of the run that enqueued it. Project runs
// can additionally be dispatched as durable Temporal workflows, gated by a
// circuit breaker with an in-process fallback.
package asyncjobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of background work. The queue runs Fn once and logs a
// returned error; it does not retry the job.
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Queue is a bounded in-process work queue with a fixed worker pool.
type Queue struct {
	jobs    chan Job
	wg      sync.WaitGroup
	once    sync.Once
	timeout time.Duration
}

// NewQueue starts workers goroutines draining a queue of the given capacity.
// Each job runs with the configured timeout (0 = no timeout).
func NewQueue(capacity, workers int, timeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 2
	}
	q := &Queue{jobs: make(chan Job, capacity), timeout: timeout}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		ctx := context.Background()
		cancel := func() {}
		if q.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, q.timeout)
		}
		if err := job.Fn(ctx); err != nil {
			slog.Warn("async job failed", slog.String("job", job.Name), slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Submit enqueues a job without blocking. When the queue is full the job is
// dropped with a warning: background persistence is lossy by contract, and
// blocking a run on it would invert the priority.
func (q *Queue) Submit(job Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		slog.Warn("async queue full, dropping job", slog.String("job", job.Name))
		return false
	}
}

// Drain stops accepting jobs and waits for in-flight and queued jobs to
// finish, or for ctx to expire.
func (q *Queue) Drain(ctx context.Context) error {
	q.once.Do(func() { close(q.jobs) })
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
