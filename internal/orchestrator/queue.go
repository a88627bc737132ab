package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// jobQueue fans job ids out to a fixed worker pool. An id already queued or
// being processed is not queued again, so the retry ticker and API handlers
// can both enqueue without double-running a job.
type jobQueue struct {
	run     func(id uuid.UUID)
	logger  *slog.Logger
	workers int

	ch   chan uuid.UUID
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]struct{}
}

func newJobQueue(run func(id uuid.UUID), logger *slog.Logger, workers, size int) *jobQueue {
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 256
	}
	q := &jobQueue{
		run:      run,
		logger:   logger,
		workers:  workers,
		ch:       make(chan uuid.UUID, size),
		done:     make(chan struct{}),
		inflight: make(map[uuid.UUID]struct{}),
	}
	q.start()
	return q
}

func (q *jobQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for {
					select {
					case <-q.done:
						q.logger.Info("worker stopped", "worker_id", workerID)
						return
					case id := <-q.ch:
						q.run(id)
						q.mu.Lock()
						delete(q.inflight, id)
						q.mu.Unlock()
					}
				}
			}(i + 1)
		}
	})
}

// Enqueue hands id to a worker, blocking when the buffer is full. The channel
// is never closed; shutdown is signalled through done, so a sender racing
// Shutdown backs off instead of panicking. A job dropped that way stays on its
// row and the next startup scan re-enqueues it.
func (q *jobQueue) Enqueue(id uuid.UUID) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "job_id", id)
		return
	}
	if _, dup := q.inflight[id]; dup {
		q.mu.Unlock()
		return
	}
	q.inflight[id] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- id:
		return
	default:
	}

	q.logger.Warn("queue full, applying backpressure", "job_id", id)
	select {
	case q.ch <- id:
	case <-q.done:
		q.mu.Lock()
		delete(q.inflight, id)
		q.mu.Unlock()
	}
}

func (q *jobQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)

	drained := make(chan struct{})
	go func() { defer close(drained); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-drained:
		q.logger.Info("queue drained, shutdown complete")
	}
}
