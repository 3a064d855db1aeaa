package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrFull is returned when the queue is at capacity. Policy decision:
	// admission REJECTS rather than blocking the producer, because the
	// producer is the protocol reader and blocking it would stall every
	// unrelated command behind a full queue. Callers turn this into a
	// terminal Error event for the affected file.
	ErrFull = errors.New("job queue is full")

	// ErrFileInFlight is returned when a job for the same file path is
	// already queued or running.
	ErrFileInFlight = errors.New("a job for this file is already in flight")

	// ErrClosed is returned on enqueue after shutdown has begun.
	ErrClosed = errors.New("job queue is closed")
)

// Queue is a bounded in-memory FIFO of upload jobs. Capacity is fixed at
// construction; the full-queue policy is reject, never silent drop or block.
type Queue struct {
	jobs chan *Job

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		jobs:     make(chan *Job, capacity),
		inflight: make(map[string]struct{}),
	}
}

// Enqueue admits a job or rejects it immediately with ErrFull, ErrFileInFlight
// or ErrClosed. On success the job's file path is reserved until Release.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, busy := q.inflight[job.File]; busy {
		return ErrFileInFlight
	}

	select {
	case q.jobs <- job:
		q.inflight[job.File] = struct{}{}
		return nil
	default:
		return ErrFull
	}
}

// Dequeue blocks until a job is available, ctx is done, or the queue is closed
// and drained. A (nil, nil) return means clean shutdown.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, nil
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release frees the in-flight reservation for a file path. Called by the
// worker after the terminal event for the job has been emitted, so a
// re-submission of the same file always runs as a fresh job.
func (q *Queue) Release(file string) {
	q.mu.Lock()
	delete(q.inflight, file)
	q.mu.Unlock()
}

// Depth reports the number of queued (not yet dequeued) jobs.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Close stops admission. Queued jobs remain drainable via Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
