package ingest

import (
	"errors"
	"time"
)

// ErrQueueFull is returned by Queue.TryEnqueue when the bounded FIFO
// queue has no free slot (spec §4.D step 1, DIMSE OutOfResources path).
var ErrQueueFull = errors.New("ingest queue is full")

// Job is one parsed C-STORE arrival waiting for an anonymizer worker.
type Job struct {
	Source string
	Raw    []byte
}

// Queue is the bounded FIFO the SCP handler enqueues onto and the
// worker pool dequeues from (spec §4.D).
type Queue struct {
	ch chan Job
}

// NewQueue creates a queue with the configured capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan Job, capacity)}
}

// TryEnqueue enqueues job without blocking, returning ErrQueueFull if
// the queue is at capacity.
func (q *Queue) TryEnqueue(job Job) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue waits up to timeout for a job, returning ok=false on timeout
// or once the queue is closed and drained (spec §4.D: "dequeue with a
// short timeout").
func (q *Queue) Dequeue(timeout time.Duration) (Job, bool) {
	select {
	case job, ok := <-q.ch:
		return job, ok
	case <-time.After(timeout):
		return Job{}, false
	}
}

// Len reports the number of jobs currently queued, used by the Control
// Plane's queue-depth metrics poller.
func (q *Queue) Len() int { return len(q.ch) }

// Close closes the underlying channel; workers drain remaining jobs
// then see the closed channel and exit.
func (q *Queue) Close() { close(q.ch) }
