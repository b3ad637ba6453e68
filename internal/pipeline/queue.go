package pipeline

import "errors"

// ErrQueueFull is returned by JobQueue.Push when the queue is at capacity.
var ErrQueueFull = errors.New("job queue is full")

// JobQueue is a bounded FIFO of jobs backed by a fixed ring buffer.
// It is not safe for concurrent use; the dispatcher owns it.
type JobQueue struct {
	items []Job
	head  int
	size  int
}

// NewJobQueue creates a queue that holds at most capacity jobs.
func NewJobQueue(capacity int) *JobQueue {
	return &JobQueue{items: make([]Job, capacity)}
}

// Push appends job to the tail of the queue.
func (q *JobQueue) Push(job Job) error {
	if q.size >= len(q.items) {
		return ErrQueueFull
	}
	q.items[(q.head+q.size)%len(q.items)] = job
	q.size++
	return nil
}

// Pop removes and returns the job at the head of the queue.
func (q *JobQueue) Pop() (Job, bool) {
	if q.size == 0 {
		return Job{}, false
	}
	job := q.items[q.head]
	q.items[q.head] = Job{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return job, true
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int { return q.size }

// Cap returns the capacity of the queue.
func (q *JobQueue) Cap() int { return len(q.items) }

// Free returns how many jobs can be pushed before the queue is full.
func (q *JobQueue) Free() int { return len(q.items) - q.size }

// Saturated reports whether the queue has reached its capacity.
func (q *JobQueue) Saturated() bool { return q.size >= len(q.items) }
