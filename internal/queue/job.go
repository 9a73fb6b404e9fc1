// Package queue implements the Job Queue: a persistent FIFO of
// (execution, node) work items with at-least-once delivery, bounded
// worker concurrency, and exponential-backoff retries.
//
// Designed fresh — the teacher's application/executor/engine.go has no
// background queue at all, only a synchronous wave-based call — but
// its retry math is lifted verbatim from the teacher's
// internal/application/executor/retry.go, and its worker-pool shape
// (bounded goroutines draining a channel, sync.WaitGroup-gated
// shutdown) generalizes the same file's RetryExecutor loop into a
// standing pool instead of a one-shot retry wrapper.
package queue

import "time"

// JobStatus is a JobItem's row state in the durable backing store.
type JobStatus string

const (
	// StatusPending is ready to be pulled by a worker once AvailableAt
	// has passed.
	StatusPending JobStatus = "pending"
	// StatusLeased means a worker pulled it and has not yet reported
	// terminal completion. A row still in this state when the queue
	// starts up means the process died mid-execution; it is
	// redelivered.
	StatusLeased JobStatus = "leased"
	// StatusDone marks a row that is never redelivered. Queue itself
	// does not write it: on terminal success or failure the row is
	// deleted instead.
	StatusDone JobStatus = "done"
)

// JobItem is one unit of work: execute node NodeID of execution
// ExecutionID with the already-assembled Input. Matches spec.md §3's
// JobItem exactly.
type JobItem struct {
	ID          string
	ExecutionID string
	NodeID      string
	Input       any
	Attempt     int // >= 1
	EnqueuedAt  time.Time

	// AttemptsRemaining is decremented on each retryable failure; the
	// job is redelivered only while it is > 0 after decrementing.
	AttemptsRemaining int
	// AvailableAt is when a worker may next pull this job — the
	// backoff delay is expressed by pushing this into the future
	// rather than by a worker sleeping while holding a slot.
	AvailableAt time.Time
	// Status is the durable row's lifecycle state.
	Status JobStatus
}
