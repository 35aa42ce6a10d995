// Package queue implements a priority task queue over the key-value store:
// strict priority with FIFO ordering inside a priority level, at-least-once
// delivery through a processing set with visibility timeouts, exponential
// retry backoff, and a dead-letter queue for tasks that exhaust their
// attempts.
//
// Every state transition (enqueue, dequeue, complete, fail, promote, reap) is
// an atomic Lua script so concurrent workers can never observe or produce a
// half-applied transition.
package queue

import (
	"time"

	"github.com/google/uuid"

	"goa.design/stratum/tenant"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusQueued means the task is waiting in the pending or delayed set.
	StatusQueued Status = "queued"
	// StatusInProgress means a worker holds the task.
	StatusInProgress Status = "in_progress"
	// StatusSucceeded means the task completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the last attempt failed; the task waits in the
	// delayed set until its retry backoff elapses.
	StatusFailed Status = "failed"
	// StatusDeadLettered means the task exhausted its attempts.
	StatusDeadLettered Status = "dead_lettered"
)

type (
	// Task is a unit of queued work. Tenant is the scope the work belongs
	// to; Enqueue fills it from the context when left empty.
	Task struct {
		ID         string
		Type       string
		Payload    []byte
		Priority   int
		Tenant     tenant.Scope
		Status     Status
		Attempts   int
		EnqueuedAt time.Time
		StartedAt  time.Time
		LastError  string
	}

	// Config defines the behavior of one queue type.
	Config struct {
		// MaxSize bounds the pending set; Enqueue fails with *FullError
		// beyond it. Zero means unbounded.
		MaxSize int64
		// PriorityLevels is the number of distinct priorities, 0 (highest)
		// through PriorityLevels-1.
		PriorityLevels int
		// ProcessingTimeout is the visibility timeout: a task held longer is
		// reaped and retried.
		ProcessingTimeout time.Duration
		// MaxAttempts bounds delivery attempts before dead-lettering.
		MaxAttempts int
		// RetryBase and RetryMax bound the exponential retry backoff.
		RetryBase time.Duration
		RetryMax  time.Duration
		// Jitter adds up to the given fraction of randomness to each backoff.
		Jitter float64
		// Retention is how long a succeeded task record is kept.
		Retention time.Duration
	}
)

// DefaultQueueConfig returns the default per-type queue configuration.
func DefaultQueueConfig() Config {
	return Config{
		MaxSize:           10000,
		PriorityLevels:    3,
		ProcessingTimeout: 5 * time.Minute,
		MaxAttempts:       3,
		RetryBase:         time.Second,
		RetryMax:          5 * time.Minute,
		Jitter:            0.1,
		Retention:         time.Hour,
	}
}

// NewTask constructs a task with a fresh id.
func NewTask(taskType string, payload []byte, priority int) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Type:     taskType,
		Payload:  payload,
		Priority: priority,
		Status:   StatusQueued,
	}
}

// priorityStride separates priority bands in the pending set score. Within a
// band the enqueue timestamp in millis orders tasks FIFO; the stride is large
// enough that timestamps can never cross into the next band.
const priorityStride = int64(1) << 41

// pendingScore encodes strict priority then FIFO: lower scores pop first, so
// priority 0 occupies the lowest band.
func pendingScore(priority int, enqueuedMilli int64) float64 {
	return float64(int64(priority)*priorityStride + enqueuedMilli)
}
