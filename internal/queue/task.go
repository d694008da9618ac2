package queue

import "time"

// TaskStatus tracks a task through its lifecycle:
// Pending -> Assigned -> {Completed | Retrying -> Pending | Failed}.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusRetrying  TaskStatus = "retrying"
)

// Validator is implemented by payloads that can check themselves at
// submission time. Payloads without it are only checked for nil.
type Validator interface {
	Validate() error
}

// Task is one immutable unit of work: fetch the attachments for one
// purchase order. The queue owns it until assignment, the assigned worker
// owns it during execution, then ownership reverts to the queue.
type Task struct {
	ID          string
	Payload     any
	Priority    int // higher runs first when priority ordering is enabled
	SubmittedAt time.Time
	Attempt     int // zero-indexed execution attempt
	Status      TaskStatus
}

// RetryAttempt is one entry in a task's retry history.
type RetryAttempt struct {
	Attempt   int
	Error     string
	Timestamp time.Time
	NextDelay time.Duration
}

// newTask builds a pending task under the given ID.
func newTask(id string, payload any, priority int) *Task {
	return &Task{
		ID:          id,
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: time.Now(),
		Status:      StatusPending,
	}
}
