package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"podownloader/internal/retry"
)

// Sentinel errors. QueueFull, TaskNotFound and WorkerMismatch are
// integration-contract violations and are always surfaced synchronously.
var (
	ErrQueueFull      = errors.New("queue is at capacity")
	ErrTaskNotFound   = errors.New("task not found")
	ErrWorkerMismatch = errors.New("task is assigned to a different worker")
	ErrTaskValidation = errors.New("task payload failed validation")
	ErrTaskCleared    = errors.New("task was cleared from the queue")
	ErrQueueClosed    = errors.New("queue is closed")
)

// entry wraps a task with queue-internal bookkeeping. A task's entry lives
// in exactly one of: the pending heap, the in-flight map, the terminal map.
type entry struct {
	task             *Task
	seq              uint64 // submission order, FIFO tiebreak
	enqueuedAt       time.Time
	assignedWorkerID string
	waitDuration     time.Duration
	index            int // heap index

	done   chan struct{} // closed when the task reaches a terminal state
	result any
	err    error
}

// pendingHeap orders entries by (priority desc, seq asc) when priority is
// enabled, by seq alone otherwise.
type pendingHeap struct {
	entries []*entry
	byPrio  bool
}

func (h *pendingHeap) Len() int { return len(h.entries) }

func (h *pendingHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if h.byPrio && a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

func (h *pendingHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *pendingHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	return e
}

// Status is a consistent point-in-time snapshot of the queue.
type Status struct {
	Pending             int
	Assigned            int
	Completed           int
	Failed              int
	Retrying            int
	QueueLength         int
	EstimatedCompletion *time.Time
	Throughput          float64 // completed tasks per second since creation
}

// Metrics aggregates queue activity counters.
type Metrics struct {
	TotalSubmitted  int
	TotalCompleted  int
	TotalFailed     int
	TotalRetried    int
	AverageWaitTime time.Duration
	PeakQueueSize   int
	Throughput      float64
}

// Queue is a thread-safe, optionally priority-ordered, bounded queue of
// pending download tasks with full lifecycle tracking. It is the single
// synchronization point shared by the pool's workers and submitters.
type Queue struct {
	capacity int // 0 = unbounded
	policy   *retry.Policy

	mu       sync.Mutex
	cond     *sync.Cond
	pending  pendingHeap
	inflight map[string]*entry
	retrying map[string]*entry // waiting out a backoff delay
	terminal map[string]*entry
	records  map[string][]RetryAttempt
	paused   bool
	closed   bool

	nextSeq        uint64
	createdAt      time.Time
	retryingCount  int
	totalSubmitted int
	totalCompleted int
	totalFailed    int
	totalRetried   int
	peakQueueSize  int
	waitTotal      time.Duration
	waitCount      int
}

// New creates a queue. capacity 0 means unbounded; priorityEnabled selects
// max-heap ordering by (priority, submission time) over strict FIFO.
func New(capacity int, priorityEnabled bool, policy *retry.Policy) *Queue {
	q := &Queue{
		capacity:  capacity,
		policy:    policy,
		pending:   pendingHeap{byPrio: priorityEnabled},
		inflight:  make(map[string]*entry),
		retrying:  make(map[string]*entry),
		terminal:  make(map[string]*entry),
		records:   make(map[string][]RetryAttempt),
		createdAt: time.Now(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit validates and enqueues a payload, returning the generated task ID.
func (q *Queue) Submit(payload any, priority int) (string, error) {
	return q.SubmitWithID(uuid.New().String(), payload, priority)
}

// SubmitWithID enqueues a payload under a caller-chosen task ID so the
// caller can register per-task state before the task becomes visible to
// workers.
func (q *Queue) SubmitWithID(id string, payload any, priority int) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: payload is nil", ErrTaskValidation)
	}
	if v, ok := payload.(Validator); ok {
		if err := v.Validate(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrTaskValidation, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", fmt.Errorf("%w: not accepting tasks", ErrQueueClosed)
	}
	if q.capacity > 0 && q.pending.Len() >= q.capacity {
		return "", fmt.Errorf("%w: %d pending", ErrQueueFull, q.pending.Len())
	}

	task := newTask(id, payload, priority)
	e := &entry{
		task:       task,
		seq:        q.nextSeq,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	q.nextSeq++
	heap.Push(&q.pending, e)
	q.totalSubmitted++
	if q.pending.Len() > q.peakQueueSize {
		q.peakQueueSize = q.pending.Len()
	}
	q.cond.Signal()

	return task.ID, nil
}

// GetNext atomically assigns the head task to workerID. It blocks up to
// timeout when the queue is empty or paused; timeout 0 is non-blocking and
// a negative timeout waits indefinitely. Returns false rather than erroring
// when nothing became available.
func (q *Queue) GetNext(workerID string, timeout time.Duration) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()
	}

	for q.paused || q.pending.Len() == 0 {
		if q.closed || timeout == 0 {
			return nil, false
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return nil, false
		}
		q.cond.Wait()
	}

	e := heap.Pop(&q.pending).(*entry)
	e.task.Status = StatusAssigned
	e.assignedWorkerID = workerID
	e.waitDuration = time.Since(e.enqueuedAt)
	q.inflight[e.task.ID] = e
	q.waitTotal += e.waitDuration
	q.waitCount++

	snapshot := *e.task
	return &snapshot, true
}

// Complete marks an assigned task as completed by workerID and records its
// result. A result arriving from a worker other than the assigned one
// (e.g. a straggler whose task was already handed elsewhere) fails with
// ErrWorkerMismatch.
func (q *Queue) Complete(taskID, workerID string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.assignedWorkerID != workerID {
		return fmt.Errorf("%w: task %s assigned to %s, completion from %s",
			ErrWorkerMismatch, taskID, e.assignedWorkerID, workerID)
	}

	delete(q.inflight, taskID)
	e.task.Status = StatusCompleted
	e.result = result
	q.terminal[taskID] = e
	q.totalCompleted++
	close(e.done)

	return nil
}

// Retry consults the retry policy for an assigned task that failed. When a
// retry is warranted the task re-enters the pending set with attempt+1
// after its backoff delay and Retry returns true; otherwise the task is
// marked Failed and Retry returns false.
func (q *Queue) Retry(taskID string, taskErr error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	attempt := e.task.Attempt
	// A closed queue has no workers left to run a retry.
	retryable := !q.closed && q.policy != nil && q.policy.ShouldRetry(taskErr, attempt)

	var delay time.Duration
	if retryable {
		delay = q.policy.Delay(attempt)
	}
	q.records[taskID] = append(q.records[taskID], RetryAttempt{
		Attempt:   attempt,
		Error:     taskErr.Error(),
		Timestamp: time.Now(),
		NextDelay: delay,
	})

	delete(q.inflight, taskID)

	if !retryable {
		e.task.Status = StatusFailed
		e.err = taskErr
		q.terminal[taskID] = e
		q.totalFailed++
		close(e.done)
		return false, nil
	}

	e.task.Status = StatusRetrying
	e.task.Attempt++
	e.assignedWorkerID = ""
	q.retrying[taskID] = e
	q.retryingCount++
	q.totalRetried++

	// Delayed requeue keeps the backoff out of the worker's dequeue path.
	time.AfterFunc(delay, func() { q.requeue(e) })

	return true, nil
}

// requeue moves a retrying entry back into the pending set.
func (q *Queue) requeue(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.retrying, e.task.ID)
	if e.task.Status != StatusRetrying {
		return // cleared or failed while the backoff timer was pending
	}
	e.task.Status = StatusPending
	e.enqueuedAt = time.Now()
	q.retryingCount--
	heap.Push(&q.pending, e)
	if q.pending.Len() > q.peakQueueSize {
		q.peakQueueSize = q.pending.Len()
	}
	q.cond.Signal()
}

// RetryHistory returns the recorded retry attempts for a task.
func (q *Queue) RetryHistory(taskID string) []RetryAttempt {
	q.mu.Lock()
	defer q.mu.Unlock()
	history := q.records[taskID]
	out := make([]RetryAttempt, len(history))
	copy(out, history)
	return out
}

// Wait blocks until the task reaches a terminal state, then returns its
// result or terminal error.
func (q *Queue) Wait(taskID string) (any, error) {
	q.mu.Lock()
	e := q.lookupLocked(taskID)
	q.mu.Unlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	<-e.done

	q.mu.Lock()
	defer q.mu.Unlock()
	return e.result, e.err
}

// lookupLocked finds a task's entry in whichever set currently owns it.
func (q *Queue) lookupLocked(taskID string) *entry {
	if e, ok := q.inflight[taskID]; ok {
		return e
	}
	if e, ok := q.retrying[taskID]; ok {
		return e
	}
	if e, ok := q.terminal[taskID]; ok {
		return e
	}
	for _, e := range q.pending.entries {
		if e.task.ID == taskID {
			return e
		}
	}
	return nil
}

// Pause stops GetNext from handing out tasks until Resume is called.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables task handout.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

// Clear drains all pending entries, failing each with ErrTaskCleared, and
// returns the count removed. In-flight tasks are unaffected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := len(q.pending.entries)
	for _, e := range q.pending.entries {
		e.task.Status = StatusFailed
		e.err = ErrTaskCleared
		q.terminal[e.task.ID] = e
		q.totalFailed++
		close(e.done)
	}
	q.pending.entries = nil
	return removed
}

// Close shuts the queue down: new submissions are rejected, blocked GetNext
// callers wake so workers can observe shutdown, and every pending or
// retrying entry fails with ErrQueueClosed so no waiter is left blocked on
// a task that can never run. In-flight tasks are left to their workers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true

	for _, e := range q.pending.entries {
		e.task.Status = StatusFailed
		e.err = ErrQueueClosed
		q.terminal[e.task.ID] = e
		q.totalFailed++
		close(e.done)
	}
	q.pending.entries = nil

	// Retrying entries would otherwise requeue into a dead queue when
	// their backoff timer fires.
	for id, e := range q.retrying {
		e.task.Status = StatusFailed
		e.err = ErrQueueClosed
		q.terminal[id] = e
		q.totalFailed++
		q.retryingCount--
		close(e.done)
		delete(q.retrying, id)
	}

	q.cond.Broadcast()
}

// Status returns a consistent point-in-time snapshot, safe to call
// concurrently with all mutating operations.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	throughput := q.throughputLocked()
	s := Status{
		Pending:     q.pending.Len(),
		Assigned:    len(q.inflight),
		Completed:   q.totalCompleted,
		Failed:      q.totalFailed,
		Retrying:    q.retryingCount,
		QueueLength: q.pending.Len(),
		Throughput:  throughput,
	}

	remaining := s.Pending + s.Assigned + s.Retrying
	if throughput > 0 && remaining > 0 {
		eta := time.Now().Add(time.Duration(float64(remaining)/throughput) * time.Second)
		s.EstimatedCompletion = &eta
	}
	return s
}

// Metrics returns aggregate activity counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avgWait time.Duration
	if q.waitCount > 0 {
		avgWait = q.waitTotal / time.Duration(q.waitCount)
	}
	return Metrics{
		TotalSubmitted:  q.totalSubmitted,
		TotalCompleted:  q.totalCompleted,
		TotalFailed:     q.totalFailed,
		TotalRetried:    q.totalRetried,
		AverageWaitTime: avgWait,
		PeakQueueSize:   q.peakQueueSize,
		Throughput:      q.throughputLocked(),
	}
}

// throughputLocked computes completed tasks per second since creation.
// Caller holds mu.
func (q *Queue) throughputLocked() float64 {
	elapsed := time.Since(q.createdAt).Seconds()
	if elapsed <= 0 || q.totalCompleted == 0 {
		return 0
	}
	return float64(q.totalCompleted) / elapsed
}
