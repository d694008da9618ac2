package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"podownloader/internal/automation"
	"podownloader/internal/classify"
	"podownloader/internal/profile"
	"podownloader/internal/queue"
)

// TaskFunc executes one job against a worker's automation session. It is
// supplied by the caller per submitted job; the only contract is that it
// respects ctx's deadline.
type TaskFunc func(ctx context.Context, sess automation.Session, payload any) (any, error)

// State tracks the pool lifecycle: Initialized -> Running -> Stopped.
// Start after Stop is permitted and recreates the workers.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
)

var (
	ErrPoolNotRunning = errors.New("worker pool is not running")
	ErrNoWorkers      = errors.New("no workers could be created")
)

// ResultEvent describes one terminal or retried task execution, fed to the
// session's completion callback path.
type ResultEvent struct {
	TaskID         string
	WorkerID       string
	Payload        any
	Result         any
	Err            error
	Classification *classify.Classification
	Duration       time.Duration
	Attempt        int
	Completed      bool // task reached Completed
	Terminal       bool // task reached Completed or Failed (false = retrying)
}

// ResourceUsage reports the pool's worker and disk footprint.
type ResourceUsage struct {
	ActiveWorkers       int
	PerProfileDiskBytes map[string]int64
	TotalDiskBytes      int64
}

// Options configures a Pool.
type Options struct {
	MaxWorkers   int
	TaskTimeout  time.Duration // 0 = unlimited
	StopGrace    time.Duration // drain window before force-termination
	PollInterval time.Duration // worker dequeue poll, keeps Stop responsive
	OnResult     func(ResultEvent)
}

// Pool owns up to MaxWorkers execution workers, each bound to one isolated
// profile and one automation session. Workers pull tasks from the queue,
// execute them under a deadline and feed results back through the queue.
type Pool struct {
	opts       Options
	queue      *queue.Queue
	profiles   *profile.Manager
	factory    automation.SessionFactory
	classifier *classify.Classifier

	mu      sync.Mutex
	state   State
	workers map[string]*worker
	taskFns map[string]TaskFunc
	wg      sync.WaitGroup

	// drainCtx asks workers to stop pulling new tasks; hardCtx cancels
	// in-flight executions after the grace period.
	drainCtx   context.Context
	drainStop  context.CancelFunc
	hardCtx    context.Context
	hardCancel context.CancelFunc
}

// New creates a pool in the Initialized state.
func New(opts Options, q *queue.Queue, profiles *profile.Manager, factory automation.SessionFactory, classifier *classify.Classifier) *Pool {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 30 * time.Second
	}
	return &Pool{
		opts:       opts,
		queue:      q,
		profiles:   profiles,
		factory:    factory,
		classifier: classifier,
		state:      StateInitialized,
		workers:    make(map[string]*worker),
		taskFns:    make(map[string]TaskFunc),
	}
}

// Start creates up to MaxWorkers workers. A per-worker creation failure is
// logged and the pool continues with fewer workers; Start fails only if
// zero workers could be created.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning {
		return nil
	}

	p.drainCtx, p.drainStop = context.WithCancel(context.Background())
	p.hardCtx, p.hardCancel = context.WithCancel(context.Background())

	created := 0
	for i := 0; i < p.opts.MaxWorkers; i++ {
		w, err := p.spawnWorkerLocked()
		if err != nil {
			log.Printf("WARNING: failed to create worker %d/%d: %v", i+1, p.opts.MaxWorkers, err)
			continue
		}
		created++
		log.Printf("Worker %s started with profile %s", w.id, w.profileID)
	}

	if created == 0 {
		p.drainStop()
		p.hardCancel()
		return fmt.Errorf("%w: all %d worker creations failed", ErrNoWorkers, p.opts.MaxWorkers)
	}

	p.state = StateRunning
	log.Printf("Worker pool running with %d/%d workers", created, p.opts.MaxWorkers)
	return nil
}

// Submit enqueues a payload with its task function and returns a future
// resolving to the task's result or terminal error.
func (p *Pool) Submit(fn TaskFunc, payload any, priority int) (*Future, error) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != StateRunning {
		return nil, ErrPoolNotRunning
	}

	// The function must be registered before the task is visible to
	// workers, or a fast worker could dequeue it and find no function.
	taskID := uuid.New().String()
	p.mu.Lock()
	p.taskFns[taskID] = fn
	p.mu.Unlock()

	if _, err := p.queue.SubmitWithID(taskID, payload, priority); err != nil {
		p.forgetTask(taskID)
		return nil, err
	}

	return &Future{taskID: taskID, queue: p.queue}, nil
}

// Resize adds or removes workers at runtime, never exceeding the
// originally configured MaxWorkers. A removed worker drains its current
// task to completion before its profile is deallocated.
func (p *Pool) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", n)
	}
	if n > p.opts.MaxWorkers {
		n = p.opts.MaxWorkers
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return ErrPoolNotRunning
	}

	for len(p.workers) < n {
		w, err := p.spawnWorkerLocked()
		if err != nil {
			return fmt.Errorf("failed to add worker: %w", err)
		}
		log.Printf("Worker %s added by resize", w.id)
	}

	for id, w := range p.workers {
		if len(p.workers) <= n {
			break
		}
		w.drain()
		delete(p.workers, id)
		log.Printf("Worker %s draining for removal", id)
	}
	return nil
}

// WorkerCount returns the number of live workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// State returns the pool lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// GetResourceUsage reports active workers and profile disk usage.
func (p *Pool) GetResourceUsage() ResourceUsage {
	perProfile, total := p.profiles.DiskUsage()
	p.mu.Lock()
	active := len(p.workers)
	p.mu.Unlock()
	return ResourceUsage{
		ActiveWorkers:       active,
		PerProfileDiskBytes: perProfile,
		TotalDiskBytes:      total,
	}
}

// Stop signals all workers to drain, joins them within the grace period,
// force-cancels stragglers, then closes sessions and deletes profiles.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	drainStop := p.drainStop
	hardCancel := p.hardCancel
	p.mu.Unlock()

	drainStop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.opts.StopGrace):
		log.Printf("WARNING: grace period elapsed, force-terminating in-flight tasks")
		hardCancel()
		<-done
	}
	hardCancel()

	p.mu.Lock()
	for id, w := range p.workers {
		w.shutdown()
		delete(p.workers, id)
	}
	p.taskFns = make(map[string]TaskFunc)
	p.mu.Unlock()

	if errs := p.profiles.CleanupAll(); len(errs) > 0 {
		log.Printf("WARNING: %d profiles could not be cleaned up", len(errs))
	}
	log.Printf("Worker pool stopped")
}

// taskFn looks up the function registered for a task.
func (p *Pool) taskFn(taskID string) (TaskFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn, ok := p.taskFns[taskID]
	return fn, ok
}

// forgetTask drops the function for a terminal task.
func (p *Pool) forgetTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.taskFns, taskID)
}

// replaceWorker spins up a replacement for a terminated worker while the
// pool is still running.
func (p *Pool) replaceWorker(deadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.workers, deadID)
	if p.state != StateRunning {
		return
	}
	w, err := p.spawnWorkerLocked()
	if err != nil {
		log.Printf("WARNING: failed to replace terminated worker %s: %v", deadID, err)
		return
	}
	log.Printf("Worker %s replaces terminated worker %s", w.id, deadID)
}

// notify delivers a result event to the registered callback.
func (p *Pool) notify(ev ResultEvent) {
	if p.opts.OnResult == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: result callback panicked: %v", r)
		}
	}()
	p.opts.OnResult(ev)
}

// Future resolves to a submitted task's result or terminal error.
type Future struct {
	taskID string
	queue  *queue.Queue
}

// TaskID returns the underlying task's ID.
func (f *Future) TaskID() string { return f.taskID }

// Wait blocks until the task reaches a terminal state.
func (f *Future) Wait() (any, error) {
	return f.queue.Wait(f.taskID)
}
