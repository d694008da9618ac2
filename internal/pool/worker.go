package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"podownloader/internal/automation"
	"podownloader/internal/classify"
	"podownloader/internal/queue"
)

// WorkerState tracks one worker's loop: Idle -> Busy -> Idle, or
// Busy -> Terminated on an unrecoverable crash.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerBusy       WorkerState = "busy"
	WorkerDraining   WorkerState = "draining"
	WorkerTerminated WorkerState = "terminated"
)

// worker is a long-lived execution context bound to exactly one profile and
// one automation session. It executes at most one task at a time.
type worker struct {
	id          string
	profileID   string
	profilePath string
	sess        automation.Session
	pool        *Pool

	mu      sync.Mutex
	state   WorkerState
	drainCh chan struct{}

	drainOnce    sync.Once
	shutdownOnce sync.Once
}

// spawnWorkerLocked allocates a profile, opens an automation session and
// starts the worker loop. Caller holds p.mu.
func (p *Pool) spawnWorkerLocked() (*worker, error) {
	id := "worker-" + strings.Split(uuid.New().String(), "-")[0]

	prof, err := p.profiles.CreateProfile("")
	if err != nil {
		return nil, fmt.Errorf("profile creation failed: %w", err)
	}
	if err := p.profiles.Activate(prof.ID); err != nil {
		_ = p.profiles.DeleteProfile(prof.ID)
		return nil, fmt.Errorf("profile activation failed: %w", err)
	}

	sess, err := p.factory.CreateSession(p.hardCtx, prof.Path)
	if err != nil {
		_ = p.profiles.DeleteProfile(prof.ID)
		return nil, fmt.Errorf("session creation failed: %w", err)
	}

	w := &worker{
		id:          id,
		profileID:   prof.ID,
		profilePath: prof.Path,
		sess:        sess,
		pool:        p,
		state:       WorkerIdle,
		drainCh:     make(chan struct{}),
	}
	p.workers[id] = w
	p.wg.Add(1)
	go w.run()
	return w, nil
}

// run is the worker loop: dequeue, execute under deadline, report back.
// A panic escaping the task boundary terminates the worker; its profile is
// deleted and the pool spawns a replacement if still running.
func (w *worker) run() {
	defer w.pool.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: worker %s terminated by backend crash: %v", w.id, r)
			w.setState(WorkerTerminated)
			w.shutdown()
			go w.pool.replaceWorker(w.id)
		}
	}()

	for {
		select {
		case <-w.pool.drainCtx.Done():
			w.setState(WorkerDraining)
			w.shutdown()
			return
		case <-w.drainCh:
			w.setState(WorkerDraining)
			w.shutdown()
			return
		default:
		}

		task, ok := w.pool.queue.GetNext(w.id, w.pool.opts.PollInterval)
		if !ok {
			continue
		}
		w.execute(task)
	}
}

// execute runs one task to a success, retry or terminal-failure outcome.
func (w *worker) execute(task *queue.Task) {
	w.setState(WorkerBusy)
	defer w.setState(WorkerIdle)

	fn, ok := w.pool.taskFn(task.ID)
	if !ok {
		// Integration bug: a task without a registered function can never
		// succeed, so fail it through the normal retry path.
		w.fail(task, fmt.Errorf("validation failed: no task function registered for task %s", task.ID), 0)
		return
	}

	ctx := w.pool.hardCtx
	cancel := context.CancelFunc(func() {})
	if w.pool.opts.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.pool.opts.TaskTimeout)
	}
	defer cancel()

	start := time.Now()
	result, err := runTask(ctx, fn, w.sess, task.Payload)
	duration := time.Since(start)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("task timed out after %v: %w", w.pool.opts.TaskTimeout, context.DeadlineExceeded)
	}

	if err != nil {
		w.fail(task, err, duration)
		return
	}

	if cerr := w.pool.queue.Complete(task.ID, w.id, result); cerr != nil {
		// Straggling result for a task the queue no longer credits to us.
		log.Printf("WARNING: worker %s could not complete task %s: %v", w.id, task.ID, cerr)
		return
	}
	w.pool.forgetTask(task.ID)
	w.pool.notify(ResultEvent{
		TaskID:    task.ID,
		WorkerID:  w.id,
		Payload:   task.Payload,
		Result:    result,
		Duration:  duration,
		Attempt:   task.Attempt,
		Completed: true,
		Terminal:  true,
	})
}

// fail routes a task failure through classification and the retry policy.
func (w *worker) fail(task *queue.Task, taskErr error, duration time.Duration) {
	var classification *classify.Classification
	if w.pool.classifier != nil {
		c := w.pool.classifier.Classify(taskErr)
		classification = &c
	}

	retried, rerr := w.pool.queue.Retry(task.ID, taskErr)
	if rerr != nil {
		log.Printf("WARNING: worker %s could not report failure for task %s: %v", w.id, task.ID, rerr)
		return
	}

	if retried {
		log.Printf("[%s] attempt %d failed, retrying: %v", task.ID, task.Attempt, taskErr)
	} else {
		log.Printf("[%s] failed permanently after attempt %d: %v", task.ID, task.Attempt, taskErr)
		w.pool.forgetTask(task.ID)
	}

	w.pool.notify(ResultEvent{
		TaskID:         task.ID,
		WorkerID:       w.id,
		Payload:        task.Payload,
		Err:            taskErr,
		Classification: classification,
		Duration:       duration,
		Attempt:        task.Attempt,
		Terminal:       !retried,
	})
}

// runTask invokes the task function, converting a panic inside the task
// boundary into an ordinary task error.
func runTask(ctx context.Context, fn TaskFunc, sess automation.Session, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, sess, payload)
}

// drain asks this worker to finish its current task and exit.
func (w *worker) drain() {
	w.drainOnce.Do(func() { close(w.drainCh) })
}

// shutdown closes the session and releases the profile. Idempotent.
func (w *worker) shutdown() {
	w.shutdownOnce.Do(func() {
		if w.sess != nil {
			if err := w.sess.Close(); err != nil {
				log.Printf("WARNING: worker %s session close failed: %v", w.id, err)
			}
		}
		if err := w.pool.profiles.Deactivate(w.profileID); err != nil {
			log.Printf("WARNING: worker %s profile deactivate failed: %v", w.id, err)
		}
		if err := w.pool.profiles.DeleteProfile(w.profileID); err != nil {
			log.Printf("WARNING: worker %s profile cleanup failed: %v", w.id, err)
		}
	})
}

func (w *worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the worker's current loop state.
func (w *worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
