package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"podownloader/internal/automation"
	"podownloader/internal/classify"
	"podownloader/internal/config"
	"podownloader/internal/models"
	"podownloader/internal/pool"
	"podownloader/internal/profile"
	"podownloader/internal/progress"
	"podownloader/internal/queue"
	"podownloader/internal/retry"
)

// Mode selects how a batch is processed.
type Mode string

const (
	// ModeSequential processes jobs in order on a single worker with
	// direct call-through, bypassing queue indirection entirely.
	ModeSequential Mode = "sequential"
	// ModeParallel fans jobs out across the full worker pool.
	ModeParallel Mode = "parallel"
)

// ErrSessionNotActive is returned by Process before Start or after Stop.
var ErrSessionNotActive = errors.New("processing session is not active")

// Job is the payload for one purchase-order download.
type Job struct {
	PONumber string `json:"po_number"`
	Supplier string `json:"supplier"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// Validate implements queue.Validator; checked at submission time.
func (j Job) Validate() error {
	if j.PONumber == "" {
		return fmt.Errorf("po number must not be empty")
	}
	return nil
}

// ProgressSink receives a progress snapshot on every task state change.
// Panics inside the sink are caught and ignored.
type ProgressSink func(progress.Snapshot)

// Session wires the queue, pool, tracker and persistence together and
// exposes "submit a batch of jobs and block until done".
type Session struct {
	cfg     config.Config
	db      *gorm.DB // optional, nil disables persistence
	factory automation.SessionFactory
	sink    ProgressSink

	classifier *classify.Classifier
	policy     *retry.Policy
	profiles   *profile.Manager
	queue      *queue.Queue
	pool       *pool.Pool

	mu      sync.Mutex
	active  bool
	mode    Mode
	tracker *progress.Tracker
	batchID string

	// sequential-mode retry histories, keyed by task ID
	seqRecords map[string][]queue.RetryAttempt
}

// New creates an inactive session. db may be nil to disable durable task
// history; sink may be nil.
func New(cfg config.Config, factory automation.SessionFactory, db *gorm.DB, sink ProgressSink) *Session {
	return &Session{
		cfg:        cfg,
		db:         db,
		factory:    factory,
		sink:       sink,
		seqRecords: make(map[string][]queue.RetryAttempt),
	}
}

// Start brings up the session in the given mode. Sequential mode uses
// exactly one worker regardless of maxWorkers.
func (s *Session) Start(mode Mode, maxWorkers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return fmt.Errorf("session already started")
	}
	if maxWorkers <= 0 {
		maxWorkers = s.cfg.MaxWorkers
	}
	if maxWorkers > s.cfg.MaxWorkers {
		maxWorkers = s.cfg.MaxWorkers
	}

	s.classifier = classify.NewClassifier()
	s.policy = retry.NewPolicy(retry.Options{
		MaxRetries:    s.cfg.MaxRetries,
		BaseDelay:     s.cfg.BaseDelay,
		MaxDelay:      s.cfg.MaxDelay,
		BackoffBase:   s.cfg.BackoffBase,
		JitterEnabled: s.cfg.JitterEnabled,
		JitterFactor:  s.cfg.JitterFactor,
	}, s.classifier)
	s.profiles = profile.NewManager(s.cfg.ProfileBaseDirectory, s.cfg.ProfilePrefix, s.cfg.MaxTotalProfileDiskBytes)

	if mode == ModeSequential {
		// Direct call-through on a single session; no queue or pool is
		// created, so no idle worker resources are allocated.
		s.mode = mode
		s.active = true
		log.Printf("Processing session started: mode=%s, workers=1", mode)
		return nil
	}

	s.queue = queue.New(s.cfg.QueueCapacity, s.cfg.PriorityEnabled, s.policy)
	s.pool = pool.New(pool.Options{
		MaxWorkers:  maxWorkers,
		TaskTimeout: s.cfg.TaskTimeout,
		StopGrace:   s.cfg.StopGracePeriod,
		OnResult:    s.handleResult,
	}, s.queue, s.profiles, s.factory, s.classifier)

	if err := s.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	s.mode = mode
	s.active = true
	log.Printf("Processing session started: mode=%s, workers=%d", mode, s.pool.WorkerCount())
	return nil
}

// Process submits a batch of jobs and blocks until every job reaches a
// terminal state, returning (successCount, failedCount). A submitted job
// is never silently dropped: each one ends Completed or Failed.
func (s *Session) Process(jobs []Job, fn pool.TaskFunc) (int, int, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0, 0, ErrSessionNotActive
	}
	mode := s.mode
	s.tracker = progress.NewTracker(len(jobs), s.cfg.ConfidenceThreshold)
	s.mu.Unlock()

	batch := &models.DownloadBatch{
		Mode:      string(mode),
		Submitted: len(jobs),
		StartedAt: time.Now(),
	}
	if s.db != nil {
		if err := s.db.Create(batch).Error; err != nil {
			log.Printf("WARNING: failed to create batch record: %v", err)
		}
	}
	s.mu.Lock()
	s.batchID = batch.ID
	s.mu.Unlock()

	var succeeded, failed int
	var err error
	if mode == ModeSequential {
		succeeded, failed, err = s.processSequential(jobs, fn)
	} else {
		succeeded, failed, err = s.processParallel(jobs, fn)
	}

	now := time.Now()
	batch.Succeeded = succeeded
	batch.Failed = failed
	batch.CompletedAt = &now
	if s.db != nil {
		if serr := s.db.Save(batch).Error; serr != nil {
			log.Printf("WARNING: failed to update batch record: %v", serr)
		}
	}

	log.Printf("Batch %s finished: %d succeeded, %d failed", batch.ID, succeeded, failed)
	return succeeded, failed, err
}

// processParallel fans jobs out through the queue and waits on every
// future.
func (s *Session) processParallel(jobs []Job, fn pool.TaskFunc) (int, int, error) {
	futures := make([]*pool.Future, 0, len(jobs))
	for _, job := range jobs {
		f, err := s.pool.Submit(fn, job, job.Priority)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to submit job %s: %w", job.PONumber, err)
		}
		futures = append(futures, f)
	}

	var succeeded, failed int
	for _, f := range futures {
		if _, err := f.Wait(); err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	return succeeded, failed, nil
}

// Stop shuts the session down cooperatively. In-flight tasks finish or hit
// their deadline; the pool force-terminates stragglers after the grace
// period.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	p := s.pool
	q := s.queue
	s.mu.Unlock()

	if q != nil {
		q.Close()
	}
	if p != nil {
		p.Stop()
	}
	log.Printf("Processing session stopped")
}

// handleResult is the pool's completion callback path: it feeds the
// tracker, persists terminal tasks and notifies the progress sink.
func (s *Session) handleResult(ev pool.ResultEvent) {
	s.mu.Lock()
	tracker := s.tracker
	batchID := s.batchID
	s.mu.Unlock()

	if ev.Terminal && tracker != nil {
		if ev.Completed {
			tracker.RecordCompletion(ev.Duration)
		} else {
			tracker.RecordFailure(ev.Duration)
		}
	}

	if ev.Terminal {
		s.persistTask(ev, batchID)
	}
	s.emitProgress()
}

// persistTask writes the durable history row for a terminal task.
func (s *Session) persistTask(ev pool.ResultEvent, batchID string) {
	if s.db == nil {
		return
	}

	record := &models.TaskRecord{
		ID:         ev.TaskID,
		BatchID:    batchID,
		Status:     string(queue.StatusCompleted),
		Attempts:   ev.Attempt + 1,
		DurationMs: ev.Duration.Milliseconds(),
	}
	if job, ok := ev.Payload.(Job); ok {
		record.PONumber = job.PONumber
		record.Supplier = job.Supplier
	}
	if !ev.Completed {
		record.Status = string(queue.StatusFailed)
		if ev.Err != nil {
			record.ErrorText = ev.Err.Error()
		}
		if ev.Classification != nil {
			record.ErrorCategory = string(ev.Classification.Category)
		}
	}

	if err := s.db.Create(record).Error; err != nil {
		log.Printf("WARNING: failed to persist task record %s: %v", ev.TaskID, err)
	}
}

// emitProgress delivers a snapshot to the sink, swallowing sink panics.
func (s *Session) emitProgress() {
	s.mu.Lock()
	sink := s.sink
	tracker := s.tracker
	s.mu.Unlock()

	if sink == nil || tracker == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: progress sink panicked: %v", r)
		}
	}()
	sink(tracker.Snapshot())
}

// Progress returns the current batch snapshot.
func (s *Session) Progress() progress.Snapshot {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return progress.Snapshot{}
	}
	return tracker.Snapshot()
}

// QueueStatus returns the queue's point-in-time snapshot.
func (s *Session) QueueStatus() queue.Status {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return queue.Status{}
	}
	return q.Status()
}

// Metrics returns aggregate queue metrics.
func (s *Session) Metrics() queue.Metrics {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return queue.Metrics{}
	}
	return q.Metrics()
}

// ResourceUsage reports worker count and profile disk usage. Sequential
// mode has no pool; its single profile is reported with zero workers.
func (s *Session) ResourceUsage() pool.ResourceUsage {
	s.mu.Lock()
	p := s.pool
	profiles := s.profiles
	s.mu.Unlock()
	if p == nil {
		if profiles == nil {
			return pool.ResourceUsage{}
		}
		perProfile, total := profiles.DiskUsage()
		return pool.ResourceUsage{
			PerProfileDiskBytes: perProfile,
			TotalDiskBytes:      total,
		}
	}
	return p.GetResourceUsage()
}

// RetryHistory returns the recorded retry attempts for a task, covering
// both parallel and sequential processing.
func (s *Session) RetryHistory(taskID string) []queue.RetryAttempt {
	s.mu.Lock()
	q := s.queue
	seq, hasSeq := s.seqRecords[taskID]
	s.mu.Unlock()

	if hasSeq {
		out := make([]queue.RetryAttempt, len(seq))
		copy(out, seq)
		return out
	}
	if q == nil {
		return nil
	}
	return q.RetryHistory(taskID)
}
