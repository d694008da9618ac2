package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"podownloader/internal/automation"
	"podownloader/internal/pool"
	"podownloader/internal/queue"
)

// processSequential runs jobs strictly in order with direct call-through
// against a dedicated single session, bypassing queue indirection. Retry,
// classification, progress and persistence semantics match parallel mode.
func (s *Session) processSequential(jobs []Job, fn pool.TaskFunc) (int, int, error) {
	prof, err := s.profiles.CreateProfile("")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create sequential profile: %w", err)
	}
	if err := s.profiles.Activate(prof.ID); err != nil {
		_ = s.profiles.DeleteProfile(prof.ID)
		return 0, 0, fmt.Errorf("failed to activate sequential profile: %w", err)
	}
	defer func() {
		if err := s.profiles.DeleteProfile(prof.ID); err != nil {
			log.Printf("WARNING: sequential profile cleanup failed: %v", err)
		}
	}()

	sess, err := s.factory.CreateSession(context.Background(), prof.Path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create sequential session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("WARNING: sequential session close failed: %v", err)
		}
	}()

	var succeeded, failed int
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			failed++
			log.Printf("WARNING: skipping invalid job %q: %v", job.PONumber, err)
			continue
		}
		if s.runSequentialJob(sess, fn, job) {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed, nil
}

// runSequentialJob executes one job with the full retry loop and reports
// it through the same callback path the pool uses.
func (s *Session) runSequentialJob(sess automation.Session, fn pool.TaskFunc, job Job) bool {
	taskID := uuid.New().String()

	for attempt := 0; ; attempt++ {
		start := time.Now()
		result, err := s.runWithDeadline(sess, fn, job)
		duration := time.Since(start)

		if err == nil {
			s.handleResult(pool.ResultEvent{
				TaskID:    taskID,
				Payload:   job,
				Result:    result,
				Duration:  duration,
				Attempt:   attempt,
				Completed: true,
				Terminal:  true,
			})
			return true
		}

		classification := s.classifier.Classify(err)
		retryable := s.policy.ShouldRetry(err, attempt)

		var delay time.Duration
		if retryable {
			delay = s.policy.Delay(attempt)
		}
		s.mu.Lock()
		s.seqRecords[taskID] = append(s.seqRecords[taskID], queue.RetryAttempt{
			Attempt:   attempt,
			Error:     err.Error(),
			Timestamp: time.Now(),
			NextDelay: delay,
		})
		s.mu.Unlock()

		if !retryable {
			s.handleResult(pool.ResultEvent{
				TaskID:         taskID,
				Payload:        job,
				Err:            err,
				Classification: &classification,
				Duration:       duration,
				Attempt:        attempt,
				Terminal:       true,
			})
			return false
		}

		log.Printf("[%s] attempt %d failed, retrying in %v: %v", taskID, attempt, delay, err)
		s.handleResult(pool.ResultEvent{
			TaskID:         taskID,
			Payload:        job,
			Err:            err,
			Classification: &classification,
			Duration:       duration,
			Attempt:        attempt,
		})
		time.Sleep(delay)
	}
}

// runWithDeadline applies the per-task timeout and converts a task panic
// into an ordinary error, mirroring the worker's execution boundary.
func (s *Session) runWithDeadline(sess automation.Session, fn pool.TaskFunc, job Job) (result any, err error) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if s.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	result, err = fn(ctx, sess, job)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("task timed out after %v: %w", s.cfg.TaskTimeout, context.DeadlineExceeded)
	}
	return result, err
}
