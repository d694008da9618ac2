package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"podownloader/internal/models"
	"podownloader/internal/session"
)

// RunFunc executes one scheduled batch of jobs. The scheduler stays
// decoupled from how the batch is actually processed.
type RunFunc func(name string, jobs []session.Job) error

// Service manages cron-scheduled recurring download batches.
type Service struct {
	db     *gorm.DB
	cron   *cron.Cron
	run    RunFunc
	jobs   map[string]cron.EntryID // jobID -> cron entry ID
	jobsMu sync.RWMutex
}

// NewService creates a scheduler service. run is invoked for every firing
// of an enabled job.
func NewService(db *gorm.DB, run RunFunc) *Service {
	// Cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())
	return &Service{
		db:   db,
		cron: c,
		run:  run,
		jobs: make(map[string]cron.EntryID),
	}
}

// Start launches the cron runner and loads enabled jobs from the database.
func (s *Service) Start() error {
	log.Println("Starting scheduler...")

	s.cron.Start()

	var jobs []models.ScheduledJob
	if err := s.db.Where("enabled = ?", true).Find(&jobs).Error; err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.scheduleJob(&job); err != nil {
			log.Printf("WARNING: Failed to schedule job %s (%s): %v", job.Name, job.ID, err)
		} else {
			log.Printf("Scheduled job: %s (%s) with cron: %s", job.Name, job.ID, job.Cron)
		}
	}

	log.Printf("Scheduler started with %d enabled jobs", len(jobs))
	return nil
}

// Stop gracefully stops the scheduler, waiting for running invocations.
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Scheduler stopped")
	}
}

// BatchDefinition is the stored payload of a scheduled job: which purchase
// orders to fetch on every firing.
type BatchDefinition struct {
	Jobs []session.Job `json:"jobs"`
}

// UpsertJobRequest creates or updates a scheduled batch.
type UpsertJobRequest struct {
	Name     string        `json:"name"`
	Cron     string        `json:"cron"`
	Timezone string        `json:"timezone"`
	Enabled  bool          `json:"enabled"`
	Jobs     []session.Job `json:"jobs"`
}

// UpsertJob creates or updates a scheduled job by name.
func (s *Service) UpsertJob(req UpsertJobRequest) (string, error) {
	if req.Name == "" || req.Cron == "" {
		return "", fmt.Errorf("name and cron are required")
	}
	if len(req.Jobs) == 0 {
		return "", fmt.Errorf("at least one job is required")
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}

	var job models.ScheduledJob
	result := s.db.Where("name = ?", req.Name).First(&job)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			job = models.ScheduledJob{Name: req.Name}
		} else {
			return "", fmt.Errorf("failed to query job: %w", result.Error)
		}
	}

	payload, err := json.Marshal(BatchDefinition{Jobs: req.Jobs})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job.Cron = normalizedCron
	job.Timezone = req.Timezone
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	job.Enabled = req.Enabled
	job.Payload = string(payload)

	schedule, err := cronParser().Parse(job.Cron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now())
	job.NextRunAt = &nextRun

	if result.Error == gorm.ErrRecordNotFound {
		if err := s.db.Create(&job).Error; err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		if err := s.db.Save(&job).Error; err != nil {
			return "", fmt.Errorf("failed to update job: %w", err)
		}
	}

	if err := s.rescheduleJob(job.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}

	return job.ID, nil
}

// ListJobs retrieves all scheduled jobs.
func (s *Service) ListJobs() ([]models.ScheduledJob, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ToggleJob enables or disables a scheduled job without touching its
// definition.
func (s *Service) ToggleJob(jobID string, enabled bool) error {
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	job.Enabled = enabled
	if enabled {
		if schedule, err := cronParser().Parse(job.Cron); err == nil {
			nextRun := schedule.Next(time.Now())
			job.NextRunAt = &nextRun
		}
	} else {
		job.NextRunAt = nil
	}
	if err := s.db.Save(&job).Error; err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if !enabled {
		s.jobsMu.Lock()
		if entryID, exists := s.jobs[jobID]; exists {
			s.cron.Remove(entryID)
			delete(s.jobs, jobID)
		}
		s.jobsMu.Unlock()
		return nil
	}
	return s.scheduleJob(&job)
}

// DeleteJob removes a scheduled job.
func (s *Service) DeleteJob(jobID string) error {
	s.jobsMu.Lock()
	if entryID, exists := s.jobs[jobID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, jobID)
	}
	s.jobsMu.Unlock()

	if err := s.db.Delete(&models.ScheduledJob{}, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// scheduleJob adds an enabled job to the cron runner.
func (s *Service) scheduleJob(job *models.ScheduledJob) error {
	if !job.Enabled {
		return nil
	}

	s.jobsMu.Lock()
	if entryID, exists := s.jobs[job.ID]; exists {
		s.cron.Remove(entryID)
	}
	s.jobsMu.Unlock()

	jobID := job.ID
	entryID, err := s.cron.AddFunc(job.Cron, func() {
		s.executeJob(jobID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = entryID
	s.jobsMu.Unlock()

	return nil
}

// rescheduleJob reloads a job from the database and reschedules it.
func (s *Service) rescheduleJob(jobID string) error {
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			s.jobsMu.Lock()
			if entryID, exists := s.jobs[jobID]; exists {
				s.cron.Remove(entryID)
				delete(s.jobs, jobID)
			}
			s.jobsMu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	return s.scheduleJob(&job)
}

// executeJob fires one scheduled batch.
func (s *Service) executeJob(jobID string) {
	log.Printf("Executing scheduled job: %s", jobID)

	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		log.Printf("ERROR: Failed to load job %s: %v", jobID, err)
		return
	}

	now := time.Now()
	job.LastRunAt = &now
	if schedule, err := cronParser().Parse(job.Cron); err != nil {
		log.Printf("WARNING: Failed to parse cron for next run: %v", err)
	} else {
		nextRun := schedule.Next(now)
		job.NextRunAt = &nextRun
	}
	if err := s.db.Save(&job).Error; err != nil {
		log.Printf("WARNING: Failed to update job run times: %v", err)
	}

	var def BatchDefinition
	if err := json.Unmarshal([]byte(job.Payload), &def); err != nil {
		log.Printf("ERROR: Failed to parse job payload: %v", err)
		return
	}
	if len(def.Jobs) == 0 {
		log.Printf("WARNING: Scheduled job %s has no purchase orders", job.Name)
		return
	}

	if err := s.run(job.Name, def.Jobs); err != nil {
		log.Printf("ERROR: Scheduled batch %s failed: %v", job.Name, err)
		return
	}
	log.Printf("Completed scheduled job: %s", jobID)
}

// cronParser returns the parser matching the 6-field format stored in the
// database.
func cronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// normalizeCron accepts 5- or 6-field cron expressions and returns the
// 6-field form used internally.
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		if _, err := cronParser().Parse(cronExpr); err == nil {
			return cronExpr, nil
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}
