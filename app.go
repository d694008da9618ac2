package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"gorm.io/gorm"

	"podownloader/internal/automation"
	"podownloader/internal/automation/portal"
	"podownloader/internal/config"
	"podownloader/internal/credentials"
	"podownloader/internal/database"
	"podownloader/internal/models"
	"podownloader/internal/pool"
	"podownloader/internal/progress"
	"podownloader/internal/queue"
	"podownloader/internal/scheduler"
	"podownloader/internal/session"
)

// App struct - main application state
type App struct {
	ctx              context.Context
	cfg              config.Config
	db               *gorm.DB
	creds            *credentials.Store
	schedulerService *scheduler.Service

	mu              sync.Mutex
	selectedAccount *models.PortalAccount
	activeSession   *session.Session
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// startup initializes the application state. Fatal on encryption or
// database failures since neither accounts nor task history can work
// without them.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	log.Println("Application starting up...")

	a.cfg = config.Load()
	if err := a.cfg.Validate(); err != nil {
		log.Fatalf("FATAL: Invalid configuration: %v", err)
	}

	// Initialize encryption (FATAL if this fails - we cannot save accounts without it)
	creds, err := credentials.NewStore()
	if err != nil {
		log.Fatalf("FATAL: Encryption initialization failed: %v\nAccounts cannot be saved without encryption.", err)
	}
	a.creds = creds
	log.Println("Encryption initialized successfully")

	// Initialize database
	db, err := database.Init(a.cfg.DatabaseURL, database.DefaultOptions())
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	a.db = db
	log.Println("Database initialized successfully")

	a.schedulerService = scheduler.NewService(db, a.runScheduledBatch)
	if err := a.schedulerService.Start(); err != nil {
		log.Printf("WARNING: Failed to start scheduler: %v", err)
	} else {
		log.Println("Scheduler service initialized and started")
	}

	log.Println("Startup complete")
}

// shutdown stops background services and releases resources.
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")

	if a.schedulerService != nil {
		a.schedulerService.Stop()
	}

	a.mu.Lock()
	sess := a.activeSession
	a.activeSession = nil
	a.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}

	if err := database.Close(a.db); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}

// ====================================================================================
// ACCOUNT MANAGEMENT
// ====================================================================================

// CreateAccountRequest represents a request to create/update a portal account
type CreateAccountRequest struct {
	Name      string `json:"name"`
	PortalURL string `json:"portal_url"`
	Username  string `json:"username"`
	Password  string `json:"password"` // Plain text, will be encrypted
}

// ListAccounts returns all portal accounts
func (a *App) ListAccounts() ([]models.PortalAccount, error) {
	var accounts []models.PortalAccount
	if err := a.db.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetAccount retrieves a specific portal account by ID
func (a *App) GetAccount(accountID string) (*models.PortalAccount, error) {
	var account models.PortalAccount
	if err := a.db.Where("id = ?", accountID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccount creates a new portal account with the password encrypted
// at rest.
func (a *App) CreateAccount(req CreateAccountRequest) error {
	passwordEnc, err := a.creds.EncryptPassword(req.Password)
	if err != nil {
		return err
	}

	account := &models.PortalAccount{
		Name:        req.Name,
		PortalURL:   req.PortalURL,
		Username:    req.Username,
		PasswordEnc: passwordEnc,
	}
	return a.db.Create(account).Error
}

// UpdateAccount updates an existing portal account. An empty password
// keeps the stored one.
func (a *App) UpdateAccount(accountID string, req CreateAccountRequest) error {
	var account models.PortalAccount
	if err := a.db.Where("id = ?", accountID).First(&account).Error; err != nil {
		return err
	}

	account.Name = req.Name
	account.PortalURL = req.PortalURL
	account.Username = req.Username
	if req.Password != "" {
		passwordEnc, err := a.creds.EncryptPassword(req.Password)
		if err != nil {
			return err
		}
		account.PasswordEnc = passwordEnc
	}

	return a.db.Save(&account).Error
}

// DeleteAccount deletes a portal account
func (a *App) DeleteAccount(accountID string) error {
	return a.db.Where("id = ?", accountID).Delete(&models.PortalAccount{}).Error
}

// SelectAccount sets the account used for new processing sessions
func (a *App) SelectAccount(accountID string) error {
	var account models.PortalAccount
	if err := a.db.Where("id = ?", accountID).First(&account).Error; err != nil {
		return err
	}
	a.mu.Lock()
	a.selectedAccount = &account
	a.mu.Unlock()
	log.Printf("Selected account: %s", account.Name)
	return nil
}

// TestConnectionResponse represents the connection test result
type TestConnectionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TestConnection probes the portal with the given credentials without
// saving anything.
func (a *App) TestConnection(req CreateAccountRequest) TestConnectionResponse {
	client := portal.NewClient(req.PortalURL, req.Username, req.Password)

	resp, err := client.Get("api/me", nil)
	if err != nil {
		return TestConnectionResponse{
			Success: false,
			Error:   fmt.Sprintf("Connection failed: %v", err),
		}
	}

	if !resp.IsSuccess() {
		var errorMsg string
		switch resp.StatusCode() {
		case 401:
			errorMsg = "Invalid credentials (wrong username or password)"
		case 404:
			errorMsg = "Server not found or invalid URL"
		case 403:
			errorMsg = "Access forbidden (check user permissions)"
		default:
			errorMsg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), resp.Status())
		}
		return TestConnectionResponse{Success: false, Error: errorMsg}
	}

	return TestConnectionResponse{Success: true}
}

// ====================================================================================
// BATCH PROCESSING
// ====================================================================================

// BatchRequest describes one download batch submission.
type BatchRequest struct {
	AccountID string        `json:"account_id"` // empty uses the selected account
	Mode      string        `json:"mode"`       // "sequential" or "parallel"
	Workers   int           `json:"workers"`    // 0 uses the configured maximum
	Jobs      []session.Job `json:"jobs"`
}

// BatchResult summarizes a finished batch.
type BatchResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunBatch processes a batch of purchase-order downloads and blocks until
// every job reaches a terminal state.
func (a *App) RunBatch(req BatchRequest) (*BatchResult, error) {
	account, err := a.resolveAccount(req.AccountID)
	if err != nil {
		return nil, err
	}
	if len(req.Jobs) == 0 {
		return nil, errors.New("at least one job is required")
	}

	mode := session.ModeParallel
	if req.Mode == string(session.ModeSequential) {
		mode = session.ModeSequential
	}

	backend, err := a.backendFor(account)
	if err != nil {
		return nil, err
	}

	sess := session.New(a.cfg, backend, a.db, a.emitProgress)
	if err := sess.Start(mode, req.Workers); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.activeSession = sess
	a.mu.Unlock()
	defer func() {
		sess.Stop()
		a.mu.Lock()
		if a.activeSession == sess {
			a.activeSession = nil
		}
		a.mu.Unlock()
	}()

	succeeded, failed, err := sess.Process(req.Jobs, DownloadTask)
	if err != nil {
		return nil, err
	}
	return &BatchResult{Succeeded: succeeded, Failed: failed}, nil
}

// GetProgress returns the active batch's progress snapshot.
func (a *App) GetProgress() progress.Snapshot {
	a.mu.Lock()
	sess := a.activeSession
	a.mu.Unlock()
	if sess == nil {
		return progress.Snapshot{}
	}
	return sess.Progress()
}

// GetQueueStatus returns the active batch's queue snapshot.
func (a *App) GetQueueStatus() queue.Status {
	a.mu.Lock()
	sess := a.activeSession
	a.mu.Unlock()
	if sess == nil {
		return queue.Status{}
	}
	return sess.QueueStatus()
}

// GetResourceUsage reports worker count and profile disk usage for the
// active batch.
func (a *App) GetResourceUsage() pool.ResourceUsage {
	a.mu.Lock()
	sess := a.activeSession
	a.mu.Unlock()
	if sess == nil {
		return pool.ResourceUsage{}
	}
	return sess.ResourceUsage()
}

// ListTaskHistory retrieves recent task records, newest first.
func (a *App) ListTaskHistory(limit int) ([]models.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.TaskRecord
	if err := a.db.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListBatches retrieves recent batch summaries, newest first.
func (a *App) ListBatches(limit int) ([]models.DownloadBatch, error) {
	if limit <= 0 {
		limit = 20
	}
	var batches []models.DownloadBatch
	if err := a.db.Order("started_at DESC").Limit(limit).Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// ====================================================================================
// SCHEDULER OPERATIONS
// ====================================================================================

// ListScheduledJobs retrieves all scheduled jobs
func (a *App) ListScheduledJobs() ([]models.ScheduledJob, error) {
	return a.schedulerService.ListJobs()
}

// UpsertScheduledJob creates or updates a scheduled job
func (a *App) UpsertScheduledJob(req scheduler.UpsertJobRequest) (string, error) {
	return a.schedulerService.UpsertJob(req)
}

// ToggleScheduledJob enables or disables a scheduled job
func (a *App) ToggleScheduledJob(jobID string, enabled bool) error {
	return a.schedulerService.ToggleJob(jobID, enabled)
}

// DeleteScheduledJob removes a scheduled job
func (a *App) DeleteScheduledJob(jobID string) error {
	return a.schedulerService.DeleteJob(jobID)
}

// runScheduledBatch is the scheduler's firing callback: it runs the stored
// batch against the currently selected account in parallel mode.
func (a *App) runScheduledBatch(name string, jobs []session.Job) error {
	result, err := a.RunBatch(BatchRequest{
		Mode: string(session.ModeParallel),
		Jobs: jobs,
	})
	if err != nil {
		return err
	}
	log.Printf("Scheduled batch %s: %d succeeded, %d failed", name, result.Succeeded, result.Failed)
	return nil
}

// ====================================================================================
// HELPERS
// ====================================================================================

func (a *App) resolveAccount(accountID string) (*models.PortalAccount, error) {
	if accountID != "" {
		return a.GetAccount(accountID)
	}
	a.mu.Lock()
	account := a.selectedAccount
	a.mu.Unlock()
	if account == nil {
		return nil, errors.New("no portal account selected")
	}
	return account, nil
}

// backendFor builds the portal session factory for an account, decrypting
// its stored password.
func (a *App) backendFor(account *models.PortalAccount) (automation.SessionFactory, error) {
	password, err := a.creds.DecryptPassword(account.PasswordEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt account password: %w", err)
	}
	return portal.NewBackend(account.PortalURL, account.Username, password), nil
}

// emitProgress logs batch progress as it changes.
func (a *App) emitProgress(snap progress.Snapshot) {
	log.Printf("Progress: %d/%d processed (%d failed), remaining=%.0fs, confidence=%.2f",
		snap.Processed, snap.Total, snap.Failed, snap.EstimatedRemainingSeconds, snap.Confidence)
}

// DownloadTask downloads every attachment of one purchase order through a
// portal session. It is the task function RunBatch submits for each job.
func DownloadTask(ctx context.Context, sess automation.Session, payload any) (any, error) {
	job, ok := payload.(session.Job)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", payload)
	}
	ps, ok := sess.(*portal.Session)
	if !ok {
		return nil, fmt.Errorf("unexpected session type %T", sess)
	}

	attachments, err := ps.ListAttachments(ctx, job.PONumber)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(attachments))
	for _, att := range attachments {
		path, err := ps.DownloadAttachment(ctx, job.PONumber, att)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
