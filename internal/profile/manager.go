package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status tracks the logical lifecycle of a profile directory.
type Status string

const (
	StatusCreated  Status = "created"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Sentinel errors for expected outcomes. Callers branch with errors.Is.
var (
	ErrProfileConflict       = errors.New("profile already exists")
	ErrProfileNotFound       = errors.New("profile not found")
	ErrProfileAlreadyActive  = errors.New("profile already active")
	ErrResourceLimitExceeded = errors.New("profile disk budget exceeded")
)

// Profile is one isolated on-disk resource directory backing a single
// worker's automation session identity.
type Profile struct {
	ID        string
	Path      string
	Status    Status
	CreatedAt time.Time
}

// Manager creates, tracks and deletes isolated profile directories under a
// base path, guaranteeing no two active workers share one. All operations
// are safe for concurrent use.
type Manager struct {
	baseDir       string
	prefix        string
	maxTotalBytes int64

	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewManager creates a profile manager rooted at baseDir. The directory is
// created on first use, not here, so construction never touches disk.
func NewManager(baseDir, prefix string, maxTotalBytes int64) *Manager {
	if prefix == "" {
		prefix = "podl-profile"
	}
	return &Manager{
		baseDir:       baseDir,
		prefix:        prefix,
		maxTotalBytes: maxTotalBytes,
		profiles:      make(map[string]*Profile),
	}
}

// CreateProfile allocates a new isolated directory and returns its ID.
// Passing an empty optionalID generates a UUID; passing an ID that is
// already tracked fails with ErrProfileConflict.
func (m *Manager) CreateProfile(optionalID string) (*Profile, error) {
	id := optionalID
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	if _, exists := m.profiles[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProfileConflict, id)
	}
	if m.maxTotalBytes > 0 {
		usage := m.totalUsageLocked()
		if usage >= m.maxTotalBytes {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d bytes in use, budget %d", ErrResourceLimitExceeded, usage, m.maxTotalBytes)
		}
	}
	// Reserve the ID before touching disk so a concurrent CreateProfile
	// with the same ID conflicts instead of racing the mkdir.
	p := &Profile{
		ID:        id,
		Path:      filepath.Join(m.baseDir, fmt.Sprintf("%s-%s", m.prefix, id)),
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}
	m.profiles[id] = p
	m.mu.Unlock()

	if err := os.MkdirAll(p.Path, 0755); err != nil {
		m.mu.Lock()
		delete(m.profiles, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create profile directory %s: %w", p.Path, err)
	}

	return p, nil
}

// GetProfile returns the tracked profile for id.
func (m *Manager) GetProfile(id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, exists := m.profiles[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	copied := *p
	return &copied, nil
}

// Activate marks a profile as in use by a worker. Activating a profile that
// is already active fails, which is how the pool detects double binding.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, exists := m.profiles[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	if p.Status == StatusActive {
		return fmt.Errorf("%w: %s", ErrProfileAlreadyActive, id)
	}
	p.Status = StatusActive
	return nil
}

// Deactivate marks a profile as no longer in use. Idempotent for profiles
// that are already inactive.
func (m *Manager) Deactivate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, exists := m.profiles[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	p.Status = StatusInactive
	return nil
}

// DeleteProfile removes a profile's directory and stops tracking it.
// Deleting an unknown ID returns ErrProfileNotFound with no side effects,
// so a second delete of the same ID is a harmless no-op for the caller.
func (m *Manager) DeleteProfile(id string) error {
	m.mu.Lock()
	p, exists := m.profiles[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	delete(m.profiles, id)
	m.mu.Unlock()

	if err := os.RemoveAll(p.Path); err != nil {
		// Re-track so the caller can decide to retry or leak-and-warn.
		m.mu.Lock()
		p.Status = StatusInactive
		m.profiles[id] = p
		m.mu.Unlock()
		return fmt.Errorf("failed to clean up profile %s: %w", id, err)
	}

	return nil
}

// CleanupAll deletes every tracked profile, collecting per-profile errors
// rather than aborting on the first failure. Calling it on an empty
// manager is a no-op.
func (m *Manager) CleanupAll() []error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.DeleteProfile(id); err != nil && !errors.Is(err, ErrProfileNotFound) {
			log.Printf("WARNING: failed to clean up profile %s: %v", id, err)
			errs = append(errs, err)
		}
	}
	return errs
}

// Count returns the number of tracked profiles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.profiles)
}

// DiskUsage reports per-profile and aggregate disk usage in bytes.
func (m *Manager) DiskUsage() (map[string]int64, int64) {
	m.mu.Lock()
	paths := make(map[string]string, len(m.profiles))
	for id, p := range m.profiles {
		paths[id] = p.Path
	}
	m.mu.Unlock()

	perProfile := make(map[string]int64, len(paths))
	var total int64
	for id, path := range paths {
		size := dirSize(path)
		perProfile[id] = size
		total += size
	}
	return perProfile, total
}

// totalUsageLocked sums disk usage of all tracked profiles. Caller holds mu.
func (m *Manager) totalUsageLocked() int64 {
	var total int64
	for _, p := range m.profiles {
		total += dirSize(p.Path)
	}
	return total
}

// dirSize walks a directory tree summing regular file sizes. Missing or
// unreadable entries count as zero.
func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}
