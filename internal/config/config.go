package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable the processing core recognizes. Components
// receive it (or the relevant slice of it) through their constructors;
// nothing reads ambient global state.
type Config struct {
	// Worker pool
	MaxWorkers      int           // upper bound on concurrent workers
	TaskTimeout     time.Duration // per-task deadline, 0 = unlimited
	StopGracePeriod time.Duration // how long Stop waits before force-terminating

	// Retry policy
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffBase   float64
	JitterEnabled bool
	JitterFactor  float64 // uniform perturbation as a fraction of the delay

	// Queue
	QueueCapacity   int  // 0 = unbounded
	PriorityEnabled bool // max-heap ordering when true, strict FIFO otherwise

	// Progress
	ConfidenceThreshold float64 // below this, report the conservative estimate

	// Profiles
	ProfileBaseDirectory     string
	ProfilePrefix            string
	MaxTotalProfileDiskBytes int64 // 0 = unlimited

	// Persistence
	DatabaseURL string
}

// Default returns the configuration documented defaults.
func Default() Config {
	return Config{
		MaxWorkers:           2,
		StopGracePeriod:      30 * time.Second,
		MaxRetries:           3,
		BaseDelay:            1 * time.Second,
		MaxDelay:             60 * time.Second,
		BackoffBase:          2.0,
		JitterEnabled:        true,
		JitterFactor:         0.1,
		ConfidenceThreshold:  0.4,
		ProfileBaseDirectory: filepath.Join(os.TempDir(), "podownloader-profiles"),
		ProfilePrefix:        "podl-profile",
	}
}

// Load builds a Config from environment variables, falling back to defaults.
func Load() Config {
	cfg := Default()

	cfg.MaxWorkers = getEnvInt("MAX_WORKERS", cfg.MaxWorkers)
	cfg.TaskTimeout = getEnvDuration("TASK_TIMEOUT", cfg.TaskTimeout)
	cfg.StopGracePeriod = getEnvDuration("STOP_GRACE_PERIOD", cfg.StopGracePeriod)
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.BaseDelay = getEnvDuration("RETRY_BASE_DELAY", cfg.BaseDelay)
	cfg.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", cfg.MaxDelay)
	cfg.BackoffBase = getEnvFloat("RETRY_BACKOFF_BASE", cfg.BackoffBase)
	cfg.JitterEnabled = getEnvBool("RETRY_JITTER_ENABLED", cfg.JitterEnabled)
	cfg.JitterFactor = getEnvFloat("RETRY_JITTER_FACTOR", cfg.JitterFactor)
	cfg.ConfidenceThreshold = getEnvFloat("PROGRESS_CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold)
	cfg.QueueCapacity = getEnvInt("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.PriorityEnabled = getEnvBool("PRIORITY_ENABLED", cfg.PriorityEnabled)
	cfg.MaxTotalProfileDiskBytes = getEnvInt64("MAX_PROFILE_DISK_BYTES", cfg.MaxTotalProfileDiskBytes)

	if dir := os.Getenv("PROFILE_BASE_DIR"); dir != "" {
		cfg.ProfileBaseDirectory = dir
	}
	if prefix := os.Getenv("PROFILE_PREFIX"); prefix != "" {
		cfg.ProfilePrefix = prefix
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	return cfg
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior deep inside the pool.
func (c Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BackoffBase < 1.0 {
		return fmt.Errorf("backoff base must be >= 1.0, got %v", c.BackoffBase)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("jitter factor must be within [0,1], got %v", c.JitterFactor)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.ProfileBaseDirectory == "" {
		return fmt.Errorf("profile base directory is required")
	}
	return nil
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves an int64 from environment variable with default fallback
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float from environment variable with default fallback
func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean from environment variable with default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration from environment variable with default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultValue
}
