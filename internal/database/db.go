package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"podownloader/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options tunes the underlying connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// DefaultOptions returns the pool settings used when none are supplied.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Init opens the database described by databaseURL (sqlite:// or
// postgres://) and runs auto-migration. An empty URL falls back to a SQLite
// file in the user config directory.
func Init(databaseURL string, opts Options) (*gorm.DB, error) {
	if databaseURL == "" {
		databaseURL = "sqlite://./podownloader.db"
	}

	var dialector gorm.Dialector

	if strings.HasPrefix(databaseURL, "sqlite://") {
		dbPath := strings.TrimPrefix(databaseURL, "sqlite://")

		// If using default path, store in user config directory
		if dbPath == "./podownloader.db" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get user config directory: %w", err)
			}

			appDir := filepath.Join(configDir, "podownloader")
			if err := os.MkdirAll(appDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create app directory: %w", err)
			}

			dbPath = filepath.Join(appDir, "podownloader.db")
			log.Printf("Using database at: %s", dbPath)
		}

		dialector = sqlite.Open(dbPath)
	} else if strings.HasPrefix(databaseURL, "postgresql://") || strings.HasPrefix(databaseURL, "postgres://") {
		dialector = postgres.Open(databaseURL)
	} else {
		return nil, fmt.Errorf("unsupported database URL format: %s", databaseURL)
	}

	gormLogger := logger.Default.LogMode(logger.Warn)
	if opts.Debug {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if opts.MaxOpenConns == 0 {
		opts = DefaultOptions()
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	log.Printf("Database connection pool configured: max_open=%d, max_idle=%d, max_lifetime=%v",
		opts.MaxOpenConns, opts.MaxIdleConns, opts.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	log.Println("Database initialized successfully")
	return db, nil
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.PortalAccount{},
		&models.ScheduledJob{},
		&models.TaskRecord{},
		&models.DownloadBatch{},
	)
}

// Close closes the underlying connection.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
