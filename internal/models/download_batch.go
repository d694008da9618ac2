package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DownloadBatch summarizes one Process() call: how many purchase orders
// were submitted and how the batch ended.
type DownloadBatch struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	Mode        string     `gorm:"not null" json:"mode"` // sequential, parallel
	Submitted   int        `gorm:"not null;default:0" json:"submitted"`
	Succeeded   int        `gorm:"not null;default:0" json:"succeeded"`
	Failed      int        `gorm:"not null;default:0" json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (b *DownloadBatch) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (DownloadBatch) TableName() string {
	return "download_batches"
}
