package models

import (
	"time"
)

// TaskRecord is the durable history row for one download task. The session
// writes it when the task reaches a terminal state.
type TaskRecord struct {
	ID            string    `gorm:"primaryKey" json:"id"` // UUID task ID
	BatchID       string    `gorm:"index;column:batch_id" json:"batch_id"`
	PONumber      string    `gorm:"column:po_number" json:"po_number"`
	Supplier      string    `json:"supplier"`
	Status        string    `gorm:"not null" json:"status"` // completed, failed
	Attempts      int       `gorm:"not null;default:0" json:"attempts"`
	ErrorCategory string    `gorm:"column:error_category" json:"error_category"`
	ErrorText     string    `gorm:"type:text;column:error_text" json:"error_text"`
	DurationMs    int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (TaskRecord) TableName() string {
	return "task_records"
}
