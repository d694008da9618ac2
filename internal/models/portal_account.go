package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PortalAccount holds named supplier-portal credentials. The password is
// encrypted at rest; the encryption key lives in the OS keychain.
type PortalAccount struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"`
	PortalURL   string    `gorm:"not null;column:portal_url" json:"portal_url"`
	Username    string    `gorm:"not null" json:"username"`
	PasswordEnc string    `gorm:"not null;column:password_enc" json:"-"` // Encrypted, never expose in JSON
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (a *PortalAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (PortalAccount) TableName() string {
	return "portal_accounts"
}
