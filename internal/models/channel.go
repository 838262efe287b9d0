package models

import (
	"time"

	"gorm.io/gorm"
)

type ConnectionStatus string

const (
	ConnectionStatusActive       ConnectionStatus = "active"
	ConnectionStatusExpired      ConnectionStatus = "expired"
	ConnectionStatusError        ConnectionStatus = "error"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// Channel is a connected account on an external platform.
// CredentialRef points at secret material owned by the credential vault.
type Channel struct {
	ID               string           `gorm:"primaryKey;size:36" json:"id"`
	TenantID         string           `gorm:"size:64;not null;index" json:"tenant_id"`
	Provider         string           `gorm:"size:50;not null;index" json:"provider"`
	Name             string           `gorm:"size:100;not null" json:"name"`
	ConnectionStatus ConnectionStatus `gorm:"size:20;not null;default:'active'" json:"connection_status"`
	CredentialRef    string           `gorm:"size:255" json:"-"`
	Settings         string           `gorm:"type:jsonb;default:'{}'" json:"settings"`
	TokenExpiresAt   *time.Time       `json:"token_expires_at,omitempty"`
	LastCheckedAt    *time.Time       `json:"last_checked_at,omitempty"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt   `gorm:"index" json:"-"`
}

func (c *Channel) Active() bool {
	return c.ConnectionStatus == ConnectionStatusActive
}
