package models

import (
	"time"
)

// ErrorLog keeps a durable trail of publish failures for operators
type ErrorLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Level         string    `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN
	Source        string    `gorm:"size:100;not null;index" json:"source"` // executor, sweep, notify
	Provider      string    `gorm:"size:50;index" json:"provider"`
	TenantID      string    `gorm:"size:64;index" json:"tenant_id"`
	ContentItemID string    `gorm:"size:36;index" json:"content_item_id"`
	ScheduleID    string    `gorm:"size:36" json:"schedule_id"`
	Kind          string    `gorm:"size:50" json:"kind"`
	Title         string    `gorm:"size:500;not null" json:"title"`
	Message       string    `gorm:"type:text;not null" json:"message"`
	Context       string    `gorm:"type:jsonb" json:"context"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
