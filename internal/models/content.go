package models

import (
	"time"

	"gorm.io/gorm"
)

type ItemStatus string

const (
	ItemStatusDraft      ItemStatus = "draft"
	ItemStatusScheduled  ItemStatus = "scheduled"
	ItemStatusPublishing ItemStatus = "publishing"
	ItemStatusPublished  ItemStatus = "published"
	ItemStatusFailed     ItemStatus = "failed"
)

// ItemSettings is embedded into the content_items row
type ItemSettings struct {
	RequireApproval bool `gorm:"default:false" json:"require_approval"`
	NotifyOnPublish bool `gorm:"default:true" json:"notify_on_publish"`
}

type ContentItem struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	TenantID  string         `gorm:"size:64;not null;index" json:"tenant_id"`
	OwnerID   string         `gorm:"size:64;not null" json:"owner_id"`
	Title     string         `gorm:"size:500" json:"title"`
	Text      string         `gorm:"type:text" json:"text"`
	MediaURLs StringArray    `gorm:"type:text[]" json:"media_urls"`
	Hashtags  StringArray    `gorm:"type:text[]" json:"hashtags"`
	Settings  ItemSettings   `gorm:"embedded;embeddedPrefix:settings_" json:"settings"`
	Status    ItemStatus     `gorm:"size:20;not null;default:'draft';index" json:"status"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Schedules []Schedule `gorm:"foreignKey:ContentItemID;constraint:OnDelete:CASCADE" json:"schedules"`
}

// Schedule returns the entry with the given id, or nil.
func (c *ContentItem) Schedule(id string) *Schedule {
	for i := range c.Schedules {
		if c.Schedules[i].ID == id {
			return &c.Schedules[i]
		}
	}
	return nil
}

// DeriveStatus folds schedule statuses into the overall item status.
// Cancelled entries are ignored; an item with nothing left is a draft.
func DeriveStatus(schedules []Schedule) ItemStatus {
	var pending, queued, published, failed, total int
	for _, s := range schedules {
		switch s.Status {
		case ScheduleStatusCancelled:
			continue
		case ScheduleStatusPending:
			pending++
		case ScheduleStatusQueued:
			queued++
		case ScheduleStatusPublished:
			published++
		case ScheduleStatusFailed:
			failed++
		}
		total++
	}

	switch {
	case total == 0:
		return ItemStatusDraft
	case failed > 0:
		return ItemStatusFailed
	case queued > 0:
		return ItemStatusPublishing
	case published == total:
		return ItemStatusPublished
	case pending == total:
		return ItemStatusScheduled
	default:
		// pending and published mixed: part of the item is out, part is waiting
		return ItemStatusPublishing
	}
}

// Editable reports whether the item may still be edited
func (c *ContentItem) Editable() bool {
	return c.Status != ItemStatusPublished && c.Status != ItemStatusFailed
}

// PublishedRecord is the append-only log of successful publications.
type PublishedRecord struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID       string    `gorm:"size:64;not null;index" json:"tenant_id"`
	ContentItemID  string    `gorm:"size:36;not null;index" json:"content_item_id"`
	ScheduleID     string    `gorm:"size:36;not null" json:"schedule_id"`
	ChannelID      string    `gorm:"size:36;not null" json:"channel_id"`
	Provider       string    `gorm:"size:50;not null;uniqueIndex:idx_published_platform_post" json:"provider"`
	PlatformPostID string    `gorm:"size:255;not null;uniqueIndex:idx_published_platform_post" json:"platform_post_id"`
	PlatformURL    string    `gorm:"type:text" json:"platform_url"`
	PublishedAt    time.Time `gorm:"not null" json:"published_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
