package models

import (
	"fmt"
	"time"
)

type ScheduleStatus string

const (
	ScheduleStatusPending   ScheduleStatus = "pending"
	ScheduleStatusQueued    ScheduleStatus = "queued"
	ScheduleStatusPublished ScheduleStatus = "published"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
)

var terminalScheduleStatuses = map[ScheduleStatus]bool{
	ScheduleStatusPublished: true,
	ScheduleStatusFailed:    true,
	ScheduleStatusCancelled: true,
}

// Schedule transitions: pending → queued → published|failed, cancel from either open state.
// queued → queued is bookkeeping (claim, job attach, retry) and is handled by CanUpdate.
var validScheduleTransitions = map[ScheduleStatus]map[ScheduleStatus]bool{
	ScheduleStatusPending: {
		ScheduleStatusQueued:    true,
		ScheduleStatusCancelled: true,
	},
	ScheduleStatusQueued: {
		ScheduleStatusPublished: true,
		ScheduleStatusFailed:    true,
		ScheduleStatusCancelled: true,
	},
}

// ParseScheduleStatus rejects values outside the closed status set
func ParseScheduleStatus(s string) (ScheduleStatus, error) {
	switch st := ScheduleStatus(s); st {
	case ScheduleStatusPending, ScheduleStatusQueued, ScheduleStatusPublished,
		ScheduleStatusFailed, ScheduleStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown schedule status %q", s)
}

func (s ScheduleStatus) IsTerminal() bool {
	return terminalScheduleStatuses[s]
}

// IsOpen reports whether the schedule can still fire or be cancelled
func (s ScheduleStatus) IsOpen() bool {
	return s == ScheduleStatusPending || s == ScheduleStatusQueued
}

func ValidateScheduleTransition(from, to ScheduleStatus) error {
	if terminalScheduleStatuses[from] {
		return fmt.Errorf("schedule in terminal status %s cannot transition to %s", from, to)
	}
	if allowed, ok := validScheduleTransitions[from]; ok && allowed[to] {
		return nil
	}
	return fmt.Errorf("invalid schedule transition: %s → %s", from, to)
}

// CanUpdate allows real transitions plus in-place updates of an open state
func CanUpdate(from, to ScheduleStatus) error {
	if from == to && from.IsOpen() {
		return nil
	}
	return ValidateScheduleTransition(from, to)
}

// Schedule is one (content item, channel, time) publication target.
type Schedule struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	ContentItemID  string         `gorm:"primaryKey;size:36;index" json:"content_item_id"`
	ChannelID      string         `gorm:"size:36;not null;index" json:"channel_id"`
	Provider       string         `gorm:"size:50;not null" json:"provider"`
	ScheduledFor   time.Time      `gorm:"not null;index:idx_schedules_due,priority:2" json:"scheduled_for"`
	Status         ScheduleStatus `gorm:"size:20;not null;default:'pending';index:idx_schedules_due,priority:1" json:"status"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	PlatformPostID string         `gorm:"size:255" json:"platform_post_id,omitempty"`
	PlatformURL    string         `gorm:"type:text" json:"platform_url,omitempty"`
	Error          string         `gorm:"type:text" json:"error,omitempty"`
	RetryCount     int            `gorm:"default:0" json:"retry_count"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	JobID          string         `gorm:"size:64" json:"job_id,omitempty"`
	Version        int64          `gorm:"not null;default:1" json:"version"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// Claimed reports whether a publish attempt currently owns the schedule
func (s *Schedule) Claimed() bool {
	return s.ClaimedAt != nil
}
