// Package store persists content items, schedules, channels and published records.
//
// Schedule rows are never written blindly: every mutation goes through
// TransitionSchedule, a compare-and-swap on (status, version, claim) that bumps
// the version on success. Two writers racing on the same schedule therefore
// observe exactly one winner and one ErrConflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ifuryst/postwave/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("concurrent modification")
	ErrDuplicate = errors.New("duplicate record")
)

// ScheduleChanges lists the columns a transition writes. Nil pointers are left untouched.
type ScheduleChanges struct {
	Status         models.ScheduleStatus
	JobID          *string
	ClaimedAt      *time.Time
	ReleaseClaim   bool
	PublishedAt    *time.Time
	PlatformPostID *string
	PlatformURL    *string
	Error          *string
	IncrementRetry bool
	NextAttemptAt  *time.Time
}

// ScheduleUpdate is a conditional write against one schedule row.
type ScheduleUpdate struct {
	ItemID     string
	ScheduleID string

	// ExpectVersion, when non-zero, must equal the stored version
	ExpectVersion int64
	// ExpectStatus restricts the pre-image; empty means any open status
	ExpectStatus     []models.ScheduleStatus
	RequireUnclaimed bool

	Set ScheduleChanges
}

// ScheduleFilter selects schedules across items. Soft-deleted items are excluded.
type ScheduleFilter struct {
	Statuses      []models.ScheduleStatus
	DueBefore     *time.Time
	ClaimedBefore *time.Time
	Unclaimed     bool
	Limit         int
}

type Store interface {
	CreateItem(ctx context.Context, item *models.ContentItem) error
	GetItem(ctx context.Context, id string) (*models.ContentItem, error)
	// ReplaceItem swaps the item's fields and full schedule set. It fails with
	// ErrConflict when a stored schedule is published, failed or claimed.
	ReplaceItem(ctx context.Context, item *models.ContentItem) error
	// DeleteItem fails with ErrConflict while a schedule is claimed.
	DeleteItem(ctx context.Context, id string) error
	// SyncItemStatus recomputes and persists the derived overall status.
	SyncItemStatus(ctx context.Context, id string) (models.ItemStatus, error)

	GetSchedule(ctx context.Context, itemID, scheduleID string) (*models.Schedule, error)
	TransitionSchedule(ctx context.Context, upd ScheduleUpdate) (*models.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]models.Schedule, error)
	CountSchedulesByStatus(ctx context.Context) (map[models.ScheduleStatus]int64, error)

	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	SaveChannel(ctx context.Context, ch *models.Channel) error
	UpdateChannelStatus(ctx context.Context, id string, status models.ConnectionStatus, tokenExpiresAt *time.Time, checkedAt time.Time) error

	// CreatePublishedRecord returns ErrDuplicate for a repeated (provider, platform post id).
	CreatePublishedRecord(ctx context.Context, rec *models.PublishedRecord) error
	ListPublishedRecords(ctx context.Context, itemID string) ([]models.PublishedRecord, error)

	RecordError(ctx context.Context, entry *models.ErrorLog) error
}

var openStatuses = []models.ScheduleStatus{models.ScheduleStatusPending, models.ScheduleStatusQueued}

// allowedPreImages returns the stored statuses from which upd may be applied.
// An empty result means the requested transition is never legal.
func allowedPreImages(upd ScheduleUpdate) ([]models.ScheduleStatus, error) {
	if upd.Set.Status == "" {
		return nil, fmt.Errorf("schedule update without target status")
	}
	candidates := upd.ExpectStatus
	if len(candidates) == 0 {
		candidates = openStatuses
	}

	var out []models.ScheduleStatus
	for _, from := range candidates {
		if models.CanUpdate(from, upd.Set.Status) == nil {
			out = append(out, from)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no legal transition to %s from %v", upd.Set.Status, candidates)
	}
	return out, nil
}

// checkPreImage reports why s cannot accept upd, or nil.
func checkPreImage(s *models.Schedule, upd ScheduleUpdate, allowed []models.ScheduleStatus) error {
	ok := false
	for _, st := range allowed {
		if s.Status == st {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: status is %s", ErrConflict, s.Status)
	}
	if upd.ExpectVersion != 0 && s.Version != upd.ExpectVersion {
		return fmt.Errorf("%w: version is %d, expected %d", ErrConflict, s.Version, upd.ExpectVersion)
	}
	if upd.RequireUnclaimed && s.ClaimedAt != nil {
		return fmt.Errorf("%w: schedule is claimed", ErrConflict)
	}
	return nil
}

// applyChanges mutates s in place; shared by the in-memory store and tests.
func applyChanges(s *models.Schedule, c ScheduleChanges) {
	s.Status = c.Status
	if c.JobID != nil {
		s.JobID = *c.JobID
	}
	if c.ClaimedAt != nil {
		t := *c.ClaimedAt
		s.ClaimedAt = &t
	}
	if c.ReleaseClaim {
		s.ClaimedAt = nil
	}
	if c.PublishedAt != nil {
		t := *c.PublishedAt
		s.PublishedAt = &t
	}
	if c.PlatformPostID != nil {
		s.PlatformPostID = *c.PlatformPostID
	}
	if c.PlatformURL != nil {
		s.PlatformURL = *c.PlatformURL
	}
	if c.Error != nil {
		s.Error = *c.Error
	}
	if c.IncrementRetry {
		s.RetryCount++
	}
	if c.NextAttemptAt != nil {
		t := *c.NextAttemptAt
		s.NextAttemptAt = &t
	}
	s.Version++
}

// lockedSchedule reports whether a replace or delete must be refused
func lockedSchedule(s *models.Schedule) bool {
	return s.ClaimedAt != nil ||
		s.Status == models.ScheduleStatusPublished ||
		s.Status == models.ScheduleStatusFailed
}
