package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/queue"
	"github.com/ifuryst/postwave/internal/store"
)

type ScheduleInput struct {
	ChannelID    string    `json:"channel_id" binding:"required"`
	ScheduledFor time.Time `json:"scheduled_for" binding:"required"`
}

// ItemInput is the user-editable part of a content item
type ItemInput struct {
	Title     string              `json:"title"`
	Text      string              `json:"text"`
	MediaURLs []string            `json:"media_urls"`
	Hashtags  []string            `json:"hashtags"`
	Settings  models.ItemSettings `json:"settings"`
	Schedules []ScheduleInput     `json:"schedules"`
}

// ContentService owns the content item aggregate and its schedule set
type ContentService struct {
	store     store.Store
	queue     queue.Queue
	tolerance time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewContentService(st store.Store, q queue.Queue, tolerance time.Duration, logger *zap.Logger, now func() time.Time) *ContentService {
	if now == nil {
		now = time.Now
	}
	return &ContentService{
		store:     st,
		queue:     q,
		tolerance: tolerance,
		logger:    logger,
		now:       now,
	}
}

// Create persists a new item and enqueues every schedule. If any enqueue
// fails the item is removed again and a transient error is returned.
func (s *ContentService) Create(ctx context.Context, tenantID, ownerID string, in ItemInput) (*models.ContentItem, error) {
	const op = "content.create"

	if tenantID == "" || ownerID == "" {
		return nil, errs.Access(op, "tenant and owner are required")
	}
	if err := validateBody(op, in); err != nil {
		return nil, err
	}
	schedules, err := s.buildSchedules(ctx, op, tenantID, in.Schedules)
	if err != nil {
		return nil, err
	}

	item := &models.ContentItem{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		OwnerID:   ownerID,
		Schedules: schedules,
	}
	applyInput(item, in)
	item.Status = models.DeriveStatus(item.Schedules)

	if err := s.store.CreateItem(ctx, item); err != nil {
		return nil, storeErr(op, err)
	}

	if err := s.enqueueAll(ctx, item); err != nil {
		if delErr := s.store.DeleteItem(context.WithoutCancel(ctx), item.ID); delErr != nil {
			s.logger.Error("Failed to remove item after enqueue failure",
				zap.String("content_item_id", item.ID),
				zap.Error(delErr))
		}
		return nil, errs.Transient(op, err)
	}

	s.logger.Info("Content item created",
		zap.String("content_item_id", item.ID),
		zap.String("tenant_id", tenantID),
		zap.Int("schedules", len(item.Schedules)))
	return s.reload(ctx, op, item.ID)
}

// Edit replaces the item's content and whole schedule set
func (s *ContentService) Edit(ctx context.Context, tenantID, itemID string, in ItemInput) (*models.ContentItem, error) {
	const op = "content.edit"

	item, err := s.Get(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	if !item.Editable() {
		return nil, errs.Validation(op, "item is %s and can no longer be edited", item.Status)
	}
	for _, sc := range item.Schedules {
		if sc.Claimed() || sc.Status == models.ScheduleStatusPublished || sc.Status == models.ScheduleStatusFailed {
			return nil, errs.Conflict(op, "schedule %s is %s", sc.ID, describe(&sc))
		}
	}
	if err := validateBody(op, in); err != nil {
		return nil, err
	}

	schedules, err := s.buildSchedules(ctx, op, tenantID, in.Schedules)
	if err != nil {
		return nil, err
	}
	old := item.Schedules

	updated := *item
	applyInput(&updated, in)
	updated.Schedules = schedules
	if err := s.store.ReplaceItem(ctx, &updated); err != nil {
		return nil, storeErr(op, err)
	}

	// Jobs of the old set would only find missing schedules, but cancel them anyway
	s.cancelJobs(ctx, old)

	if err := s.enqueueAll(ctx, &updated); err != nil {
		// The new set stays pending; the sweep picks each schedule up once it is due
		s.logger.Warn("Failed to enqueue edited schedules, leaving them to the sweep",
			zap.String("content_item_id", itemID),
			zap.Error(err))
	}

	s.logger.Info("Content item edited",
		zap.String("content_item_id", itemID),
		zap.Int("cancelled", len(old)),
		zap.Int("schedules", len(schedules)))
	return s.reload(ctx, op, itemID)
}

// Cancel stops one pending or queued schedule
func (s *ContentService) Cancel(ctx context.Context, tenantID, itemID, scheduleID string) (*models.ContentItem, error) {
	const op = "content.cancel"

	item, err := s.Get(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	sc := item.Schedule(scheduleID)
	if sc == nil {
		return nil, errs.NotFound(op, "schedule %s not found", scheduleID)
	}
	if !sc.Status.IsOpen() || sc.Claimed() {
		return nil, errs.Conflict(op, "schedule %s is %s", scheduleID, describe(sc))
	}

	_, err = s.store.TransitionSchedule(ctx, store.ScheduleUpdate{
		ItemID:           itemID,
		ScheduleID:       scheduleID,
		ExpectVersion:    sc.Version,
		RequireUnclaimed: true,
		Set:              store.ScheduleChanges{Status: models.ScheduleStatusCancelled},
	})
	if err != nil {
		return nil, storeErr(op, err)
	}

	if sc.JobID != "" {
		if err := s.queue.Cancel(ctx, sc.JobID); err != nil {
			s.logger.Warn("Failed to cancel queue job",
				zap.String("schedule_id", scheduleID),
				zap.String("job_id", sc.JobID),
				zap.Error(err))
		}
	}
	s.syncStatus(ctx, itemID)

	s.logger.Info("Schedule cancelled",
		zap.String("content_item_id", itemID),
		zap.String("schedule_id", scheduleID))
	return s.reload(ctx, op, itemID)
}

// Delete cancels outstanding jobs and removes the item
func (s *ContentService) Delete(ctx context.Context, tenantID, itemID string) error {
	const op = "content.delete"

	item, err := s.Get(ctx, tenantID, itemID)
	if err != nil {
		return err
	}
	for _, sc := range item.Schedules {
		if sc.Claimed() {
			return errs.Conflict(op, "schedule %s has a publish in flight", sc.ID)
		}
	}

	s.cancelJobs(ctx, item.Schedules)
	if err := s.store.DeleteItem(ctx, itemID); err != nil {
		return storeErr(op, err)
	}

	s.logger.Info("Content item deleted", zap.String("content_item_id", itemID))
	return nil
}

func (s *ContentService) Get(ctx context.Context, tenantID, itemID string) (*models.ContentItem, error) {
	const op = "content.get"

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if tenantID != "" && item.TenantID != tenantID {
		return nil, errs.Access(op, "item %s belongs to another tenant", itemID)
	}
	return item, nil
}

func (s *ContentService) ListPublished(ctx context.Context, tenantID, itemID string) ([]models.PublishedRecord, error) {
	if _, err := s.Get(ctx, tenantID, itemID); err != nil {
		return nil, err
	}
	records, err := s.store.ListPublishedRecords(ctx, itemID)
	if err != nil {
		return nil, storeErr("content.list_published", err)
	}
	return records, nil
}

// buildSchedules validates channel references and returns fresh pending entries
// validateBody rejects an item with nothing to post
func validateBody(op string, in ItemInput) error {
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Text) == "" {
		return errs.Validation(op, "title or text is required")
	}
	return nil
}

func (s *ContentService) buildSchedules(ctx context.Context, op, tenantID string, in []ScheduleInput) ([]models.Schedule, error) {
	out := make([]models.Schedule, 0, len(in))
	// the same channel at the same instant would post twice
	type slot struct {
		channel string
		at      int64
	}
	seen := make(map[slot]int, len(in))
	for i, si := range in {
		if strings.TrimSpace(si.ChannelID) == "" {
			return nil, errs.Validation(op, "schedule %d: channel_id is required", i)
		}
		if si.ScheduledFor.IsZero() {
			return nil, errs.Validation(op, "schedule %d: scheduled_for is required", i)
		}
		key := slot{si.ChannelID, si.ScheduledFor.UnixNano()}
		if j, dup := seen[key]; dup {
			return nil, errs.Validation(op, "schedule %d duplicates schedule %d on channel %s", i, j, si.ChannelID)
		}
		seen[key] = i

		ch, err := s.store.GetChannel(ctx, si.ChannelID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Validation(op, "schedule %d: unknown channel %s", i, si.ChannelID)
		}
		if err != nil {
			return nil, storeErr(op, err)
		}
		if ch.TenantID != tenantID {
			return nil, errs.Validation(op, "schedule %d: channel %s belongs to a different tenant", i, si.ChannelID)
		}

		out = append(out, models.Schedule{
			ID:           uuid.NewString(),
			ChannelID:    ch.ID,
			Provider:     ch.Provider,
			ScheduledFor: si.ScheduledFor.UTC(),
			Status:       models.ScheduleStatusPending,
			Version:      1,
		})
	}
	return out, nil
}

// enqueueAll requests a job for every schedule of a freshly written set and
// attaches the handle. Immediate entries fire now and become queued.
// On enqueue failure, jobs enqueued so far are cancelled.
func (s *ContentService) enqueueAll(ctx context.Context, item *models.ContentItem) error {
	now := s.now()
	var jobs []string

	for _, sc := range item.Schedules {
		immediate := !sc.ScheduledFor.After(now.Add(s.tolerance))
		fireAt := sc.ScheduledFor
		if immediate {
			fireAt = now
		}

		jobID, err := s.queue.Enqueue(ctx, item.ID, sc.ID, fireAt, queue.PriorityNormal)
		if err != nil {
			for _, id := range jobs {
				if cerr := s.queue.Cancel(context.WithoutCancel(ctx), id); cerr != nil {
					s.logger.Warn("Failed to cancel job during rollback", zap.String("job_id", id), zap.Error(cerr))
				}
			}
			return err
		}
		jobs = append(jobs, jobID)

		target := models.ScheduleStatusPending
		if immediate {
			target = models.ScheduleStatusQueued
		}
		_, err = s.store.TransitionSchedule(ctx, store.ScheduleUpdate{
			ItemID:     item.ID,
			ScheduleID: sc.ID,
			// an immediate job may already have been claimed by a worker
			ExpectStatus: []models.ScheduleStatus{models.ScheduleStatusPending},
			Set: store.ScheduleChanges{
				Status: target,
				JobID:  &jobID,
			},
		})
		switch {
		case errors.Is(err, store.ErrConflict):
			s.logger.Debug("Schedule moved on before job attach",
				zap.String("schedule_id", sc.ID),
				zap.String("job_id", jobID))
		case err != nil:
			// The job still fires; a pending schedule without a handle is also swept once due
			s.logger.Warn("Failed to attach job to schedule",
				zap.String("schedule_id", sc.ID),
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}

	s.syncStatus(ctx, item.ID)
	return nil
}

func (s *ContentService) cancelJobs(ctx context.Context, schedules []models.Schedule) {
	for _, sc := range schedules {
		if !sc.Status.IsOpen() || sc.JobID == "" {
			continue
		}
		if err := s.queue.Cancel(ctx, sc.JobID); err != nil {
			s.logger.Warn("Failed to cancel queue job",
				zap.String("schedule_id", sc.ID),
				zap.String("job_id", sc.JobID),
				zap.Error(err))
		}
	}
}

func (s *ContentService) syncStatus(ctx context.Context, itemID string) {
	if _, err := s.store.SyncItemStatus(ctx, itemID); err != nil {
		s.logger.Error("Failed to sync item status",
			zap.String("content_item_id", itemID),
			zap.Error(err))
	}
}

func (s *ContentService) reload(ctx context.Context, op, itemID string) (*models.ContentItem, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return item, nil
}

func applyInput(item *models.ContentItem, in ItemInput) {
	item.Title = strings.TrimSpace(in.Title)
	item.Text = in.Text
	item.MediaURLs = models.StringArray(in.MediaURLs)
	item.Hashtags = models.StringArray(in.Hashtags)
	item.Settings = in.Settings
}

func describe(s *models.Schedule) string {
	if s.Claimed() {
		return "being published"
	}
	return string(s.Status)
}

// storeErr classifies persistence failures
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errs.Wrap(errs.KindNotFound, op, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		return errs.Wrap(errs.KindConflict, op, err)
	default:
		return errs.Transient(op, err)
	}
}
