// Package notify tells owners about publish outcomes.
//
// Emitters are called from a Dispatcher, never inline from the executor: a
// notification that fails or hangs must not change the schedule it describes.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type PublishedEvent struct {
	ContentID      string    `json:"content_id"`
	ScheduleID     string    `json:"schedule_id"`
	Platform       string    `json:"platform"`
	PlatformPostID string    `json:"platform_post_id"`
	PlatformURL    string    `json:"platform_url,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

type FailedEvent struct {
	ContentID  string `json:"content_id"`
	ScheduleID string `json:"schedule_id"`
	Platform   string `json:"platform"`
	RetryCount int    `json:"retry_count"`
}

// Emitter delivers outcome notifications. brandID is the owning tenant.
type Emitter interface {
	NotifyPublished(ctx context.Context, ownerID, brandID string, ev PublishedEvent) error
	NotifyFailed(ctx context.Context, ownerID, brandID string, ev FailedEvent, errMsg string) error
}

// LogEmitter writes notifications to the application log
type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With(zap.String("component", "notify"))}
}

func (l *LogEmitter) NotifyPublished(_ context.Context, ownerID, brandID string, ev PublishedEvent) error {
	l.logger.Info("Content published",
		zap.String("owner_id", ownerID),
		zap.String("brand_id", brandID),
		zap.String("content_id", ev.ContentID),
		zap.String("schedule_id", ev.ScheduleID),
		zap.String("platform", ev.Platform),
		zap.String("platform_post_id", ev.PlatformPostID),
		zap.String("platform_url", ev.PlatformURL))
	return nil
}

func (l *LogEmitter) NotifyFailed(_ context.Context, ownerID, brandID string, ev FailedEvent, errMsg string) error {
	l.logger.Warn("Content publish failed",
		zap.String("owner_id", ownerID),
		zap.String("brand_id", brandID),
		zap.String("content_id", ev.ContentID),
		zap.String("schedule_id", ev.ScheduleID),
		zap.String("platform", ev.Platform),
		zap.Int("retry_count", ev.RetryCount),
		zap.String("error", errMsg))
	return nil
}

// Multi fans out to every emitter; one failing emitter does not stop the rest.
type Multi []Emitter

func (m Multi) NotifyPublished(ctx context.Context, ownerID, brandID string, ev PublishedEvent) error {
	var all []error
	for _, e := range m {
		if err := e.NotifyPublished(ctx, ownerID, brandID, ev); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}

func (m Multi) NotifyFailed(ctx context.Context, ownerID, brandID string, ev FailedEvent, errMsg string) error {
	var all []error
	for _, e := range m {
		if err := e.NotifyFailed(ctx, ownerID, brandID, ev, errMsg); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}
