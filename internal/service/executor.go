package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/monitoring"
	"github.com/ifuryst/postwave/internal/notify"
	"github.com/ifuryst/postwave/internal/queue"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/internal/store"
	"github.com/ifuryst/postwave/pkg/util"
)

// ProviderGateway publishes through a channel's provider; *publisher.Registry implements it
type ProviderGateway interface {
	Publish(ctx context.Context, ch *models.Channel, content publisher.PublishContent) (*publisher.PublishResult, error)
}

// Notifier fires outcome notifications without blocking; *notify.Dispatcher implements it
type Notifier interface {
	Published(ownerID, brandID string, ev notify.PublishedEvent)
	Failed(ownerID, brandID string, ev notify.FailedEvent, errMsg string)
}

// RetryPolicy bounds re-delivery of retryable publish failures.
// MaxAttempts counts provider calls, the first one included.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the delay before the attempt following retryCount failures
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Executor performs one delivery: claim, publish, finalize, notify
type Executor struct {
	store    store.Store
	queue    queue.Queue
	gateway  ProviderGateway
	notifier Notifier
	metrics  *monitoring.Metrics
	errors   *monitoring.ErrorRecorder
	retry    RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
}

type ExecutorDeps struct {
	Store    store.Store
	Queue    queue.Queue
	Gateway  ProviderGateway
	Notifier Notifier
	Metrics  *monitoring.Metrics
	Errors   *monitoring.ErrorRecorder
	Retry    RetryPolicy
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewExecutor(d ExecutorDeps) *Executor {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Retry.MaxAttempts <= 0 {
		d.Retry.MaxAttempts = 1
	}
	return &Executor{
		store:    d.Store,
		queue:    d.Queue,
		gateway:  d.Gateway,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		errors:   d.Errors,
		retry:    d.Retry,
		logger:   d.Logger.With(zap.String("component", "executor")),
		now:      d.Now,
	}
}

// Execute is the queue handler. A nil return settles the job; retryable
// errors are storage trouble the queue should redeliver.
func (e *Executor) Execute(ctx context.Context, job queue.Job) error {
	const op = "executor.execute"
	log := e.logger.With(
		zap.String("job_id", job.ID),
		zap.String("content_item_id", job.ContentItemID),
		zap.String("schedule_id", job.ScheduleID))

	item, err := e.store.GetItem(ctx, job.ContentItemID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Content item no longer exists, dropping job")
		return errs.NotFound(op, "content item %s not found", job.ContentItemID)
	}
	if err != nil {
		return errs.Transient(op, err)
	}
	sched := item.Schedule(job.ScheduleID)
	if sched == nil {
		log.Warn("Schedule no longer exists, dropping job")
		return errs.NotFound(op, "schedule %s not found", job.ScheduleID)
	}

	if !sched.Status.IsOpen() || sched.Claimed() {
		log.Debug("Schedule already handled, skipping",
			zap.String("status", string(sched.Status)),
			zap.Bool("claimed", sched.Claimed()))
		e.observe(sched.Provider, monitoring.OutcomeSkipped, 0)
		return nil
	}
	if sched.Status == models.ScheduleStatusQueued && sched.JobID != "" && sched.JobID != job.ID {
		// superseded by a sweep or retry job. A pending schedule is still
		// claimable; the claim CAS makes the later job attach fail instead.
		log.Debug("Job superseded, skipping", zap.String("current_job_id", sched.JobID))
		e.observe(sched.Provider, monitoring.OutcomeSkipped, 0)
		return nil
	}

	claimedAt := e.now()
	jobID := job.ID
	claimed, err := e.store.TransitionSchedule(ctx, store.ScheduleUpdate{
		ItemID:           item.ID,
		ScheduleID:       sched.ID,
		ExpectVersion:    sched.Version,
		RequireUnclaimed: true,
		Set: store.ScheduleChanges{
			Status:    models.ScheduleStatusQueued,
			ClaimedAt: &claimedAt,
			JobID:     &jobID,
		},
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		log.Debug("Lost claim race, skipping")
		e.observe(sched.Provider, monitoring.OutcomeSkipped, 0)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return errs.NotFound(op, "schedule %s not found", job.ScheduleID)
	case err != nil:
		return errs.Transient(op, err)
	}
	e.syncStatus(ctx, item.ID)

	ch, err := e.store.GetChannel(ctx, claimed.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return e.fail(ctx, item, claimed, errs.ChannelUnavailable(op, "channel %s no longer exists", claimed.ChannelID))
	}
	if err != nil {
		if job.Final {
			return e.fail(ctx, item, claimed, errs.Transient(op, fmt.Errorf("channel lookup failed: %w", err)))
		}
		e.release(ctx, item.ID, claimed)
		return errs.Transient(op, err)
	}
	if !ch.Active() {
		return e.fail(ctx, item, claimed, errs.ChannelUnavailable(op, "channel %s is %s", ch.ID, ch.ConnectionStatus))
	}

	content := publisher.PublishContent{
		Key:       claimed.ID,
		Title:     item.Title,
		Text:      item.Text,
		MediaURLs: item.MediaURLs,
		Hashtags:  util.MergeHashtags(item.Hashtags, util.ExtractHashtags(item.Text)),
	}

	start := time.Now()
	res, err := e.gateway.Publish(ctx, ch, content)
	took := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, usually by shutdown. Not a provider verdict, so the
			// attempt is not counted; the same job is redelivered or rehydrated.
			log.Warn("Publish interrupted, releasing claim", zap.Error(err))
			e.release(ctx, item.ID, claimed)
			e.observe(claimed.Provider, monitoring.OutcomeSkipped, took)
			return errs.Transient(op, err)
		}
		if errs.IsRetryable(err) && claimed.RetryCount+1 < e.retry.MaxAttempts {
			return e.scheduleRetry(ctx, job, item, claimed, err, took)
		}
		e.observe(claimed.Provider, monitoring.OutcomeFailed, took)
		return e.fail(ctx, item, claimed, err)
	}

	e.observe(claimed.Provider, monitoring.OutcomePublished, took)
	return e.succeed(ctx, item, claimed, res)
}

func (e *Executor) succeed(ctx context.Context, item *models.ContentItem, sched *models.Schedule, res *publisher.PublishResult) error {
	const op = "executor.finalize"
	// The post exists now; finish the bookkeeping even if the job context ends
	ctx = context.WithoutCancel(ctx)
	log := e.logger.With(zap.String("content_item_id", item.ID), zap.String("schedule_id", sched.ID))

	publishedAt := res.PublishedAt
	empty := ""
	_, err := e.store.TransitionSchedule(ctx, store.ScheduleUpdate{
		ItemID:       item.ID,
		ScheduleID:   sched.ID,
		ExpectStatus: []models.ScheduleStatus{models.ScheduleStatusQueued},
		Set: store.ScheduleChanges{
			Status:         models.ScheduleStatusPublished,
			ReleaseClaim:   true,
			PublishedAt:    &publishedAt,
			PlatformPostID: &res.PlatformPostID,
			PlatformURL:    &res.PlatformURL,
			Error:          &empty,
		},
	})
	if err != nil {
		// Redelivery skips the still-claimed schedule; the sweep fails it once the claim expires
		log.Error("Published but failed to record outcome",
			zap.String("platform_post_id", res.PlatformPostID),
			zap.Error(err))
		e.recordError(ctx, item, sched, "Failed to record published schedule", err)
		return errs.Transient(op, err)
	}
	e.syncStatus(ctx, item.ID)

	rec := &models.PublishedRecord{
		ID:             uuid.NewString(),
		TenantID:       item.TenantID,
		ContentItemID:  item.ID,
		ScheduleID:     sched.ID,
		ChannelID:      sched.ChannelID,
		Provider:       sched.Provider,
		PlatformPostID: res.PlatformPostID,
		PlatformURL:    res.PlatformURL,
		PublishedAt:    publishedAt,
	}
	if err := e.store.CreatePublishedRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.Info("Published record already exists", zap.String("platform_post_id", res.PlatformPostID))
		} else {
			log.Error("Failed to append published record", zap.Error(err))
			e.recordError(ctx, item, sched, "Failed to append published record", err)
		}
	}

	log.Info("Schedule published",
		zap.String("provider", sched.Provider),
		zap.String("platform_post_id", res.PlatformPostID),
		zap.String("platform_url", res.PlatformURL))

	if item.Settings.NotifyOnPublish {
		e.notifier.Published(item.OwnerID, item.TenantID, notify.PublishedEvent{
			ContentID:      item.ID,
			ScheduleID:     sched.ID,
			Platform:       sched.Provider,
			PlatformPostID: res.PlatformPostID,
			PlatformURL:    res.PlatformURL,
			PublishedAt:    publishedAt,
		})
	}
	return nil
}

// scheduleRetry re-enqueues with backoff and keeps the schedule queued
func (e *Executor) scheduleRetry(ctx context.Context, job queue.Job, item *models.ContentItem, sched *models.Schedule, cause error, took time.Duration) error {
	const op = "executor.retry"
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	delay := e.retry.Backoff(sched.RetryCount)
	log := e.logger.With(zap.String("content_item_id", item.ID), zap.String("schedule_id", sched.ID))

	retryAt := e.now().Add(delay)
	jobID, qerr := e.queue.Enqueue(ctx, item.ID, sched.ID, retryAt, queue.PriorityNormal)
	if qerr != nil {
		if job.Final {
			// Nothing would fire this schedule again
			log.Error("Failed to enqueue retry on final delivery", zap.Error(qerr))
			e.observe(sched.Provider, monitoring.OutcomeFailed, took)
			return e.fail(ctx, item, sched, errs.Transient(op, fmt.Errorf("%v; retry could not be scheduled: %w", cause, qerr)))
		}
		// Keep the current job; the queue redelivers it with its own backoff
		log.Warn("Failed to enqueue retry, releasing for redelivery", zap.Error(qerr))
		_, err := e.store.TransitionSchedule(ctx, store.ScheduleUpdate{
			ItemID:       item.ID,
			ScheduleID:   sched.ID,
			ExpectStatus: []models.ScheduleStatus{models.ScheduleStatusQueued},
			Set: store.ScheduleChanges{
				Status:         models.ScheduleStatusQueued,
				ReleaseClaim:   true,
				Error:          &msg,
				IncrementRetry: true,
			},
		})
		if err != nil {
			log.Error("Failed to release claim", zap.Error(err))
		}
		e.observe(sched.Provider, monitoring.OutcomeRetry, took)
		return errs.Transient(op, qerr)
	}

	_, err := e.store.TransitionSchedule(ctx, store.ScheduleUpdate{
		ItemID:       item.ID,
		ScheduleID:   sched.ID,
		ExpectStatus: []models.ScheduleStatus{models.ScheduleStatusQueued},
		Set: store.ScheduleChanges{
			Status:         models.ScheduleStatusQueued,
			ReleaseClaim:   true,
			JobID:          &jobID,
			Error:          &msg,
			IncrementRetry: true,
			NextAttemptAt:  &retryAt,
		},
	})
	if err != nil {
		_ = e.queue.Cancel(ctx, jobID)
		log.Error("Failed to record retry", zap.Error(err))
		return errs.Transient(op, err)
	}

	e.observe(sched.Provider, monitoring.OutcomeRetry, took)
	log.Warn("Publish failed, retry scheduled",
		zap.String("provider", sched.Provider),
		zap.Int("retry_count", sched.RetryCount+1),
		zap.Duration("delay", delay),
		zap.String("kind", string(errs.KindOf(cause))),
		zap.Error(cause))
	return nil
}

// fail moves the claimed schedule to failed and notifies the owner
func (e *Executor) fail(ctx context.Context, item *models.ContentItem, sched *models.Schedule, cause error) error {
	const op = "executor.fail"
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()

	_, err := e.store.TransitionSchedule(ctx, store.ScheduleUpdate{
		ItemID:       item.ID,
		ScheduleID:   sched.ID,
		ExpectStatus: []models.ScheduleStatus{models.ScheduleStatusQueued},
		Set: store.ScheduleChanges{
			Status:         models.ScheduleStatusFailed,
			ReleaseClaim:   true,
			Error:          &msg,
			IncrementRetry: true,
		},
	})
	if err != nil {
		e.logger.Error("Failed to record failed schedule",
			zap.String("schedule_id", sched.ID),
			zap.Error(err))
		return errs.Transient(op, err)
	}
	e.syncStatus(ctx, item.ID)

	e.logger.Warn("Schedule failed",
		zap.String("content_item_id", item.ID),
		zap.String("schedule_id", sched.ID),
		zap.String("provider", sched.Provider),
		zap.String("kind", string(errs.KindOf(cause))),
		zap.Error(cause))
	e.recordError(ctx, item, sched, fmt.Sprintf("Failed to publish to %s", sched.Provider), cause)

	e.notifier.Failed(item.OwnerID, item.TenantID, notify.FailedEvent{
		ContentID:  item.ID,
		ScheduleID: sched.ID,
		Platform:   sched.Provider,
		RetryCount: sched.RetryCount + 1,
	}, msg)
	return nil
}

// release drops the claim so a redelivered job can try again
func (e *Executor) release(ctx context.Context, itemID string, sched *models.Schedule) {
	_, err := e.store.TransitionSchedule(context.WithoutCancel(ctx), store.ScheduleUpdate{
		ItemID:       itemID,
		ScheduleID:   sched.ID,
		ExpectStatus: []models.ScheduleStatus{models.ScheduleStatusQueued},
		Set: store.ScheduleChanges{
			Status:       models.ScheduleStatusQueued,
			ReleaseClaim: true,
		},
	})
	if err != nil {
		e.logger.Error("Failed to release claim", zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

func (e *Executor) syncStatus(ctx context.Context, itemID string) {
	if _, err := e.store.SyncItemStatus(ctx, itemID); err != nil {
		e.logger.Error("Failed to sync item status",
			zap.String("content_item_id", itemID),
			zap.Error(err))
	}
}

func (e *Executor) observe(provider, outcome string, took time.Duration) {
	if e.metrics != nil {
		e.metrics.ObservePublish(provider, outcome, took)
	}
}

func (e *Executor) recordError(ctx context.Context, item *models.ContentItem, sched *models.Schedule, title string, err error) {
	if e.errors == nil {
		return
	}
	e.errors.RecordError(ctx, monitoring.LevelError, "executor", title, err,
		monitoring.WithProvider(sched.Provider),
		monitoring.WithSchedule(item.TenantID, item.ID, sched.ID),
		monitoring.WithContext(map[string]interface{}{
			"channel_id":  sched.ChannelID,
			"retry_count": sched.RetryCount,
		}))
}
