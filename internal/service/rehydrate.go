package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/queue"
	"github.com/ifuryst/postwave/internal/store"
)

// Rehydrate re-enqueues every open, unclaimed schedule. It is run at boot when
// the queue driver keeps jobs in process memory and lost them on restart.
// A schedule waiting out a retry backoff keeps its recorded retry time.
func Rehydrate(ctx context.Context, st store.Store, q queue.Queue, logger *zap.Logger, now func() time.Time) (int, error) {
	if now == nil {
		now = time.Now
	}

	open, err := st.ListSchedules(ctx, store.ScheduleFilter{
		Statuses:  []models.ScheduleStatus{models.ScheduleStatusPending, models.ScheduleStatusQueued},
		Unclaimed: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list open schedules: %w", err)
	}

	restored := 0
	for _, sc := range open {
		fireAt := sc.ScheduledFor
		if sc.Status == models.ScheduleStatusQueued || fireAt.Before(now()) {
			fireAt = now()
		}
		if sc.NextAttemptAt != nil && sc.NextAttemptAt.After(fireAt) {
			fireAt = *sc.NextAttemptAt
		}

		jobID, err := q.Enqueue(ctx, sc.ContentItemID, sc.ID, fireAt, queue.PriorityNormal)
		if err != nil {
			return restored, fmt.Errorf("failed to enqueue schedule %s: %w", sc.ID, err)
		}

		_, err = st.TransitionSchedule(ctx, store.ScheduleUpdate{
			ItemID:           sc.ContentItemID,
			ScheduleID:       sc.ID,
			ExpectVersion:    sc.Version,
			ExpectStatus:     []models.ScheduleStatus{sc.Status},
			RequireUnclaimed: true,
			Set: store.ScheduleChanges{
				Status: sc.Status,
				JobID:  &jobID,
			},
		})
		if err != nil {
			_ = q.Cancel(ctx, jobID)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return restored, fmt.Errorf("failed to attach job to schedule %s: %w", sc.ID, err)
		}
		restored++
	}

	logger.Info("Queue rehydrated from storage", zap.Int("schedules", restored))
	return restored, nil
}
