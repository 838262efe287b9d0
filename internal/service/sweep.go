package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/monitoring"
	"github.com/ifuryst/postwave/internal/queue"
	"github.com/ifuryst/postwave/internal/store"
)

type SweepResult struct {
	Scanned   int `json:"scanned"`
	Enqueued  int `json:"enqueued"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
	// Abandoned counts claims that outlived the claim timeout and were failed
	Abandoned int `json:"abandoned"`
}

type SweepConfig struct {
	Interval     time.Duration
	BatchSize    int
	ClaimTimeout time.Duration
}

// Sweeper periodically recovers due pending schedules the queue path missed
type Sweeper struct {
	store   store.Store
	queue   queue.Queue
	cfg     SweepConfig
	metrics *monitoring.Metrics
	errors  *monitoring.ErrorRecorder
	logger  *zap.Logger
	now     func() time.Time

	// one sweep at a time, whether from cron, CLI or the admin endpoint
	mu sync.Mutex
}

func NewSweeper(st store.Store, q queue.Queue, cfg SweepConfig, metrics *monitoring.Metrics, recorder *monitoring.ErrorRecorder, logger *zap.Logger, now func() time.Time) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:   st,
		queue:   q,
		cfg:     cfg,
		metrics: metrics,
		errors:  recorder,
		logger:  logger.With(zap.String("component", "sweep")),
		now:     now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { s.runLogged(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	s.logger.Info("Starting reconciliation sweep", zap.Duration("interval", s.cfg.Interval))
	s.runLogged(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Reconciliation sweep stopped")
	return nil
}

func (s *Sweeper) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Sweep failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	if res.Scanned > 0 || res.Abandoned > 0 {
		s.logger.Info("Sweep completed",
			zap.Int("scanned", res.Scanned),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("conflicts", res.Conflicts),
			zap.Int("failed", res.Failed),
			zap.Int("abandoned", res.Abandoned),
			zap.Duration("duration", time.Since(start)))
	}
}

// Sweep enqueues every due pending schedule with high priority and moves it to queued.
// It never selects a schedule outside pending, so a schedule is swept at most once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	now := s.now()

	due, err := s.store.ListSchedules(ctx, store.ScheduleFilter{
		Statuses:  []models.ScheduleStatus{models.ScheduleStatusPending},
		DueBefore: &now,
		Unclaimed: true,
		Limit:     s.cfg.BatchSize,
	})
	if err != nil {
		s.countRun("error")
		return res, fmt.Errorf("failed to list due schedules: %w", err)
	}

	for i := range due {
		res.Scanned++
		s.recover(ctx, &due[i], &res)
	}

	if s.cfg.ClaimTimeout > 0 {
		if err := s.expireClaims(ctx, now, &res); err != nil {
			s.countRun("error")
			return res, err
		}
	}

	s.countRun("ok")
	s.count("enqueued", res.Enqueued)
	s.count("conflict", res.Conflicts)
	s.count("failed", res.Failed)
	s.count("abandoned", res.Abandoned)
	return res, nil
}

func (s *Sweeper) recover(ctx context.Context, sc *models.Schedule, res *SweepResult) {
	log := s.logger.With(
		zap.String("content_item_id", sc.ContentItemID),
		zap.String("schedule_id", sc.ID),
		zap.Time("scheduled_for", sc.ScheduledFor))

	jobID, err := s.queue.Enqueue(ctx, sc.ContentItemID, sc.ID, s.now(), queue.PriorityHigh)
	if err != nil {
		res.Failed++
		log.Warn("Failed to enqueue overdue schedule", zap.Error(err))
		return
	}

	_, err = s.store.TransitionSchedule(ctx, store.ScheduleUpdate{
		ItemID:           sc.ContentItemID,
		ScheduleID:       sc.ID,
		ExpectVersion:    sc.Version,
		ExpectStatus:     []models.ScheduleStatus{models.ScheduleStatusPending},
		RequireUnclaimed: true,
		Set: store.ScheduleChanges{
			Status: models.ScheduleStatusQueued,
			JobID:  &jobID,
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			res.Conflicts++
			log.Debug("Schedule changed during sweep, dropping recovery job")
		} else {
			res.Failed++
			log.Warn("Failed to mark swept schedule queued", zap.Error(err))
		}
		if cerr := s.queue.Cancel(ctx, jobID); cerr != nil {
			log.Warn("Failed to cancel recovery job", zap.String("job_id", jobID), zap.Error(cerr))
		}
		return
	}

	res.Enqueued++
	if _, err := s.store.SyncItemStatus(ctx, sc.ContentItemID); err != nil {
		log.Error("Failed to sync item status", zap.Error(err))
	}
	log.Info("Recovered overdue schedule", zap.String("job_id", jobID))
}

// expireClaims fails schedules whose publish attempt never reported back.
// The provider may have accepted the post, so the attempt is not repeated.
func (s *Sweeper) expireClaims(ctx context.Context, now time.Time, res *SweepResult) error {
	cutoff := now.Add(-s.cfg.ClaimTimeout)
	stale, err := s.store.ListSchedules(ctx, store.ScheduleFilter{
		Statuses:      []models.ScheduleStatus{models.ScheduleStatusQueued},
		ClaimedBefore: &cutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list stale claims: %w", err)
	}

	for _, sc := range stale {
		msg := fmt.Sprintf("publish attempt claimed at %s never completed; outcome unknown", sc.ClaimedAt.UTC().Format(time.RFC3339))
		_, err := s.store.TransitionSchedule(ctx, store.ScheduleUpdate{
			ItemID:        sc.ContentItemID,
			ScheduleID:    sc.ID,
			ExpectVersion: sc.Version,
			ExpectStatus:  []models.ScheduleStatus{models.ScheduleStatusQueued},
			Set: store.ScheduleChanges{
				Status:         models.ScheduleStatusFailed,
				ReleaseClaim:   true,
				Error:          &msg,
				IncrementRetry: true,
			},
		})
		if err != nil {
			if !errors.Is(err, store.ErrConflict) {
				s.logger.Warn("Failed to expire stale claim", zap.String("schedule_id", sc.ID), zap.Error(err))
			}
			continue
		}
		res.Abandoned++
		if _, err := s.store.SyncItemStatus(ctx, sc.ContentItemID); err != nil {
			s.logger.Error("Failed to sync item status", zap.String("content_item_id", sc.ContentItemID), zap.Error(err))
		}
		if s.errors != nil {
			s.errors.RecordError(ctx, monitoring.LevelWarn, "sweep", "Abandoned publish attempt", errors.New(msg),
				monitoring.WithProvider(sc.Provider),
				monitoring.WithSchedule("", sc.ContentItemID, sc.ID))
		}
	}
	return nil
}

func (s *Sweeper) countRun(result string) {
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues(result).Inc()
	}
}

func (s *Sweeper) count(action string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.SweepSchedules.WithLabelValues(action).Add(float64(n))
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
