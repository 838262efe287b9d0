package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/models"
)

type StatusCounter interface {
	CountSchedulesByStatus(ctx context.Context) (map[models.ScheduleStatus]int64, error)
}

type QueueSizer interface {
	Len(ctx context.Context) (int64, error)
}

// StatsUpdater periodically refreshes the schedule and queue gauges
type StatsUpdater struct {
	metrics  *Metrics
	counter  StatusCounter
	queue    QueueSizer
	logger   *zap.Logger
	interval time.Duration
}

func NewStatsUpdater(metrics *Metrics, counter StatusCounter, queue QueueSizer, logger *zap.Logger, interval time.Duration) *StatsUpdater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatsUpdater{
		metrics:  metrics,
		counter:  counter,
		queue:    queue,
		logger:   logger,
		interval: interval,
	}
}

// Run updates once immediately and then on every tick until ctx is done
func (s *StatsUpdater) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting stats updater", zap.Duration("interval", s.interval))
	s.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stats updater stopped")
			return nil
		case <-ticker.C:
			s.Update(ctx)
		}
	}
}

func (s *StatsUpdater) Update(ctx context.Context) {
	counts, err := s.counter.CountSchedulesByStatus(ctx)
	if err != nil {
		s.logger.Error("Failed to count schedules", zap.Error(err))
	} else {
		s.metrics.SetScheduleCounts(counts)
	}

	n, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Error("Failed to read queue length", zap.Error(err))
		return
	}
	s.metrics.QueueLength.Set(float64(n))
}
