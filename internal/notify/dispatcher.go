package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/errs"
)

// Dispatcher runs each notification on its own goroutine with a deadline.
// Failures are logged and reported to OnError; callers never see them.
type Dispatcher struct {
	emitter Emitter
	timeout time.Duration
	logger  *zap.Logger

	// OnError is called with the event type of every failed notification
	OnError func(event string)

	wg sync.WaitGroup
}

func NewDispatcher(emitter Emitter, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		emitter: emitter,
		timeout: timeout,
		logger:  logger,
	}
}

func (d *Dispatcher) Published(ownerID, brandID string, ev PublishedEvent) {
	d.dispatch(EventPublished, ev.ContentID, func(ctx context.Context) error {
		return d.emitter.NotifyPublished(ctx, ownerID, brandID, ev)
	})
}

func (d *Dispatcher) Failed(ownerID, brandID string, ev FailedEvent, errMsg string) {
	d.dispatch(EventFailed, ev.ContentID, func(ctx context.Context) error {
		return d.emitter.NotifyFailed(ctx, ownerID, brandID, ev, errMsg)
	})
}

func (d *Dispatcher) dispatch(event, contentID string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		// Detached from the job context: the publish outcome is already persisted
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.run(ctx, fn); err != nil {
			err = errs.Wrap(errs.KindNotification, "notify."+event, err)
			d.logger.Warn("Notification failed",
				zap.String("event", event),
				zap.String("content_id", contentID),
				zap.Error(err))
			if d.OnError != nil {
				d.OnError(event)
			}
		}
	}()
}

func (d *Dispatcher) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Notification emitter panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("emitter panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Wait blocks until in-flight notifications finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// New builds the emitter set from configuration. The returned close function
// releases producer connections.
func New(cfg config.NotifyConfig, logger *zap.Logger) (Emitter, func(), error) {
	var (
		emitters Multi
		closers  []func()
	)

	if cfg.Log {
		emitters = append(emitters, NewLogEmitter(logger))
	}
	var brokers []string
	for _, b := range cfg.Kafka.Brokers {
		if strings.TrimSpace(b) != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.Kafka.Brokers = brokers
	if len(brokers) > 0 {
		k, err := NewKafkaEmitter(cfg.Kafka, logger)
		if err != nil {
			return nil, nil, err
		}
		emitters = append(emitters, k)
		closers = append(closers, k.Close)
		logger.Info("Kafka notifications enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}
	if len(emitters) == 0 {
		logger.Warn("No notification emitter configured, falling back to log output")
		emitters = append(emitters, NewLogEmitter(logger))
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(emitters) == 1 {
		return emitters[0], closeAll, nil
	}
	return emitters, closeAll, nil
}
