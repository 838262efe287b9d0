package queue

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/errs"
)

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	RetryJitter float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.Workers * 16
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Minute
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// finishFunc settles a delivered job: ack on nil, reschedule when retry is true.
type finishFunc func(ctx context.Context, job Job, retryAt time.Time, retry bool)

// workerPool runs a fixed number of workers fed by a bounded channel.
type workerPool struct {
	opts   Options
	logger *zap.Logger
	work   chan Job
	wg     sync.WaitGroup
}

func newWorkerPool(opts Options, logger *zap.Logger) *workerPool {
	return &workerPool{
		opts:   opts,
		logger: logger,
		work:   make(chan Job, opts.QueueSize),
	}
}

// free reports how many jobs can be handed over without blocking
func (p *workerPool) free() int {
	return cap(p.work) - len(p.work)
}

func (p *workerPool) start(ctx context.Context, handler Handler, finish finishFunc) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, handler, finish)
	}
}

func (p *workerPool) wait() {
	p.wg.Wait()
}

// submit blocks until a worker slot is free or ctx ends
func (p *workerPool) submit(ctx context.Context, job Job) bool {
	select {
	case p.work <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *workerPool) worker(ctx context.Context, idx int, handler Handler, finish finishFunc) {
	defer p.wg.Done()

	// Per-worker RNG avoids lock contention on the global source
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.work:
			job.Final = job.Attempt+1 >= p.opts.MaxAttempts
			err := p.run(ctx, handler, job)
			retryAt, retry := p.retryAt(ctx, job, err, rng)
			if err != nil {
				fields := []zap.Field{
					zap.String("job_id", job.ID),
					zap.String("content_item_id", job.ContentItemID),
					zap.String("schedule_id", job.ScheduleID),
					zap.Int("attempt", job.Attempt+1),
					zap.Error(err),
				}
				if retry {
					p.logger.Warn("Job failed, will retry", append(fields, zap.Time("retry_at", retryAt))...)
				} else {
					p.logger.Error("Job failed permanently", fields...)
				}
			}
			finish(ctx, job, retryAt, retry)
		}
	}
}

func (p *workerPool) run(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *workerPool) retryAt(ctx context.Context, job Job, err error, rng *rand.Rand) (time.Time, bool) {
	if err == nil || !errs.IsRetryable(err) {
		return time.Time{}, false
	}
	// A handler cut short by Stop gets redelivered regardless of its attempt budget
	if ctx.Err() == nil && job.Attempt+1 >= p.opts.MaxAttempts {
		return time.Time{}, false
	}
	return time.Now().Add(backoffDelay(p.opts, job.Attempt+1, rng)), true
}

// backoffDelay doubles from RetryBase per retry, capped at RetryMax, with symmetric jitter.
func backoffDelay(opts Options, retry int, rng *rand.Rand) time.Duration {
	d := opts.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opts.RetryMax {
			d = opts.RetryMax
			break
		}
	}
	if opts.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opts.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > opts.RetryMax {
		d = opts.RetryMax
	}
	return d
}
