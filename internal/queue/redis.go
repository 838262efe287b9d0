package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
)

const defaultDialTimeout = 5 * time.Second

// NewRedisClient connects to a single node, Sentinel or Cluster deployment
// depending on how many addresses are configured.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultDialTimeout,
		WriteTimeout: defaultDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type RedisOptions struct {
	Options
	KeyPrefix    string
	PollInterval time.Duration
	// VisibilityTimeout is how long a delivered job may stay unacknowledged
	// before it is handed out again
	VisibilityTimeout time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	o.Options = o.Options.withDefaults()
	if o.KeyPrefix == "" {
		o.KeyPrefix = "postwave:queue"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	return o
}

// Claim due jobs, high before normal, moving them into the in-flight set.
var claimScript = goredis.NewScript(`
local out = {}
local limit = tonumber(ARGV[3])
for k = 1, 2 do
  if limit <= 0 then break end
  local ids = redis.call('ZRANGEBYSCORE', KEYS[k], '-inf', ARGV[1], 'LIMIT', 0, limit)
  for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[k], id)
    local payload = redis.call('HGET', KEYS[4], id)
    if payload then
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      table.insert(out, payload)
      limit = limit - 1
    end
  end
end
return out
`)

// Return expired in-flight jobs to the high priority set.
var reapScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HEXISTS', KEYS[3], id) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    n = n + 1
  end
end
return n
`)

var retryScript = goredis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// Only waiting jobs are cancelled; an in-flight job keeps its payload so it can be acked.
var cancelScript = goredis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
  redis.call('HDEL', KEYS[3], ARGV[1])
end
return removed
`)

// RedisQueue keeps jobs in sorted sets scored by fire time. Delivery is at
// least once: a job stays in the in-flight set until acknowledged.
type RedisQueue struct {
	client goredis.UniversalClient
	opts   RedisOptions
	logger *zap.Logger
	now    func() time.Time
	pool   *workerPool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisQueue(client goredis.UniversalClient, opts RedisOptions, logger *zap.Logger) *RedisQueue {
	opts = opts.withDefaults()
	return &RedisQueue{
		client: client,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		pool:   newWorkerPool(opts.Options, logger),
	}
}

// Key helpers share one hash tag so every script runs on a single cluster slot.

func (q *RedisQueue) keyJobs() string { return fmt.Sprintf("{%s}:jobs", q.opts.KeyPrefix) }
func (q *RedisQueue) keyInflight() string {
	return fmt.Sprintf("{%s}:inflight", q.opts.KeyPrefix)
}
func (q *RedisQueue) keyDelayed(p Priority) string {
	return fmt.Sprintf("{%s}:delayed:%s", q.opts.KeyPrefix, p)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *RedisQueue) Durable() bool { return true }

func (q *RedisQueue) Enqueue(ctx context.Context, contentItemID, scheduleID string, fireAt time.Time, priority Priority) (string, error) {
	job := newJob(contentItemID, scheduleID, fireAt, priority)
	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.keyJobs(), job.ID, payload)
		pipe.ZAdd(ctx, q.keyDelayed(priority), goredis.Z{Score: score(fireAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	keys := []string{q.keyDelayed(PriorityHigh), q.keyDelayed(PriorityNormal), q.keyJobs()}
	if err := cancelScript.Run(ctx, q.client, keys, jobID).Err(); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	high := pipe.ZCard(ctx, q.keyDelayed(PriorityHigh))
	normal := pipe.ZCard(ctx, q.keyDelayed(PriorityNormal))
	inflight := pipe.ZCard(ctx, q.keyInflight())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return high.Val() + normal.Val() + inflight.Val(), nil
}

func (q *RedisQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return fmt.Errorf("redis queue already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	q.pool.start(runCtx, handler, q.finish)
	go q.poll(runCtx)

	q.logger.Info("Redis queue started",
		zap.String("prefix", q.opts.KeyPrefix),
		zap.Int("workers", q.opts.Workers),
		zap.Duration("poll_interval", q.opts.PollInterval),
		zap.Duration("visibility_timeout", q.opts.VisibilityTimeout))
	return nil
}

func (q *RedisQueue) poll(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.reap(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("Failed to requeue expired jobs", zap.Error(err))
		}

		jobs, err := q.claim(ctx, q.pool.free())
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("Failed to claim due jobs", zap.Error(err))
		}
		for _, job := range jobs {
			if !q.pool.submit(ctx, job) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) reap(ctx context.Context) error {
	keys := []string{q.keyInflight(), q.keyDelayed(PriorityHigh), q.keyJobs()}
	n, err := reapScript.Run(ctx, q.client, keys, score(q.now()), q.opts.QueueSize).Int()
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Info("Requeued jobs past visibility timeout", zap.Int("count", n))
	}
	return nil
}

func (q *RedisQueue) claim(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := q.now()
	keys := []string{
		q.keyDelayed(PriorityHigh),
		q.keyDelayed(PriorityNormal),
		q.keyInflight(),
		q.keyJobs(),
	}
	payloads, err := claimScript.Run(ctx, q.client, keys,
		score(now), score(now.Add(q.opts.VisibilityTimeout)), limit).StringSlice()
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(payloads))
	for _, p := range payloads {
		job, err := decodeJob(p)
		if err != nil {
			q.logger.Error("Dropping undecodable job", zap.String("payload", p), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) finish(ctx context.Context, job Job, retryAt time.Time, retry bool) {
	// Settle even while shutting down so the job is not left in flight
	ctx = context.WithoutCancel(ctx)

	if retry {
		job.Attempt++
		job.FireAt = retryAt
		payload, err := encodeJob(job)
		if err == nil {
			keys := []string{q.keyInflight(), q.keyDelayed(PriorityNormal), q.keyJobs()}
			err = retryScript.Run(ctx, q.client, keys, job.ID, payload, score(retryAt)).Err()
		}
		if err != nil {
			q.logger.Error("Failed to reschedule job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, q.keyInflight(), job.ID)
		pipe.HDel(ctx, q.keyJobs(), job.ID)
		return nil
	})
	if err != nil {
		q.logger.Error("Failed to acknowledge job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *RedisQueue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	q.pool.wait()
	q.logger.Info("Redis queue stopped")
}
