package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxSleep bounds how long the dispatcher sleeps so clock jumps are noticed
const maxSleep = time.Second

type entry struct {
	job   Job
	index int
}

// jobHeap is a min-heap on fire time; ties keep insertion order by id.
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.FireAt.Equal(h[j].job.FireAt) {
		return h[i].job.ID < h[j].job.ID
	}
	return h[i].job.FireAt.Before(h[j].job.FireAt)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// MemoryQueue is the in-process driver. Jobs are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	high    jobHeap
	normal  jobHeap
	entries map[string]*entry

	opts   Options
	logger *zap.Logger
	now    func() time.Time
	pool   *workerPool
	wake   chan struct{}

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewMemoryQueue(opts Options, logger *zap.Logger) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		pool:    newWorkerPool(opts, logger),
		wake:    make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Durable() bool { return false }

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, contentItemID, scheduleID string, fireAt time.Time, priority Priority) (string, error) {
	job := newJob(contentItemID, scheduleID, fireAt, priority)
	q.push(job)
	return job.ID, nil
}

func (q *MemoryQueue) push(job Job) {
	q.mu.Lock()
	e := &entry{job: job}
	q.entries[job.ID] = e
	if job.Priority == PriorityHigh {
		heap.Push(&q.high, e)
	} else {
		heap.Push(&q.normal, e)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok {
		return nil
	}
	delete(q.entries, jobID)
	if e.index < 0 {
		return nil
	}
	if e.job.Priority == PriorityHigh {
		heap.Remove(&q.high, e.index)
	} else {
		heap.Remove(&q.normal, e.index)
	}
	return nil
}

// nextDue pops the first due job, high priority first, or reports how long to wait.
func (q *MemoryQueue) nextDue() (Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	wait := maxSleep
	for _, h := range []*jobHeap{&q.high, &q.normal} {
		if h.Len() == 0 {
			continue
		}
		top := (*h)[0]
		if !top.job.FireAt.After(now) {
			heap.Pop(h)
			delete(q.entries, top.job.ID)
			return top.job, 0, true
		}
		if d := top.job.FireAt.Sub(now); d < wait {
			wait = d
		}
	}
	return Job{}, wait, false
}

func (q *MemoryQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("memory queue already started")
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	q.pool.start(runCtx, handler, q.finish)
	go q.dispatch(runCtx)

	q.logger.Info("Memory queue started",
		zap.Int("workers", q.opts.Workers),
		zap.Int("queue_size", q.opts.QueueSize))
	return nil
}

func (q *MemoryQueue) dispatch(ctx context.Context) {
	defer close(q.done)

	timer := time.NewTimer(maxSleep)
	defer timer.Stop()

	for {
		job, wait, ok := q.nextDue()
		if ok {
			if !q.pool.submit(ctx, job) {
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) finish(_ context.Context, job Job, retryAt time.Time, retry bool) {
	if !retry {
		return
	}
	job.Attempt++
	job.FireAt = retryAt
	q.push(job)
}

// Stop halts dispatch and waits for in-flight handlers to return.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	q.pool.wait()
	q.logger.Info("Memory queue stopped")
}
