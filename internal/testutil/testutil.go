// Package testutil provides fakes for the scheduling pipeline's collaborators.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ifuryst/postwave/internal/notify"
	"github.com/ifuryst/postwave/internal/queue"
	"github.com/ifuryst/postwave/internal/service/publisher"
)

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type EnqueueCall struct {
	JobID         string
	ContentItemID string
	ScheduleID    string
	FireAt        time.Time
	Priority      queue.Priority
}

var ErrEnqueue = errors.New("queue unavailable")

// FakeQueue records calls instead of delivering jobs
type FakeQueue struct {
	mu        sync.Mutex
	seq       int
	enqueued  []EnqueueCall
	cancelled []string
	handler   queue.Handler

	// FailOn makes the n-th Enqueue call (1-based) fail; zero never fails
	FailOn int
	// FailAll makes every Enqueue call fail
	FailAll   bool
	IsDurable bool
}

func NewFakeQueue() *FakeQueue {
	return &FakeQueue{}
}

func (q *FakeQueue) Enqueue(_ context.Context, contentItemID, scheduleID string, fireAt time.Time, priority queue.Priority) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if q.FailAll || q.seq == q.FailOn {
		return "", ErrEnqueue
	}
	id := fmt.Sprintf("job-%d", q.seq)
	q.enqueued = append(q.enqueued, EnqueueCall{
		JobID:         id,
		ContentItemID: contentItemID,
		ScheduleID:    scheduleID,
		FireAt:        fireAt,
		Priority:      priority,
	})
	return id, nil
}

func (q *FakeQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *FakeQueue) Start(_ context.Context, handler queue.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
	return nil
}

func (q *FakeQueue) Stop() {}

func (q *FakeQueue) Durable() bool { return q.IsDurable }

func (q *FakeQueue) Len(context.Context) (int64, error) {
	return int64(len(q.Pending())), nil
}

func (q *FakeQueue) Enqueued() []EnqueueCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]EnqueueCall(nil), q.enqueued...)
}

func (q *FakeQueue) Cancelled() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.cancelled...)
}

// Pending returns enqueued jobs that were not cancelled
func (q *FakeQueue) Pending() []EnqueueCall {
	q.mu.Lock()
	defer q.mu.Unlock()

	gone := make(map[string]bool, len(q.cancelled))
	for _, id := range q.cancelled {
		gone[id] = true
	}
	var out []EnqueueCall
	for _, c := range q.enqueued {
		if !gone[c.JobID] {
			out = append(out, c)
		}
	}
	return out
}

// Job returns the queue.Job for a recorded call
func (c EnqueueCall) Job() queue.Job {
	return queue.Job{
		ID:            c.JobID,
		ContentItemID: c.ContentItemID,
		ScheduleID:    c.ScheduleID,
		FireAt:        c.FireAt,
		Priority:      c.Priority,
	}
}

// FakeProvider is a scripted publisher.Provider
type FakeProvider struct {
	Tag   string
	calls atomic.Int32

	mu        sync.Mutex
	contents  []publisher.PublishContent
	PublishFn func(ctx context.Context, content publisher.PublishContent) (*publisher.PublishResult, error)
}

func NewFakeProvider(tag string) *FakeProvider {
	return &FakeProvider{Tag: tag}
}

func (p *FakeProvider) Name() string { return p.Tag }

func (p *FakeProvider) Publish(ctx context.Context, content publisher.PublishContent) (*publisher.PublishResult, error) {
	n := p.calls.Add(1)
	p.mu.Lock()
	p.contents = append(p.contents, content)
	fn := p.PublishFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, content)
	}
	return &publisher.PublishResult{
		PlatformPostID: fmt.Sprintf("%s-post-%d", p.Tag, n),
		PlatformURL:    fmt.Sprintf("https://%s.example.com/p/%d", p.Tag, n),
	}, nil
}

func (p *FakeProvider) TestConnection(context.Context) (bool, error) { return true, nil }

func (p *FakeProvider) RefreshAccessToken(context.Context) (*publisher.TokenSet, error) {
	exp := time.Now().Add(2 * time.Hour)
	return &publisher.TokenSet{AccessToken: "fresh", ExpiresAt: &exp}, nil
}

func (p *FakeProvider) Calls() int {
	return int(p.calls.Load())
}

func (p *FakeProvider) Contents() []publisher.PublishContent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publisher.PublishContent(nil), p.contents...)
}

type FailedNotice struct {
	OwnerID string
	BrandID string
	Event   notify.FailedEvent
	Error   string
}

// RecordingEmitter keeps every notification it receives
type RecordingEmitter struct {
	mu        sync.Mutex
	published []notify.PublishedEvent
	failed    []FailedNotice
	Err       error
}

func (e *RecordingEmitter) NotifyPublished(_ context.Context, _, _ string, ev notify.PublishedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, ev)
	return e.Err
}

func (e *RecordingEmitter) NotifyFailed(_ context.Context, ownerID, brandID string, ev notify.FailedEvent, errMsg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, FailedNotice{OwnerID: ownerID, BrandID: brandID, Event: ev, Error: errMsg})
	return e.Err
}

func (e *RecordingEmitter) Published() []notify.PublishedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]notify.PublishedEvent(nil), e.published...)
}

func (e *RecordingEmitter) Failed() []FailedNotice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FailedNotice(nil), e.failed...)
}
