package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/monitoring"
	"github.com/ifuryst/postwave/internal/notify"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/internal/store"
	"github.com/ifuryst/postwave/internal/testutil"
)

const (
	tenantA = "tenant-a"
	ownerA  = "user-1"

	chActive = "ch-active"
	chBroken = "ch-broken"
	chOther  = "ch-other"
)

type harness struct {
	store      *store.MemoryStore
	queue      *testutil.FakeQueue
	clock      *testutil.Clock
	provider   *testutil.FakeProvider
	emitter    *testutil.RecordingEmitter
	dispatcher *notify.Dispatcher
	registry   *publisher.Registry
	metrics    *monitoring.Metrics

	content  *ContentService
	executor *Executor
	sweeper  *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()

	h := &harness{
		store:    store.NewMemoryStore(),
		queue:    testutil.NewFakeQueue(),
		clock:    testutil.NewClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		provider: testutil.NewFakeProvider("fake"),
		emitter:  &testutil.RecordingEmitter{},
		metrics:  monitoring.NewMetrics("postwave"),
	}

	for _, ch := range []*models.Channel{
		{ID: chActive, TenantID: tenantA, Provider: "fake", Name: "main", ConnectionStatus: models.ConnectionStatusActive},
		{ID: chBroken, TenantID: tenantA, Provider: "fake", Name: "broken", ConnectionStatus: models.ConnectionStatusError},
		{ID: chOther, TenantID: "tenant-b", Provider: "fake", Name: "theirs", ConnectionStatus: models.ConnectionStatusActive},
	} {
		require.NoError(t, h.store.SaveChannel(ctx, ch))
	}

	h.registry = publisher.NewRegistry(publisher.GuardConfig{
		Timeout:          time.Second,
		FailureThreshold: 50,
		FailureWindow:    50,
	}, logger)
	require.NoError(t, h.registry.Register("fake", func(*models.Channel) (publisher.Provider, error) {
		return h.provider, nil
	}))

	h.dispatcher = notify.NewDispatcher(h.emitter, time.Second, logger)
	h.dispatcher.OnError = h.metrics.NotificationFailed
	recorder := monitoring.NewErrorRecorder(h.store, logger)

	h.content = NewContentService(h.store, h.queue, 5*time.Second, logger, h.clock.Now)
	h.executor = NewExecutor(ExecutorDeps{
		Store:    h.store,
		Queue:    h.queue,
		Gateway:  h.registry,
		Notifier: h.dispatcher,
		Metrics:  h.metrics,
		Errors:   recorder,
		Retry:    RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
		Logger:   logger,
		Now:      h.clock.Now,
	})
	h.sweeper = NewSweeper(h.store, h.queue, SweepConfig{
		Interval:     time.Minute,
		BatchSize:    100,
		ClaimTimeout: 15 * time.Minute,
	}, h.metrics, recorder, logger, h.clock.Now)
	return h
}

// create makes an item with one schedule per offset from the harness clock
func (h *harness) create(t *testing.T, offsets ...time.Duration) *models.ContentItem {
	t.Helper()
	in := ItemInput{
		Title:    "Launch",
		Text:     "We shipped #release",
		Hashtags: []string{"go"},
		Settings: models.ItemSettings{NotifyOnPublish: true},
	}
	for _, off := range offsets {
		in.Schedules = append(in.Schedules, ScheduleInput{ChannelID: chActive, ScheduledFor: h.clock.Now().Add(off)})
	}
	item, err := h.content.Create(context.Background(), tenantA, ownerA, in)
	require.NoError(t, err)
	return item
}

// seed writes an item straight to the store, bypassing the queue
func (h *harness) seed(t *testing.T, channelID string, schedules ...models.Schedule) *models.ContentItem {
	t.Helper()
	item := &models.ContentItem{
		ID:       uuid.NewString(),
		TenantID: tenantA,
		OwnerID:  ownerA,
		Title:    "Seeded",
		Text:     "seeded body",
	}
	for i := range schedules {
		if schedules[i].ChannelID == "" {
			schedules[i].ChannelID = channelID
		}
		schedules[i].Provider = "fake"
	}
	item.Schedules = schedules
	item.Status = models.DeriveStatus(schedules)
	require.NoError(t, h.store.CreateItem(context.Background(), item))
	got, err := h.store.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) schedule(t *testing.T, itemID, scheduleID string) *models.Schedule {
	t.Helper()
	s, err := h.store.GetSchedule(context.Background(), itemID, scheduleID)
	require.NoError(t, err)
	return s
}

func (h *harness) item(t *testing.T, itemID string) *models.ContentItem {
	t.Helper()
	item, err := h.store.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return item
}

// jobFor returns the most recent job enqueued for a schedule
func (h *harness) jobFor(t *testing.T, scheduleID string) testutil.EnqueueCall {
	t.Helper()
	calls := h.queue.Enqueued()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].ScheduleID == scheduleID {
			return calls[i]
		}
	}
	t.Fatalf("no job enqueued for schedule %s", scheduleID)
	return testutil.EnqueueCall{}
}
