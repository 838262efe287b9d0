package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/queue"
	"github.com/ifuryst/postwave/internal/store"
)

func TestCreate_ImmediateAndFutureSchedules(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	item := h.create(t, 0, time.Hour)

	assert.Equal(t, models.ItemStatusPublishing, item.Status)
	require.Len(t, item.Schedules, 2)

	calls := h.queue.Enqueued()
	require.Len(t, calls, 2)

	immediate := item.Schedule(calls[0].ScheduleID)
	require.NotNil(t, immediate)
	assert.Equal(t, models.ScheduleStatusQueued, immediate.Status)
	assert.Equal(t, "job-1", immediate.JobID)
	assert.Equal(t, now, calls[0].FireAt)
	assert.Equal(t, queue.PriorityNormal, calls[0].Priority)

	later := item.Schedule(calls[1].ScheduleID)
	require.NotNil(t, later)
	assert.Equal(t, models.ScheduleStatusPending, later.Status)
	assert.Equal(t, "job-2", later.JobID)
	assert.Equal(t, now.Add(time.Hour), calls[1].FireAt)

	for _, sc := range item.Schedules {
		assert.Equal(t, "fake", sc.Provider)
		assert.False(t, sc.Claimed())
	}
}

func TestCreate_WithinToleranceIsImmediate(t *testing.T) {
	h := newHarness(t)

	item := h.create(t, 3*time.Second)

	assert.Equal(t, models.ScheduleStatusQueued, item.Schedules[0].Status)
	assert.Equal(t, h.clock.Now(), h.queue.Enqueued()[0].FireAt)
}

func TestCreate_PastTimeFiresNow(t *testing.T) {
	h := newHarness(t)

	item := h.create(t, -2*time.Hour)

	assert.Equal(t, models.ScheduleStatusQueued, item.Schedules[0].Status)
	assert.Equal(t, h.clock.Now(), h.queue.Enqueued()[0].FireAt)
}

func TestCreate_WithoutSchedulesIsDraft(t *testing.T) {
	h := newHarness(t)

	item := h.create(t)

	assert.Equal(t, models.ItemStatusDraft, item.Status)
	assert.Empty(t, h.queue.Enqueued())
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	at := time.Now()
	cases := []struct {
		name string
		in   ScheduleInput
		kind errs.Kind
	}{
		{"unknown channel", ScheduleInput{ChannelID: "ch-missing", ScheduledFor: time.Now()}, errs.KindValidation},
		{"other tenant's channel", ScheduleInput{ChannelID: chOther, ScheduledFor: time.Now()}, errs.KindValidation},
		{"missing channel", ScheduleInput{ScheduledFor: time.Now()}, errs.KindValidation},
		{"missing time", ScheduleInput{ChannelID: chActive}, errs.KindValidation},
		{"same channel and time", ScheduleInput{ChannelID: chActive, ScheduledFor: at.In(time.FixedZone("CET", 3600))}, errs.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.content.Create(ctx, tenantA, ownerA, ItemInput{
				Title:     "x",
				Schedules: []ScheduleInput{{ChannelID: chActive, ScheduledFor: at}, tc.in},
			})
			require.Error(t, err)
			assert.True(t, errs.Is(err, tc.kind), "got %v", err)
			assert.Empty(t, h.queue.Enqueued())
		})
	}
}

func TestCreate_RequiresBody(t *testing.T) {
	h := newHarness(t)

	_, err := h.content.Create(context.Background(), tenantA, ownerA, ItemInput{
		Title:     " ",
		Text:      "\n\t",
		Schedules: []ScheduleInput{{ChannelID: chActive, ScheduledFor: h.clock.Now()}},
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation), "got %v", err)
	assert.Empty(t, h.queue.Enqueued())

	_, err = h.content.Create(context.Background(), tenantA, ownerA, ItemInput{
		Text:      "text only",
		Schedules: []ScheduleInput{{ChannelID: chActive, ScheduledFor: h.clock.Now()}},
	})
	assert.NoError(t, err)
}

func TestCreate_RequiresTenantAndOwner(t *testing.T) {
	h := newHarness(t)

	_, err := h.content.Create(context.Background(), "", ownerA, ItemInput{})
	assert.True(t, errs.Is(err, errs.KindAccess))

	_, err = h.content.Create(context.Background(), tenantA, "", ItemInput{})
	assert.True(t, errs.Is(err, errs.KindAccess))
}

func TestCreate_EnqueueFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.queue.FailOn = 2

	_, err := h.content.Create(context.Background(), tenantA, ownerA, ItemInput{
		Title: "rollback",
		Schedules: []ScheduleInput{
			{ChannelID: chActive, ScheduledFor: h.clock.Now().Add(time.Hour)},
			{ChannelID: chActive, ScheduledFor: h.clock.Now().Add(2 * time.Hour)},
		},
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransient))
	assert.True(t, errs.IsRetryable(err))

	calls := h.queue.Enqueued()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"job-1"}, h.queue.Cancelled())
	assert.Empty(t, h.queue.Pending())

	_, err = h.store.GetItem(context.Background(), calls[0].ContentItemID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCancel_QueuedSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.create(t, 0)
	sc := item.Schedules[0]
	require.Equal(t, models.ScheduleStatusQueued, sc.Status)

	updated, err := h.content.Cancel(ctx, tenantA, item.ID, sc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ScheduleStatusCancelled, updated.Schedules[0].Status)
	assert.Equal(t, models.ItemStatusDraft, updated.Status)
	assert.Equal(t, []string{"job-1"}, h.queue.Cancelled())

	// a job the queue already handed out finds the schedule cancelled
	require.NoError(t, h.executor.Execute(ctx, h.jobFor(t, sc.ID).Job()))
	assert.Zero(t, h.provider.Calls())
	assert.Equal(t, models.ScheduleStatusCancelled, h.schedule(t, item.ID, sc.ID).Status)
}

func TestCancel_OneOfMany(t *testing.T) {
	h := newHarness(t)
	item := h.create(t, time.Hour, 2*time.Hour)

	updated, err := h.content.Cancel(context.Background(), tenantA, item.ID, item.Schedules[0].ID)
	require.NoError(t, err)

	assert.Equal(t, models.ItemStatusScheduled, updated.Status)
	assert.Equal(t, models.ScheduleStatusPending, updated.Schedule(item.Schedules[1].ID).Status)
}

func TestCancel_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	claimedAt := h.clock.Now()
	item := h.seed(t, chActive,
		models.Schedule{ID: "done", Status: models.ScheduleStatusPublished, ScheduledFor: claimedAt},
		models.Schedule{ID: "busy", Status: models.ScheduleStatusQueued, ScheduledFor: claimedAt, ClaimedAt: &claimedAt},
		models.Schedule{ID: "gone", Status: models.ScheduleStatusCancelled, ScheduledFor: claimedAt},
	)

	for _, id := range []string{"done", "busy", "gone"} {
		_, err := h.content.Cancel(ctx, tenantA, item.ID, id)
		assert.True(t, errs.Is(err, errs.KindConflict), "%s: %v", id, err)
	}

	_, err := h.content.Cancel(ctx, tenantA, item.ID, "nope")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = h.content.Cancel(ctx, "tenant-b", item.ID, "busy")
	assert.True(t, errs.Is(err, errs.KindAccess))
}

func TestEdit_ReplacesScheduleSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.create(t, time.Hour, 2*time.Hour)
	oldIDs := []string{item.Schedules[0].ID, item.Schedules[1].ID}

	edited, err := h.content.Edit(ctx, tenantA, item.ID, ItemInput{
		Title: "  Launch v2 ",
		Text:  "new text",
		Schedules: []ScheduleInput{
			{ChannelID: chActive, ScheduledFor: h.clock.Now()},
			{ChannelID: chActive, ScheduledFor: h.clock.Now().Add(3 * time.Hour)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Launch v2", edited.Title)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, h.queue.Cancelled())
	require.Len(t, edited.Schedules, 2)
	for _, sc := range edited.Schedules {
		assert.NotContains(t, oldIDs, sc.ID)
	}

	pending := h.queue.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "job-3", pending[0].JobID)
	assert.Equal(t, models.ScheduleStatusQueued, edited.Schedule(pending[0].ScheduleID).Status)
	assert.Equal(t, "job-4", pending[1].JobID)
	assert.Equal(t, models.ScheduleStatusPending, edited.Schedule(pending[1].ScheduleID).Status)
	assert.Equal(t, models.ItemStatusPublishing, edited.Status)

	// old jobs find nothing to do
	err = h.executor.Execute(ctx, h.jobFor(t, oldIDs[0]).Job())
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Zero(t, h.provider.Calls())
}

func TestEdit_EnqueueFailureLeavesSetPending(t *testing.T) {
	h := newHarness(t)
	item := h.create(t, time.Hour)
	h.queue.FailAll = true

	edited, err := h.content.Edit(context.Background(), tenantA, item.ID, ItemInput{
		Title:     "later",
		Schedules: []ScheduleInput{{ChannelID: chActive, ScheduledFor: h.clock.Now().Add(-time.Minute)}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.ScheduleStatusPending, edited.Schedules[0].Status)
	assert.Empty(t, edited.Schedules[0].JobID)

	// the sweep recovers it
	h.queue.FailAll = false
	res, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
}

func TestEdit_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := h.clock.Now()

	published := h.seed(t, chActive,
		models.Schedule{ID: "p1", Status: models.ScheduleStatusPublished, ScheduledFor: at})
	_, err := h.content.Edit(ctx, tenantA, published.ID, ItemInput{Title: "x"})
	assert.True(t, errs.Is(err, errs.KindValidation), "%v", err)

	partial := h.seed(t, chActive,
		models.Schedule{ID: "p1", Status: models.ScheduleStatusPublished, ScheduledFor: at},
		models.Schedule{ID: "p2", Status: models.ScheduleStatusPending, ScheduledFor: at.Add(time.Hour)})
	require.Equal(t, models.ItemStatusPublishing, partial.Status)
	_, err = h.content.Edit(ctx, tenantA, partial.ID, ItemInput{Title: "x"})
	assert.True(t, errs.Is(err, errs.KindConflict), "%v", err)

	claimed := h.seed(t, chActive,
		models.Schedule{ID: "c1", Status: models.ScheduleStatusQueued, ScheduledFor: at, ClaimedAt: &at})
	_, err = h.content.Edit(ctx, tenantA, claimed.ID, ItemInput{Title: "x"})
	assert.True(t, errs.Is(err, errs.KindConflict), "%v", err)

	item := h.create(t, time.Hour)
	_, err = h.content.Edit(ctx, tenantA, item.ID, ItemInput{
		Title:     "x",
		Schedules: []ScheduleInput{{ChannelID: chOther, ScheduledFor: at}},
	})
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = h.content.Edit(ctx, tenantA, item.ID, ItemInput{
		Title:     "   ",
		Schedules: []ScheduleInput{{ChannelID: chActive, ScheduledFor: at}},
	})
	assert.True(t, errs.Is(err, errs.KindValidation), "blank body")
	assert.Equal(t, "Launch", h.item(t, item.ID).Title)
	assert.Equal(t, models.ScheduleStatusPending, h.item(t, item.ID).Schedules[0].Status)
	assert.Empty(t, h.queue.Cancelled())
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.create(t, 0, time.Hour)

	require.NoError(t, h.content.Delete(ctx, tenantA, item.ID))

	assert.ElementsMatch(t, []string{"job-1", "job-2"}, h.queue.Cancelled())
	_, err := h.content.Get(ctx, tenantA, item.ID)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestDelete_ClaimedScheduleConflicts(t *testing.T) {
	h := newHarness(t)
	at := h.clock.Now()
	item := h.seed(t, chActive,
		models.Schedule{ID: "c1", Status: models.ScheduleStatusQueued, ScheduledFor: at, ClaimedAt: &at, JobID: "job-x"})

	err := h.content.Delete(context.Background(), tenantA, item.ID)
	assert.True(t, errs.Is(err, errs.KindConflict))
	assert.Empty(t, h.queue.Cancelled())
	h.item(t, item.ID)
}

func TestGet_OtherTenant(t *testing.T) {
	h := newHarness(t)
	item := h.create(t, time.Hour)

	_, err := h.content.Get(context.Background(), "tenant-b", item.ID)
	assert.True(t, errs.Is(err, errs.KindAccess))

	err = h.content.Delete(context.Background(), "tenant-b", item.ID)
	assert.True(t, errs.Is(err, errs.KindAccess))
	assert.Len(t, h.queue.Pending(), 1)

	_, err = h.content.Get(context.Background(), tenantA, "missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
