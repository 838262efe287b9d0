package models

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allScheduleStatuses = []ScheduleStatus{
	ScheduleStatusPending,
	ScheduleStatusQueued,
	ScheduleStatusPublished,
	ScheduleStatusFailed,
	ScheduleStatusCancelled,
}

func TestValidateScheduleTransition(t *testing.T) {
	allowed := map[[2]ScheduleStatus]bool{
		{ScheduleStatusPending, ScheduleStatusQueued}:    true,
		{ScheduleStatusPending, ScheduleStatusCancelled}: true,
		{ScheduleStatusQueued, ScheduleStatusPublished}:  true,
		{ScheduleStatusQueued, ScheduleStatusFailed}:     true,
		{ScheduleStatusQueued, ScheduleStatusCancelled}:  true,
	}

	for _, from := range allScheduleStatuses {
		for _, to := range allScheduleStatuses {
			err := ValidateScheduleTransition(from, to)
			if allowed[[2]ScheduleStatus{from, to}] {
				assert.NoError(t, err, "%s → %s", from, to)
			} else {
				assert.Error(t, err, "%s → %s", from, to)
			}
		}
	}
}

func TestCanUpdate_SelfUpdateOnlyForOpenStates(t *testing.T) {
	assert.NoError(t, CanUpdate(ScheduleStatusQueued, ScheduleStatusQueued))
	assert.NoError(t, CanUpdate(ScheduleStatusPending, ScheduleStatusPending))
	assert.Error(t, CanUpdate(ScheduleStatusPublished, ScheduleStatusPublished))
	assert.Error(t, CanUpdate(ScheduleStatusFailed, ScheduleStatusFailed))
	assert.Error(t, CanUpdate(ScheduleStatusCancelled, ScheduleStatusCancelled))
}

func TestParseScheduleStatus(t *testing.T) {
	st, err := ParseScheduleStatus("queued")
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusQueued, st)

	_, err = ParseScheduleStatus("sent")
	assert.Error(t, err)
	_, err = ParseScheduleStatus("")
	assert.Error(t, err)
}

func schedulesWith(statuses ...ScheduleStatus) []Schedule {
	out := make([]Schedule, len(statuses))
	for i, st := range statuses {
		out[i] = Schedule{Status: st}
	}
	return out
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ScheduleStatus
		want     ItemStatus
	}{
		{"no schedules", nil, ItemStatusDraft},
		{"only cancelled", []ScheduleStatus{ScheduleStatusCancelled, ScheduleStatusCancelled}, ItemStatusDraft},
		{"all pending", []ScheduleStatus{ScheduleStatusPending, ScheduleStatusPending}, ItemStatusScheduled},
		{"pending plus cancelled", []ScheduleStatus{ScheduleStatusPending, ScheduleStatusCancelled}, ItemStatusScheduled},
		{"one queued", []ScheduleStatus{ScheduleStatusPending, ScheduleStatusQueued}, ItemStatusPublishing},
		{"all published", []ScheduleStatus{ScheduleStatusPublished, ScheduleStatusPublished}, ItemStatusPublished},
		{"published ignoring cancelled", []ScheduleStatus{ScheduleStatusPublished, ScheduleStatusCancelled}, ItemStatusPublished},
		{"one failed wins", []ScheduleStatus{ScheduleStatusPublished, ScheduleStatusFailed}, ItemStatusFailed},
		{"failed over queued", []ScheduleStatus{ScheduleStatusQueued, ScheduleStatusFailed}, ItemStatusFailed},
		{"pending and published", []ScheduleStatus{ScheduleStatusPending, ScheduleStatusPublished}, ItemStatusPublishing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(schedulesWith(tt.statuses...)))
		})
	}
}

// Derivation is checked against an independent formulation over random sets.
func TestDeriveStatus_RandomSets(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		n := rng.Intn(6)
		statuses := make([]ScheduleStatus, n)
		counts := map[ScheduleStatus]int{}
		for j := range statuses {
			statuses[j] = allScheduleStatuses[rng.Intn(len(allScheduleStatuses))]
			counts[statuses[j]]++
		}
		live := n - counts[ScheduleStatusCancelled]

		var want ItemStatus
		switch {
		case live == 0:
			want = ItemStatusDraft
		case counts[ScheduleStatusFailed] > 0:
			want = ItemStatusFailed
		case counts[ScheduleStatusQueued] > 0:
			want = ItemStatusPublishing
		case counts[ScheduleStatusPublished] == live:
			want = ItemStatusPublished
		case counts[ScheduleStatusPending] == live:
			want = ItemStatusScheduled
		default:
			want = ItemStatusPublishing
		}

		require.Equal(t, want, DeriveStatus(schedulesWith(statuses...)), "statuses=%v", statuses)
	}
}

func TestContentItemEditable(t *testing.T) {
	for _, st := range []ItemStatus{ItemStatusDraft, ItemStatusScheduled, ItemStatusPublishing} {
		assert.True(t, (&ContentItem{Status: st}).Editable(), st)
	}
	assert.False(t, (&ContentItem{Status: ItemStatusPublished}).Editable())
	assert.False(t, (&ContentItem{Status: ItemStatusFailed}).Editable())
}

func TestStringArrayScan_QuotedLiteral(t *testing.T) {
	var arr StringArray
	require.NoError(t, arr.Scan(`{plain,"with, comma","esc\"aped"}`))
	assert.Equal(t, StringArray{"plain", "with, comma", `esc"aped`}, arr)

	require.NoError(t, arr.Scan([]byte(`["a","b"]`)))
	assert.Equal(t, StringArray{"a", "b"}, arr)

	require.NoError(t, arr.Scan(nil))
	assert.Empty(t, arr)

	v, err := StringArray{`say "hi"`, "x"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"say \"hi\"","x"}`, v)
}
