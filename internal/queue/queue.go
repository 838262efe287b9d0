// Package queue delivers publish jobs at or after their fire time.
//
// Two drivers implement Queue: an in-process heap (not durable, rehydrated from
// storage at boot) and a Redis driver built on sorted sets with an in-flight
// visibility set for at-least-once delivery. Both hand due jobs to the same
// bounded worker pool and serve high priority before normal among due jobs.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Job is one delivery request for a schedule.
type Job struct {
	ID            string    `json:"id"`
	ContentItemID string    `json:"content_item_id"`
	ScheduleID    string    `json:"schedule_id"`
	FireAt        time.Time `json:"fire_at"`
	Priority      Priority  `json:"priority"`
	// Attempt counts deliveries that ended in a retryable handler error
	Attempt int `json:"attempt"`
	// Final is set on the delivery after which a retryable error is no longer redelivered
	Final bool `json:"-"`
}

// Handler processes a delivered job. Errors classified as retryable are
// redelivered with backoff; anything else is dropped after logging.
type Handler func(ctx context.Context, job Job) error

type Queue interface {
	Enqueue(ctx context.Context, contentItemID, scheduleID string, fireAt time.Time, priority Priority) (string, error)
	// Cancel removes a job that has not been delivered yet. Unknown ids are not an error.
	Cancel(ctx context.Context, jobID string) error
	Start(ctx context.Context, handler Handler) error
	Stop()
	// Durable reports whether jobs survive a process restart
	Durable() bool
	Len(ctx context.Context) (int64, error)
}

func newJob(contentItemID, scheduleID string, fireAt time.Time, priority Priority) Job {
	return Job{
		ID:            uuid.NewString(),
		ContentItemID: contentItemID,
		ScheduleID:    scheduleID,
		FireAt:        fireAt,
		Priority:      priority,
	}
}

func encodeJob(j Job) (string, error) {
	b, err := json.Marshal(j)
	return string(b), err
}

func decodeJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}
