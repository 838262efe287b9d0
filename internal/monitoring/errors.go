package monitoring

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
)

const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"
)

// ErrorSink persists error log entries; store.Store satisfies it
type ErrorSink interface {
	RecordError(ctx context.Context, entry *models.ErrorLog) error
}

// ErrorRecorder keeps an operator-facing trail of pipeline failures
type ErrorRecorder struct {
	sink   ErrorSink
	logger *zap.Logger
}

func NewErrorRecorder(sink ErrorSink, logger *zap.Logger) *ErrorRecorder {
	return &ErrorRecorder{sink: sink, logger: logger}
}

type ErrorLogOption func(*models.ErrorLog)

func WithProvider(provider string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Provider = provider
	}
}

func WithSchedule(tenantID, itemID, scheduleID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.TenantID = tenantID
		e.ContentItemID = itemID
		e.ScheduleID = scheduleID
	}
}

func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// RecordError stores one entry. The error kind is taken from err.
// A failing sink is logged, never returned: the error log must not add failures of its own.
func (r *ErrorRecorder) RecordError(ctx context.Context, level, source, title string, err error, options ...ErrorLogOption) {
	entry := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: err.Error(),
		Kind:    string(errs.KindOf(err)),
	}
	for _, option := range options {
		option(entry)
	}
	if entry.Context == "" {
		entry.Context = "{}"
	}

	if sinkErr := r.sink.RecordError(ctx, entry); sinkErr != nil {
		r.logger.Error("Failed to record error log",
			zap.String("source", source),
			zap.String("title", title),
			zap.Error(sinkErr))
	}
}
