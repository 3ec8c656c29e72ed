package audit

import (
	"context"
	"errors"
	"fmt"
)

// SinkError reports one sink that failed to record an event, with enough
// of the decision attached to find the missing record later.
type SinkError struct {
	Sink       int
	EventID    string
	EventType  EventType
	TenantSlug string
	Reason     string
	Err        error
}

func (e *SinkError) Error() string {
	msg := fmt.Sprintf("audit sink %d dropped %s event %s", e.Sink, e.EventType, e.EventID)
	if e.TenantSlug != "" {
		msg += " for tenant " + e.TenantSlug
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *SinkError) Unwrap() error { return e.Err }

// MultiLogger records each event in every sink, in order. A failing sink
// does not stop the others; every failure is returned, joined.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a fan-out over loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log writes event to all sinks and returns once each has answered
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var errs []error
	for i, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil {
			errs = append(errs, &SinkError{
				Sink:       i,
				EventID:    event.ID,
				EventType:  event.EventType,
				TenantSlug: event.TenantSlug,
				Reason:     event.Reason,
				Err:        err,
			})
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
