package audit

import (
	"context"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes any buffered events
	Close() error
}

// NopLogger discards every event
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (NopLogger) Close() error                                     { return nil }

// LogrusLogger writes audit events as structured log lines
type LogrusLogger struct {
	logger *observability.Logger
}

// NewLogrusLogger creates a log-line sink
func NewLogrusLogger(logger *observability.Logger) *LogrusLogger {
	return &LogrusLogger{logger: logger.WithField("component", "audit")}
}

// Log writes one line per event. Denials and bypasses are logged at warn.
func (l *LogrusLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := map[string]interface{}{
		"audit_id":   event.ID,
		"event_type": string(event.EventType),
		"status":     string(event.Status),
		"subject_id": event.SubjectID,
	}
	optional := map[string]string{
		"email":           event.Email,
		"identity_source": event.IdentitySource,
		"tenant_slug":     event.TenantSlug,
		"tenant_id":       event.TenantID,
		"capability":      event.Capability,
		"reason":          event.Reason,
		"effective_role":  event.EffectiveRole,
		"request_id":      event.RequestID,
		"method":          event.Method,
		"path":            event.Path,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.logger.WithFields(fields)
	msg := event.Message
	if msg == "" {
		msg = "Audit event"
	}
	if event.Status == EventStatusDenied || event.EventType == EventTypeAuthzSuperAdminBypass {
		entry.Warn(msg)
	} else {
		entry.Info(msg)
	}
	return nil
}

// Close implements Logger
func (l *LogrusLogger) Close() error {
	return nil
}
