package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization events
	EventTypeAuthzDenied           EventType = "authz.denied"
	EventTypeAuthzSuperAdminBypass EventType = "authz.superadmin_bypass"

	// Admin events
	EventTypeAdminTenantCreate       EventType = "admin.tenant_create"
	EventTypeAdminTenantUpdate       EventType = "admin.tenant_update"
	EventTypeAdminTenantStatusChange EventType = "admin.tenant_status_change"
	EventTypeAdminMembershipUpsert   EventType = "admin.membership_upsert"
	EventTypeAdminPoliciesUpdate     EventType = "admin.policies_update"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	// Core fields
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	SubjectID      string `json:"subject_id,omitempty"`
	Email          string `json:"email,omitempty"`
	IdentitySource string `json:"identity_source,omitempty"`

	// Decision information
	TenantSlug    string `json:"tenant_slug,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	Capability    string `json:"capability,omitempty"`
	Reason        string `json:"reason,omitempty"`
	EffectiveRole string `json:"effective_role,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	// Additional details
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with an id, the current time and the
// request id carried on ctx.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}
