package authz

import (
	"errors"
	"fmt"
)

// Reason classifies a denial
type Reason string

const (
	ReasonUnauthenticated   Reason = "unauthenticated"
	ReasonTenantRequired    Reason = "tenant_required"
	ReasonTenantUnavailable Reason = "tenant_unavailable"
	ReasonNotAMember        Reason = "not_a_member"
	ReasonInsufficientRole  Reason = "insufficient_role"
)

// Denial is a terminal authorization refusal
type Denial struct {
	Reason     Reason
	Capability string
	TenantSlug string

	// Cause is the identity failure behind an unauthenticated denial
	Cause error
}

func (d *Denial) Error() string {
	msg := fmt.Sprintf("authorization denied: %s", d.Reason)
	if d.Capability != "" {
		msg += fmt.Sprintf(" (capability %s", d.Capability)
		if d.TenantSlug != "" {
			msg += fmt.Sprintf(", tenant %s", d.TenantSlug)
		}
		msg += ")"
	}
	if d.Cause != nil {
		msg += ": " + d.Cause.Error()
	}
	return msg
}

func (d *Denial) Unwrap() error {
	return d.Cause
}

// IsDenied reports whether err is or wraps a Denial
func IsDenied(err error) bool {
	var d *Denial
	return errors.As(err, &d)
}

// ReasonOf returns the denial reason carried by err, if any
func ReasonOf(err error) (Reason, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

// ErrUnknownCapability is returned for a capability the policy does not
// define. It is a programming error, not a denial, and fails closed.
var ErrUnknownCapability = errors.New("unknown capability")
