package tenants

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TenantPolicies holds per-tenant operating limits. Every field is
// optional; an unset field falls back to the deployment default.
type TenantPolicies struct {
	RateLimitPerMinute   *int     `json:"rate_limit_per_minute,omitempty"`
	MaxContextLength     *int     `json:"max_context_length,omitempty"`
	AllowedFileTypes     []string `json:"allowed_file_types,omitempty"`
	MaxFileSizeMB        *int     `json:"max_file_size_mb,omitempty"`
	MessageRetentionDays *int     `json:"message_retention_days,omitempty"`
	HotTTLDays           *int     `json:"hot_ttl_days,omitempty"`
	InboxScope           *string  `json:"inbox_scope,omitempty"`
	CatalogEnabled       *bool    `json:"catalog_enabled,omitempty"`
}

// Empty reports whether no field is set
func (p TenantPolicies) Empty() bool {
	return p.RateLimitPerMinute == nil && p.MaxContextLength == nil &&
		p.AllowedFileTypes == nil && p.MaxFileSizeMB == nil &&
		p.MessageRetentionDays == nil && p.HotTTLDays == nil &&
		p.InboxScope == nil && p.CatalogEnabled == nil
}

// Validate checks the fields that are set
func (p TenantPolicies) Validate() error {
	limits := []struct {
		name string
		v    *int
	}{
		{"rate_limit_per_minute", p.RateLimitPerMinute},
		{"max_context_length", p.MaxContextLength},
		{"max_file_size_mb", p.MaxFileSizeMB},
		{"message_retention_days", p.MessageRetentionDays},
		{"hot_ttl_days", p.HotTTLDays},
	}
	for _, l := range limits {
		if l.v != nil && *l.v < 0 {
			return fmt.Errorf("%s must not be negative", l.name)
		}
	}
	for _, ft := range p.AllowedFileTypes {
		if strings.TrimSpace(ft) == "" {
			return fmt.Errorf("allowed_file_types must not contain blank entries")
		}
	}
	if p.InboxScope != nil && strings.TrimSpace(*p.InboxScope) == "" {
		return fmt.Errorf("inbox_scope must not be blank")
	}
	return nil
}

// Merge returns p with every field set in patch replaced
func (p TenantPolicies) Merge(patch TenantPolicies) TenantPolicies {
	out := p.clone()
	patch = patch.clone()
	if patch.RateLimitPerMinute != nil {
		out.RateLimitPerMinute = patch.RateLimitPerMinute
	}
	if patch.MaxContextLength != nil {
		out.MaxContextLength = patch.MaxContextLength
	}
	if patch.AllowedFileTypes != nil {
		out.AllowedFileTypes = patch.AllowedFileTypes
	}
	if patch.MaxFileSizeMB != nil {
		out.MaxFileSizeMB = patch.MaxFileSizeMB
	}
	if patch.MessageRetentionDays != nil {
		out.MessageRetentionDays = patch.MessageRetentionDays
	}
	if patch.HotTTLDays != nil {
		out.HotTTLDays = patch.HotTTLDays
	}
	if patch.InboxScope != nil {
		out.InboxScope = patch.InboxScope
	}
	if patch.CatalogEnabled != nil {
		out.CatalogEnabled = patch.CatalogEnabled
	}
	return out
}

func (p TenantPolicies) clone() TenantPolicies {
	out := TenantPolicies{
		RateLimitPerMinute:   cloneRef(p.RateLimitPerMinute),
		MaxContextLength:     cloneRef(p.MaxContextLength),
		MaxFileSizeMB:        cloneRef(p.MaxFileSizeMB),
		MessageRetentionDays: cloneRef(p.MessageRetentionDays),
		HotTTLDays:           cloneRef(p.HotTTLDays),
		InboxScope:           cloneRef(p.InboxScope),
		CatalogEnabled:       cloneRef(p.CatalogEnabled),
	}
	if p.AllowedFileTypes != nil {
		out.AllowedFileTypes = append([]string{}, p.AllowedFileTypes...)
	}
	return out
}

func cloneRef[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func decodePolicies(document string) (TenantPolicies, error) {
	var p TenantPolicies
	if document == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(document), &p); err != nil {
		return p, fmt.Errorf("failed to decode tenant policies: %w", err)
	}
	return p, nil
}
