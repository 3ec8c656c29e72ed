package tenants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantPolicies_Merge(t *testing.T) {
	limit, ttl := 30, 7
	base := TenantPolicies{RateLimitPerMinute: &limit, AllowedFileTypes: []string{"pdf"}}

	merged := base.Merge(TenantPolicies{HotTTLDays: &ttl})
	require.NotNil(t, merged.RateLimitPerMinute)
	assert.Equal(t, 30, *merged.RateLimitPerMinute)
	assert.Equal(t, 7, *merged.HotTTLDays)
	assert.Nil(t, base.HotTTLDays)

	// the result shares nothing with its inputs
	*merged.RateLimitPerMinute = 99
	merged.AllowedFileTypes[0] = "exe"
	ttl = 1
	assert.Equal(t, 30, limit)
	assert.Equal(t, "pdf", base.AllowedFileTypes[0])
	assert.Equal(t, 7, *merged.HotTTLDays)
}

func TestTenantPolicies_Validate(t *testing.T) {
	negative, zero, blank := -5, 0, " "

	assert.NoError(t, TenantPolicies{}.Validate())
	assert.NoError(t, TenantPolicies{MaxFileSizeMB: &zero}.Validate())
	assert.Error(t, TenantPolicies{MaxContextLength: &negative}.Validate())
	assert.Error(t, TenantPolicies{AllowedFileTypes: []string{"pdf", ""}}.Validate())
	assert.Error(t, TenantPolicies{InboxScope: &blank}.Validate())
}

func TestTenantPolicies_Empty(t *testing.T) {
	enabled := false
	assert.True(t, TenantPolicies{}.Empty())
	assert.False(t, TenantPolicies{CatalogEnabled: &enabled}.Empty())
	assert.False(t, TenantPolicies{AllowedFileTypes: []string{}}.Empty())
}
