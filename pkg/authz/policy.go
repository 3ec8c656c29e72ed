package authz

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/tenants"
	"gopkg.in/yaml.v3"
)

// Built-in capability names
const (
	CapTenantRead      = "tenant:read"
	CapTenantWrite     = "tenant:write"
	CapMembersManage   = "members:manage"
	CapPolicyManage    = "policy:manage"
	CapTenantLifecycle = "tenant:lifecycle"
	CapTenantsList     = "tenants:list"
	CapAuditRead       = "audit:read"
)

// Capability is an operation a caller asks to perform. MinRole is a
// threshold, not an exact match.
type Capability struct {
	Name string `yaml:"name"`

	// MinRole is the lowest membership role that may perform it
	MinRole tenants.Role `yaml:"min_role"`

	// SuperAdminOnly capabilities are never granted through membership
	SuperAdminOnly bool `yaml:"super_admin_only"`

	// Lifecycle capabilities act on tenants in any status and therefore
	// resolve suspended and deleted tenants for super-admins
	Lifecycle bool `yaml:"lifecycle"`
}

func (c Capability) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("capability name is required")
	}
	if c.SuperAdminOnly {
		if c.MinRole != "" && c.MinRole != tenants.RoleSuperAdmin {
			return fmt.Errorf("capability %q: super_admin_only capabilities cannot set min_role %q", c.Name, c.MinRole)
		}
		return nil
	}
	if !c.MinRole.Storable() {
		return fmt.Errorf("capability %q: invalid min_role %q", c.Name, c.MinRole)
	}
	if c.Lifecycle {
		return fmt.Errorf("capability %q: lifecycle capabilities must be super_admin_only", c.Name)
	}
	return nil
}

// Policy maps capability names to their requirements. It is immutable
// once built and safe for concurrent use.
type Policy struct {
	caps map[string]Capability
}

func builtinCapabilities() []Capability {
	return []Capability{
		{Name: CapTenantRead, MinRole: tenants.RoleMember},
		{Name: CapTenantWrite, MinRole: tenants.RoleAdmin},
		{Name: CapMembersManage, MinRole: tenants.RoleAdmin},
		{Name: CapPolicyManage, MinRole: tenants.RoleOwner},
		{Name: CapTenantLifecycle, MinRole: tenants.RoleSuperAdmin, SuperAdminOnly: true, Lifecycle: true},
		{Name: CapTenantsList, MinRole: tenants.RoleSuperAdmin, SuperAdminOnly: true},
		{Name: CapAuditRead, MinRole: tenants.RoleSuperAdmin, SuperAdminOnly: true},
	}
}

// DefaultPolicy returns the built-in capability table
func DefaultPolicy() *Policy {
	p, err := NewPolicy()
	if err != nil {
		panic(err)
	}
	return p
}

// NewPolicy builds a policy from the built-ins with overrides applied in
// order. An override replaces a built-in of the same name.
func NewPolicy(overrides ...Capability) (*Policy, error) {
	p := &Policy{caps: make(map[string]Capability)}
	for _, c := range builtinCapabilities() {
		p.caps[c.Name] = c
	}
	for _, c := range overrides {
		c.Name = strings.TrimSpace(c.Name)
		if c.SuperAdminOnly {
			c.MinRole = tenants.RoleSuperAdmin
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		p.caps[c.Name] = c
	}
	return p, nil
}

// Lookup returns the named capability
func (p *Policy) Lookup(name string) (Capability, bool) {
	c, ok := p.caps[name]
	return c, ok
}

// Names returns the capability names in sorted order
func (p *Policy) Names() []string {
	names := make([]string, 0, len(p.caps))
	for name := range p.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type policyFile struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// ParsePolicy builds a policy from a YAML override document:
//
//	capabilities:
//	  - name: reports:export
//	    min_role: admin
//	  - name: tenant:write
//	    min_role: owner
func ParsePolicy(data []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return NewPolicy(file.Capabilities...)
}

// LoadPolicy reads overrides from path. An empty path yields the default
// policy. Any failure is a ConfigurationError.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "TENANTGUARD_POLICY_FILE", Reason: "cannot read policy file", Err: err}
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "TENANTGUARD_POLICY_FILE", Reason: "invalid policy file", Err: err}
	}
	return p, nil
}
