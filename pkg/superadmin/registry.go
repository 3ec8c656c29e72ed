// Package superadmin holds the process-wide set of privileged identities.
//
// A Registry is built once at startup from two lists: subject ids, matched
// exactly, and emails, matched case-insensitively. It is immutable and safe
// for concurrent use without locking. An empty registry is valid and
// grants nothing.
package superadmin

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/identity"
)

// Registry is an immutable set of privileged subject ids and emails.
type Registry struct {
	ids    map[string]struct{}
	emails map[string]struct{}
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// New builds a registry. Entries are trimmed and blanks dropped; a
// malformed entry returns a *config.ConfigurationError.
func New(ids, emails []string) (*Registry, error) {
	r := &Registry{
		ids:    make(map[string]struct{}, len(ids)),
		emails: make(map[string]struct{}, len(emails)),
	}

	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
			return nil, &config.ConfigurationError{
				Key:    "SUPER_ADMIN_IDS",
				Reason: fmt.Sprintf("subject id %q contains whitespace", id),
			}
		}
		r.ids[id] = struct{}{}
	}

	for _, email := range emails {
		email = NormalizeEmail(email)
		if email == "" {
			continue
		}
		at := strings.IndexByte(email, '@')
		if at <= 0 || at == len(email)-1 || strings.IndexFunc(email, unicode.IsSpace) >= 0 {
			return nil, &config.ConfigurationError{
				Key:    "SUPER_ADMIN_EMAILS",
				Reason: fmt.Sprintf("%q is not an email address", email),
			}
		}
		r.emails[email] = struct{}{}
	}

	return r, nil
}

// Parse builds a registry from the comma-separated forms used in the
// environment (SUPER_ADMIN_IDS, SUPER_ADMIN_EMAILS).
func Parse(idsCSV, emailsCSV string) (*Registry, error) {
	return New(config.SplitList(idsCSV), config.SplitList(emailsCSV))
}

// IsSuperAdmin reports whether id's subject matches exactly or its email
// matches case-insensitively. Either alone is sufficient.
func (r *Registry) IsSuperAdmin(id identity.Identity) bool {
	if r == nil {
		return false
	}
	if id.SubjectID != "" {
		if _, ok := r.ids[id.SubjectID]; ok {
			return true
		}
	}
	if email := NormalizeEmail(id.Email); email != "" {
		if _, ok := r.emails[email]; ok {
			return true
		}
	}
	return false
}

// Empty reports whether the registry grants nobody.
func (r *Registry) Empty() bool {
	return r == nil || (len(r.ids) == 0 && len(r.emails) == 0)
}

// Size returns the number of id and email entries.
func (r *Registry) Size() (ids, emails int) {
	if r == nil {
		return 0, 0
	}
	return len(r.ids), len(r.emails)
}

// Emails returns the normalized email entries, sorted.
func (r *Registry) Emails() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.emails))
	for e := range r.emails {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
