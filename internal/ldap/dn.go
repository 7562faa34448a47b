package ldap

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// DNBuilder maps uids, role names and organization ids onto directory paths.
// It is immutable after construction and safe for concurrent use.
type DNBuilder struct {
	usersBase   string
	pendingBase string
	rolesBase   string
	orgsBase    string

	pendingDN  *ldap.DN
	orgPattern *regexp.Regexp
}

// NewDNBuilder validates every configured base. A malformed base is a
// configuration error and is reported here rather than on each call.
func NewDNBuilder(layout DirectoryLayout) (*DNBuilder, error) {
	b := &DNBuilder{
		usersBase:   layout.join(layout.UserSearchBaseDN),
		pendingBase: layout.join(layout.PendingUserSearchBaseDN),
		rolesBase:   layout.join(layout.RoleSearchBaseDN),
		orgsBase:    layout.join(layout.OrgSearchBaseDN),
	}

	for name, base := range map[string]string{
		"users":         b.usersBase,
		"pending users": b.pendingBase,
		"roles":         b.rolesBase,
		"organizations": b.orgsBase,
	} {
		if _, err := ldap.ParseDN(base); err != nil {
			return nil, fmt.Errorf("invalid %s base %q: %w", name, base, err)
		}
	}

	b.pendingDN, _ = ldap.ParseDN(b.pendingBase)
	b.orgPattern = regexp.MustCompile(`(?i)^([^=,]+)=([^=,]+),` + regexp.QuoteMeta(b.orgsBase) + `$`)

	return b, nil
}

// AccountDN returns uid=<uid>,<base> with the uid lowercased.
func (b *DNBuilder) AccountDN(uid string, pending bool) string {
	return fmt.Sprintf("%s=%s,%s", AttrUID, EscapeDNValue(strings.ToLower(uid)), b.UsersBase(pending))
}

// UsersBase returns the active or pending account subtree.
func (b *DNBuilder) UsersBase(pending bool) string {
	if pending {
		return b.pendingBase
	}
	return b.usersBase
}

// IsPending reports whether dn lies under the pending subtree.
func (b *DNBuilder) IsPending(dn string) bool {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	return b.pendingDN.AncestorOfFold(parsed)
}

// RolesBase returns the role subtree.
func (b *DNBuilder) RolesBase() string {
	return b.rolesBase
}

// RoleDN returns cn=<name>,<roles base>.
func (b *DNBuilder) RoleDN(name string) string {
	return "cn=" + EscapeDNValue(name) + "," + b.rolesBase
}

// OrgsBase returns the organization subtree.
func (b *DNBuilder) OrgsBase() string {
	return b.orgsBase
}

// OrgDN returns cn=<id>,<orgs base>.
func (b *DNBuilder) OrgDN(id string) string {
	return "cn=" + EscapeDNValue(id) + "," + b.orgsBase
}

// ManagerDN references a manager account; managers are always active accounts.
func (b *DNBuilder) ManagerDN(uid string) string {
	return b.AccountDN(uid, false)
}

// OrgFromMembership returns the organization id named by a memberOf value, or
// false when the value is not an organization membership.
func (b *DNBuilder) OrgFromMembership(memberOf string) (string, bool) {
	m := b.orgPattern.FindStringSubmatch(memberOf)
	if m == nil {
		return "", false
	}
	return m[2], true
}

// LeafValue returns the value of the first RDN attribute of dn.
func LeafValue(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("parse DN %q: %w", dn, err)
	}
	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", fmt.Errorf("empty DN %q", dn)
	}
	return parsed.RDNs[0].Attributes[0].Value, nil
}

// EscapeDNValue escapes an attribute value for use in a DN (RFC 4514).
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var out strings.Builder
	out.Grow(len(value) + 8)

	last := len(value) - 1
	for i, r := range value {
		switch {
		case r == 0:
			out.WriteString(`\00`)
			continue
		case strings.ContainsRune(`,+"\<>;`, r),
			r == '#' && i == 0,
			r == ' ' && (i == 0 || i == last):
			out.WriteByte('\\')
		}
		out.WriteRune(r)
	}

	return out.String()
}
