package ldap

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MembershipDelta represents the changes needed to reach a desired member set.
type MembershipDelta struct {
	ToAdd    []string
	ToRemove []string
}

// IsEmpty reports whether no change is needed.
func (d MembershipDelta) IsEmpty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// CalculateMembershipDelta compares member DNs case-insensitively.
func CalculateMembershipDelta(current, desired []string) MembershipDelta {
	have := make(map[string]bool, len(current))
	for _, dn := range current {
		have[strings.ToLower(dn)] = true
	}
	want := make(map[string]bool, len(desired))
	for _, dn := range desired {
		want[strings.ToLower(dn)] = true
	}

	var delta MembershipDelta
	for _, dn := range desired {
		if !have[strings.ToLower(dn)] {
			delta.ToAdd = append(delta.ToAdd, dn)
		}
	}
	for _, dn := range current {
		if !want[strings.ToLower(dn)] {
			delta.ToRemove = append(delta.ToRemove, dn)
		}
	}
	return delta
}

// groupDirectory maintains the member attribute of groupOfMembers entries
// under one base. Roles and organizations share it.
type groupDirectory struct {
	client Client
	base   string
	kind   string
	entry  func(string) string
}

func (g *groupDirectory) addMember(ctx context.Context, name, memberDN string) error {
	err := g.client.Modify(ctx, &ModifyRequest{
		DN:            g.entry(name),
		AddAttributes: map[string][]string{AttrMember: {memberDN}},
	})
	if err != nil && IsConflictError(err) {
		tflog.SubsystemDebug(ctx, SubsystemEngine, "Member already present", map[string]any{
			g.kind:   name,
			"member": memberDN,
		})
		return nil
	}
	if err != nil {
		if IsNotFoundError(err) {
			return fmt.Errorf("%s %q: %w", g.kind, name, ErrNotFound)
		}
		return fmt.Errorf("add %s to %s %q: %w", memberDN, g.kind, name, err)
	}
	return nil
}

func (g *groupDirectory) removeMember(ctx context.Context, name, memberDN string) error {
	err := g.client.Modify(ctx, &ModifyRequest{
		DN:           g.entry(name),
		DeleteValues: map[string][]string{AttrMember: {memberDN}},
	})
	// An absent value is the state we want.
	if err != nil && GetErrorCategory(err) == ErrorCategoryNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove %s from %s %q: %w", memberDN, g.kind, name, err)
	}
	return nil
}

// groupsWithMember returns the names of every group listing any of memberDNs.
func (g *groupDirectory) groupsWithMember(ctx context.Context, memberDNs ...string) ([]string, error) {
	var clauses strings.Builder
	for _, dn := range memberDNs {
		fmt.Fprintf(&clauses, "(%s=%s)", AttrMember, ldap.EscapeFilter(dn))
	}

	result, err := g.client.Search(ctx, &SearchRequest{
		BaseDN:     g.base,
		Scope:      ScopeSingleLevel,
		Filter:     "(|" + clauses.String() + ")",
		Attributes: []string{AttrCommonName},
	})
	if err != nil {
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("search %s memberships: %w", g.kind, err)
	}

	names := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		names = append(names, entry.GetAttributeValue(AttrCommonName))
	}
	slices.Sort(names)
	return names, nil
}

// renameMember re-points every membership of oldDN to newDN.
func (g *groupDirectory) renameMember(ctx context.Context, oldDN, newDN string) error {
	names, err := g.groupsWithMember(ctx, oldDN)
	if err != nil {
		return err
	}

	for _, name := range names {
		err := g.client.Modify(ctx, &ModifyRequest{
			DN:            g.entry(name),
			DeleteValues:  map[string][]string{AttrMember: {oldDN}},
			AddAttributes: map[string][]string{AttrMember: {newDN}},
		})
		if err != nil {
			return fmt.Errorf("rename member of %s %q: %w", g.kind, name, err)
		}
	}
	return nil
}

// members returns the member DNs of a group.
func (g *groupDirectory) members(ctx context.Context, name string, attrs ...string) (*SearchResult, error) {
	result, err := g.client.Search(ctx, &SearchRequest{
		BaseDN:     g.entry(name),
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: append([]string{AttrCommonName, AttrMember}, attrs...),
	})
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%s %q: %w", g.kind, name, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s %q: %w", g.kind, name, err)
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("%s %q: %w", g.kind, name, ErrNotFound)
	}
	return result, nil
}

// setMembers makes the member attribute hold exactly desired.
func (g *groupDirectory) setMembers(ctx context.Context, name string, desired []string) (MembershipDelta, error) {
	result, err := g.members(ctx, name)
	if err != nil {
		return MembershipDelta{}, err
	}

	delta := CalculateMembershipDelta(result.Entries[0].GetAttributeValues(AttrMember), desired)
	if delta.IsEmpty() {
		return delta, nil
	}

	req := &ModifyRequest{DN: g.entry(name)}
	if len(delta.ToAdd) > 0 {
		req.AddAttributes = map[string][]string{AttrMember: delta.ToAdd}
	}
	if len(delta.ToRemove) > 0 {
		req.DeleteValues = map[string][]string{AttrMember: delta.ToRemove}
	}
	if err := g.client.Modify(ctx, req); err != nil {
		return MembershipDelta{}, fmt.Errorf("set members of %s %q: %w", g.kind, name, err)
	}
	return delta, nil
}

// memberUIDs turns member DNs into uids, skipping values that are not accounts.
func memberUIDs(memberDNs []string) []string {
	uids := make([]string, 0, len(memberDNs))
	for _, dn := range memberDNs {
		uid, err := LeafValue(dn)
		if err != nil {
			continue
		}
		uids = append(uids, uid)
	}
	return uids
}
