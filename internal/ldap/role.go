package ldap

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Built-in role names.
const (
	RoleUser      = "USER"
	RolePending   = "PENDING"
	RoleSuperuser = "SUPERUSER"
	RoleOrgAdmin  = "ORGADMIN"
)

const favoriteCategory = "favorite"

// IsSystemRole reports whether name is one of the built-in roles the
// directory cannot work without.
func IsSystemRole(name string) bool {
	switch strings.ToUpper(name) {
	case RoleUser, RolePending, RoleSuperuser, RoleOrgAdmin:
		return true
	default:
		return false
	}
}

// RoleObjectClasses are written on every new role entry.
var RoleObjectClasses = []string{"top", "groupOfMembers"}

// Role is a named group of accounts.
type Role struct {
	Name        string
	Description string
	Favorite    bool
	// Members holds uids; duplicates are the caller's concern.
	Members []string
	// MemberDNs holds the member values as stored, including those that no
	// longer name an account.
	MemberDNs []string
	DN        string
}

// RoleManager maintains role entries and their member lists.
type RoleManager struct {
	groups *groupDirectory
	dn     *DNBuilder
}

// NewRoleManager creates a role store over client.
func NewRoleManager(client Client, dn *DNBuilder) *RoleManager {
	return &RoleManager{
		dn: dn,
		groups: &groupDirectory{
			client: client,
			base:   dn.RolesBase(),
			kind:   "role",
			entry:  dn.RoleDN,
		},
	}
}

// Create adds a role entry. Member uids are resolved to active account DNs.
func (r *RoleManager) Create(ctx context.Context, role *Role) error {
	attrs := map[string][]string{
		AttrObjectClass: RoleObjectClasses,
		AttrCommonName:  {role.Name},
	}
	if role.Description != "" {
		attrs[AttrDescription] = []string{role.Description}
	}
	if role.Favorite {
		attrs[AttrBusinessCategory] = []string{favoriteCategory}
	}
	if len(role.Members) > 0 {
		members := make([]string, 0, len(role.Members))
		for _, uid := range role.Members {
			members = append(members, r.dn.AccountDN(uid, false))
		}
		attrs[AttrMember] = members
	}

	err := r.groups.client.Add(ctx, &AddRequest{DN: r.dn.RoleDN(role.Name), Attributes: attrs})
	if err != nil {
		return fmt.Errorf("create role %q: %w", role.Name, err)
	}
	return nil
}

// Delete removes a role entry.
func (r *RoleManager) Delete(ctx context.Context, name string) error {
	if err := r.groups.client.Delete(ctx, r.dn.RoleDN(name)); err != nil {
		if IsNotFoundError(err) {
			return fmt.Errorf("role %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("delete role %q: %w", name, err)
	}
	return nil
}

// Update rewrites the description and favorite flag of an existing role.
// Members are left alone.
func (r *RoleManager) Update(ctx context.Context, role *Role) error {
	current, err := r.Get(ctx, role.Name)
	if err != nil {
		return err
	}

	req := &ModifyRequest{DN: current.DN, ReplaceAttributes: map[string][]string{}}
	description := strings.TrimSpace(role.Description)
	switch {
	case description != "" && description != current.Description:
		req.ReplaceAttributes[AttrDescription] = []string{description}
	case description == "" && current.Description != "":
		req.DeleteAttributes = append(req.DeleteAttributes, AttrDescription)
	}
	switch {
	case role.Favorite && !current.Favorite:
		req.AddAttributes = map[string][]string{AttrBusinessCategory: {favoriteCategory}}
	case !role.Favorite && current.Favorite:
		req.DeleteValues = map[string][]string{AttrBusinessCategory: {favoriteCategory}}
	}

	if req.IsEmpty() {
		return nil
	}
	if err := r.groups.client.Modify(ctx, req); err != nil {
		return fmt.Errorf("update role %q: %w", role.Name, err)
	}
	return nil
}

// Get reads one role.
func (r *RoleManager) Get(ctx context.Context, name string) (*Role, error) {
	result, err := r.groups.members(ctx, name, AttrDescription, AttrBusinessCategory)
	if err != nil {
		return nil, err
	}
	entry := result.Entries[0]

	return &Role{
		Name:        entry.GetAttributeValue(AttrCommonName),
		Description: entry.GetAttributeValue(AttrDescription),
		Favorite:    slices.ContainsFunc(entry.GetAttributeValues(AttrBusinessCategory), isFavorite),
		Members:     memberUIDs(entry.GetAttributeValues(AttrMember)),
		MemberDNs:   entry.GetAttributeValues(AttrMember),
		DN:          entry.DN,
	}, nil
}

// FindAll returns every role, sorted by name.
func (r *RoleManager) FindAll(ctx context.Context) ([]*Role, error) {
	result, err := r.groups.client.Search(ctx, &SearchRequest{
		BaseDN:     r.dn.RolesBase(),
		Scope:      ScopeSingleLevel,
		Filter:     "(objectClass=groupOfMembers)",
		Attributes: []string{AttrCommonName, AttrDescription, AttrBusinessCategory, AttrMember},
	})
	if err != nil {
		if IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list roles: %w", err)
	}

	roles := make([]*Role, 0, len(result.Entries))
	for _, entry := range result.Entries {
		roles = append(roles, &Role{
			Name:        entry.GetAttributeValue(AttrCommonName),
			Description: entry.GetAttributeValue(AttrDescription),
			Favorite:    slices.ContainsFunc(entry.GetAttributeValues(AttrBusinessCategory), isFavorite),
			Members:     memberUIDs(entry.GetAttributeValues(AttrMember)),
			MemberDNs:   entry.GetAttributeValues(AttrMember),
			DN:          entry.DN,
		})
	}
	slices.SortFunc(roles, func(a, b *Role) int { return strings.Compare(a.Name, b.Name) })
	return roles, nil
}

// AddMember puts an account into a role. Adding an existing member is a no-op.
func (r *RoleManager) AddMember(ctx context.Context, name, uid string, pending bool) error {
	return r.groups.addMember(ctx, name, r.dn.AccountDN(uid, pending))
}

// RemoveMember takes an account out of a role whichever subtree holds it.
func (r *RoleManager) RemoveMember(ctx context.Context, name, uid string) error {
	for _, pending := range []bool{false, true} {
		if err := r.groups.removeMember(ctx, name, r.dn.AccountDN(uid, pending)); err != nil {
			return err
		}
	}
	return nil
}

// RenameMember re-points every role membership of oldDN to newDN.
func (r *RoleManager) RenameMember(ctx context.Context, oldDN, newDN string) error {
	return r.groups.renameMember(ctx, oldDN, newDN)
}

// FindRolesFor returns the names of the roles listing uid in either subtree.
func (r *RoleManager) FindRolesFor(ctx context.Context, uid string) ([]string, error) {
	return r.groups.groupsWithMember(ctx, r.dn.AccountDN(uid, false), r.dn.AccountDN(uid, true))
}

// SetMembers makes the role hold exactly the given account DNs.
func (r *RoleManager) SetMembers(ctx context.Context, name string, memberDNs []string) (MembershipDelta, error) {
	return r.groups.setMembers(ctx, name, memberDNs)
}

// DeleteUser removes uid from every role it belongs to.
func (r *RoleManager) DeleteUser(ctx context.Context, uid string) error {
	names, err := r.FindRolesFor(ctx, uid)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := r.RemoveMember(ctx, name, uid); err != nil {
			return err
		}
	}

	tflog.SubsystemDebug(ctx, SubsystemEngine, "Removed account from roles", map[string]any{
		"uid":   uid,
		"roles": names,
	})
	return nil
}

func isFavorite(category string) bool {
	return strings.EqualFold(category, favoriteCategory)
}
