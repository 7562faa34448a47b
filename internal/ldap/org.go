package ldap

import (
	"context"
)

// OrgManager maintains organization membership. Organization entries
// themselves are managed elsewhere.
type OrgManager struct {
	groups *groupDirectory
	dn     *DNBuilder
}

// NewOrgManager creates an organization store over client.
func NewOrgManager(client Client, dn *DNBuilder) *OrgManager {
	return &OrgManager{
		dn: dn,
		groups: &groupDirectory{
			client: client,
			base:   dn.OrgsBase(),
			kind:   "organization",
			entry:  dn.OrgDN,
		},
	}
}

// AddMember puts an account into an organization.
func (o *OrgManager) AddMember(ctx context.Context, org, uid string, pending bool) error {
	return o.groups.addMember(ctx, org, o.dn.AccountDN(uid, pending))
}

// RemoveMember takes an account out of an organization.
func (o *OrgManager) RemoveMember(ctx context.Context, org, uid string) error {
	for _, pending := range []bool{false, true} {
		if err := o.groups.removeMember(ctx, org, o.dn.AccountDN(uid, pending)); err != nil {
			return err
		}
	}
	return nil
}

// RenameMember re-points organization membership of oldDN to newDN.
func (o *OrgManager) RenameMember(ctx context.Context, oldDN, newDN string) error {
	return o.groups.renameMember(ctx, oldDN, newDN)
}

// FindOrgsFor returns the organizations listing uid. More than one entry is
// a directory inconsistency the caller has to report.
func (o *OrgManager) FindOrgsFor(ctx context.Context, uid string) ([]string, error) {
	return o.groups.groupsWithMember(ctx, o.dn.AccountDN(uid, false), o.dn.AccountDN(uid, true))
}

// Members returns the uids of an organization's members.
func (o *OrgManager) Members(ctx context.Context, org string) ([]string, error) {
	result, err := o.groups.members(ctx, org)
	if err != nil {
		return nil, err
	}
	return memberUIDs(result.Entries[0].GetAttributeValues(AttrMember)), nil
}
