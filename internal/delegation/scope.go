package delegation

import (
	"context"
	"errors"
	"slices"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

// OrgMembers lists organization members.
type OrgMembers interface {
	Members(ctx context.Context, org string) ([]string, error)
}

// ScopeResolver computes the users under a delegation: the members of every
// delegated organization.
type ScopeResolver struct {
	delegations DelegationFinder
	orgs        OrgMembers
}

// NewScopeResolver creates a resolver.
func NewScopeResolver(delegations DelegationFinder, orgs OrgMembers) *ScopeResolver {
	return &ScopeResolver{delegations: delegations, orgs: orgs}
}

// FindUsersUnderDelegation returns the sorted, deduplicated uids admin may
// manage. No delegation means no users. A delegated organization that no
// longer exists contributes nobody.
func (r *ScopeResolver) FindUsersUnderDelegation(ctx context.Context, admin string) ([]string, error) {
	entry, err := r.delegations.FindDelegation(ctx, admin)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var uids []string
	for _, org := range entry.Orgs {
		members, err := r.orgs.Members(ctx, org)
		if errors.Is(err, ldap.ErrNotFound) {
			tflog.SubsystemWarn(ctx, SubsystemDelegation, "Delegated organization not found", map[string]any{
				"admin": admin,
				"org":   org,
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		uids = append(uids, members...)
	}

	slices.Sort(uids)
	return slices.Compact(uids), nil
}
