// Package delegation decides what a delegated administrator may see and
// change. A superuser may do anything; any other administrator is limited to
// the roles and organizations recorded in their delegation.
package delegation

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

// SubsystemDelegation is the tflog subsystem for permission decisions.
const SubsystemDelegation = "delegation"

// AuthoritySuperuser grants every permission.
const AuthoritySuperuser = "ROLE_SUPERUSER"

// Action names the operation being authorized. The evaluator does not
// distinguish actions today; they are carried into logs.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Caller is the authenticated administrator.
type Caller struct {
	UID         string
	Authorities []string
}

// IsSuperuser reports whether the caller holds AuthoritySuperuser.
func (c Caller) IsSuperuser() bool {
	return slices.Contains(c.Authorities, AuthoritySuperuser)
}

// TargetKind enumerates the shapes a permission target can take.
type TargetKind int

const (
	TargetUnspecified TargetKind = iota
	TargetRole
)

func (k TargetKind) String() string {
	switch k {
	case TargetRole:
		return "role"
	default:
		return "unspecified"
	}
}

// Target is the object a permission is asked for.
type Target struct {
	kind TargetKind
	role *ldap.Role
}

// RoleTarget targets a role and its member list.
func RoleTarget(role *ldap.Role) Target {
	return Target{kind: TargetRole, role: role}
}

// UnspecifiedTarget targets anything that is not a role.
func UnspecifiedTarget() Target {
	return Target{kind: TargetUnspecified}
}

// Kind returns the target's shape.
func (t Target) Kind() TargetKind { return t.kind }

// Role returns the targeted role, or nil for any other target.
func (t Target) Role() *ldap.Role { return t.role }

// Decision is the outcome of HasPermission.
type Decision struct {
	Allowed bool
	// VisibleMembers is set for role targets: the role's members restricted to
	// the caller's scope. It is a new slice; the role is never modified.
	VisibleMembers []string
}

// DelegationFinder loads delegations. A missing delegation is store.ErrNotFound.
type DelegationFinder interface {
	FindDelegation(ctx context.Context, uid string) (*store.DelegationEntry, error)
}

// UserScope lists the uids under an administrator's delegation.
type UserScope interface {
	FindUsersUnderDelegation(ctx context.Context, admin string) ([]string, error)
}

// Evaluator answers permission questions. It keeps no per-call state.
type Evaluator struct {
	delegations DelegationFinder
	scope       UserScope
}

// NewEvaluator creates an evaluator.
func NewEvaluator(delegations DelegationFinder, scope UserScope) *Evaluator {
	return &Evaluator{delegations: delegations, scope: scope}
}

// HasPermission decides whether caller may perform action on target. For a
// role target the caller must be delegated on the role's name; the decision
// then also carries the members the caller may see. Any other target is
// reserved to superusers.
func (e *Evaluator) HasPermission(ctx context.Context, caller Caller, target Target, action Action) (Decision, error) {
	fields := map[string]any{
		"caller": caller.UID,
		"target": target.kind.String(),
		"action": string(action),
	}

	if caller.IsSuperuser() {
		decision := Decision{Allowed: true}
		if target.kind == TargetRole && target.role != nil {
			decision.VisibleMembers = slices.Clone(target.role.Members)
		}
		tflog.SubsystemTrace(ctx, SubsystemDelegation, "Superuser bypass", fields)
		return decision, nil
	}

	entry, err := e.delegations.FindDelegation(ctx, caller.UID)
	if errors.Is(err, store.ErrNotFound) {
		tflog.SubsystemDebug(ctx, SubsystemDelegation, "Denied: no delegation", fields)
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	switch target.kind {
	case TargetRole:
		if target.role == nil {
			return Decision{}, nil
		}
		scope, err := e.scope.FindUsersUnderDelegation(ctx, caller.UID)
		if err != nil {
			return Decision{}, err
		}

		decision := Decision{
			Allowed:        slices.Contains(entry.Roles, target.role.Name),
			VisibleMembers: ComputeVisibleMembers(target.role, scope),
		}
		fields["role"] = target.role.Name
		fields["allowed"] = decision.Allowed
		fields["visible_members"] = len(decision.VisibleMembers)
		tflog.SubsystemDebug(ctx, SubsystemDelegation, "Role permission evaluated", fields)
		return decision, nil

	case TargetUnspecified:
		tflog.SubsystemDebug(ctx, SubsystemDelegation, "Denied: target reserved to superusers", fields)
		return Decision{}, nil

	default:
		return Decision{}, nil
	}
}

// HasPermissionOn is the id and type form. It is narrower than
// HasPermission: only superusers are allowed, whatever their delegation.
func (e *Evaluator) HasPermissionOn(ctx context.Context, caller Caller, id, kind string, action Action) bool {
	allowed := caller.IsSuperuser()
	tflog.SubsystemDebug(ctx, SubsystemDelegation, "Permission by identifier evaluated", map[string]any{
		"caller":  caller.UID,
		"id":      id,
		"kind":    kind,
		"action":  string(action),
		"allowed": allowed,
	})
	return allowed
}

// ComputeVisibleMembers returns the members of role that appear in scope,
// in role order. Comparison ignores case.
func ComputeVisibleMembers(role *ldap.Role, scope []string) []string {
	if role == nil {
		return nil
	}

	allowed := make(map[string]struct{}, len(scope))
	for _, uid := range scope {
		allowed[strings.ToLower(uid)] = struct{}{}
	}

	visible := make([]string, 0, len(role.Members))
	for _, uid := range role.Members {
		if _, ok := allowed[strings.ToLower(uid)]; ok {
			visible = append(visible, uid)
		}
	}
	return visible
}
