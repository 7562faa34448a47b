package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

// authorityPrefix turns a role name into a granted authority.
const authorityPrefix = "ROLE_"

// ProviderData is handed to every resource and data source.
type ProviderData struct {
	Client    ldapclient.Client
	Accounts  *ldapclient.AccountManager
	Evaluator *delegation.Evaluator
	Scope     delegation.UserScope
	// Store is nil when no database is configured.
	Store *store.Postgres
	// Caller is nil when no acting administrator is configured; the bound
	// identity is then unrestricted.
	Caller *delegation.Caller
}

// ActingAdmin is the uid recorded in the audit log.
func (d *ProviderData) ActingAdmin() string {
	if d.Caller == nil {
		return ""
	}
	return d.Caller.UID
}

// Authorize evaluates the caller's permission on target.
func (d *ProviderData) Authorize(ctx context.Context, target delegation.Target, action delegation.Action) (delegation.Decision, error) {
	if d.Caller == nil {
		decision := delegation.Decision{Allowed: true}
		if role := target.Role(); role != nil {
			decision.VisibleMembers = slices.Clone(role.Members)
		}
		return decision, nil
	}
	return d.Evaluator.HasPermission(ctx, *d.Caller, target, action)
}

// AuthorizeID evaluates the identifier form, which only superusers pass.
func (d *ProviderData) AuthorizeID(ctx context.Context, id, kind string, action delegation.Action) bool {
	if d.Caller == nil {
		return true
	}
	return d.Evaluator.HasPermissionOn(ctx, *d.Caller, id, kind, action)
}

// OutOfScope returns the uids the caller may not manage. Superusers and an
// unrestricted provider manage everyone.
func (d *ProviderData) OutOfScope(ctx context.Context, uids []string) ([]string, error) {
	if d.Caller == nil || d.Caller.IsSuperuser() || len(uids) == 0 {
		return nil, nil
	}

	scope, err := d.Scope.FindUsersUnderDelegation(ctx, d.Caller.UID)
	if err != nil {
		return nil, err
	}

	var outside []string
	for _, uid := range uids {
		if !slices.ContainsFunc(scope, func(s string) bool { return strings.EqualFold(s, uid) }) {
			outside = append(outside, uid)
		}
	}
	return outside, nil
}

// visibleAccounts drops the accounts the caller may not manage.
func (d *ProviderData) visibleAccounts(ctx context.Context, accounts []*ldapclient.Account) ([]*ldapclient.Account, error) {
	uids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		uids = append(uids, a.UID)
	}
	outside, err := d.OutOfScope(ctx, uids)
	if err != nil {
		return nil, err
	}
	if len(outside) == 0 {
		return accounts, nil
	}
	return slices.DeleteFunc(accounts, func(a *ldapclient.Account) bool {
		return slices.Contains(outside, a.UID)
	}), nil
}

// resolveCaller builds the caller from the roles held by uid.
func resolveCaller(ctx context.Context, roles *ldapclient.RoleManager, uid string) (*delegation.Caller, error) {
	uid = strings.ToLower(strings.TrimSpace(uid))
	names, err := roles.FindRolesFor(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("resolve roles of %s: %w", uid, err)
	}

	caller := &delegation.Caller{UID: uid, Authorities: make([]string, 0, len(names))}
	for _, name := range names {
		caller.Authorities = append(caller.Authorities, authorityPrefix+name)
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Resolved acting administrator", map[string]any{
		"uid":         uid,
		"authorities": caller.Authorities,
	})
	return caller, nil
}

// noDelegations stands in for the delegation store when no database is
// configured: nobody is delegated.
type noDelegations struct{}

func (noDelegations) FindDelegation(_ context.Context, uid string) (*store.DelegationEntry, error) {
	return nil, fmt.Errorf("delegation for %s: %w", uid, store.ErrNotFound)
}

func (noDelegations) FindDelegationsByOrg(context.Context, string) ([]string, error) {
	return nil, nil
}

// providerDataFrom unpacks the value passed to Configure.
func providerDataFrom(data any, diags *diag.Diagnostics) *ProviderData {
	// Prevent panic if the provider has not been configured.
	if data == nil {
		return nil
	}

	pd, ok := data.(*ProviderData)
	if !ok {
		diags.AddError(
			"Unexpected Provider Data Type",
			fmt.Sprintf("Expected *provider.ProviderData, got: %T. Please report this issue to the provider developers.", data),
		)
		return nil
	}
	return pd
}

// requireStore reports a diagnostic when no database is configured.
func (d *ProviderData) requireStore(diags *diag.Diagnostics) bool {
	if d.Store != nil {
		return true
	}
	diags.AddError(
		"Database Not Configured",
		"This resource needs the delegation database. Set `database_url` in the provider block "+
			"or the LDAPADMIN_DATABASE_URL environment variable.",
	)
	return false
}

// addDenied reports an authorization refusal.
func (d *ProviderData) addDenied(diags *diag.Diagnostics, action delegation.Action, what string) {
	diags.AddError(
		"Permission Denied",
		fmt.Sprintf("Administrator %q is not allowed to %s %s.", d.ActingAdmin(), action, what),
	)
}

// authorized evaluates target and reports a diagnostic unless the caller is
// allowed.
func (d *ProviderData) authorized(ctx context.Context, diags *diag.Diagnostics, target delegation.Target, action delegation.Action, what string) (delegation.Decision, bool) {
	decision, err := d.Authorize(ctx, target, action)
	if err != nil {
		diags.AddError("Error Evaluating Permissions", fmt.Sprintf("Could not evaluate permissions on %s: %s", what, err))
		return decision, false
	}
	if !decision.Allowed {
		d.addDenied(diags, action, what)
		return decision, false
	}
	return decision, true
}

// engineErrorSummary picks a diagnostic summary for an engine failure.
func engineErrorSummary(fallback string, err error) string {
	switch {
	case errors.Is(err, ldapclient.ErrValidation):
		return "Invalid Account"
	case errors.Is(err, ldapclient.ErrDuplicateUID):
		return "Duplicate User Identifier"
	case errors.Is(err, ldapclient.ErrDuplicateEmail):
		return "Duplicate Email Address"
	case errors.Is(err, ldapclient.ErrConsistency):
		return "Inconsistent Directory Entry"
	default:
		return fallback
	}
}
