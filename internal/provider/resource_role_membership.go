package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	customtypes "github.com/isometry/terraform-provider-ldapadmin/internal/provider/types"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ resource.Resource = &RoleMembershipResource{}
var _ resource.ResourceWithImportState = &RoleMembershipResource{}

func NewRoleMembershipResource() resource.Resource {
	return &RoleMembershipResource{}
}

// RoleMembershipResource defines the resource implementation.
type RoleMembershipResource struct {
	data *ProviderData
}

// RoleMembershipResourceModel describes the resource data model.
type RoleMembershipResourceModel struct {
	ID      types.String            `tfsdk:"id"`      // Role name (same as role)
	Role    types.String            `tfsdk:"role"`    // Role name (required)
	Members customtypes.UIDSetValue `tfsdk:"members"` // Member uids (required)
}

func (r *RoleMembershipResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_role_membership"
}

func (r *RoleMembershipResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Manages the members of a role. This resource defines the complete member list; accounts not listed are removed.\n\n" +
			"**Delegated administration**: when the provider acts for a delegated administrator, only members under the " +
			"administrator's delegation are read and written. Members outside the delegation are left in place and never " +
			"appear in state.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The role name. This is the same value as `role`.",
				Computed:            true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"role": schema.StringAttribute{
				MarkdownDescription: "Name of the role whose members are managed.",
				Required:            true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"members": schema.SetAttribute{
				MarkdownDescription: "uids of the members. Comparison ignores case. Accounts may be active or pending.",
				Required:            true,
				ElementType:         types.StringType,
				CustomType:          customtypes.NewUIDSetType(),
			},
		},
	}
}

func (r *RoleMembershipResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	r.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (r *RoleMembershipResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data RoleMembershipResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	members, diags := data.Members.UIDs(ctx)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	if !r.setMembers(ctx, data.Role.ValueString(), members, &resp.Diagnostics) && !resp.Diagnostics.HasError() {
		resp.Diagnostics.AddError("Role Not Found", fmt.Sprintf("Role %q does not exist.", data.Role.ValueString()))
	}
	if resp.Diagnostics.HasError() {
		return
	}

	data.ID = data.Role
	r.refresh(ctx, &data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *RoleMembershipResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var data RoleMembershipResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}
	if data.Role.IsNull() {
		data.Role = data.ID
	}

	if !r.refresh(ctx, &data, &resp.Diagnostics) {
		if !resp.Diagnostics.HasError() {
			tflog.SubsystemDebug(ctx, subsystemProvider, "Role not found, removing membership from state", map[string]any{
				"role": data.Role.ValueString(),
			})
			resp.State.RemoveResource(ctx)
		}
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *RoleMembershipResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var data RoleMembershipResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	members, diags := data.Members.UIDs(ctx)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	if !r.setMembers(ctx, data.Role.ValueString(), members, &resp.Diagnostics) && !resp.Diagnostics.HasError() {
		resp.Diagnostics.AddError("Role Not Found", fmt.Sprintf("Role %q does not exist.", data.Role.ValueString()))
	}
	if resp.Diagnostics.HasError() {
		return
	}

	r.refresh(ctx, &data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *RoleMembershipResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var data RoleMembershipResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	// An empty desired list removes every member the caller can see. A role
	// that is already gone needs nothing.
	r.setMembers(ctx, data.Role.ValueString(), nil, &resp.Diagnostics)
}

func (r *RoleMembershipResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	name := strings.TrimSpace(req.ID)
	if name == "" {
		resp.Diagnostics.AddError("Invalid Import ID", "Import ID must be a role name.")
		return
	}
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("id"), name)...)
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("role"), name)...)
}

// setMembers makes the role hold desired plus whatever members the caller
// cannot see. It returns false when the role does not exist.
func (r *RoleMembershipResource) setMembers(ctx context.Context, name string, desired []string, diags *diag.Diagnostics) bool {
	roles := r.data.Accounts.Roles()

	role, err := roles.Get(ctx, name)
	if errors.Is(err, ldapclient.ErrNotFound) {
		return false
	}
	if err != nil {
		diags.AddError("Error Reading Role", fmt.Sprintf("Could not read role %q: %s", name, err))
		return true
	}

	decision, ok := r.data.authorized(ctx, diags, delegation.RoleTarget(role), delegation.ActionWrite, "manage members of role "+role.Name)
	if !ok {
		return true
	}

	outside, err := r.data.OutOfScope(ctx, desired)
	if err != nil {
		diags.AddError("Error Evaluating Permissions", err.Error())
		return true
	}
	if len(outside) > 0 {
		diags.AddAttributeError(
			path.Root("members"),
			"Members Outside Delegation",
			fmt.Sprintf("Administrator %q may not manage accounts %s.", r.data.ActingAdmin(), strings.Join(outside, ", ")),
		)
		return true
	}

	hidden := hiddenMemberDNs(role.MemberDNs, decision.VisibleMembers, desired)

	memberDNs := make([]string, 0, len(desired)+len(hidden))
	for _, uid := range foldUnion(desired, nil) {
		account, err := r.data.Accounts.FindByUID(ctx, uid)
		if errors.Is(err, ldapclient.ErrNotFound) {
			diags.AddAttributeError(path.Root("members"), "Unknown Member", fmt.Sprintf("Account %q does not exist.", uid))
			continue
		}
		if err != nil {
			diags.AddError("Error Reading Account", fmt.Sprintf("Could not read account %q: %s", uid, err))
			return true
		}
		memberDNs = append(memberDNs, account.DN)
	}
	if diags.HasError() {
		return true
	}
	memberDNs = append(memberDNs, hidden...)

	delta, err := roles.SetMembers(ctx, role.Name, memberDNs)
	if err != nil {
		diags.AddError("Error Setting Role Members", fmt.Sprintf("Could not set members of role %q: %s", role.Name, err))
		return true
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Set role members", map[string]any{
		"role":    role.Name,
		"added":   len(delta.ToAdd),
		"removed": len(delta.ToRemove),
		"hidden":  len(hidden),
	})
	return true
}

// refresh reads the members the caller can see into model. It returns false
// when the role is gone or on error.
func (r *RoleMembershipResource) refresh(ctx context.Context, model *RoleMembershipResourceModel, diags *diag.Diagnostics) bool {
	role, err := r.data.Accounts.Roles().Get(ctx, model.Role.ValueString())
	if errors.Is(err, ldapclient.ErrNotFound) {
		return false
	}
	if err != nil {
		diags.AddError("Error Reading Role", fmt.Sprintf("Could not read role %q: %s", model.Role.ValueString(), err))
		return false
	}

	decision, ok := r.data.authorized(ctx, diags, delegation.RoleTarget(role), delegation.ActionRead, "read members of role "+role.Name)
	if !ok {
		return false
	}

	members, d := customtypes.UIDSet(ctx, decision.VisibleMembers)
	diags.Append(d...)
	if diags.HasError() {
		return false
	}

	model.ID = types.StringValue(role.Name)
	model.Role = keepFold(model.Role, role.Name)
	model.Members = members
	return true
}

// hiddenMemberDNs returns the stored member values the caller cannot see and
// has not asked for, verbatim. Values that name no account are kept too.
func hiddenMemberDNs(memberDNs, visible, desired []string) []string {
	var out []string
	for _, dn := range memberDNs {
		if uid, err := ldapclient.LeafValue(dn); err == nil {
			if containsFold(visible, uid) || containsFold(desired, uid) {
				continue
			}
		}
		if !containsFold(out, dn) {
			out = append(out, dn)
		}
	}
	return out
}

// foldUnion returns the elements of a then b, dropping repeats ignoring case.
func foldUnion(a, b []string) []string {
	var out []string
	for _, s := range slices.Concat(a, b) {
		if !containsFold(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
