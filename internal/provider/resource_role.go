package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/booldefault"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ resource.Resource = &RoleResource{}
var _ resource.ResourceWithImportState = &RoleResource{}

// roleNamePattern matches the upper-case names the console has always used.
var roleNamePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// NewRoleResource creates a new instance of the role resource.
func NewRoleResource() resource.Resource {
	return &RoleResource{}
}

// RoleResource manages a role entry. Members are managed by
// ldapadmin_role_membership.
type RoleResource struct {
	data *ProviderData
}

// RoleResourceModel describes the resource data model.
type RoleResourceModel struct {
	ID          types.String `tfsdk:"id"`
	Name        types.String `tfsdk:"name"`
	Description types.String `tfsdk:"description"`
	Favorite    types.Bool   `tfsdk:"favorite"`
	DN          types.String `tfsdk:"dn"`
}

func (m *RoleResourceModel) fromRole(role *ldapclient.Role) {
	m.ID = types.StringValue(role.Name)
	m.Name = types.StringValue(role.Name)
	m.Description = helpers.StringOrNull(role.Description)
	m.Favorite = types.BoolValue(role.Favorite)
	m.DN = types.StringValue(role.DN)
}

func (r *RoleResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_role"
}

func (r *RoleResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Manages a role (`groupOfMembers` under the roles subtree). Use `ldapadmin_role_membership` to manage its members.\n\n" +
			"Built-in roles (`USER`, `PENDING`, `SUPERUSER`, `ORGADMIN`) can be imported and updated but not destroyed.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The role name.",
				Computed:            true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"name": schema.StringAttribute{
				MarkdownDescription: "Role name, in upper case. Granted to members as the authority `ROLE_<name>`.",
				Required:            true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
				Validators: []validator.String{
					stringvalidator.RegexMatches(roleNamePattern, "must contain only upper-case letters, digits and underscores"),
				},
			},
			"description": schema.StringAttribute{
				MarkdownDescription: "Free-form description.",
				Optional:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"favorite": schema.BoolAttribute{
				MarkdownDescription: "Whether the role is listed first in the console (`businessCategory=favorite`).",
				Optional:            true,
				Computed:            true,
				Default:             booldefault.StaticBool(false),
			},
			"dn": schema.StringAttribute{
				MarkdownDescription: "Distinguished name of the role entry.",
				Computed:            true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
		},
	}
}

func (r *RoleResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	r.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (r *RoleResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data RoleResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.UnspecifiedTarget(), delegation.ActionWrite, "create roles"); !ok {
		return
	}

	role := &ldapclient.Role{
		Name:        data.Name.ValueString(),
		Description: helpers.StringValue(data.Description),
		Favorite:    data.Favorite.ValueBool(),
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Creating role", map[string]any{"name": role.Name})

	roles := r.data.Accounts.Roles()
	if err := roles.Create(ctx, role); err != nil {
		resp.Diagnostics.AddError(
			"Error Creating Role",
			fmt.Sprintf("Could not create role %q: %s", role.Name, err),
		)
		return
	}

	created, err := roles.Get(ctx, role.Name)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Role",
			fmt.Sprintf("Role %q was created but could not be read back: %s", role.Name, err),
		)
		return
	}
	data.fromRole(created)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *RoleResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var data RoleResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	role, err := r.data.Accounts.Roles().Get(ctx, data.ID.ValueString())
	if errors.Is(err, ldapclient.ErrNotFound) {
		tflog.SubsystemDebug(ctx, subsystemProvider, "Role not found, removing from state", map[string]any{
			"name": data.ID.ValueString(),
		})
		resp.State.RemoveResource(ctx)
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Role",
			fmt.Sprintf("Could not read role %q: %s", data.ID.ValueString(), err),
		)
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.RoleTarget(role), delegation.ActionRead, "read role "+role.Name); !ok {
		return
	}
	data.fromRole(role)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *RoleResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var data RoleResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	roles := r.data.Accounts.Roles()
	current, err := roles.Get(ctx, data.Name.ValueString())
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Role",
			fmt.Sprintf("Could not read role %q: %s", data.Name.ValueString(), err),
		)
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.RoleTarget(current), delegation.ActionWrite, "update role "+current.Name); !ok {
		return
	}

	err = roles.Update(ctx, &ldapclient.Role{
		Name:        current.Name,
		Description: helpers.StringValue(data.Description),
		Favorite:    data.Favorite.ValueBool(),
	})
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Updating Role",
			fmt.Sprintf("Could not update role %q: %s", current.Name, err),
		)
		return
	}

	updated, err := roles.Get(ctx, current.Name)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Role",
			fmt.Sprintf("Role %q was updated but could not be read back: %s", current.Name, err),
		)
		return
	}
	data.fromRole(updated)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *RoleResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var data RoleResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	name := data.ID.ValueString()
	if ldapclient.IsSystemRole(name) {
		resp.Diagnostics.AddError(
			"Built-in Role",
			fmt.Sprintf("Role %q is built in and cannot be deleted. Remove it from the configuration with a `removed` block instead.", name),
		)
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.UnspecifiedTarget(), delegation.ActionWrite, "delete roles"); !ok {
		return
	}

	err := r.data.Accounts.Roles().Delete(ctx, name)
	if errors.Is(err, ldapclient.ErrNotFound) {
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Deleting Role",
			fmt.Sprintf("Could not delete role %q: %s", name, err),
		)
	}
}

func (r *RoleResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	name := strings.TrimSpace(req.ID)
	if !roleNamePattern.MatchString(name) {
		resp.Diagnostics.AddError(
			"Invalid Import ID",
			fmt.Sprintf("Import ID must be a role name such as EDITOR. Got: %q", req.ID),
		)
		return
	}
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("id"), name)...)
}
