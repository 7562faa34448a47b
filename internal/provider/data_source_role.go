package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &RoleDataSource{}

func NewRoleDataSource() datasource.DataSource {
	return &RoleDataSource{}
}

// RoleDataSource reads one role and the members the caller can see.
type RoleDataSource struct {
	data *ProviderData
}

type RoleDataSourceModel struct {
	ID          types.String `tfsdk:"id"`
	Name        types.String `tfsdk:"name"`
	Description types.String `tfsdk:"description"`
	Favorite    types.Bool   `tfsdk:"favorite"`
	System      types.Bool   `tfsdk:"system"`
	Members     types.Set    `tfsdk:"members"`
	DN          types.String `tfsdk:"dn"`
}

func (d *RoleDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_role"
}

func (d *RoleDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Retrieves a role. For a delegated administrator, `members` only lists the accounts under its delegation, " +
			"and reading a role outside the delegation fails.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The role name.",
				Computed:            true,
			},
			"name": schema.StringAttribute{
				MarkdownDescription: "Name of the role to read.",
				Required:            true,
			},
			"description": schema.StringAttribute{
				MarkdownDescription: "Free-form description.",
				Computed:            true,
			},
			"favorite": schema.BoolAttribute{
				MarkdownDescription: "Whether the role is marked as a favorite.",
				Computed:            true,
			},
			"system": schema.BoolAttribute{
				MarkdownDescription: "Whether the role is built in.",
				Computed:            true,
			},
			"members": schema.SetAttribute{
				MarkdownDescription: "uids of the members visible to the acting administrator.",
				Computed:            true,
				ElementType:         types.StringType,
			},
			"dn": schema.StringAttribute{
				MarkdownDescription: "Distinguished name of the role entry.",
				Computed:            true,
			},
		},
	}
}

func (d *RoleDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	d.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (d *RoleDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data RoleDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	name := data.Name.ValueString()
	role, err := d.data.Accounts.Roles().Get(ctx, name)
	if errors.Is(err, ldapclient.ErrNotFound) {
		resp.Diagnostics.AddError("Role Not Found", fmt.Sprintf("Role %q does not exist.", name))
		return
	}
	if err != nil {
		resp.Diagnostics.AddError("Error Reading Role", fmt.Sprintf("Could not read role %q: %s", name, err))
		return
	}

	decision, ok := d.data.authorized(ctx, &resp.Diagnostics, delegation.RoleTarget(role), delegation.ActionRead, "read role "+role.Name)
	if !ok {
		return
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Read role", map[string]any{
		"name":    role.Name,
		"members": len(role.Members),
		"visible": len(decision.VisibleMembers),
	})

	members, diags := helpers.StringSet(ctx, decision.VisibleMembers)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.ID = types.StringValue(role.Name)
	data.Name = types.StringValue(role.Name)
	data.Description = helpers.StringOrNull(role.Description)
	data.Favorite = types.BoolValue(role.Favorite)
	data.System = types.BoolValue(ldapclient.IsSystemRole(role.Name))
	data.Members = members
	data.DN = types.StringValue(role.DN)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}
