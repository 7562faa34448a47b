package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &WhoAmIDataSource{}

func NewWhoAmIDataSource() datasource.DataSource {
	return &WhoAmIDataSource{}
}

// WhoAmIDataSource defines the data source implementation.
type WhoAmIDataSource struct {
	data *ProviderData
}

// WhoAmIDataSourceModel describes the data source data model.
type WhoAmIDataSourceModel struct {
	ID          types.String `tfsdk:"id"`           // Set to authz_id for state tracking
	AuthzID     types.String `tfsdk:"authz_id"`     // Raw authorization ID from server
	DN          types.String `tfsdk:"dn"`           // Distinguished Name (if authzID is in DN format)
	UID         types.String `tfsdk:"uid"`          // uid (if authzID is in u: format or the DN leaf is a uid)
	Format      types.String `tfsdk:"format"`       // "dn", "uid", "empty" or "unknown"
	ActingAdmin types.String `tfsdk:"acting_admin"` // Administrator the provider acts for
	Authorities types.List   `tfsdk:"authorities"`  // Authorities of the acting administrator
	Superuser   types.Bool   `tfsdk:"superuser"`    // Whether the acting administrator is unrestricted
}

func (d *WhoAmIDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_whoami"
}

func (d *WhoAmIDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Retrieves the bound identity using the LDAP \"Who Am I?\" extended operation (RFC 4532), " +
			"together with the administrator the provider acts for and the authorities that administrator holds.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "Unique identifier for this data source (same as authz_id).",
				Computed:            true,
			},
			"authz_id": schema.StringAttribute{
				MarkdownDescription: "The raw authorization ID returned by the server, such as `dn:uid=admin,ou=users,dc=example,dc=org` or `u:admin`.",
				Computed:            true,
			},
			"dn": schema.StringAttribute{
				MarkdownDescription: "The Distinguished Name of the bound identity, when the authorization ID is in DN format.",
				Computed:            true,
			},
			"uid": schema.StringAttribute{
				MarkdownDescription: "The uid of the bound identity, when it can be derived from the authorization ID.",
				Computed:            true,
			},
			"format": schema.StringAttribute{
				MarkdownDescription: "The format of the authorization ID: `dn`, `uid`, `empty` (anonymous) or `unknown`.",
				Computed:            true,
			},
			"acting_admin": schema.StringAttribute{
				MarkdownDescription: "The administrator configured with `acting_admin`, if any.",
				Computed:            true,
			},
			"authorities": schema.ListAttribute{
				MarkdownDescription: "Authorities (`ROLE_<name>`) held by the acting administrator. Empty when no acting administrator is configured.",
				Computed:            true,
				ElementType:         types.StringType,
			},
			"superuser": schema.BoolAttribute{
				MarkdownDescription: "Whether changes are unrestricted: no acting administrator is configured, or it holds `ROLE_SUPERUSER`.",
				Computed:            true,
			},
		},
	}
}

func (d *WhoAmIDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	d.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (d *WhoAmIDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data WhoAmIDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	result, err := d.data.Client.WhoAmI(ctx)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Performing WhoAmI Operation",
			fmt.Sprintf("Could not perform LDAP Who Am I? operation: %s", err.Error()),
		)
		return
	}
	if result == nil {
		resp.Diagnostics.AddError(
			"WhoAmI Operation Returned Nil",
			"The LDAP Who Am I? operation returned a nil result, which should not happen. Please report this issue to the provider developers.",
		)
		return
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Performed WhoAmI operation", map[string]any{
		"authz_id": result.AuthzID,
		"format":   result.Format,
	})

	d.mapResultToModel(result, &data)

	var authorities []string
	data.Superuser = types.BoolValue(true)
	if caller := d.data.Caller; caller != nil {
		authorities = caller.Authorities
		data.Superuser = types.BoolValue(caller.IsSuperuser())
	}
	data.ActingAdmin = helpers.StringOrNull(d.data.ActingAdmin())

	list, diags := helpers.StringList(ctx, authorities)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	data.Authorities = list

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// mapResultToModel maps the LDAP WhoAmI result to the Terraform model.
func (d *WhoAmIDataSource) mapResultToModel(result *ldapclient.WhoAmIResult, data *WhoAmIDataSourceModel) {
	data.ID = types.StringValue(result.AuthzID)
	data.AuthzID = types.StringValue(result.AuthzID)
	data.Format = types.StringValue(result.Format)
	data.DN = helpers.StringOrNull(result.DN)
	data.UID = helpers.StringOrNull(result.UID)
}
