package provider

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &AccountsDataSource{}

func NewAccountsDataSource() datasource.DataSource {
	return &AccountsDataSource{}
}

// AccountsDataSource lists accounts matching a set of filters.
type AccountsDataSource struct {
	data *ProviderData
}

// AccountsDataSourceModel describes the data source data model.
type AccountsDataSourceModel struct {
	ID types.String `tfsdk:"id"`

	// Filters
	Mode     types.String `tfsdk:"mode"`
	Role     types.String `tfsdk:"role"`
	Org      types.String `tfsdk:"org"`
	Expiring types.Bool   `tfsdk:"expiring"`

	Accounts     types.List  `tfsdk:"accounts"`
	AccountCount types.Int64 `tfsdk:"account_count"`
}

// accountSummaryAttrTypes is the element type of the accounts list.
var accountSummaryAttrTypes = map[string]attr.Type{
	"uid":           types.StringType,
	"common_name":   types.StringType,
	"given_name":    types.StringType,
	"surname":       types.StringType,
	"email":         types.StringType,
	"org":           types.StringType,
	"manager":       types.StringType,
	"shadow_expire": types.StringType,
	"pending":       types.BoolType,
	"dn":            types.StringType,
}

func (d *AccountsDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_accounts"
}

func (d *AccountsDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Lists accounts, optionally filtered by subtree, role, organization or expiry. " +
			"Protected accounts are never listed. A delegated administrator only sees accounts under its delegation.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "Identifier derived from the filters.",
				Computed:            true,
			},
			"mode": schema.StringAttribute{
				MarkdownDescription: "Which subtrees to list: `active`, `pending` or `all` (default).",
				Optional:            true,
				Validators: []validator.String{
					stringvalidator.OneOf(
						ldapclient.SearchActive.String(),
						ldapclient.SearchPending.String(),
						ldapclient.SearchAll.String(),
					),
				},
			},
			"role": schema.StringAttribute{
				MarkdownDescription: "Only list members of this role.",
				Optional:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"org": schema.StringAttribute{
				MarkdownDescription: "Only list members of this organization.",
				Optional:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"expiring": schema.BoolAttribute{
				MarkdownDescription: "When true, only list accounts that carry an expiry date.",
				Optional:            true,
			},
			"account_count": schema.Int64Attribute{
				MarkdownDescription: "Number of accounts listed.",
				Computed:            true,
			},
			"accounts": schema.ListNestedAttribute{
				MarkdownDescription: "Matching accounts, sorted by uid.",
				Computed:            true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"uid":           schema.StringAttribute{Computed: true, MarkdownDescription: "Login identifier."},
						"common_name":   schema.StringAttribute{Computed: true, MarkdownDescription: "Common name."},
						"given_name":    schema.StringAttribute{Computed: true, MarkdownDescription: "Given name."},
						"surname":       schema.StringAttribute{Computed: true, MarkdownDescription: "Surname."},
						"email":         schema.StringAttribute{Computed: true, MarkdownDescription: "Email address."},
						"org":           schema.StringAttribute{Computed: true, MarkdownDescription: "Organization."},
						"manager":       schema.StringAttribute{Computed: true, MarkdownDescription: "uid of the manager."},
						"shadow_expire": schema.StringAttribute{Computed: true, MarkdownDescription: "Expiry date in RFC 3339 format."},
						"pending":       schema.BoolAttribute{Computed: true, MarkdownDescription: "Whether the account is pending."},
						"dn":            schema.StringAttribute{Computed: true, MarkdownDescription: "Distinguished name."},
					},
				},
			},
		},
	}
}

func (d *AccountsDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	d.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (d *AccountsDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data AccountsDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	filter := d.buildFilter(&data)
	mode := helpers.StringValue(data.Mode)
	if mode == "" {
		mode = ldapclient.SearchAll.String()
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Searching accounts", map[string]any{
		"filter": filter.String(),
		"mode":   mode,
	})

	accounts, err := d.data.Accounts.FindFiltered(ctx, filter)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Searching Accounts",
			fmt.Sprintf("Could not search accounts: %s", err),
		)
		return
	}
	accounts = filterMode(accounts, mode)

	accounts, err = d.data.visibleAccounts(ctx, accounts)
	if err != nil {
		resp.Diagnostics.AddError("Error Evaluating Permissions", err.Error())
		return
	}
	slices.SortFunc(accounts, func(a, b *ldapclient.Account) int { return strings.Compare(a.UID, b.UID) })

	tflog.SubsystemDebug(ctx, subsystemProvider, "Found accounts", map[string]any{"account_count": len(accounts)})

	list, diags := accountSummaries(accounts)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.ID = types.StringValue(filter.String() + ":" + mode)
	data.Accounts = list
	data.AccountCount = types.Int64Value(int64(len(accounts)))

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// buildFilter translates the configured filters into a directory filter.
func (d *AccountsDataSource) buildFilter(data *AccountsDataSourceModel) *ldapclient.AccountFilter {
	dn := d.data.Accounts.DN()
	filter := ldapclient.NewAccountFilter()

	if role := helpers.StringValue(data.Role); role != "" {
		filter.Equals(ldapclient.AttrMemberOf, dn.RoleDN(role))
	}
	if org := helpers.StringValue(data.Org); org != "" {
		filter.Equals(ldapclient.AttrMemberOf, dn.OrgDN(org))
	}
	if data.Expiring.ValueBool() {
		filter.Present(ldapclient.AttrShadowExpire)
	}
	return filter
}

// filterMode keeps the accounts in the subtrees named by mode.
func filterMode(accounts []*ldapclient.Account, mode string) []*ldapclient.Account {
	switch mode {
	case ldapclient.SearchActive.String():
		return slices.DeleteFunc(accounts, func(a *ldapclient.Account) bool { return a.Pending })
	case ldapclient.SearchPending.String():
		return slices.DeleteFunc(accounts, func(a *ldapclient.Account) bool { return !a.Pending })
	default:
		return accounts
	}
}

func accountSummaries(accounts []*ldapclient.Account) (types.List, diag.Diagnostics) {
	var diags diag.Diagnostics
	objectType := types.ObjectType{AttrTypes: accountSummaryAttrTypes}

	elements := make([]attr.Value, 0, len(accounts))
	for _, account := range accounts {
		obj, d := types.ObjectValue(accountSummaryAttrTypes, map[string]attr.Value{
			"uid":           types.StringValue(account.UID),
			"common_name":   helpers.StringOrNull(account.CommonName),
			"given_name":    helpers.StringOrNull(account.GivenName),
			"surname":       helpers.StringOrNull(account.Surname),
			"email":         helpers.StringOrNull(account.Email),
			"org":           helpers.StringOrNull(account.Org),
			"manager":       helpers.StringOrNull(account.Manager),
			"shadow_expire": helpers.TimeOrNull(account.ShadowExpire),
			"pending":       types.BoolValue(account.Pending),
			"dn":            types.StringValue(account.DN),
		})
		diags.Append(d...)
		elements = append(elements, obj)
	}
	if diags.HasError() {
		return types.ListNull(objectType), diags
	}

	list, d := types.ListValue(objectType, elements)
	diags.Append(d...)
	return list, diags
}
