package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework-validators/datasourcevalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &AccountDataSource{}
var _ datasource.DataSourceWithConfigValidators = &AccountDataSource{}

func NewAccountDataSource() datasource.DataSource {
	return &AccountDataSource{}
}

// AccountDataSource looks up a single account by uid or email.
type AccountDataSource struct {
	data *ProviderData
}

// AccountDataSourceModel describes the data source data model with multiple lookup methods.
type AccountDataSourceModel struct {
	// Lookup methods (mutually exclusive)
	UID   types.String `tfsdk:"uid"`
	Email types.String `tfsdk:"email"`

	ID         types.String `tfsdk:"id"`
	GivenName  types.String `tfsdk:"given_name"`
	Surname    types.String `tfsdk:"surname"`
	CommonName types.String `tfsdk:"common_name"`

	Title                      types.String `tfsdk:"title"`
	Phone                      types.String `tfsdk:"phone"`
	Mobile                     types.String `tfsdk:"mobile"`
	Fax                        types.String `tfsdk:"fax"`
	Description                types.String `tfsdk:"description"`
	PostalAddress              types.String `tfsdk:"postal_address"`
	PostalCode                 types.String `tfsdk:"postal_code"`
	RegisteredAddress          types.String `tfsdk:"registered_address"`
	PostOfficeBox              types.String `tfsdk:"post_office_box"`
	PhysicalDeliveryOfficeName types.String `tfsdk:"physical_delivery_office_name"`
	Street                     types.String `tfsdk:"street"`
	Locality                   types.String `tfsdk:"locality"`
	State                      types.String `tfsdk:"state"`
	HomePostalAddress          types.String `tfsdk:"home_postal_address"`
	RoomNumber                 types.String `tfsdk:"room_number"`
	Context                    types.String `tfsdk:"context"`

	Manager      types.String `tfsdk:"manager"`
	Org          types.String `tfsdk:"org"`
	ShadowExpire types.String `tfsdk:"shadow_expire"`
	Pending      types.Bool   `tfsdk:"pending"`
	Protected    types.Bool   `tfsdk:"protected"`
	Roles        types.List   `tfsdk:"roles"`
	DN           types.String `tfsdk:"dn"`
}

func (d *AccountDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_account"
}

func (d *AccountDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	computed := func(description string) schema.StringAttribute {
		return schema.StringAttribute{MarkdownDescription: description, Computed: true}
	}

	resp.Schema = schema.Schema{
		MarkdownDescription: "Retrieves an account by `uid` or `email`. Active accounts are searched before pending ones.\n\n" +
			"A delegated administrator can only read accounts that belong to one of its delegated organizations.",

		Attributes: map[string]schema.Attribute{
			"uid": schema.StringAttribute{
				MarkdownDescription: "The uid to look up. Matching ignores case. Conflicts with `email`.",
				Optional:            true,
				Computed:            true,
			},
			"email": schema.StringAttribute{
				MarkdownDescription: "The email address to look up. Conflicts with `uid`.",
				Optional:            true,
				Computed:            true,
			},
			"id":                            computed("The account uid in lower case."),
			"given_name":                    computed("Given name."),
			"surname":                       computed("Surname."),
			"common_name":                   computed("Common name."),
			"title":                         computed("Job title."),
			"phone":                         computed("Telephone number."),
			"mobile":                        computed("Mobile number."),
			"fax":                           computed("Fax number."),
			"description":                   computed("Free-form description."),
			"postal_address":                computed("Postal address."),
			"postal_code":                   computed("Postal code."),
			"registered_address":            computed("Registered address."),
			"post_office_box":               computed("Post office box."),
			"physical_delivery_office_name": computed("Office name."),
			"street":                        computed("Street."),
			"locality":                      computed("Locality."),
			"state":                         computed("State or province."),
			"home_postal_address":           computed("Home postal address."),
			"room_number":                   computed("Room number."),
			"context":                       computed("Free-form context (`knowledgeInformation`)."),
			"manager":                       computed("uid of the manager."),
			"org":                           computed("Organization the account belongs to."),
			"shadow_expire":                 computed("Expiry date in RFC 3339 format."),
			"pending": schema.BoolAttribute{
				MarkdownDescription: "Whether the account is in the pending subtree.",
				Computed:            true,
			},
			"protected": schema.BoolAttribute{
				MarkdownDescription: "Whether the account is listed in `protected_accounts`.",
				Computed:            true,
			},
			"roles": schema.ListAttribute{
				MarkdownDescription: "Names of the roles the account belongs to, sorted.",
				Computed:            true,
				ElementType:         types.StringType,
			},
			"dn": computed("Distinguished name of the entry."),
		},
	}
}

// ConfigValidators implements datasource.DataSourceWithConfigValidators.
func (d *AccountDataSource) ConfigValidators(ctx context.Context) []datasource.ConfigValidator {
	return []datasource.ConfigValidator{
		datasourcevalidator.ExactlyOneOf(
			path.MatchRoot("uid"),
			path.MatchRoot("email"),
		),
	}
}

func (d *AccountDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	d.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (d *AccountDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data AccountDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	var (
		account *ldapclient.Account
		err     error
		lookup  string
	)
	switch {
	case !data.UID.IsNull() && !data.UID.IsUnknown():
		lookup = data.UID.ValueString()
		account, err = d.data.Accounts.FindByUID(ctx, lookup)
	default:
		lookup = data.Email.ValueString()
		account, err = d.data.Accounts.FindByEmail(ctx, lookup)
	}
	if errors.Is(err, ldapclient.ErrNotFound) {
		resp.Diagnostics.AddError("Account Not Found", fmt.Sprintf("No account matches %q.", lookup))
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Account",
			fmt.Sprintf("Could not look up account %q: %s", lookup, err),
		)
		return
	}

	outside, err := d.data.OutOfScope(ctx, []string{account.UID})
	if err != nil {
		resp.Diagnostics.AddError("Error Evaluating Permissions", err.Error())
		return
	}
	if len(outside) > 0 {
		d.data.addDenied(&resp.Diagnostics, delegation.ActionRead, "account "+account.UID)
		return
	}

	roles, err := d.data.Accounts.Roles().FindRolesFor(ctx, account.UID)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Account Roles",
			fmt.Sprintf("Could not list the roles of %q: %s", account.UID, err),
		)
		return
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Found account", map[string]any{
		"uid":     account.UID,
		"pending": account.Pending,
		"roles":   len(roles),
	})

	d.mapAccountToModel(account, &data)
	data.Protected = types.BoolValue(d.data.Accounts.IsProtected(account.UID))

	list, diags := helpers.StringList(ctx, roles)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	data.Roles = list

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (d *AccountDataSource) mapAccountToModel(account *ldapclient.Account, data *AccountDataSourceModel) {
	data.ID = types.StringValue(account.UID)
	data.UID = types.StringValue(account.UID)
	data.Email = helpers.StringOrNull(account.Email)
	data.GivenName = helpers.StringOrNull(account.GivenName)
	data.Surname = helpers.StringOrNull(account.Surname)
	data.CommonName = helpers.StringOrNull(account.CommonName)

	data.Title = helpers.StringOrNull(account.Title)
	data.Phone = helpers.StringOrNull(account.Phone)
	data.Mobile = helpers.StringOrNull(account.Mobile)
	data.Fax = helpers.StringOrNull(account.Fax)
	data.Description = helpers.StringOrNull(account.Description)
	data.PostalAddress = helpers.StringOrNull(account.PostalAddress)
	data.PostalCode = helpers.StringOrNull(account.PostalCode)
	data.RegisteredAddress = helpers.StringOrNull(account.RegisteredAddress)
	data.PostOfficeBox = helpers.StringOrNull(account.PostOfficeBox)
	data.PhysicalDeliveryOfficeName = helpers.StringOrNull(account.PhysicalDeliveryOfficeName)
	data.Street = helpers.StringOrNull(account.Street)
	data.Locality = helpers.StringOrNull(account.Locality)
	data.State = helpers.StringOrNull(account.State)
	data.HomePostalAddress = helpers.StringOrNull(account.HomePostalAddress)
	data.RoomNumber = helpers.StringOrNull(account.RoomNumber)
	data.Context = helpers.StringOrNull(account.Context)

	data.Manager = helpers.StringOrNull(account.Manager)
	data.Org = helpers.StringOrNull(account.Org)
	data.ShadowExpire = helpers.TimeOrNull(account.ShadowExpire)
	data.Pending = types.BoolValue(account.Pending)
	data.DN = types.StringValue(account.DN)
}
