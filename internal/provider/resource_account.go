package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/booldefault"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/planmodifiers"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/validators"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ resource.Resource = &AccountResource{}
var _ resource.ResourceWithConfigure = &AccountResource{}
var _ resource.ResourceWithImportState = &AccountResource{}

// NewAccountResource creates a new instance of the account resource.
func NewAccountResource() resource.Resource {
	return &AccountResource{}
}

// AccountResource manages one person entry.
type AccountResource struct {
	data *ProviderData
}

// AccountResourceModel describes the resource data model.
type AccountResourceModel struct {
	ID       types.String `tfsdk:"id"`
	UID      types.String `tfsdk:"uid"`
	Password types.String `tfsdk:"password"`

	GivenName  types.String `tfsdk:"given_name"`
	Surname    types.String `tfsdk:"surname"`
	CommonName types.String `tfsdk:"common_name"`
	Email      types.String `tfsdk:"email"`

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
	InitialRole  types.String `tfsdk:"initial_role"`
	DN           types.String `tfsdk:"dn"`
}

// fieldBinding pairs a model attribute with the account field it carries.
type fieldBinding struct {
	value *types.String
	field *string
}

// optionalFields binds the free-form attributes of m to account.
func (m *AccountResourceModel) optionalFields(account *ldapclient.Account) []fieldBinding {
	return []fieldBinding{
		{&m.Title, &account.Title},
		{&m.Phone, &account.Phone},
		{&m.Mobile, &account.Mobile},
		{&m.Fax, &account.Fax},
		{&m.Description, &account.Description},
		{&m.PostalAddress, &account.PostalAddress},
		{&m.PostalCode, &account.PostalCode},
		{&m.RegisteredAddress, &account.RegisteredAddress},
		{&m.PostOfficeBox, &account.PostOfficeBox},
		{&m.PhysicalDeliveryOfficeName, &account.PhysicalDeliveryOfficeName},
		{&m.Street, &account.Street},
		{&m.Locality, &account.Locality},
		{&m.State, &account.State},
		{&m.HomePostalAddress, &account.HomePostalAddress},
		{&m.RoomNumber, &account.RoomNumber},
		{&m.Context, &account.Context},
	}
}

// toAccount builds the engine value from a plan.
func (m *AccountResourceModel) toAccount() (*ldapclient.Account, diag.Diagnostics) {
	var diags diag.Diagnostics

	account := &ldapclient.Account{
		UID:        m.UID.ValueString(),
		Password:   helpers.StringValue(m.Password),
		GivenName:  m.GivenName.ValueString(),
		Surname:    m.Surname.ValueString(),
		CommonName: helpers.StringValue(m.CommonName),
		Email:      m.Email.ValueString(),
		Manager:    helpers.StringValue(m.Manager),
		Org:        helpers.StringValue(m.Org),
		Pending:    m.Pending.ValueBool(),
	}
	for _, b := range m.optionalFields(account) {
		*b.field = helpers.StringValue(*b.value)
	}

	expire, err := helpers.ParseTime(m.ShadowExpire)
	if err != nil {
		diags.AddAttributeError(path.Root("shadow_expire"), "Invalid Expiry Date", err.Error())
	}
	account.ShadowExpire = expire

	return account, diags
}

// fromAccount copies directory state into m. Identifiers that the directory
// stores case-folded keep the configured spelling when they match.
func (m *AccountResourceModel) fromAccount(account *ldapclient.Account) {
	m.ID = types.StringValue(account.UID)
	m.UID = keepFold(m.UID, account.UID)
	m.GivenName = helpers.StringOrNull(account.GivenName)
	m.Surname = helpers.StringOrNull(account.Surname)
	m.CommonName = helpers.StringOrNull(account.CommonName)
	m.Email = keepFold(m.Email, account.Email)
	m.Manager = keepFold(m.Manager, account.Manager)
	m.Org = keepFold(m.Org, account.Org)
	m.Pending = types.BoolValue(account.Pending)
	m.DN = types.StringValue(account.DN)

	for _, b := range m.optionalFields(account) {
		*b.value = helpers.StringOrNull(*b.field)
	}

	// Keep the configured offset when it denotes the stored instant.
	if prior, err := helpers.ParseTime(m.ShadowExpire); err != nil || prior == nil || account.ShadowExpire == nil ||
		!prior.Truncate(time.Second).Equal(*account.ShadowExpire) {
		m.ShadowExpire = helpers.TimeOrNull(account.ShadowExpire)
	}
}

func keepFold(prior types.String, actual string) types.String {
	if !prior.IsNull() && !prior.IsUnknown() && strings.EqualFold(strings.TrimSpace(prior.ValueString()), actual) {
		return prior
	}
	return helpers.StringOrNull(actual)
}

func (r *AccountResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_account"
}

func (r *AccountResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	optional := func(description string) schema.StringAttribute {
		return schema.StringAttribute{
			MarkdownDescription: description,
			Optional:            true,
			Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
		}
	}

	resp.Schema = schema.Schema{
		MarkdownDescription: "Manages a person entry (`inetOrgPerson` + `shadowAccount`) in the directory.\n\n" +
			"Accounts live either in the active users subtree or, while `pending` is true, in the pending users subtree. " +
			"Changing `uid` or `pending` moves the entry and re-points its role and organization memberships; " +
			"it never recreates the account.\n\n" +
			"When the provider acts on behalf of a delegated administrator, only superusers may manage accounts.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The account uid.",
				Computed:            true,
			},
			"uid": schema.StringAttribute{
				MarkdownDescription: "The login identifier. Stored in lower case and unique across the active and pending subtrees.",
				Required:            true,
				Validators:          []validator.String{validators.IsValidUID()},
			},
			"password": schema.StringAttribute{
				MarkdownDescription: "The initial password, or a new one to set. Stored salted and hashed unless it already carries a `{SCHEME}` prefix. " +
					"The directory value is never read back.",
				Optional:   true,
				Sensitive:  true,
				Validators: []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"given_name": schema.StringAttribute{
				MarkdownDescription: "First name (`givenName`).",
				Required:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"surname": schema.StringAttribute{
				MarkdownDescription: "Last name (`sn`).",
				Required:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"common_name": schema.StringAttribute{
				MarkdownDescription: "Display name (`cn`). Defaults to `<given_name> <surname>`.",
				Optional:            true,
				Computed:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
				PlanModifiers: []planmodifier.String{
					planmodifiers.DefaultCommonName(),
				},
			},
			"email": schema.StringAttribute{
				MarkdownDescription: "Email address (`mail`). Unique across the active and pending subtrees.",
				Required:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"title":                         optional("Job title (`title`)."),
			"phone":                         optional("Telephone number (`telephoneNumber`)."),
			"mobile":                        optional("Mobile number (`mobile`)."),
			"fax":                           optional("Fax number (`facsimileTelephoneNumber`)."),
			"description":                   optional("Free-form description (`description`)."),
			"postal_address":                optional("Postal address (`postalAddress`)."),
			"postal_code":                   optional("Postal code (`postalCode`)."),
			"registered_address":            optional("Registered address (`registeredAddress`)."),
			"post_office_box":               optional("Post office box (`postOfficeBox`)."),
			"physical_delivery_office_name": optional("Office name (`physicalDeliveryOfficeName`)."),
			"street":                        optional("Street (`street`)."),
			"locality":                      optional("Locality (`l`)."),
			"state":                         optional("State or province (`st`)."),
			"home_postal_address":           optional("Home postal address (`homePostalAddress`)."),
			"room_number":                   optional("Room number (`roomNumber`)."),
			"context":                       optional("Free-form context (`knowledgeInformation`)."),
			"manager": schema.StringAttribute{
				MarkdownDescription: "uid of the account's manager.",
				Optional:            true,
				Validators:          []validator.String{validators.IsValidUID()},
			},
			"org": schema.StringAttribute{
				MarkdownDescription: "Identifier of the organization the account belongs to. An account belongs to at most one organization.",
				Optional:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"shadow_expire": schema.StringAttribute{
				MarkdownDescription: "Expiry date as an RFC 3339 timestamp, e.g. `2030-01-31T00:00:00Z`. Stored with whole-second precision.",
				Optional:            true,
				Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"pending": schema.BoolAttribute{
				MarkdownDescription: "Whether the account waits for moderation in the pending subtree. Setting it to `false` validates the account.",
				Optional:            true,
				Computed:            true,
				Default:             booldefault.StaticBool(false),
			},
			"initial_role": schema.StringAttribute{
				MarkdownDescription: "Role the account joins on creation. Defaults to `USER`. Later changes are ignored; " +
					"manage memberships with `ldapadmin_role_membership`.",
				Optional:   true,
				Validators: []validator.String{stringvalidator.LengthAtLeast(1)},
			},
			"dn": schema.StringAttribute{
				MarkdownDescription: "Distinguished name of the entry.",
				Computed:            true,
			},
		},
	}
}

func (r *AccountResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	r.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (r *AccountResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data AccountResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.UnspecifiedTarget(), delegation.ActionWrite, "create accounts"); !ok {
		return
	}

	account, diags := data.toAccount()
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	role := helpers.StringValue(data.InitialRole)
	if role == "" {
		role = ldapclient.RoleUser
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Creating account", map[string]any{
		"uid":     account.UID,
		"role":    role,
		"pending": account.Pending,
	})

	if err := r.data.Accounts.Insert(ctx, account, role, r.data.ActingAdmin(), account.Pending); err != nil {
		resp.Diagnostics.AddError(
			engineErrorSummary("Error Creating Account", err),
			fmt.Sprintf("Could not create account %q: %s", account.UID, err),
		)
		return
	}

	created, err := r.data.Accounts.FindByUID(ctx, account.UID)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Account",
			fmt.Sprintf("Account %q was created but could not be read back: %s", account.UID, err),
		)
		return
	}
	data.fromAccount(created)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *AccountResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var data AccountResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.UnspecifiedTarget(), delegation.ActionRead, "read accounts"); !ok {
		return
	}

	account, err := r.data.Accounts.FindByUID(ctx, data.ID.ValueString())
	if errors.Is(err, ldapclient.ErrNotFound) {
		tflog.SubsystemDebug(ctx, subsystemProvider, "Account not found, removing from state", map[string]any{
			"uid": data.ID.ValueString(),
		})
		resp.State.RemoveResource(ctx)
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			engineErrorSummary("Error Reading Account", err),
			fmt.Sprintf("Could not read account %q: %s", data.ID.ValueString(), err),
		)
		return
	}
	data.fromAccount(account)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *AccountResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var plan, state AccountResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.UnspecifiedTarget(), delegation.ActionWrite, "update accounts"); !ok {
		return
	}

	modified, diags := plan.toAccount()
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	// Password changes go through ChangePassword below.
	modified.Password = ""

	current, err := r.data.Accounts.FindByUID(ctx, state.ID.ValueString())
	if err != nil {
		resp.Diagnostics.AddError(
			engineErrorSummary("Error Reading Account", err),
			fmt.Sprintf("Could not read account %q: %s", state.ID.ValueString(), err),
		)
		return
	}

	if !strings.EqualFold(current.UID, strings.TrimSpace(modified.UID)) || current.Pending != modified.Pending {
		tflog.SubsystemDebug(ctx, subsystemProvider, "Moving account", map[string]any{
			"old_uid":     current.UID,
			"new_uid":     modified.UID,
			"old_pending": current.Pending,
			"new_pending": modified.Pending,
		})
		err = r.data.Accounts.Rename(ctx, current, modified, r.data.ActingAdmin())
	} else {
		err = r.data.Accounts.Update(ctx, modified, r.data.ActingAdmin())
	}
	if err != nil {
		resp.Diagnostics.AddError(
			engineErrorSummary("Error Updating Account", err),
			fmt.Sprintf("Could not update account %q: %s", current.UID, err),
		)
		return
	}

	if password := helpers.StringValue(plan.Password); password != "" && !plan.Password.Equal(state.Password) {
		if err := r.data.Accounts.ChangePassword(ctx, modified.UID, password); err != nil {
			resp.Diagnostics.AddError(
				"Error Changing Password",
				fmt.Sprintf("Could not change the password of %q: %s", modified.UID, err),
			)
			return
		}
	}

	updated, err := r.data.Accounts.FindByUID(ctx, modified.UID)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Account",
			fmt.Sprintf("Account %q was updated but could not be read back: %s", modified.UID, err),
		)
		return
	}
	plan.fromAccount(updated)

	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

func (r *AccountResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var data AccountResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if _, ok := r.data.authorized(ctx, &resp.Diagnostics, delegation.UnspecifiedTarget(), delegation.ActionWrite, "delete accounts"); !ok {
		return
	}

	uid := data.ID.ValueString()
	if r.data.Accounts.IsProtected(uid) {
		resp.Diagnostics.AddError(
			"Protected Account",
			fmt.Sprintf("Account %q is listed in protected_users and cannot be deleted.", uid),
		)
		return
	}

	err := r.data.Accounts.Delete(ctx, uid, r.data.ActingAdmin())
	if errors.Is(err, ldapclient.ErrNotFound) {
		tflog.SubsystemDebug(ctx, subsystemProvider, "Account already gone", map[string]any{"uid": uid})
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Deleting Account",
			fmt.Sprintf("Could not delete account %q: %s", uid, err),
		)
	}
}

func (r *AccountResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	uid := strings.ToLower(strings.TrimSpace(req.ID))
	if uid == "" {
		resp.Diagnostics.AddError("Invalid Import ID", "Import ID must be the account uid.")
		return
	}
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("id"), uid)...)
}
