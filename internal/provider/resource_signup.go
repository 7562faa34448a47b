package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/booldefault"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/boolplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/int64default"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/int64planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/listplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/validators"
	"github.com/isometry/terraform-provider-ldapadmin/internal/registration"
)

var _ resource.Resource = &SignupResource{}
var _ resource.ResourceWithConfigure = &SignupResource{}

func NewSignupResource() resource.Resource {
	return &SignupResource{}
}

// SignupResource registers an account through the self-service signup
// workflow rather than as an administrator.
type SignupResource struct {
	data *ProviderData
}

type SignupResourceModel struct {
	ID                types.String `tfsdk:"id"`
	UID               types.String `tfsdk:"uid"`
	FirstName         types.String `tfsdk:"first_name"`
	Surname           types.String `tfsdk:"surname"`
	Email             types.String `tfsdk:"email"`
	Password          types.String `tfsdk:"password"`
	Phone             types.String `tfsdk:"phone"`
	Title             types.String `tfsdk:"title"`
	Description       types.String `tfsdk:"description"`
	Org               types.String `tfsdk:"org"`
	Moderated         types.Bool   `tfsdk:"moderated"`
	MinPasswordLength types.Int64  `tfsdk:"min_password_length"`

	Role       types.String `tfsdk:"role"`
	Pending    types.Bool   `tfsdk:"pending"`
	Recipients types.List   `tfsdk:"recipients"`
	DN         types.String `tfsdk:"dn"`
}

// signupFields maps form field names to schema attributes.
var signupFields = map[string]string{
	"uid":             "uid",
	"firstName":       "first_name",
	"surname":         "surname",
	"email":           "email",
	"password":        "password",
	"confirmPassword": "password",
}

func (m *SignupResourceModel) toForm() *registration.Form {
	return &registration.Form{
		UID:             m.UID.ValueString(),
		FirstName:       m.FirstName.ValueString(),
		Surname:         m.Surname.ValueString(),
		Email:           m.Email.ValueString(),
		Password:        m.Password.ValueString(),
		ConfirmPassword: m.Password.ValueString(),
		Phone:           helpers.StringValue(m.Phone),
		Title:           helpers.StringValue(m.Title),
		Description:     helpers.StringValue(m.Description),
		Org:             helpers.StringValue(m.Org),
	}
}

func (m *SignupResourceModel) fromAccount(account *ldapclient.Account) {
	m.ID = types.StringValue(account.UID)
	m.UID = keepFold(m.UID, account.UID)
	m.FirstName = helpers.StringOrNull(account.GivenName)
	m.Surname = helpers.StringOrNull(account.Surname)
	m.Email = keepFold(m.Email, account.Email)
	m.Phone = helpers.StringOrNull(account.Phone)
	m.Title = helpers.StringOrNull(account.Title)
	m.Description = helpers.StringOrNull(account.Description)
	if !(m.Org.ValueString() == registration.NoOrg && account.Org == "") {
		m.Org = keepFold(m.Org, account.Org)
	}
	m.Pending = types.BoolValue(account.Pending)
	m.DN = types.StringValue(account.DN)
}

func (r *SignupResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_signup"
}

func (r *SignupResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	replaced := func(description string, required bool) schema.StringAttribute {
		return schema.StringAttribute{
			MarkdownDescription: description,
			Required:            required,
			Optional:            !required,
			Validators:          []validator.String{stringvalidator.LengthAtLeast(1)},
			PlanModifiers:       []planmodifier.String{stringplanmodifier.RequiresReplace()},
		}
	}

	resp.Schema = schema.Schema{
		MarkdownDescription: "Registers an account the way a self-service signup does. " +
			"Under moderation the account is created in the pending subtree with role `PENDING`; " +
			"otherwise it is active with role `USER`. `recipients` lists who should be told about the signup: " +
			"every superuser plus the administrators delegated on `org`.\n\n" +
			"Any change other than `password` registers a new account. Destroying the resource deletes the account, " +
			"which a delegated administrator may only do for accounts under their delegation.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				Computed:      true,
				PlanModifiers: []planmodifier.String{stringplanmodifier.UseStateForUnknown()},
			},
			"uid": schema.StringAttribute{
				MarkdownDescription: "Requested login identifier. A taken uid fails with a free alternative in the error.",
				Required:            true,
				Validators:          []validator.String{validators.IsValidUID()},
				PlanModifiers:       []planmodifier.String{stringplanmodifier.RequiresReplace()},
			},
			"first_name":  replaced("First name.", true),
			"surname":     replaced("Last name.", true),
			"email":       replaced("Email address. Must not be used by another account.", true),
			"phone":       replaced("Telephone number.", false),
			"title":       replaced("Job title.", false),
			"description": replaced("Free-form description.", false),
			"org":         replaced("Organization the account joins. `-` means none.", false),
			"password": schema.StringAttribute{
				MarkdownDescription: "Password. Changing it updates the account in place.",
				Required:            true,
				Sensitive:           true,
			},
			"moderated": schema.BoolAttribute{
				MarkdownDescription: "Whether the account waits in the pending subtree for an administrator. Defaults to `false`.",
				Optional:            true,
				Computed:            true,
				Default:             booldefault.StaticBool(false),
				PlanModifiers:       []planmodifier.Bool{boolplanmodifier.RequiresReplace()},
			},
			"min_password_length": schema.Int64Attribute{
				MarkdownDescription: "Shortest accepted password. Defaults to `8`.",
				Optional:            true,
				Computed:            true,
				Default:             int64default.StaticInt64(8),
				Validators:          []validator.Int64{int64validator.AtLeast(1)},
				PlanModifiers:       []planmodifier.Int64{int64planmodifier.RequiresReplace()},
			},
			"role": schema.StringAttribute{
				MarkdownDescription: "Role granted at signup.",
				Computed:            true,
				PlanModifiers:       []planmodifier.String{stringplanmodifier.UseStateForUnknown()},
			},
			"pending": schema.BoolAttribute{
				MarkdownDescription: "Whether the account is still in the pending subtree.",
				Computed:            true,
				PlanModifiers:       []planmodifier.Bool{boolplanmodifier.UseStateForUnknown()},
			},
			"recipients": schema.ListAttribute{
				MarkdownDescription: "Email addresses to notify about the signup.",
				ElementType:         types.StringType,
				Computed:            true,
				PlanModifiers:       []planmodifier.List{listplanmodifier.UseStateForUnknown()},
			},
			"dn": schema.StringAttribute{
				MarkdownDescription: "Distinguished name of the entry.",
				Computed:            true,
			},
		},
	}
}

func (r *SignupResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	r.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

// service builds the signup workflow over the provider's engine.
func (r *SignupResource) service(m *SignupResourceModel) (*registration.Service, error) {
	var delegations registration.Delegations = noDelegations{}
	if r.data.Store != nil {
		delegations = r.data.Store
	}
	return registration.NewService(registration.Config{
		Moderated:         m.Moderated.ValueBool(),
		MinPasswordLength: int(m.MinPasswordLength.ValueInt64()),
	}, r.data.Accounts, delegations)
}

// addSignupError turns a signup failure into diagnostics.
func addSignupError(diags *diag.Diagnostics, uid string, err error) {
	var invalid registration.ValidationErrors
	var taken *registration.DuplicateUIDError

	switch {
	case errors.As(err, &invalid):
		for _, fe := range invalid {
			attr, ok := signupFields[fe.Field]
			if !ok {
				diags.AddError("Invalid Signup", fe.Error())
				continue
			}
			diags.AddAttributeError(path.Root(attr), "Invalid Signup", fmt.Sprintf("%s is %s.", attr, fe.Code))
		}
	case errors.As(err, &taken):
		diags.AddAttributeError(path.Root("uid"), "Duplicate User Identifier",
			fmt.Sprintf("uid %q is already taken. %q is available.", taken.UID, taken.Proposal))
	default:
		diags.AddError(
			engineErrorSummary("Error Registering Account", err),
			fmt.Sprintf("Could not register account %q: %s", uid, err),
		)
	}
}

func (r *SignupResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data SignupResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	svc, err := r.service(&data)
	if err != nil {
		resp.Diagnostics.AddError("Error Configuring Signup", err.Error())
		return
	}

	result, err := svc.Register(ctx, data.toForm())
	if err != nil {
		addSignupError(&resp.Diagnostics, data.UID.ValueString(), err)
		return
	}

	recipients, diags := helpers.StringList(ctx, result.Recipients)
	resp.Diagnostics.Append(diags...)
	data.Recipients = recipients
	data.Role = types.StringValue(result.Role)

	created, err := r.data.Accounts.FindByUID(ctx, result.Account.UID)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Account",
			fmt.Sprintf("Account %q was registered but could not be read back: %s", result.Account.UID, err),
		)
		return
	}
	data.fromAccount(created)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *SignupResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var data SignupResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	account, err := r.data.Accounts.FindByUID(ctx, data.ID.ValueString())
	if errors.Is(err, ldapclient.ErrNotFound) {
		tflog.SubsystemDebug(ctx, subsystemProvider, "Registered account not found, removing from state", map[string]any{
			"uid": data.ID.ValueString(),
		})
		resp.State.RemoveResource(ctx)
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Account",
			fmt.Sprintf("Could not read account %q: %s", data.ID.ValueString(), err),
		)
		return
	}
	data.fromAccount(account)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// Update only ever sees password changes; everything else replaces.
func (r *SignupResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var plan, state SignupResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	uid := state.ID.ValueString()
	if !plan.Password.Equal(state.Password) {
		if len(plan.Password.ValueString()) < int(plan.MinPasswordLength.ValueInt64()) {
			resp.Diagnostics.AddAttributeError(path.Root("password"), "Invalid Signup", "password is tooShort.")
			return
		}
		if err := r.data.Accounts.ChangePassword(ctx, uid, plan.Password.ValueString()); err != nil {
			resp.Diagnostics.AddError(
				"Error Changing Password",
				fmt.Sprintf("Could not change the password of %q: %s", uid, err),
			)
			return
		}
	}

	account, err := r.data.Accounts.FindByUID(ctx, uid)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Account",
			fmt.Sprintf("Could not read account %q: %s", uid, err),
		)
		return
	}
	plan.fromAccount(account)

	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

func (r *SignupResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var data SignupResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	uid := data.ID.ValueString()
	outside, err := r.data.OutOfScope(ctx, []string{uid})
	if err != nil {
		resp.Diagnostics.AddError("Error Evaluating Permissions", fmt.Sprintf("Could not evaluate permissions on %s: %s", uid, err))
		return
	}
	if len(outside) > 0 {
		r.data.addDenied(&resp.Diagnostics, delegation.ActionWrite, "account "+uid)
		return
	}

	if r.data.Accounts.IsProtected(uid) {
		resp.Diagnostics.AddError(
			"Protected Account",
			fmt.Sprintf("Account %q is listed in protected_users and cannot be deleted.", uid),
		)
		return
	}

	err = r.data.Accounts.Delete(ctx, uid, r.data.ActingAdmin())
	if errors.Is(err, ldapclient.ErrNotFound) {
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Deleting Account",
			fmt.Sprintf("Could not delete account %q: %s", uid, err),
		)
	}
}
