package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework-validators/setvalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/setdefault"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/validators"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

// delegationKind is the identifier kind passed to the evaluator for
// delegation records.
const delegationKind = "delegation"

// Ensure provider defined types fully satisfy framework interfaces.
var _ resource.Resource = &DelegationResource{}
var _ resource.ResourceWithImportState = &DelegationResource{}

func NewDelegationResource() resource.Resource {
	return &DelegationResource{}
}

// DelegationResource manages the organizations and roles an administrator
// may manage. Delegations live in the database, not the directory.
type DelegationResource struct {
	data *ProviderData
}

type DelegationResourceModel struct {
	ID    types.String `tfsdk:"id"`
	UID   types.String `tfsdk:"uid"`
	Orgs  types.Set    `tfsdk:"orgs"`
	Roles types.Set    `tfsdk:"roles"`
}

func (m *DelegationResourceModel) toEntry(ctx context.Context) (*store.DelegationEntry, diag.Diagnostics) {
	var diags diag.Diagnostics

	orgs, d := helpers.Strings(ctx, m.Orgs)
	diags.Append(d...)
	roles, d := helpers.Strings(ctx, m.Roles)
	diags.Append(d...)

	return &store.DelegationEntry{
		UID:   strings.ToLower(m.UID.ValueString()),
		Orgs:  orgs,
		Roles: roles,
	}, diags
}

func (m *DelegationResourceModel) fromEntry(ctx context.Context, entry *store.DelegationEntry) diag.Diagnostics {
	var diags diag.Diagnostics

	m.ID = types.StringValue(entry.UID)
	m.UID = keepFold(m.UID, entry.UID)

	orgs, d := helpers.StringSet(ctx, entry.Orgs)
	diags.Append(d...)
	roles, d := helpers.StringSet(ctx, entry.Roles)
	diags.Append(d...)

	m.Orgs = orgs
	m.Roles = roles
	return diags
}

func (r *DelegationResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_delegation"
}

func (r *DelegationResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	emptySet := types.SetValueMust(types.StringType, []attr.Value{})

	resp.Schema = schema.Schema{
		MarkdownDescription: "Delegates administration of organizations and roles to an account. " +
			"A delegated administrator may manage the members of the listed roles, restricted to the members " +
			"of the listed organizations.\n\n" +
			"Delegations are stored in the provider database, so `database_url` must be configured. " +
			"Only superusers may manage delegations.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The administrator uid.",
				Computed:            true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"uid": schema.StringAttribute{
				MarkdownDescription: "uid of the delegated administrator.",
				Required:            true,
				Validators:          []validator.String{validators.IsValidUID()},
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"orgs": schema.SetAttribute{
				MarkdownDescription: "Organizations whose members the administrator may manage.",
				Optional:            true,
				Computed:            true,
				ElementType:         types.StringType,
				Default:             setdefault.StaticValue(emptySet),
				Validators: []validator.Set{
					setvalidator.ValueStringsAre(stringvalidator.LengthAtLeast(1)),
				},
			},
			"roles": schema.SetAttribute{
				MarkdownDescription: "Roles whose membership the administrator may manage.",
				Optional:            true,
				Computed:            true,
				ElementType:         types.StringType,
				Default:             setdefault.StaticValue(emptySet),
				Validators: []validator.Set{
					setvalidator.ValueStringsAre(stringvalidator.LengthAtLeast(1)),
				},
			},
		},
	}
}

func (r *DelegationResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	r.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (r *DelegationResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data DelegationResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	r.save(ctx, &data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *DelegationResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var data DelegationResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() || !r.data.requireStore(&resp.Diagnostics) {
		return
	}

	uid := data.ID.ValueString()
	if !r.data.AuthorizeID(ctx, uid, delegationKind, delegation.ActionRead) {
		r.data.addDenied(&resp.Diagnostics, delegation.ActionRead, "the delegation of "+uid)
		return
	}

	entry, err := r.data.Store.FindDelegation(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		tflog.SubsystemDebug(ctx, subsystemProvider, "Delegation not found, removing from state", map[string]any{"uid": uid})
		resp.State.RemoveResource(ctx)
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Delegation",
			fmt.Sprintf("Could not read the delegation of %q: %s", uid, err),
		)
		return
	}

	resp.Diagnostics.Append(data.fromEntry(ctx, entry)...)
	if resp.Diagnostics.HasError() {
		return
	}
	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *DelegationResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var data DelegationResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	r.save(ctx, &data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *DelegationResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var data DelegationResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() || !r.data.requireStore(&resp.Diagnostics) {
		return
	}

	uid := data.ID.ValueString()
	if !r.data.AuthorizeID(ctx, uid, delegationKind, delegation.ActionWrite) {
		r.data.addDenied(&resp.Diagnostics, delegation.ActionWrite, "the delegation of "+uid)
		return
	}

	err := r.data.Store.DeleteDelegation(ctx, uid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		resp.Diagnostics.AddError(
			"Error Deleting Delegation",
			fmt.Sprintf("Could not delete the delegation of %q: %s", uid, err),
		)
	}
}

func (r *DelegationResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	uid := strings.ToLower(strings.TrimSpace(req.ID))
	if uid == "" {
		resp.Diagnostics.AddError("Invalid Import ID", "Import ID must be the administrator uid.")
		return
	}
	resp.Diagnostics.Append(resp.State.SetAttribute(ctx, path.Root("id"), uid)...)
}

// save writes the plan and reads the stored delegation back into it.
func (r *DelegationResource) save(ctx context.Context, data *DelegationResourceModel, diags *diag.Diagnostics) {
	if !r.data.requireStore(diags) {
		return
	}

	entry, d := data.toEntry(ctx)
	diags.Append(d...)
	if diags.HasError() {
		return
	}

	if !r.data.AuthorizeID(ctx, entry.UID, delegationKind, delegation.ActionWrite) {
		r.data.addDenied(diags, delegation.ActionWrite, "the delegation of "+entry.UID)
		return
	}

	if _, err := r.data.Accounts.FindByUID(ctx, entry.UID); err != nil {
		diags.AddAttributeError(
			path.Root("uid"),
			"Unknown Administrator",
			fmt.Sprintf("Could not find account %q: %s", entry.UID, err),
		)
		return
	}

	slices.Sort(entry.Orgs)
	slices.Sort(entry.Roles)
	if err := r.data.Store.SaveDelegation(ctx, entry); err != nil {
		diags.AddError(
			"Error Saving Delegation",
			fmt.Sprintf("Could not save the delegation of %q: %s", entry.UID, err),
		)
		return
	}

	stored, err := r.data.Store.FindDelegation(ctx, entry.UID)
	if err != nil {
		diags.AddError(
			"Error Reading Delegation",
			fmt.Sprintf("Delegation of %q was saved but could not be read back: %s", entry.UID, err),
		)
		return
	}
	diags.Append(data.fromEntry(ctx, stored)...)
}
