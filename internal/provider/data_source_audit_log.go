package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/helpers"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

const defaultAuditLimit = 100

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &AuditLogDataSource{}

func NewAuditLogDataSource() datasource.DataSource {
	return &AuditLogDataSource{}
}

// AuditLogDataSource reads the administrative changes recorded about an account.
type AuditLogDataSource struct {
	data *ProviderData
}

type AuditLogDataSourceModel struct {
	ID      types.String `tfsdk:"id"`
	Target  types.String `tfsdk:"target"`
	Limit   types.Int64  `tfsdk:"limit"`
	Entries types.List   `tfsdk:"entries"`
}

var auditEntryAttrTypes = map[string]attr.Type{
	"id":          types.StringType,
	"admin":       types.StringType,
	"target":      types.StringType,
	"change_type": types.StringType,
	"date":        types.StringType,
	"attribute":   types.StringType,
	"old_value":   types.StringType,
	"new_value":   types.StringType,
}

func (d *AuditLogDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_audit_log"
}

func (d *AuditLogDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Lists the most recent administrative changes recorded about an account, newest first. " +
			"Requires `database_url`.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The target uid.",
				Computed:            true,
			},
			"target": schema.StringAttribute{
				MarkdownDescription: "uid of the account the changes were made to.",
				Required:            true,
			},
			"limit": schema.Int64Attribute{
				MarkdownDescription: fmt.Sprintf("Maximum number of entries to return. Defaults to %d.", defaultAuditLimit),
				Optional:            true,
				Validators:          []validator.Int64{int64validator.Between(1, 1000)},
			},
			"entries": schema.ListNestedAttribute{
				MarkdownDescription: "Recorded changes, newest first.",
				Computed:            true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"id":          schema.StringAttribute{Computed: true, MarkdownDescription: "Entry identifier."},
						"admin":       schema.StringAttribute{Computed: true, MarkdownDescription: "Administrator that made the change."},
						"target":      schema.StringAttribute{Computed: true, MarkdownDescription: "Account the change applies to."},
						"change_type": schema.StringAttribute{Computed: true, MarkdownDescription: "Kind of change, such as `ACCOUNT_CREATED`."},
						"date":        schema.StringAttribute{Computed: true, MarkdownDescription: "When the change was made (RFC 3339)."},
						"attribute":   schema.StringAttribute{Computed: true, MarkdownDescription: "Changed attribute, for attribute changes."},
						"old_value":   schema.StringAttribute{Computed: true, MarkdownDescription: "Previous value, for attribute changes."},
						"new_value":   schema.StringAttribute{Computed: true, MarkdownDescription: "New value, for attribute changes."},
					},
				},
			},
		},
	}
}

func (d *AuditLogDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	d.data = providerDataFrom(req.ProviderData, &resp.Diagnostics)
}

func (d *AuditLogDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data AuditLogDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() || !d.data.requireStore(&resp.Diagnostics) {
		return
	}

	target := strings.ToLower(strings.TrimSpace(data.Target.ValueString()))
	outside, err := d.data.OutOfScope(ctx, []string{target})
	if err != nil {
		resp.Diagnostics.AddError("Error Evaluating Permissions", err.Error())
		return
	}
	if len(outside) > 0 {
		d.data.addDenied(&resp.Diagnostics, delegation.ActionRead, "the audit log of "+target)
		return
	}

	limit := defaultAuditLimit
	if !data.Limit.IsNull() && !data.Limit.IsUnknown() {
		limit = int(data.Limit.ValueInt64())
	}

	entries, err := d.data.Store.FindByTarget(ctx, target, limit)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading Audit Log",
			fmt.Sprintf("Could not read the audit log of %q: %s", target, err),
		)
		return
	}

	tflog.SubsystemDebug(ctx, subsystemProvider, "Read audit log", map[string]any{
		"target":  target,
		"entries": len(entries),
	})

	list, diags := auditEntries(entries)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.ID = types.StringValue(target)
	data.Entries = list

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func auditEntries(entries []store.AuditEntry) (types.List, diag.Diagnostics) {
	var diags diag.Diagnostics
	objectType := types.ObjectType{AttrTypes: auditEntryAttrTypes}

	elements := make([]attr.Value, 0, len(entries))
	for _, e := range entries {
		date := e.Date
		obj, d := types.ObjectValue(auditEntryAttrTypes, map[string]attr.Value{
			"id":          types.StringValue(e.ID.String()),
			"admin":       helpers.StringOrNull(e.Admin),
			"target":      types.StringValue(e.Target),
			"change_type": types.StringValue(string(e.ChangeType)),
			"date":        helpers.TimeOrNull(&date),
			"attribute":   helpers.StringOrNull(e.Attribute),
			"old_value":   helpers.StringOrNull(e.OldValue),
			"new_value":   helpers.StringOrNull(e.NewValue),
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
