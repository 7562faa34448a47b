// Package planmodifiers holds plan modifiers shared by resources.
package planmodifiers

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/types"
)

type defaultCommonName struct{}

// DefaultCommonName plans common_name as "<given_name> <surname>" when it is
// not configured, matching what the directory stores on insert.
func DefaultCommonName() planmodifier.String {
	return defaultCommonName{}
}

func (m defaultCommonName) Description(_ context.Context) string {
	return "uses given_name and surname if common_name is not explicitly configured"
}

func (m defaultCommonName) MarkdownDescription(_ context.Context) string {
	return "uses `given_name` and `surname` if `common_name` is not explicitly configured"
}

func (m defaultCommonName) PlanModifyString(ctx context.Context, req planmodifier.StringRequest, resp *planmodifier.StringResponse) {
	if !req.ConfigValue.IsNull() {
		return
	}

	var givenName, surname types.String
	resp.Diagnostics.Append(req.Plan.GetAttribute(ctx, path.Root("given_name"), &givenName)...)
	resp.Diagnostics.Append(req.Plan.GetAttribute(ctx, path.Root("surname"), &surname)...)
	if resp.Diagnostics.HasError() {
		return
	}

	// Wait until both names are known.
	if givenName.IsUnknown() || surname.IsUnknown() {
		return
	}

	cn := strings.TrimSpace(givenName.ValueString() + " " + surname.ValueString())
	if cn == "" {
		return
	}
	resp.PlanValue = types.StringValue(cn)
}
