package validators

import (
	"context"
	"fmt"
	"regexp"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
)

// uidPattern is the identifier shape accepted at signup: a letter, then
// letters, digits, dots or hyphens.
var uidPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9.-]*$`)

var _ validator.String = uidValidator{}

type uidValidator struct{}

func (v uidValidator) Description(_ context.Context) string {
	return "value must start with a letter and contain only letters, digits, dots and hyphens"
}

func (v uidValidator) MarkdownDescription(ctx context.Context) string {
	return v.Description(ctx)
}

func (v uidValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	value := request.ConfigValue.ValueString()
	if uidPattern.MatchString(value) {
		return
	}

	response.Diagnostics.AddAttributeError(
		request.Path,
		"Invalid User Identifier",
		fmt.Sprintf("The value %q is not a valid uid: %s", value, v.Description(ctx)),
	)
}

// IsValidUID returns a validator for account identifiers.
//
// Unknown values and null values are skipped from validation.
func IsValidUID() validator.String {
	return uidValidator{}
}
