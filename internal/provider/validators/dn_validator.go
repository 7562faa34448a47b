package validators

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
)

var _ validator.String = dnValidator{}

// dnValidator accepts absolute and relative DNs such as "ou=users".
type dnValidator struct{}

func (v dnValidator) Description(_ context.Context) string {
	return "value must be a valid Distinguished Name (DN)"
}

func (v dnValidator) MarkdownDescription(ctx context.Context) string {
	return v.Description(ctx)
}

func (v dnValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	value := request.ConfigValue.ValueString()
	reason := "DN cannot be empty"
	if value != "" {
		dn, err := ldap.ParseDN(value)
		switch {
		case err != nil:
			reason = err.Error()
		case len(dn.RDNs) == 0:
			reason = "DN has no components"
		default:
			return
		}
	}

	response.Diagnostics.AddAttributeError(
		request.Path,
		"Invalid Distinguished Name",
		fmt.Sprintf("The value %q is not a valid Distinguished Name: %s", value, reason),
	)
}

// IsValidDN returns a validator which ensures that any configured
// attribute value parses as a Distinguished Name.
//
// Unknown values and null values are skipped from validation.
func IsValidDN() validator.String {
	return dnValidator{}
}
