// Package helpers converts between directory values and Terraform values.
package helpers

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"
)

// StringOrNull maps "" to a null string, the directory's way of saying
// "attribute absent".
func StringOrNull(s string) types.String {
	if s == "" {
		return types.StringNull()
	}
	return types.StringValue(s)
}

// StringValue returns the string held by v, or "" when v is null or unknown.
func StringValue(v types.String) string {
	if v.IsNull() || v.IsUnknown() {
		return ""
	}
	return v.ValueString()
}

// TimeOrNull renders t as RFC 3339, or null.
func TimeOrNull(t *time.Time) types.String {
	if t == nil {
		return types.StringNull()
	}
	return types.StringValue(t.UTC().Format(time.RFC3339))
}

// ParseTime parses an RFC 3339 value. Null and unknown parse to nil.
func ParseTime(v types.String) (*time.Time, error) {
	s := StringValue(v)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("expected an RFC 3339 timestamp such as 2030-01-31T00:00:00Z: %w", err)
	}
	return &t, nil
}

// StringList builds a list of strings; nil becomes an empty list.
func StringList(ctx context.Context, values []string) (types.List, diag.Diagnostics) {
	if values == nil {
		values = []string{}
	}
	return types.ListValueFrom(ctx, types.StringType, values)
}

// StringSet builds a set of strings; nil becomes an empty set.
func StringSet(ctx context.Context, values []string) (types.Set, diag.Diagnostics) {
	if values == nil {
		values = []string{}
	}
	return types.SetValueFrom(ctx, types.StringType, values)
}

// Strings returns the elements of a list or set of strings. Null and unknown
// collections yield nil.
func Strings(ctx context.Context, collection interface {
	IsNull() bool
	IsUnknown() bool
	ElementsAs(ctx context.Context, target any, allowUnhandled bool) diag.Diagnostics
}) ([]string, diag.Diagnostics) {
	if collection.IsNull() || collection.IsUnknown() {
		return nil, nil
	}
	var values []string
	diags := collection.ElementsAs(ctx, &values, false)
	return values, diags
}
