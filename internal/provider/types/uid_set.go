// Package types holds custom Terraform value types.
package types

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
	"github.com/hashicorp/terraform-plugin-go/tftypes"
)

var (
	_ basetypes.SetTypable                    = UIDSetType{}
	_ basetypes.SetValuable                   = UIDSetValue{}
	_ basetypes.SetValuableWithSemanticEquals = UIDSetValue{}
)

// UIDSetType is a set of account identifiers. The directory stores uids in
// lower case, so two sets differing only in case are semantically equal.
type UIDSetType struct {
	basetypes.SetType
}

// NewUIDSetType returns the type with its string element type set.
func NewUIDSetType() UIDSetType {
	return UIDSetType{SetType: basetypes.SetType{ElemType: basetypes.StringType{}}}
}

func (t UIDSetType) String() string {
	return "UIDSetType"
}

func (t UIDSetType) ValueType(ctx context.Context) attr.Value {
	return UIDSetValue{}
}

func (t UIDSetType) Equal(o attr.Type) bool {
	other, ok := o.(UIDSetType)
	if !ok {
		return false
	}
	return t.SetType.Equal(other.SetType)
}

func (t UIDSetType) ValueFromSet(ctx context.Context, in basetypes.SetValue) (basetypes.SetValuable, diag.Diagnostics) {
	return UIDSetValue{SetValue: in}, nil
}

func (t UIDSetType) ValueFromTerraform(ctx context.Context, in tftypes.Value) (attr.Value, error) {
	attrValue, err := t.SetType.ValueFromTerraform(ctx, in)
	if err != nil {
		return nil, err
	}

	setValue, ok := attrValue.(basetypes.SetValue)
	if !ok {
		return nil, fmt.Errorf("expected basetypes.SetValue, got: %T", attrValue)
	}

	setValuable, diags := t.ValueFromSet(ctx, setValue)
	if diags.HasError() {
		return nil, fmt.Errorf("could not create UIDSetValue: %v", diags.Errors())
	}
	return setValuable, nil
}

// UIDSetValue is a set of uids compared without regard to case.
type UIDSetValue struct {
	basetypes.SetValue
}

func (v UIDSetValue) Equal(o attr.Value) bool {
	other, ok := o.(UIDSetValue)
	if !ok {
		return false
	}
	return v.SetValue.Equal(other.SetValue)
}

func (v UIDSetValue) Type(ctx context.Context) attr.Type {
	return NewUIDSetType()
}

// SetSemanticEquals reports whether both sets hold the same uids ignoring case.
func (v UIDSetValue) SetSemanticEquals(ctx context.Context, newValuable basetypes.SetValuable) (bool, diag.Diagnostics) {
	var diags diag.Diagnostics

	newValue, ok := newValuable.(UIDSetValue)
	if !ok {
		diags.AddError(
			"Semantic Equality Check Error",
			"An unexpected value type was received while attempting to perform semantic equality checks. "+
				"This is always an error in the provider. Please report the following to the provider developer:\n\n"+
				fmt.Sprintf("Expected UIDSetValue, but got: %T", newValuable),
		)
		return false, diags
	}

	if v.IsNull() || v.IsUnknown() || newValue.IsNull() || newValue.IsUnknown() {
		return v.Equal(newValue), diags
	}

	var oldUIDs, newUIDs []string
	diags.Append(v.ElementsAs(ctx, &oldUIDs, false)...)
	diags.Append(newValue.ElementsAs(ctx, &newUIDs, false)...)
	if diags.HasError() {
		return false, diags
	}

	return sameFold(oldUIDs, newUIDs), diags
}

// UIDs returns the elements of a known set.
func (v UIDSetValue) UIDs(ctx context.Context) ([]string, diag.Diagnostics) {
	var uids []string
	if v.IsNull() || v.IsUnknown() {
		return uids, nil
	}
	diags := v.ElementsAs(ctx, &uids, false)
	return uids, diags
}

func sameFold(a, b []string) bool {
	left := make(map[string]struct{}, len(a))
	for _, s := range a {
		left[strings.ToLower(s)] = struct{}{}
	}
	right := make(map[string]struct{}, len(b))
	for _, s := range b {
		right[strings.ToLower(s)] = struct{}{}
	}

	if len(left) != len(right) {
		return false
	}
	for s := range left {
		if _, ok := right[s]; !ok {
			return false
		}
	}
	return true
}

// UIDSet builds a known set.
func UIDSet(ctx context.Context, uids []string) (UIDSetValue, diag.Diagnostics) {
	elements := make([]attr.Value, len(uids))
	for i, uid := range uids {
		elements[i] = basetypes.NewStringValue(uid)
	}

	setValue, diags := basetypes.NewSetValue(basetypes.StringType{}, elements)
	if diags.HasError() {
		return UIDSetValue{}, diags
	}
	return UIDSetValue{SetValue: setValue}, diags
}

// UIDSetNull returns a null set.
func UIDSetNull() UIDSetValue {
	return UIDSetValue{SetValue: basetypes.NewSetNull(basetypes.StringType{})}
}
