package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

func TestAuthorize_Unrestricted(t *testing.T) {
	data := &ProviderData{}
	role := &ldapclient.Role{Name: "EDITOR", Members: []string{"alice", "bob"}}

	decision, err := data.Authorize(context.Background(), delegation.RoleTarget(role), delegation.ActionWrite)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, []string{"alice", "bob"}, decision.VisibleMembers)

	// The decision must not alias the role's member slice.
	decision.VisibleMembers[0] = "mallory"
	assert.Equal(t, "alice", role.Members[0])

	decision, err = data.Authorize(context.Background(), delegation.UnspecifiedTarget(), delegation.ActionWrite)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.VisibleMembers)

	assert.True(t, data.AuthorizeID(context.Background(), "alice", delegationKind, delegation.ActionWrite))
}

func TestAuthorize_Delegated(t *testing.T) {
	data := delegatedData(&store.DelegationEntry{UID: "delegate", Orgs: []string{"psc"}, Roles: []string{"EDITOR"}},
		[]string{"alice"})
	ctx := context.Background()

	editor := &ldapclient.Role{Name: "EDITOR", Members: []string{"alice", "bob"}}
	decision, err := data.Authorize(ctx, delegation.RoleTarget(editor), delegation.ActionWrite)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, []string{"alice"}, decision.VisibleMembers)

	admin := &ldapclient.Role{Name: "ADMIN", Members: []string{"alice"}}
	decision, err = data.Authorize(ctx, delegation.RoleTarget(admin), delegation.ActionWrite)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	decision, err = data.Authorize(ctx, delegation.UnspecifiedTarget(), delegation.ActionRead)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	assert.False(t, data.AuthorizeID(ctx, "delegate", delegationKind, delegation.ActionRead))
}

func TestAuthorize_NoDelegation(t *testing.T) {
	data := delegatedData(nil, nil)

	role := &ldapclient.Role{Name: "EDITOR", Members: []string{"alice"}}
	decision, err := data.Authorize(context.Background(), delegation.RoleTarget(role), delegation.ActionRead)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestAuthorized_Diagnostics(t *testing.T) {
	data := delegatedData(nil, nil)
	var diags diag.Diagnostics

	_, ok := data.authorized(context.Background(), &diags, delegation.UnspecifiedTarget(), delegation.ActionWrite, "create roles")
	assert.False(t, ok)
	require.True(t, diags.HasError())
	assert.Equal(t, "Permission Denied", diags.Errors()[0].Summary())
	assert.Equal(t, `Administrator "delegate" is not allowed to write create roles.`, diags.Errors()[0].Detail())
}

func TestAuthorized_EvaluationError(t *testing.T) {
	s := stubScope{err: errors.New("directory unavailable")}
	data := &ProviderData{
		Evaluator: delegation.NewEvaluator(stubDelegations{entry: &store.DelegationEntry{Roles: []string{"EDITOR"}}}, s),
		Scope:     s,
		Caller:    &delegation.Caller{UID: "delegate"},
	}
	var diags diag.Diagnostics

	role := &ldapclient.Role{Name: "EDITOR"}
	_, ok := data.authorized(context.Background(), &diags, delegation.RoleTarget(role), delegation.ActionRead, "read role EDITOR")
	assert.False(t, ok)
	require.True(t, diags.HasError())
	assert.Equal(t, "Error Evaluating Permissions", diags.Errors()[0].Summary())
	assert.Contains(t, diags.Errors()[0].Detail(), "directory unavailable")
}

func TestOutOfScope(t *testing.T) {
	ctx := context.Background()

	t.Run("unrestricted", func(t *testing.T) {
		outside, err := (&ProviderData{}).OutOfScope(ctx, []string{"alice"})
		require.NoError(t, err)
		assert.Empty(t, outside)
	})

	t.Run("superuser", func(t *testing.T) {
		data := &ProviderData{
			Scope:  stubScope{err: errors.New("must not be called")},
			Caller: &delegation.Caller{UID: "root", Authorities: []string{delegation.AuthoritySuperuser}},
		}
		outside, err := data.OutOfScope(ctx, []string{"alice"})
		require.NoError(t, err)
		assert.Empty(t, outside)
	})

	t.Run("delegated ignores case", func(t *testing.T) {
		data := delegatedData(nil, []string{"alice", "bob"})
		outside, err := data.OutOfScope(ctx, []string{"Alice", "carol", "BOB", "dave"})
		require.NoError(t, err)
		assert.Equal(t, []string{"carol", "dave"}, outside)
	})

	t.Run("scope error", func(t *testing.T) {
		data := &ProviderData{
			Scope:  stubScope{err: assert.AnError},
			Caller: &delegation.Caller{UID: "delegate"},
		}
		_, err := data.OutOfScope(ctx, []string{"alice"})
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestVisibleAccounts(t *testing.T) {
	data := delegatedData(nil, []string{"alice"})
	accounts := []*ldapclient.Account{{UID: "alice"}, {UID: "bob"}}

	visible, err := data.visibleAccounts(context.Background(), accounts)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "alice", visible[0].UID)

	all, err := (&ProviderData{}).visibleAccounts(context.Background(), []*ldapclient.Account{{UID: "alice"}, {UID: "bob"}})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNoDelegations(t *testing.T) {
	_, err := noDelegations{}.FindDelegation(context.Background(), "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequireStore(t *testing.T) {
	var diags diag.Diagnostics
	assert.False(t, (&ProviderData{}).requireStore(&diags))
	require.True(t, diags.HasError())
	assert.Equal(t, "Database Not Configured", diags.Errors()[0].Summary())
}

func TestActingAdmin(t *testing.T) {
	assert.Empty(t, (&ProviderData{}).ActingAdmin())
	assert.Equal(t, "jdoe", (&ProviderData{Caller: &delegation.Caller{UID: "jdoe"}}).ActingAdmin())
}

func TestProviderDataFrom(t *testing.T) {
	var diags diag.Diagnostics
	assert.Nil(t, providerDataFrom(nil, &diags))
	assert.False(t, diags.HasError())

	data := &ProviderData{}
	assert.Same(t, data, providerDataFrom(data, &diags))
	assert.False(t, diags.HasError())

	assert.Nil(t, providerDataFrom(42, &diags))
	require.True(t, diags.HasError())
	assert.Contains(t, diags.Errors()[0].Detail(), "got: int")
}

func TestEngineErrorSummary(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("mail: %w", ldapclient.ErrValidation), "Invalid Account"},
		{fmt.Errorf("jdoe: %w", ldapclient.ErrDuplicateUID), "Duplicate User Identifier"},
		{fmt.Errorf("a@b.c: %w", ldapclient.ErrDuplicateEmail), "Duplicate Email Address"},
		{fmt.Errorf("two orgs: %w", ldapclient.ErrConsistency), "Inconsistent Directory Entry"},
		{errors.New("connection reset"), "Error Creating Account"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engineErrorSummary("Error Creating Account", tt.err), tt.err.Error())
	}
}

func TestFoldSetOperations(t *testing.T) {
	assert.Equal(t, []string{"alice", "Bob", "carol"}, foldUnion([]string{"alice", "Bob", "ALICE"}, []string{"bob", "carol"}))
	assert.Empty(t, foldUnion(nil, nil))

	assert.True(t, containsFold([]string{"Alice"}, "ALICE"))
	assert.False(t, containsFold(nil, "alice"))
}

func TestHiddenMemberDNs(t *testing.T) {
	stored := []string{
		"uid=alice,ou=users,dc=georchestra,dc=org",
		"uid=Bob,ou=users,dc=georchestra,dc=org",
		"uid=gone,ou=pendingusers,dc=georchestra,dc=org",
		"uid=carol,ou=users,dc=georchestra,dc=org",
		"UID=gone,ou=pendingusers,dc=georchestra,dc=org",
	}

	hidden := hiddenMemberDNs(stored, []string{"alice"}, []string{"carol"})
	assert.Equal(t, []string{
		"uid=Bob,ou=users,dc=georchestra,dc=org",
		"uid=gone,ou=pendingusers,dc=georchestra,dc=org",
	}, hidden)

	assert.Empty(t, hiddenMemberDNs(stored[:1], []string{"ALICE"}, nil))
	assert.Empty(t, hiddenMemberDNs(nil, nil, []string{"alice"}))
}

func TestKeepFold(t *testing.T) {
	assert.Equal(t, "JDoe", keepFold(types.StringValue("JDoe"), "jdoe").ValueString())
	assert.Equal(t, "jdoe", keepFold(types.StringValue("someone"), "jdoe").ValueString())
	assert.Equal(t, "jdoe", keepFold(types.StringNull(), "jdoe").ValueString())
	assert.Equal(t, "jdoe", keepFold(types.StringUnknown(), "jdoe").ValueString())
	assert.True(t, keepFold(types.StringValue("x"), "").IsNull())
}

func TestAccountModelRoundTrip(t *testing.T) {
	expire := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	account := &ldapclient.Account{
		UID:          "jdoe",
		GivenName:    "Jane",
		Surname:      "Doe",
		CommonName:   "Jane Doe",
		Email:        "jane.doe@example.org",
		Title:        "Engineer",
		RoomNumber:   "42",
		Manager:      "boss",
		Org:          "psc",
		ShadowExpire: &expire,
		DN:           "uid=jdoe,ou=users,dc=example,dc=org",
	}

	m := AccountResourceModel{
		UID:          types.StringValue("JDoe"),
		Email:        types.StringValue("Jane.Doe@example.org"),
		ShadowExpire: types.StringValue("2030-01-02T05:04:05+02:00"),
	}
	m.fromAccount(account)

	assert.Equal(t, "jdoe", m.ID.ValueString())
	assert.Equal(t, "JDoe", m.UID.ValueString())
	assert.Equal(t, "Jane.Doe@example.org", m.Email.ValueString())
	assert.Equal(t, "Engineer", m.Title.ValueString())
	assert.Equal(t, "42", m.RoomNumber.ValueString())
	assert.True(t, m.Phone.IsNull())
	assert.Equal(t, "2030-01-02T05:04:05+02:00", m.ShadowExpire.ValueString(), "same instant keeps the configured offset")
	assert.False(t, m.Pending.ValueBool())

	back, diags := m.toAccount()
	require.False(t, diags.HasError())
	assert.Equal(t, "JDoe", back.UID)
	assert.Equal(t, "Engineer", back.Title)
	assert.Empty(t, back.Phone)
	require.NotNil(t, back.ShadowExpire)
	assert.True(t, back.ShadowExpire.Equal(expire))
}

func TestAccountModel_InvalidExpiry(t *testing.T) {
	m := AccountResourceModel{
		UID:          types.StringValue("jdoe"),
		ShadowExpire: types.StringValue("next tuesday"),
	}
	_, diags := m.toAccount()
	require.True(t, diags.HasError())
	assert.Equal(t, "Invalid Expiry Date", diags.Errors()[0].Summary())
}

func TestFilterMode(t *testing.T) {
	accounts := func() []*ldapclient.Account {
		return []*ldapclient.Account{{UID: "a"}, {UID: "p", Pending: true}}
	}

	assert.Len(t, filterMode(accounts(), "all"), 2)

	active := filterMode(accounts(), "active")
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].UID)

	pending := filterMode(accounts(), "pending")
	require.Len(t, pending, 1)
	assert.Equal(t, "p", pending[0].UID)
}

func TestAccountSummaries(t *testing.T) {
	list, diags := accountSummaries([]*ldapclient.Account{
		{UID: "jdoe", CommonName: "Jane Doe", Pending: true, DN: "uid=jdoe,ou=pending,dc=example,dc=org"},
	})
	require.False(t, diags.HasError())
	require.Len(t, list.Elements(), 1)

	obj, ok := list.Elements()[0].(types.Object)
	require.True(t, ok)
	attrs := obj.Attributes()
	assert.Equal(t, types.StringValue("jdoe"), attrs["uid"])
	assert.Equal(t, types.BoolValue(true), attrs["pending"])
	assert.True(t, attrs["email"].IsNull())
}

func TestAuditEntries(t *testing.T) {
	id := uuid.New()
	date := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	list, diags := auditEntries([]store.AuditEntry{{
		ID: id,
		AuditRecord: ldapclient.AuditRecord{
			Admin:      "root",
			Target:     "jdoe",
			ChangeType: ldapclient.ChangeAttribute,
			Date:       date,
			Attribute:  "title",
			NewValue:   "Engineer",
		},
	}})
	require.False(t, diags.HasError())
	require.Len(t, list.Elements(), 1)

	attrs := list.Elements()[0].(types.Object).Attributes()
	assert.Equal(t, types.StringValue(id.String()), attrs["id"])
	assert.Equal(t, types.StringValue("LDAP_ATTRIBUTE_CHANGE"), attrs["change_type"])
	assert.Equal(t, types.StringValue("2024-05-06T07:08:09Z"), attrs["date"])
	assert.True(t, attrs["old_value"].IsNull())
}
