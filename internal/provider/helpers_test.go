package provider

import (
	"context"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/tfsdk"
	"github.com/hashicorp/terraform-plugin-go/tftypes"
	"github.com/stretchr/testify/mock"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

// mockClient is a testify mock of ldapclient.Client.
type mockClient struct {
	mock.Mock
}

var _ ldapclient.Client = (*mockClient)(nil)

func (m *mockClient) Connect(ctx context.Context) error        { return m.Called(ctx).Error(0) }
func (m *mockClient) Close() error                             { return m.Called().Error(0) }
func (m *mockClient) BindWithConfig(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockClient) Ping(ctx context.Context) error           { return m.Called(ctx).Error(0) }

func (m *mockClient) Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*ldapclient.SearchResult)
	return result, args.Error(1)
}

func (m *mockClient) SearchWithPaging(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*ldapclient.SearchResult)
	return result, args.Error(1)
}

func (m *mockClient) Add(ctx context.Context, req *ldapclient.AddRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockClient) Modify(ctx context.Context, req *ldapclient.ModifyRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockClient) ModifyDN(ctx context.Context, req *ldapclient.ModifyDNRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockClient) Delete(ctx context.Context, dn string) error {
	return m.Called(ctx, dn).Error(0)
}

func (m *mockClient) WhoAmI(ctx context.Context) (*ldapclient.WhoAmIResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*ldapclient.WhoAmIResult)
	return result, args.Error(1)
}

func (m *mockClient) Stats() ldapclient.PoolStats {
	stats, _ := m.Called().Get(0).(ldapclient.PoolStats)
	return stats
}

// stubScope returns a fixed delegation scope.
type stubScope struct {
	uids []string
	err  error
}

func (s stubScope) FindUsersUnderDelegation(context.Context, string) ([]string, error) {
	return s.uids, s.err
}

// stubDelegations returns a fixed delegation for every administrator.
type stubDelegations struct {
	entry *store.DelegationEntry
}

func (s stubDelegations) FindDelegation(_ context.Context, uid string) (*store.DelegationEntry, error) {
	if s.entry == nil {
		return noDelegations{}.FindDelegation(context.Background(), uid)
	}
	return s.entry, nil
}

// delegatedData builds provider data acting for a delegated administrator.
func delegatedData(entry *store.DelegationEntry, scope []string) *ProviderData {
	s := stubScope{uids: scope}
	return &ProviderData{
		Evaluator: delegation.NewEvaluator(stubDelegations{entry: entry}, s),
		Scope:     s,
		Caller:    &delegation.Caller{UID: "delegate", Authorities: []string{"ROLE_USER"}},
	}
}

// nullObject returns a value of typ whose attributes are all null.
func nullObject(typ tftypes.Type) tftypes.Value {
	obj, ok := typ.(tftypes.Object)
	if !ok {
		return tftypes.NewValue(typ, nil)
	}
	values := make(map[string]tftypes.Value, len(obj.AttributeTypes))
	for name, attrType := range obj.AttributeTypes {
		values[name] = tftypes.NewValue(attrType, nil)
	}
	return tftypes.NewValue(obj, values)
}

// readRequest builds a request and response for a data source given
// configuration overrides on top of an all-null config.
func readRequest(ds datasource.DataSource, config map[string]tftypes.Value) (datasource.ReadRequest, *datasource.ReadResponse) {
	ctx := context.Background()
	schemaResp := &datasource.SchemaResponse{}
	ds.Schema(ctx, datasource.SchemaRequest{}, schemaResp)

	typ := schemaResp.Schema.Type().TerraformType(ctx)
	obj := typ.(tftypes.Object)
	values := make(map[string]tftypes.Value, len(obj.AttributeTypes))
	for name, attrType := range obj.AttributeTypes {
		values[name] = tftypes.NewValue(attrType, nil)
	}
	for name, v := range config {
		values[name] = v
	}

	req := datasource.ReadRequest{
		Config: tfsdk.Config{Schema: schemaResp.Schema, Raw: tftypes.NewValue(obj, values)},
	}
	resp := &datasource.ReadResponse{
		State: tfsdk.State{Schema: schemaResp.Schema, Raw: nullObject(typ)},
	}
	return req, resp
}
