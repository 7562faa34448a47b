package provider

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-validators/providervalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral"
	"github.com/hashicorp/terraform-plugin-framework/function"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/terraform-provider-ldapadmin/internal/delegation"
	ldapclient "github.com/isometry/terraform-provider-ldapadmin/internal/ldap"
	"github.com/isometry/terraform-provider-ldapadmin/internal/provider/validators"
	"github.com/isometry/terraform-provider-ldapadmin/internal/store"
)

// Ensure LdapAdminProvider satisfies various provider interfaces.
var _ provider.Provider = &LdapAdminProvider{}
var _ provider.ProviderWithFunctions = &LdapAdminProvider{}
var _ provider.ProviderWithEphemeralResources = &LdapAdminProvider{}
var _ provider.ProviderWithConfigValidators = &LdapAdminProvider{}

// LdapAdminProvider defines the provider implementation.
type LdapAdminProvider struct {
	// Version is set to the provider version on release, "dev" when the
	// provider is built and ran locally, and "test" when running acceptance
	// testing.
	Version string
}

// LdapAdminProviderModel describes the provider data model.
type LdapAdminProviderModel struct {
	// Connection settings - mutually exclusive
	Domain  types.String `tfsdk:"domain"`
	LdapURL types.String `tfsdk:"ldap_url"`

	// Authentication settings
	BindDN       types.String `tfsdk:"bind_dn"`
	BindPassword types.String `tfsdk:"bind_password"`

	// Kerberos settings (optional)
	KerberosRealm  types.String `tfsdk:"kerberos_realm"`
	KerberosKeytab types.String `tfsdk:"kerberos_keytab"`
	KerberosConfig types.String `tfsdk:"kerberos_config"`
	KerberosCCache types.String `tfsdk:"kerberos_ccache"`
	KerberosSPN    types.String `tfsdk:"kerberos_spn"`

	// TLS settings
	UseTLS            types.Bool   `tfsdk:"use_tls"`
	SkipTLSVerify     types.Bool   `tfsdk:"skip_tls_verify"`
	TLSCACertFile     types.String `tfsdk:"tls_ca_cert_file"`
	TLSCACert         types.String `tfsdk:"tls_ca_cert"`
	TLSClientCertFile types.String `tfsdk:"tls_client_cert_file"`
	TLSClientKeyFile  types.String `tfsdk:"tls_client_key_file"`

	// Connection pool settings
	MaxConnections types.Int64 `tfsdk:"max_connections"`
	MaxIdleTime    types.Int64 `tfsdk:"max_idle_time"`
	ConnectTimeout types.Int64 `tfsdk:"connect_timeout"`

	// Retry settings
	MaxRetries     types.Int64 `tfsdk:"max_retries"`
	InitialBackoff types.Int64 `tfsdk:"initial_backoff"`
	MaxBackoff     types.Int64 `tfsdk:"max_backoff"`

	// Directory layout
	BaseDN         types.String `tfsdk:"base_dn"`
	UsersOU        types.String `tfsdk:"users_ou"`
	PendingUsersOU types.String `tfsdk:"pending_users_ou"`
	RolesOU        types.String `tfsdk:"roles_ou"`
	OrgsOU         types.String `tfsdk:"orgs_ou"`
	ProtectedUsers types.List   `tfsdk:"protected_users"`

	// Delegation database and acting identity
	DatabaseURL     types.String `tfsdk:"database_url"`
	MigrateDatabase types.Bool   `tfsdk:"migrate_database"`
	ActingAdmin     types.String `tfsdk:"acting_admin"`
}

func (p *LdapAdminProvider) Metadata(ctx context.Context, req provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "ldapadmin"
	resp.Version = p.Version
}

func (p *LdapAdminProvider) Schema(ctx context.Context, req provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "The LDAP admin provider manages user accounts, roles and organization membership in an " +
			"OpenLDAP directory laid out with separate active and pending user subtrees. " +
			"Administrative changes can be scoped by delegations and are recorded in an audit log when a database is configured.",
		Attributes: map[string]schema.Attribute{
			// Connection settings - mutually exclusive
			"domain": schema.StringAttribute{
				MarkdownDescription: "DNS domain used for `_ldap._tcp` SRV discovery (e.g., `example.org`). " +
					"Mutually exclusive with `ldap_url`. Can be set via the `LDAPADMIN_DOMAIN` environment variable.",
				Optional: true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"ldap_url": schema.StringAttribute{
				MarkdownDescription: "Direct LDAP/LDAPS URL (e.g., `ldaps://ldap.example.org:636`). " +
					"Mutually exclusive with `domain`. Can be set via the `LDAPADMIN_LDAP_URL` environment variable.",
				Optional: true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},

			// Authentication settings
			"bind_dn": schema.StringAttribute{
				MarkdownDescription: "DN used for simple bind, or principal for Kerberos password authentication. " +
					"Can be set via the `LDAPADMIN_BIND_DN` environment variable.",
				Optional: true,
			},
			"bind_password": schema.StringAttribute{
				MarkdownDescription: "Password for simple bind. " +
					"Can be set via the `LDAPADMIN_BIND_PASSWORD` environment variable.",
				Optional:  true,
				Sensitive: true,
			},

			// Kerberos settings
			"kerberos_realm": schema.StringAttribute{
				MarkdownDescription: "Kerberos realm for GSSAPI authentication (e.g., `EXAMPLE.ORG`). " +
					"Can be set via the `LDAPADMIN_KERBEROS_REALM` environment variable.",
				Optional: true,
			},
			"kerberos_keytab": schema.StringAttribute{
				MarkdownDescription: "Path to Kerberos keytab file for authentication. " +
					"Can be set via the `LDAPADMIN_KERBEROS_KEYTAB` environment variable.",
				Optional: true,
			},
			"kerberos_config": schema.StringAttribute{
				MarkdownDescription: "Path to Kerberos configuration file. Defaults to system default. " +
					"Can be set via the `LDAPADMIN_KERBEROS_CONFIG` environment variable.",
				Optional: true,
			},
			"kerberos_ccache": schema.StringAttribute{
				MarkdownDescription: "Path to Kerberos credential cache file. " +
					"Can be set via the `LDAPADMIN_KERBEROS_CCACHE` environment variable.",
				Optional: true,
			},
			"kerberos_spn": schema.StringAttribute{
				MarkdownDescription: "Override Service Principal Name for Kerberos authentication, as `ldap/<hostname>`. " +
					"Can be set via the `LDAPADMIN_KERBEROS_SPN` environment variable.",
				Optional: true,
			},

			// TLS settings
			"use_tls": schema.BoolAttribute{
				MarkdownDescription: "Upgrade plain `ldap://` connections with StartTLS. Defaults to `true`. " +
					"Can be set via the `LDAPADMIN_USE_TLS` environment variable.",
				Optional: true,
			},
			"skip_tls_verify": schema.BoolAttribute{
				MarkdownDescription: "Skip TLS certificate verification. Not recommended for production. Defaults to `false`. " +
					"Can be set via the `LDAPADMIN_SKIP_TLS_VERIFY` environment variable.",
				Optional: true,
			},
			"tls_ca_cert_file": schema.StringAttribute{
				MarkdownDescription: "Path to custom CA certificate file for TLS verification. " +
					"Can be set via the `LDAPADMIN_TLS_CA_CERT_FILE` environment variable.",
				Optional: true,
			},
			"tls_ca_cert": schema.StringAttribute{
				MarkdownDescription: "Custom CA certificate content for TLS verification. " +
					"Can be set via the `LDAPADMIN_TLS_CA_CERT` environment variable.",
				Optional:  true,
				Sensitive: true,
			},
			"tls_client_cert_file": schema.StringAttribute{
				MarkdownDescription: "Path to client certificate file for mutual TLS or SASL EXTERNAL. " +
					"Can be set via the `LDAPADMIN_TLS_CLIENT_CERT_FILE` environment variable.",
				Optional: true,
			},
			"tls_client_key_file": schema.StringAttribute{
				MarkdownDescription: "Path to client private key file for mutual TLS or SASL EXTERNAL. " +
					"Can be set via the `LDAPADMIN_TLS_CLIENT_KEY_FILE` environment variable.",
				Optional:  true,
				Sensitive: true,
			},

			// Connection pool settings
			"max_connections": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of connections in the connection pool. Defaults to `10`. " +
					"Can be set via the `LDAPADMIN_MAX_CONNECTIONS` environment variable.",
				Optional: true,
			},
			"max_idle_time": schema.Int64Attribute{
				MarkdownDescription: "Maximum idle time for connections in seconds. Defaults to `300`. " +
					"Can be set via the `LDAPADMIN_MAX_IDLE_TIME` environment variable.",
				Optional: true,
			},
			"connect_timeout": schema.Int64Attribute{
				MarkdownDescription: "Connection timeout in seconds. Defaults to `30`. " +
					"Can be set via the `LDAPADMIN_CONNECT_TIMEOUT` environment variable.",
				Optional: true,
			},

			// Retry settings
			"max_retries": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of retry attempts for failed operations. Defaults to `3`. " +
					"Can be set via the `LDAPADMIN_MAX_RETRIES` environment variable.",
				Optional: true,
			},
			"initial_backoff": schema.Int64Attribute{
				MarkdownDescription: "Initial backoff delay in milliseconds for retry attempts. Defaults to `500`. " +
					"Can be set via the `LDAPADMIN_INITIAL_BACKOFF` environment variable.",
				Optional: true,
			},
			"max_backoff": schema.Int64Attribute{
				MarkdownDescription: "Maximum backoff delay in seconds for retry attempts. Defaults to `30`. " +
					"Can be set via the `LDAPADMIN_MAX_BACKOFF` environment variable.",
				Optional: true,
			},

			// Directory layout
			"base_dn": schema.StringAttribute{
				MarkdownDescription: "Directory suffix the subtrees hang off. Defaults to `dc=georchestra,dc=org`. " +
					"Can be set via the `LDAPADMIN_BASE_DN` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.IsValidDN(),
				},
			},
			"users_ou": schema.StringAttribute{
				MarkdownDescription: "Active accounts subtree, relative to `base_dn`. Defaults to `ou=users`.",
				Optional:            true,
				Validators: []validator.String{
					validators.IsValidDN(),
				},
			},
			"pending_users_ou": schema.StringAttribute{
				MarkdownDescription: "Pending accounts subtree, relative to `base_dn`. Defaults to `ou=pendingusers`.",
				Optional:            true,
				Validators: []validator.String{
					validators.IsValidDN(),
				},
			},
			"roles_ou": schema.StringAttribute{
				MarkdownDescription: "Roles subtree, relative to `base_dn`. Defaults to `ou=roles`.",
				Optional:            true,
				Validators: []validator.String{
					validators.IsValidDN(),
				},
			},
			"orgs_ou": schema.StringAttribute{
				MarkdownDescription: "Organizations subtree, relative to `base_dn`. Defaults to `ou=orgs`.",
				Optional:            true,
				Validators: []validator.String{
					validators.IsValidDN(),
				},
			},
			"protected_users": schema.ListAttribute{
				MarkdownDescription: "Accounts hidden from filtered searches. Defaults to `[\"geoserver_privileged_user\"]`.",
				Optional:            true,
				ElementType:         types.StringType,
			},

			// Delegation database and acting identity
			"database_url": schema.StringAttribute{
				MarkdownDescription: "PostgreSQL connection string for delegations and the audit log " +
					"(e.g., `postgres://ldapadmin@db/ldapadmin?sslmode=require`). Without it nobody is delegated and nothing is audited. " +
					"Can be set via the `LDAPADMIN_DATABASE_URL` environment variable.",
				Optional:  true,
				Sensitive: true,
			},
			"migrate_database": schema.BoolAttribute{
				MarkdownDescription: "Create the delegation and audit tables when absent. Defaults to `false`. " +
					"Can be set via the `LDAPADMIN_MIGRATE_DATABASE` environment variable.",
				Optional: true,
			},
			"acting_admin": schema.StringAttribute{
				MarkdownDescription: "uid of the administrator on whose behalf changes are made. Its roles decide what the provider " +
					"may change: `SUPERUSER` members are unrestricted, others are limited to their delegation. " +
					"When unset, the bound identity is unrestricted and changes are not audited. " +
					"Can be set via the `LDAPADMIN_ACTING_ADMIN` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.IsValidUID(),
				},
			},
		},
	}
}

// ConfigValidators implements provider.ProviderWithConfigValidators.
func (p *LdapAdminProvider) ConfigValidators(ctx context.Context) []provider.ConfigValidator {
	return []provider.ConfigValidator{
		// Domain and ldap_url are mutually exclusive
		providervalidator.Conflicting(
			path.MatchRoot("domain"),
			path.MatchRoot("ldap_url"),
		),
		// TLS cert file and cert content are mutually exclusive
		providervalidator.Conflicting(
			path.MatchRoot("tls_ca_cert_file"),
			path.MatchRoot("tls_ca_cert"),
		),
	}
}

func (p *LdapAdminProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var data LdapAdminProviderModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	ctx = p.configureLogging(ctx)

	tflog.Info(ctx, "Configuring LDAP admin provider", map[string]any{
		"version": p.Version,
	})

	config := p.buildLDAPConfig(&data, &resp.Diagnostics)
	layout := p.buildLayout(ctx, &data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	start := time.Now()
	client, err := ldapclient.NewClient(ctx, config)
	if err != nil {
		tflog.Error(ctx, "Failed to create LDAP client", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		resp.Diagnostics.AddError(
			"Unable to Create LDAP Client",
			"An unexpected error occurred when creating the LDAP client. "+
				"If the error is not clear, please contact the provider developers.\n\n"+
				"LDAP Client Error: "+err.Error(),
		)
		return
	}

	start = time.Now()
	if err := client.Connect(ctx); err != nil {
		tflog.Error(ctx, "Connection test failed", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		resp.Diagnostics.AddError(
			"Unable to Connect to Directory",
			"The provider could not establish a connection to the directory. "+
				"Please verify your configuration settings.\n\n"+
				"Connection Error: "+err.Error(),
		)
		return
	}

	start = time.Now()
	if err := client.BindWithConfig(ctx); err != nil {
		tflog.Error(ctx, "Authentication test failed", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		resp.Diagnostics.AddError(
			"Authentication Failed",
			"The provider could not authenticate with the directory. "+
				"Please verify your authentication credentials and settings.\n\n"+
				"Authentication Error: "+err.Error(),
		)
		return
	}

	tflog.Info(ctx, "Authentication successful", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	})

	db := p.openStore(ctx, &data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	// A nil *store.Postgres must not become a non-nil interface.
	var audit ldapclient.AuditLog
	var finder delegation.DelegationFinder = noDelegations{}
	if db != nil {
		audit = db
		finder = db
	}

	accounts, err := ldapclient.NewAccountManager(client, layout, audit)
	if err != nil {
		resp.Diagnostics.AddError("Invalid Directory Layout", err.Error())
		return
	}

	scope := delegation.NewScopeResolver(finder, accounts.Orgs())
	providerData := &ProviderData{
		Client:    client,
		Accounts:  accounts,
		Evaluator: delegation.NewEvaluator(finder, scope),
		Scope:     scope,
		Store:     db,
	}

	if admin := p.getStringValue(data.ActingAdmin, "LDAPADMIN_ACTING_ADMIN"); admin != "" {
		caller, err := resolveCaller(ctx, accounts.Roles(), strings.ToLower(admin))
		if err != nil {
			resp.Diagnostics.AddError(
				"Unable to Resolve Acting Administrator",
				"Could not read the roles of the acting administrator.\n\nError: "+err.Error(),
			)
			return
		}
		providerData.Caller = caller
	}

	tflog.Info(ctx, "LDAP admin provider configured successfully", map[string]any{
		"users_base":   accounts.DN().UsersBase(false),
		"database":     db != nil,
		"acting_admin": providerData.ActingAdmin(),
	})

	resp.DataSourceData = providerData
	resp.ResourceData = providerData
}

// configureLogging sets up logging configuration based on environment variables.
func (p *LdapAdminProvider) configureLogging(ctx context.Context) context.Context {
	ctx = initializeLogging(ctx)
	ctx = tflog.SetField(ctx, "provider", "ldapadmin")
	ctx = tflog.SetField(ctx, "provider_version", p.Version)

	tflog.Debug(ctx, "LDAP admin provider logging configured")

	return ctx
}

// buildLDAPConfig constructs the LDAP client configuration from provider config and environment variables.
func (p *LdapAdminProvider) buildLDAPConfig(data *LdapAdminProviderModel, diags *diag.Diagnostics) *ldapclient.ConnectionConfig {
	config := ldapclient.DefaultConfig()

	if domain := p.getStringValue(data.Domain, "LDAPADMIN_DOMAIN"); domain != "" {
		config.Domain = domain
	}

	if ldapURL := p.getStringValue(data.LdapURL, "LDAPADMIN_LDAP_URL"); ldapURL != "" {
		config.LDAPURLs = []string{ldapURL}
	}

	if config.Domain == "" && len(config.LDAPURLs) == 0 {
		diags.AddError(
			"Missing Connection Configuration",
			"Either `domain` or `ldap_url` must be configured, "+
				"or set the LDAPADMIN_DOMAIN or LDAPADMIN_LDAP_URL environment variable.",
		)
		return config
	}
	if config.Domain != "" && len(config.LDAPURLs) > 0 {
		diags.AddError(
			"Conflicting Connection Configuration",
			"Only one of `domain` and `ldap_url` may be set, including through environment variables.",
		)
		return config
	}

	config.BindDN = p.getStringValue(data.BindDN, "LDAPADMIN_BIND_DN")
	config.BindPassword = p.getStringValue(data.BindPassword, "LDAPADMIN_BIND_PASSWORD")
	config.KerberosRealm = p.getStringValue(data.KerberosRealm, "LDAPADMIN_KERBEROS_REALM")
	config.KerberosKeytab = p.getStringValue(data.KerberosKeytab, "LDAPADMIN_KERBEROS_KEYTAB")
	config.KerberosConfig = p.getStringValue(data.KerberosConfig, "LDAPADMIN_KERBEROS_CONFIG")
	config.KerberosCCache = p.getStringValue(data.KerberosCCache, "LDAPADMIN_KERBEROS_CCACHE")
	config.KerberosSPN = p.getStringValue(data.KerberosSPN, "LDAPADMIN_KERBEROS_SPN")

	config.TLSCACertFile = p.getStringValue(data.TLSCACertFile, "LDAPADMIN_TLS_CA_CERT_FILE")
	config.TLSCACert = p.getStringValue(data.TLSCACert, "LDAPADMIN_TLS_CA_CERT")
	config.TLSClientCertFile = p.getStringValue(data.TLSClientCertFile, "LDAPADMIN_TLS_CLIENT_CERT_FILE")
	config.TLSClientKeyFile = p.getStringValue(data.TLSClientKeyFile, "LDAPADMIN_TLS_CLIENT_KEY_FILE")

	if config.KerberosRealm != "" && config.BindDN == "" && config.KerberosKeytab == "" && config.KerberosCCache == "" {
		diags.AddError(
			"Incomplete Kerberos Configuration",
			"Kerberos authentication needs a principal (`bind_dn`) with a password or keytab, or a credential cache.",
		)
		return config
	}

	if useTLS := p.getBoolValue(data.UseTLS, "LDAPADMIN_USE_TLS", true); !useTLS {
		config.UseTLS = false
		config.SkipTLS = true
	}

	if skipTLSVerify := p.getBoolValue(data.SkipTLSVerify, "LDAPADMIN_SKIP_TLS_VERIFY", false); skipTLSVerify {
		if config.TLSConfig == nil {
			config.TLSConfig = &tls.Config{}
		}
		config.TLSConfig.InsecureSkipVerify = true
	}

	if maxConnections := p.getInt64Value(data.MaxConnections, "LDAPADMIN_MAX_CONNECTIONS", 10); maxConnections > 0 {
		config.MaxConnections = int(maxConnections)
	}

	if maxIdleTime := p.getInt64Value(data.MaxIdleTime, "LDAPADMIN_MAX_IDLE_TIME", 300); maxIdleTime > 0 {
		config.MaxIdleTime = time.Duration(maxIdleTime) * time.Second
	}

	if connectTimeout := p.getInt64Value(data.ConnectTimeout, "LDAPADMIN_CONNECT_TIMEOUT", 30); connectTimeout > 0 {
		config.Timeout = time.Duration(connectTimeout) * time.Second
	}

	if maxRetries := p.getInt64Value(data.MaxRetries, "LDAPADMIN_MAX_RETRIES", 3); maxRetries >= 0 {
		config.MaxRetries = int(maxRetries)
	}

	if initialBackoff := p.getInt64Value(data.InitialBackoff, "LDAPADMIN_INITIAL_BACKOFF", 500); initialBackoff > 0 {
		config.InitialBackoff = time.Duration(initialBackoff) * time.Millisecond
	}

	if maxBackoff := p.getInt64Value(data.MaxBackoff, "LDAPADMIN_MAX_BACKOFF", 30); maxBackoff > 0 {
		config.MaxBackoff = time.Duration(maxBackoff) * time.Second
	}

	return config
}

// buildLayout resolves the directory subtrees; unset values take defaults.
func (p *LdapAdminProvider) buildLayout(ctx context.Context, data *LdapAdminProviderModel, diags *diag.Diagnostics) ldapclient.DirectoryLayout {
	layout := ldapclient.DirectoryLayout{
		BasePath:                p.getStringValue(data.BaseDN, "LDAPADMIN_BASE_DN"),
		UserSearchBaseDN:        data.UsersOU.ValueString(),
		PendingUserSearchBaseDN: data.PendingUsersOU.ValueString(),
		RoleSearchBaseDN:        data.RolesOU.ValueString(),
		OrgSearchBaseDN:         data.OrgsOU.ValueString(),
	}

	if !data.ProtectedUsers.IsNull() && !data.ProtectedUsers.IsUnknown() {
		diags.Append(data.ProtectedUsers.ElementsAs(ctx, &layout.ProtectedUsers, false)...)
	}

	if err := layout.ApplyDefaults(); err != nil {
		diags.AddError("Invalid Directory Layout", err.Error())
	}
	return layout
}

// openStore connects to the delegation database when one is configured.
func (p *LdapAdminProvider) openStore(ctx context.Context, data *LdapAdminProviderModel, diags *diag.Diagnostics) *store.Postgres {
	dsn := p.getStringValue(data.DatabaseURL, "LDAPADMIN_DATABASE_URL")
	if dsn == "" {
		tflog.Debug(ctx, "No delegation database configured")
		return nil
	}

	db, err := store.Open(dsn)
	if err != nil {
		diags.AddError("Unable to Open Delegation Database", err.Error())
		return nil
	}

	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		diags.AddError(
			"Unable to Connect to Delegation Database",
			"The provider could not reach the PostgreSQL database.\n\nError: "+err.Error(),
		)
		return nil
	}

	if p.getBoolValue(data.MigrateDatabase, "LDAPADMIN_MIGRATE_DATABASE", false) {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			diags.AddError("Delegation Database Migration Failed", err.Error())
			return nil
		}
	}

	return db
}

// Helper functions for configuration value resolution

func (p *LdapAdminProvider) getStringValue(configValue types.String, envVar string) string {
	if !configValue.IsNull() && configValue.ValueString() != "" {
		return configValue.ValueString()
	}
	return os.Getenv(envVar)
}

func (p *LdapAdminProvider) getBoolValue(configValue types.Bool, envVar string, defaultValue bool) bool {
	if !configValue.IsNull() {
		return configValue.ValueBool()
	}
	if envValue := os.Getenv(envVar); envValue != "" {
		if parsed, err := strconv.ParseBool(envValue); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (p *LdapAdminProvider) getInt64Value(configValue types.Int64, envVar string, defaultValue int64) int64 {
	if !configValue.IsNull() {
		return configValue.ValueInt64()
	}
	if envValue := os.Getenv(envVar); envValue != "" {
		if parsed, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (p *LdapAdminProvider) Resources(ctx context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		NewAccountResource,
		NewRoleResource,
		NewRoleMembershipResource,
		NewDelegationResource,
		NewSignupResource,
	}
}

func (p *LdapAdminProvider) EphemeralResources(ctx context.Context) []func() ephemeral.EphemeralResource {
	return []func() ephemeral.EphemeralResource{}
}

func (p *LdapAdminProvider) DataSources(ctx context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		NewAccountDataSource,
		NewAccountsDataSource,
		NewRoleDataSource,
		NewAuditLogDataSource,
		NewWhoAmIDataSource,
	}
}

func (p *LdapAdminProvider) Functions(ctx context.Context) []func() function.Function {
	return []func() function.Function{
		NewNextUIDFunction,
	}
}

func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &LdapAdminProvider{
			Version: version,
		}
	}
}
