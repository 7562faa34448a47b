package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// kerberosPrincipal splits "user@REALM" when no explicit realm is configured.
func kerberosPrincipal(cfg *ConnectionConfig) (user, realm string, err error) {
	user, realm = cfg.BindDN, cfg.KerberosRealm
	if realm == "" {
		if name, r, ok := strings.Cut(user, "@"); ok {
			user, realm = name, r
		}
	}
	if realm == "" {
		return "", "", errors.New("kerberos realm is required (set kerberos_realm or include realm in bind_dn)")
	}
	return user, realm, nil
}

// performKerberosAuth binds conn with SASL/GSSAPI.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, server *ServerInfo) error {
	client, source, err := newGSSAPIClient(cfg)
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemKerberos, "Failed to create GSSAPI client", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := servicePrincipal(cfg, server)
	if err != nil {
		return err
	}

	tflog.SubsystemDebug(ctx, SubsystemKerberos, "Performing GSSAPI bind", map[string]any{
		"spn":               spn,
		"credential_source": source,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// newGSSAPIClient tries, in order: explicit ccache, default ccache, keytab,
// password.
func newGSSAPIClient(cfg *ConnectionConfig) (ldap.GSSAPIClient, string, error) {
	krb5conf := cfg.KerberosConfig
	if krb5conf == "" {
		krb5conf = defaultKrb5Conf
	}
	if !fileExists(krb5conf) {
		return nil, "", fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		c, err := gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "ccache", err
	}
	if ccache := defaultCCachePath(); fileExists(ccache) {
		c, err := gssapi.NewClientFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "default_ccache", err
	}

	user, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return nil, "", err
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		c, err := gssapi.NewClientWithKeytab(user, realm, cfg.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "keytab", err
	}
	if cfg.BindPassword != "" {
		c, err := gssapi.NewClientWithPassword(user, realm, cfg.BindPassword, krb5conf, krb5client.DisablePAFXFAST(true))
		return c, "password", err
	}

	return nil, "", errors.New("no suitable credentials found for Kerberos authentication")
}

// servicePrincipal returns ldap/<host> unless an explicit SPN is configured.
func servicePrincipal(cfg *ConnectionConfig, server *ServerInfo) (string, error) {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}
	if server == nil || server.Host == "" {
		return "", errors.New("hostname is required for service principal")
	}
	return "ldap/" + server.Host, nil
}

func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
