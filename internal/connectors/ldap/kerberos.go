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

	"github.com/isometry/icf-remote/internal/logging"
)

// kerberosBind performs a GSSAPI bind on conn.
func kerberosBind(ctx context.Context, conn *ldap.Conn, cfg *Config, server *serverInfo) error {
	principal, realm := splitPrincipal(cfg.BindDN, cfg.KerberosRealm)

	client, source, err := newGSSAPIClient(cfg, principal, realm)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn := servicePrincipal(cfg, server)

	tflog.SubsystemDebug(ctx, logging.SubsystemKerberos, "GSSAPI bind", map[string]any{
		"principal":         principal,
		"realm":             realm,
		"spn":               spn,
		"credential_source": source,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// splitPrincipal separates user@REALM, falling back to the configured realm.
func splitPrincipal(principal, realm string) (string, string) {
	if user, r, ok := strings.Cut(principal, "@"); ok && r != "" {
		if realm == "" {
			realm = r
		}
		return user, realm
	}
	return principal, realm
}

// newGSSAPIClient picks credentials in order: explicit credential cache,
// keytab, password.
func newGSSAPIClient(cfg *Config, principal, realm string) (*gssapi.Client, string, error) {
	if !fileExists(cfg.KerberosConfig) {
		return nil, "", fmt.Errorf("kerberos configuration file not found at %s", cfg.KerberosConfig)
	}

	disableFAST := krb5client.DisablePAFXFAST(true)

	if ccache := credentialCache(cfg); ccache != "" {
		client, err := gssapi.NewClientFromCCache(ccache, cfg.KerberosConfig, disableFAST)
		return client, "ccache", err
	}

	if keytab := keytabPath(cfg); keytab != "" {
		client, err := gssapi.NewClientWithKeytab(principal, realm, keytab, cfg.KerberosConfig, disableFAST)
		return client, "keytab", err
	}

	if cfg.BindPassword != "" {
		client, err := gssapi.NewClientWithPassword(principal, realm, cfg.BindPassword, cfg.KerberosConfig, disableFAST)
		return client, "password", err
	}

	return nil, "", errors.New("no kerberos credentials: set a credential cache, keytab or bind password")
}

func credentialCache(cfg *Config) string {
	if fileExists(cfg.KerberosCCache) {
		return cfg.KerberosCCache
	}
	if env := strings.TrimPrefix(os.Getenv("KRB5CCNAME"), "FILE:"); fileExists(env) {
		return env
	}
	return ""
}

func keytabPath(cfg *Config) string {
	if fileExists(cfg.KerberosKeytab) {
		return cfg.KerberosKeytab
	}
	if env := strings.TrimPrefix(os.Getenv("KRB5_KTNAME"), "FILE:"); fileExists(env) {
		return env
	}
	return ""
}

// servicePrincipal returns the configured SPN or ldap/<host>.
func servicePrincipal(cfg *Config, server *serverInfo) string {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN
	}
	return "ldap/" + server.Host
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
