package ldap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPrincipal(t *testing.T) {
	tests := []struct {
		principal, realm  string
		wantUser, wantRlm string
	}{
		{"svc@EXAMPLE.COM", "", "svc", "EXAMPLE.COM"},
		{"svc@EXAMPLE.COM", "CORP.EXAMPLE.COM", "svc", "CORP.EXAMPLE.COM"},
		{"svc", "EXAMPLE.COM", "svc", "EXAMPLE.COM"},
		{"svc@", "EXAMPLE.COM", "svc@", "EXAMPLE.COM"},
	}

	for _, tt := range tests {
		t.Run(tt.principal+"/"+tt.realm, func(t *testing.T) {
			user, realm := splitPrincipal(tt.principal, tt.realm)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantRlm, realm)
		})
	}
}

func TestServicePrincipal(t *testing.T) {
	server := &serverInfo{Host: "dc1.example.com", Port: 389}

	assert.Equal(t, "ldap/dc1.example.com", servicePrincipal(&Config{}, server))
	assert.Equal(t, "ldap/dc.example.com@EXAMPLE.COM",
		servicePrincipal(&Config{KerberosSPN: "ldap/dc.example.com@EXAMPLE.COM"}, server))
}

func TestNewGSSAPIClient_Errors(t *testing.T) {
	t.Setenv("KRB5CCNAME", "")
	t.Setenv("KRB5_KTNAME", "")
	dir := t.TempDir()

	t.Run("missing krb5.conf", func(t *testing.T) {
		cfg := &Config{KerberosConfig: filepath.Join(dir, "missing.conf")}
		_, _, err := newGSSAPIClient(cfg, "svc", "EXAMPLE.COM")
		assert.ErrorContains(t, err, "configuration file not found")
	})

	t.Run("no credentials", func(t *testing.T) {
		conf := filepath.Join(dir, "krb5.conf")
		require.NoError(t, os.WriteFile(conf, []byte("[libdefaults]\n  default_realm = EXAMPLE.COM\n"), 0o600))

		cfg := &Config{
			KerberosConfig: conf,
			KerberosCCache: filepath.Join(dir, "no-ccache"),
			KerberosKeytab: filepath.Join(dir, "no-keytab"),
		}
		_, _, err := newGSSAPIClient(cfg, "svc", "EXAMPLE.COM")
		assert.ErrorContains(t, err, "no kerberos credentials")
	})
}

func TestCredentialSources(t *testing.T) {
	dir := t.TempDir()
	ccache := filepath.Join(dir, "krb5cc_1000")
	keytab := filepath.Join(dir, "svc.keytab")
	require.NoError(t, os.WriteFile(ccache, nil, 0o600))
	require.NoError(t, os.WriteFile(keytab, nil, 0o600))

	t.Setenv("KRB5CCNAME", "FILE:"+ccache)
	t.Setenv("KRB5_KTNAME", "FILE:"+keytab)

	assert.Equal(t, ccache, credentialCache(&Config{}))
	assert.Equal(t, keytab, keytabPath(&Config{}))

	explicit := filepath.Join(dir, "explicit.keytab")
	require.NoError(t, os.WriteFile(explicit, nil, 0o600))
	assert.Equal(t, explicit, keytabPath(&Config{KerberosKeytab: explicit}))

	assert.False(t, fileExists(""))
	assert.False(t, fileExists(dir))
}
