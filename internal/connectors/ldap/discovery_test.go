package ldap

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/framework"
)

func fakeSRV(records map[string][]*net.SRV) lookupSRVFunc {
	return func(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
		key := "_" + service + "._" + proto + "." + name
		if r, ok := records[key]; ok {
			return key, r, nil
		}
		return "", nil, &net.DNSError{Err: "no such host", Name: key, IsNotFound: true}
	}
}

func TestDiscoverServers(t *testing.T) {
	tests := []struct {
		name    string
		records map[string][]*net.SRV
		want    []string
	}{
		{
			name: "ldaps wins",
			records: map[string][]*net.SRV{
				"_ldaps._tcp.example.com": {
					{Target: "dc2.example.com.", Port: 636, Priority: 10, Weight: 100},
					{Target: "dc1.example.com.", Port: 636, Priority: 0, Weight: 50},
				},
				"_ldap._tcp.example.com": {
					{Target: "dc3.example.com.", Port: 389},
				},
			},
			want: []string{"ldaps://dc1.example.com:636", "ldaps://dc2.example.com:636"},
		},
		{
			name: "ldap then global catalog",
			records: map[string][]*net.SRV{
				"_ldap._tcp.example.com": {
					{Target: "dc1.example.com.", Port: 389, Priority: 0, Weight: 10},
					{Target: "dc2.example.com.", Port: 389, Priority: 0, Weight: 90},
				},
				"_gc._tcp.example.com": {
					{Target: "gc.example.com.", Port: 3268},
				},
			},
			want: []string{
				"ldap://dc2.example.com:389",
				"ldap://dc1.example.com:389",
				"ldap://gc.example.com:3268",
			},
		},
		{
			name: "fallback to domain",
			want: []string{"ldaps://example.com:636", "ldap://example.com:389"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := discoverServers(context.Background(), fakeSRV(tt.records), "example.com")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := discoverServers(context.Background(), fakeSRV(nil), "")
	assert.Error(t, err)
}

func TestConnector_InitDiscoversServers(t *testing.T) {
	srv := newFakeServer()
	c := newConnector(srv.dial, nil)
	c.lookupSRV = func(context.Context, string, string, string) (string, []*net.SRV, error) {
		return "", []*net.SRV{{Target: "dc1.example.com.", Port: 636}}, nil
	}

	props := testProps(DirectoryActiveDirectory)
	delete(props, PropertyURLs)
	props[PropertyDomain] = "example.com"

	require.NoError(t, c.Validate(props))
	require.NoError(t, c.Init(context.Background(), props))
	t.Cleanup(c.Dispose)

	assert.Equal(t, []string{"ldaps://dc1.example.com:636"}, c.config.URLs)
	require.NoError(t, c.Test(context.Background()))
}

func TestConnector_ValidateRequiresServers(t *testing.T) {
	props := testProps(DirectoryActiveDirectory)
	delete(props, PropertyURLs)

	err := New().(*Connector).Validate(props)
	require.Error(t, err)
	assert.Equal(t, framework.KindConfiguration, framework.GetErrorKind(err))
}
