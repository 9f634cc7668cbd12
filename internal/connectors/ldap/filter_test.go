package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/framework"
)

func TestBuildFilter(t *testing.T) {
	ad := newProfile(&Config{DirectoryType: DirectoryActiveDirectory})
	rfc := newProfile(&Config{DirectoryType: DirectoryRFC4519})

	tests := []struct {
		name    string
		profile profile
		oc      framework.ObjectClass
		filter  *framework.Filter
		want    string
	}{
		{
			name:    "nil selects the class",
			profile: ad,
			oc:      framework.ObjectClassAccount,
			want:    "(objectClass=user)",
		},
		{
			name:    "name maps to sAMAccountName",
			profile: ad,
			oc:      framework.ObjectClassAccount,
			filter:  framework.Equals(framework.AttributeName, "alice"),
			want:    "(&(objectClass=user)(sAMAccountName=alice))",
		},
		{
			name:    "name maps to cn for rfc groups",
			profile: rfc,
			oc:      framework.ObjectClassGroup,
			filter:  framework.Equals(framework.AttributeName, "admins"),
			want:    "(&(objectClass=groupOfNames)(cn=admins))",
		},
		{
			name:    "values are escaped",
			profile: rfc,
			oc:      framework.ObjectClassAccount,
			filter:  framework.Equals("description", "a*(b)\\"),
			want:    `(&(objectClass=inetOrgPerson)(description=a\2a\28b\29\5c))`,
		},
		{
			name:    "substrings",
			profile: rfc,
			oc:      framework.ObjectClassAccount,
			filter: framework.And(
				framework.StartsWith("sn", "Sm"),
				framework.EndsWith("mail", "@example.com"),
				framework.Contains("title", "eng"),
			),
			want: "(&(objectClass=inetOrgPerson)(&(sn=Sm*)(mail=*@example.com)(title=*eng*)))",
		},
		{
			name:    "or not present",
			profile: rfc,
			oc:      framework.ObjectClassAccount,
			filter:  framework.Or(framework.Present("mail"), framework.Not(framework.Present("sn"))),
			want:    "(&(objectClass=inetOrgPerson)(|(mail=*)(!(sn=*))))",
		},
		{
			name:    "rfc uid",
			profile: rfc,
			oc:      framework.ObjectClassAccount,
			filter:  framework.Equals(framework.AttributeUid, "5d4e6c2a-0000-4000-8000-000000000001"),
			want:    "(&(objectClass=inetOrgPerson)(entryUUID=5d4e6c2a-0000-4000-8000-000000000001))",
		},
		{
			name:    "disabled accounts",
			profile: ad,
			oc:      framework.ObjectClassAccount,
			filter:  framework.Equals(framework.AttributeEnable, false),
			want:    "(&(objectClass=user)(userAccountControl:1.2.840.113556.1.4.803:=2))",
		},
		{
			name:    "enabled accounts",
			profile: ad,
			oc:      framework.ObjectClassAccount,
			filter:  framework.Equals(framework.AttributeEnable, "true"),
			want:    "(&(objectClass=user)(!(userAccountControl:1.2.840.113556.1.4.803:=2)))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.profile.buildFilter(tt.oc, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildFilter_Invalid(t *testing.T) {
	ad := newProfile(&Config{DirectoryType: DirectoryActiveDirectory})

	tests := []struct {
		name   string
		filter *framework.Filter
	}{
		{name: "empty and", filter: framework.And()},
		{name: "not without child", filter: &framework.Filter{Op: framework.FilterNot}},
		{name: "missing attribute", filter: &framework.Filter{Op: framework.FilterEquals, Value: "x"}},
		{name: "unknown operator", filter: &framework.Filter{Op: "near", Attribute: "cn", Value: "x"}},
		{name: "enable substring", filter: framework.StartsWith(framework.AttributeEnable, "t")},
		{name: "enable not boolean", filter: framework.Equals(framework.AttributeEnable, 3)},
		{name: "bad guid", filter: framework.Equals(framework.AttributeUid, "nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ad.buildFilter(framework.ObjectClassAccount, tt.filter)
			require.Error(t, err)
			assert.Equal(t, framework.KindInvalidAttributeValue, framework.GetErrorKind(err))
		})
	}
}
