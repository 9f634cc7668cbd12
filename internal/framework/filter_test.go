package framework

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Match(t *testing.T) {
	obj := &ConnectorObject{
		ObjectClass: ObjectClassAccount,
		Uid:         Uid{Value: "42"},
		Name:        "alice",
		Attributes: []Attribute{
			NewAttribute("mail", "Alice@Example.com", "alice@corp.example"),
			NewAttribute("department", "Engineering"),
		},
	}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{name: "nil matches all", filter: nil, want: true},
		{name: "uid equals", filter: Equals(AttributeUid, "42"), want: true},
		{name: "name equals ignores case", filter: Equals(AttributeName, "ALICE"), want: true},
		{name: "multi-valued contains", filter: Contains("mail", "corp"), want: true},
		{name: "starts with", filter: StartsWith("department", "eng"), want: true},
		{name: "ends with", filter: EndsWith("mail", ".com"), want: true},
		{name: "present", filter: Present("department"), want: true},
		{name: "missing attribute", filter: Present("manager"), want: false},
		{name: "and", filter: And(Equals(AttributeName, "alice"), Equals("department", "sales")), want: false},
		{name: "or", filter: Or(Equals(AttributeName, "bob"), Equals("department", "engineering")), want: true},
		{name: "not", filter: Not(Equals(AttributeName, "bob")), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(obj))
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name    string
		filter  *Filter
		wantErr bool
	}{
		{name: "nil", filter: nil},
		{name: "leaf", filter: Equals("cn", "x")},
		{name: "leaf without attribute", filter: &Filter{Op: FilterEquals}, wantErr: true},
		{name: "empty and", filter: And(), wantErr: true},
		{name: "nested invalid", filter: Or(Equals("cn", "x"), &Filter{Op: "bogus"}), wantErr: true},
		{name: "not with two children", filter: &Filter{Op: FilterNot, Children: []*Filter{Present("a"), Present("b")}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOperationOptions(t *testing.T) {
	opts := OperationOptions{
		OptionPageSize:           int8(25),
		OptionPagedResultsCookie: "cookie",
		OptionAttributesToGet:    []any{"cn", "mail"},
	}

	assert.Equal(t, 25, opts.PageSize())
	assert.Equal(t, "cookie", opts.PagedResultsCookie())
	assert.Equal(t, []string{"cn", "mail"}, opts.AttributesToGet())
	assert.Equal(t, 0, OperationOptions{}.PageSize())
}
