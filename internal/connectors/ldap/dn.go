package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// escapeDNValue escapes an attribute value for use in an RDN (RFC 4514).
func escapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)

	last := len(value) - 1
	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '#':
			if i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		case ' ':
			if i == 0 || i == last {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		case 0:
			b.WriteString(`\00`)
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

// childDN builds attr=value,parent.
func childDN(attr, value, parent string) string {
	return fmt.Sprintf("%s=%s,%s", attr, escapeDNValue(value), parent)
}

// rdnValue returns the unescaped value of the first RDN of dn.
func rdnValue(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", err
	}
	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", fmt.Errorf("DN %q has no RDN", dn)
	}
	return parsed.RDNs[0].Attributes[0].Value, nil
}

// parentDN returns dn without its first RDN.
func parentDN(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", err
	}
	if len(parsed.RDNs) < 2 {
		return "", fmt.Errorf("DN %q has no parent", dn)
	}

	parent := &ldap.DN{RDNs: parsed.RDNs[1:]}
	return parent.String(), nil
}
