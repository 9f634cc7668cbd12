package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/icf-remote/internal/framework"
)

// buildFilter translates a connector filter into an LDAP filter restricted
// to entries of oc. A nil filter selects every entry of the class.
func (p profile) buildFilter(oc framework.ObjectClass, f *framework.Filter) (string, error) {
	class := p.classFilter(oc)
	if f == nil {
		return class, nil
	}

	expr, err := p.filterExpr(oc, f)
	if err != nil {
		return "", framework.WrapError(framework.KindInvalidAttributeValue, err)
	}
	return "(&" + class + expr + ")", nil
}

func (p profile) filterExpr(oc framework.ObjectClass, f *framework.Filter) (string, error) {
	if f == nil {
		return "", errors.New("nil filter node")
	}

	switch f.Op {
	case framework.FilterAnd, framework.FilterOr:
		if len(f.Children) == 0 {
			return "", fmt.Errorf("%s filter needs at least one child", f.Op)
		}
		var b strings.Builder
		b.WriteByte('(')
		if f.Op == framework.FilterAnd {
			b.WriteByte('&')
		} else {
			b.WriteByte('|')
		}
		for _, child := range f.Children {
			expr, err := p.filterExpr(oc, child)
			if err != nil {
				return "", err
			}
			b.WriteString(expr)
		}
		b.WriteByte(')')
		return b.String(), nil

	case framework.FilterNot:
		if len(f.Children) != 1 {
			return "", errors.New("not filter needs exactly one child")
		}
		expr, err := p.filterExpr(oc, f.Children[0])
		if err != nil {
			return "", err
		}
		return "(!" + expr + ")", nil
	}

	if f.Attribute == "" {
		return "", fmt.Errorf("%s filter needs an attribute", f.Op)
	}

	if strings.EqualFold(f.Attribute, framework.AttributeUid) && f.Op == framework.FilterEquals {
		return p.uidFilter(fmt.Sprint(f.Value))
	}
	if strings.EqualFold(f.Attribute, framework.AttributeEnable) && p.isAD() {
		return enableFilter(f)
	}

	attr := p.attributeName(oc, f.Attribute)
	value := ldap.EscapeFilter(fmt.Sprint(f.Value))

	switch f.Op {
	case framework.FilterEquals:
		return "(" + attr + "=" + value + ")", nil
	case framework.FilterContains:
		return "(" + attr + "=*" + value + "*)", nil
	case framework.FilterStartsWith:
		return "(" + attr + "=" + value + "*)", nil
	case framework.FilterEndsWith:
		return "(" + attr + "=*" + value + ")", nil
	case framework.FilterPresent:
		return "(" + attr + "=*)", nil
	default:
		return "", fmt.Errorf("unsupported filter operator %q", f.Op)
	}
}

// Active Directory matches the disable bit with the LDAP_MATCHING_RULE_BIT_AND
// extensible match.
const bitAndRule = "1.2.840.113556.1.4.803"

func enableFilter(f *framework.Filter) (string, error) {
	disabled := fmt.Sprintf("(userAccountControl:%s:=%d)", bitAndRule, uacAccountDisable)

	switch f.Op {
	case framework.FilterPresent:
		return "(userAccountControl=*)", nil
	case framework.FilterEquals:
		enabled, err := boolValue(f.Value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", framework.AttributeEnable, err)
		}
		if enabled {
			return "(!" + disabled + ")", nil
		}
		return disabled, nil
	default:
		return "", fmt.Errorf("%s supports only equals and present filters", framework.AttributeEnable)
	}
}
