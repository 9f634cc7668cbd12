package framework

import (
	"fmt"
	"strings"
)

// FilterOp is the operator of a filter node.
type FilterOp string

const (
	FilterEquals     FilterOp = "equals"
	FilterContains   FilterOp = "contains"
	FilterStartsWith FilterOp = "starts_with"
	FilterEndsWith   FilterOp = "ends_with"
	FilterPresent    FilterOp = "present"
	FilterAnd        FilterOp = "and"
	FilterOr         FilterOp = "or"
	FilterNot        FilterOp = "not"
)

// Filter is a search filter tree. A nil filter matches everything.
type Filter struct {
	Op        FilterOp  `msgpack:"op"`
	Attribute string    `msgpack:"attribute,omitempty"`
	Value     any       `msgpack:"value,omitempty"`
	Children  []*Filter `msgpack:"children,omitempty"`
}

func Equals(name string, value any) *Filter {
	return &Filter{Op: FilterEquals, Attribute: name, Value: value}
}

func Contains(name string, value string) *Filter {
	return &Filter{Op: FilterContains, Attribute: name, Value: value}
}

func StartsWith(name string, value string) *Filter {
	return &Filter{Op: FilterStartsWith, Attribute: name, Value: value}
}

func EndsWith(name string, value string) *Filter {
	return &Filter{Op: FilterEndsWith, Attribute: name, Value: value}
}

func Present(name string) *Filter {
	return &Filter{Op: FilterPresent, Attribute: name}
}

func And(children ...*Filter) *Filter {
	return &Filter{Op: FilterAnd, Children: children}
}

func Or(children ...*Filter) *Filter {
	return &Filter{Op: FilterOr, Children: children}
}

func Not(child *Filter) *Filter {
	return &Filter{Op: FilterNot, Children: []*Filter{child}}
}

// Validate checks the structure of the filter tree.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	switch f.Op {
	case FilterEquals, FilterContains, FilterStartsWith, FilterEndsWith, FilterPresent:
		if f.Attribute == "" {
			return fmt.Errorf("filter %s requires an attribute", f.Op)
		}
	case FilterAnd, FilterOr:
		if len(f.Children) == 0 {
			return fmt.Errorf("filter %s requires at least one child", f.Op)
		}
	case FilterNot:
		if len(f.Children) != 1 {
			return fmt.Errorf("filter not requires exactly one child")
		}
	default:
		return fmt.Errorf("unknown filter operator %q", f.Op)
	}
	for _, c := range f.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Match evaluates the filter against obj. String comparisons are case-insensitive.
func (f *Filter) Match(obj *ConnectorObject) bool {
	if f == nil {
		return true
	}

	switch f.Op {
	case FilterAnd:
		for _, c := range f.Children {
			if !c.Match(obj) {
				return false
			}
		}
		return true
	case FilterOr:
		for _, c := range f.Children {
			if c.Match(obj) {
				return true
			}
		}
		return false
	case FilterNot:
		return len(f.Children) == 1 && !f.Children[0].Match(obj)
	}

	attr, ok := obj.Attribute(f.Attribute)
	if !ok {
		return false
	}
	if f.Op == FilterPresent {
		return len(attr.Values) > 0
	}

	want := strings.ToLower(valueString(f.Value))
	for _, v := range attr.StringValues() {
		got := strings.ToLower(v)
		switch f.Op {
		case FilterEquals:
			if got == want {
				return true
			}
		case FilterContains:
			if strings.Contains(got, want) {
				return true
			}
		case FilterStartsWith:
			if strings.HasPrefix(got, want) {
				return true
			}
		case FilterEndsWith:
			if strings.HasSuffix(got, want) {
				return true
			}
		}
	}
	return false
}

func (f *Filter) String() string {
	if f == nil {
		return "<all>"
	}
	switch f.Op {
	case FilterAnd, FilterOr, FilterNot:
		parts := make([]string, 0, len(f.Children))
		for _, c := range f.Children {
			parts = append(parts, c.String())
		}
		return fmt.Sprintf("%s(%s)", f.Op, strings.Join(parts, ", "))
	case FilterPresent:
		return fmt.Sprintf("present(%s)", f.Attribute)
	default:
		return fmt.Sprintf("%s(%s, %v)", f.Op, f.Attribute, f.Value)
	}
}
