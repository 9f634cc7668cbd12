package ldap

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/text/encoding/unicode"

	"github.com/isometry/icf-remote/internal/framework"
)

// userAccountControl flags.
const (
	uacAccountDisable = 0x0002
	uacNormalAccount  = 0x0200
)

// profile describes how a directory flavour lays out accounts and groups.
type profile struct {
	directoryType string
	uidAttribute  string
	binaryUid     bool
	password      string
	classes       map[framework.ObjectClass][]string
	naming        map[framework.ObjectClass]string
	rdn           map[framework.ObjectClass]string
}

var activeDirectory = profile{
	directoryType: DirectoryActiveDirectory,
	uidAttribute:  "objectGUID",
	binaryUid:     true,
	password:      "unicodePwd",
	classes: map[framework.ObjectClass][]string{
		framework.ObjectClassAccount: {"top", "person", "organizationalPerson", "user"},
		framework.ObjectClassGroup:   {"top", "group"},
	},
	naming: map[framework.ObjectClass]string{
		framework.ObjectClassAccount: "sAMAccountName",
		framework.ObjectClassGroup:   "sAMAccountName",
	},
	rdn: map[framework.ObjectClass]string{
		framework.ObjectClassAccount: "cn",
		framework.ObjectClassGroup:   "cn",
	},
}

var rfc4519 = profile{
	directoryType: DirectoryRFC4519,
	uidAttribute:  "entryUUID",
	password:      "userPassword",
	classes: map[framework.ObjectClass][]string{
		framework.ObjectClassAccount: {"top", "person", "organizationalPerson", "inetOrgPerson"},
		framework.ObjectClassGroup:   {"top", "groupOfNames"},
	},
	naming: map[framework.ObjectClass]string{
		framework.ObjectClassAccount: "uid",
		framework.ObjectClassGroup:   "cn",
	},
	rdn: map[framework.ObjectClass]string{
		framework.ObjectClassAccount: "uid",
		framework.ObjectClassGroup:   "cn",
	},
}

// newProfile returns the profile for cfg, applying object class overrides.
func newProfile(cfg *Config) profile {
	p := activeDirectory
	if cfg.DirectoryType == DirectoryRFC4519 {
		p = rfc4519
	}

	classes := maps.Clone(p.classes)
	if len(cfg.AccountObjectClasses) > 0 {
		classes[framework.ObjectClassAccount] = cfg.AccountObjectClasses
	}
	if len(cfg.GroupObjectClasses) > 0 {
		classes[framework.ObjectClassGroup] = cfg.GroupObjectClasses
	}
	p.classes = classes
	return p
}

func (p profile) isAD() bool {
	return p.directoryType == DirectoryActiveDirectory
}

// classFilter selects entries of oc by their most specific object class.
func (p profile) classFilter(oc framework.ObjectClass) string {
	classes := p.classes[oc]
	return "(objectClass=" + ldap.EscapeFilter(classes[len(classes)-1]) + ")"
}

// attributeName maps a connector attribute name to a directory attribute.
func (p profile) attributeName(oc framework.ObjectClass, name string) string {
	switch {
	case strings.EqualFold(name, framework.AttributeName):
		return p.naming[oc]
	case strings.EqualFold(name, framework.AttributeUid):
		return p.uidAttribute
	case strings.EqualFold(name, framework.AttributePassword):
		return p.password
	case strings.EqualFold(name, framework.AttributeEnable) && p.isAD():
		return "userAccountControl"
	default:
		return name
	}
}

// requestedAttributes lists the directory attributes a search fetches.
func (p profile) requestedAttributes(oc framework.ObjectClass, attrsToGet []string) []string {
	base := []string{p.uidAttribute, p.naming[oc]}
	if p.isAD() && oc == framework.ObjectClassAccount {
		base = append(base, "userAccountControl")
	}
	if len(attrsToGet) == 0 {
		return append([]string{"*"}, base...)
	}

	out := base
	for _, name := range attrsToGet {
		if mapped := p.attributeName(oc, name); !slices.Contains(out, mapped) {
			out = append(out, mapped)
		}
	}
	return out
}

// uidOf extracts the uid of entry.
func (p profile) uidOf(entry *ldap.Entry) (string, error) {
	if p.binaryUid {
		return guidFromBytes(entry.GetRawAttributeValue(p.uidAttribute))
	}
	uid := entry.GetAttributeValue(p.uidAttribute)
	if uid == "" {
		return "", fmt.Errorf("entry %s has no %s", entry.DN, p.uidAttribute)
	}
	return uid, nil
}

// uidFilter matches the entry carrying uid.
func (p profile) uidFilter(uid string) (string, error) {
	if p.binaryUid {
		return guidFilter(uid)
	}
	return "(" + p.uidAttribute + "=" + ldap.EscapeFilter(uid) + ")", nil
}

// toObject converts a directory entry into a ConnectorObject.
func (p profile) toObject(oc framework.ObjectClass, entry *ldap.Entry, attrsToGet []string) (*framework.ConnectorObject, error) {
	uid, err := p.uidOf(entry)
	if err != nil {
		return nil, err
	}

	obj := &framework.ConnectorObject{
		ObjectClass: oc,
		Uid:         framework.Uid{Value: uid},
		Name:        entry.GetAttributeValue(p.naming[oc]),
	}

	for _, attr := range entry.Attributes {
		name := attr.Name
		switch {
		case strings.EqualFold(name, p.uidAttribute),
			strings.EqualFold(name, p.password),
			strings.EqualFold(name, "objectClass"):
			continue

		case strings.EqualFold(name, "objectSid"):
			if len(attr.ByteValues) == 0 {
				continue
			}
			sid, err := sidFromBytes(attr.ByteValues[0])
			if err != nil {
				continue
			}
			obj.Attributes = append(obj.Attributes, framework.NewAttribute(name, sid))

		case strings.EqualFold(name, "userAccountControl") && p.isAD():
			flags, err := strconv.Atoi(firstValue(attr))
			if err != nil {
				continue
			}
			obj.Attributes = append(obj.Attributes,
				framework.NewAttribute(framework.AttributeEnable, flags&uacAccountDisable == 0))
			if wanted(attrsToGet, name) {
				obj.Attributes = append(obj.Attributes, framework.NewAttribute(name, int64(flags)))
			}

		default:
			values := make([]any, 0, len(attr.Values))
			for _, v := range attr.Values {
				if !utf8.ValidString(v) {
					values = nil
					break
				}
				values = append(values, v)
			}
			if len(values) > 0 {
				obj.Attributes = append(obj.Attributes, framework.NewAttribute(name, values...))
			}
		}
	}

	if obj.Name == "" {
		if v, err := rdnValue(entry.DN); err == nil {
			obj.Name = v
		}
	}
	obj.Attributes = append(obj.Attributes, framework.NewAttribute("dn", entry.DN))

	return obj, nil
}

func firstValue(attr *ldap.EntryAttribute) string {
	if len(attr.Values) == 0 {
		return ""
	}
	return attr.Values[0]
}

func wanted(attrsToGet []string, name string) bool {
	return len(attrsToGet) == 0 || slices.ContainsFunc(attrsToGet, func(s string) bool {
		return strings.EqualFold(s, name)
	})
}

// encodePassword renders a password for the profile's password attribute.
// Active Directory requires the quoted value in UTF-16LE.
func (p profile) encodePassword(password string) (string, error) {
	if !p.isAD() {
		return password, nil
	}
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.String(`"` + password + `"`)
	if err != nil {
		return "", fmt.Errorf("encode password: %w", err)
	}
	return out, nil
}

// enableFlags returns userAccountControl with the disable bit set or cleared.
func enableFlags(current int, enable bool) int {
	if current == 0 {
		current = uacNormalAccount
	}
	if enable {
		return current &^ uacAccountDisable
	}
	return current | uacAccountDisable
}

// boolValue reads __ENABLE__ values sent as bool or string.
func boolValue(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}
