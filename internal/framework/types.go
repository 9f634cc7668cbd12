package framework

import (
	"fmt"
	"slices"
	"strings"
)

// Special attribute names understood by every connector.
const (
	AttributeName     = "__NAME__"
	AttributeUid      = "__UID__"
	AttributePassword = "__PASSWORD__"
	AttributeEnable   = "__ENABLE__"
)

// ConnectorKey identifies a connector implementation on the remote side.
type ConnectorKey struct {
	BundleName    string `msgpack:"bundle_name"`
	BundleVersion string `msgpack:"bundle_version"`
	ConnectorName string `msgpack:"connector_name"`
}

func (k ConnectorKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.BundleName, k.BundleVersion, k.ConnectorName)
}

// IsZero reports whether the key is unset.
func (k ConnectorKey) IsZero() bool {
	return k == ConnectorKey{}
}

// ObjectClass names the type of object an operation acts upon.
type ObjectClass string

const (
	ObjectClassAccount ObjectClass = "__ACCOUNT__"
	ObjectClassGroup   ObjectClass = "__GROUP__"
	ObjectClassAll     ObjectClass = "__ALL__"
)

// Uid is the connector-assigned identifier of an object.
type Uid struct {
	Value    string `msgpack:"value"`
	Revision string `msgpack:"revision,omitempty"`
}

func (u Uid) String() string {
	if u.Revision == "" {
		return u.Value
	}
	return u.Value + "@" + u.Revision
}

// Attribute is a named, multi-valued attribute.
type Attribute struct {
	Name   string `msgpack:"name"`
	Values []any  `msgpack:"values"`
}

// NewAttribute builds an attribute from its values.
func NewAttribute(name string, values ...any) Attribute {
	return Attribute{Name: name, Values: values}
}

// Is reports whether the attribute has the given name, ignoring case.
func (a Attribute) Is(name string) bool {
	return strings.EqualFold(a.Name, name)
}

// StringValues returns every value rendered as a string.
func (a Attribute) StringValues() []string {
	out := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		out = append(out, valueString(v))
	}
	return out
}

// SingleString returns the first value as a string, or "" when empty.
func (a Attribute) SingleString() string {
	if len(a.Values) == 0 {
		return ""
	}
	return valueString(a.Values[0])
}

// FindAttribute returns the named attribute from attrs.
func FindAttribute(attrs []Attribute, name string) (Attribute, bool) {
	i := slices.IndexFunc(attrs, func(a Attribute) bool { return a.Is(name) })
	if i < 0 {
		return Attribute{}, false
	}
	return attrs[i], true
}

// ConnectorObject is a single object read from a connector.
type ConnectorObject struct {
	ObjectClass ObjectClass `msgpack:"object_class"`
	Uid         Uid         `msgpack:"uid"`
	Name        string      `msgpack:"name"`
	Attributes  []Attribute `msgpack:"attributes,omitempty"`
}

// Attribute returns the named attribute, including the synthetic __UID__ and
// __NAME__ attributes.
func (o *ConnectorObject) Attribute(name string) (Attribute, bool) {
	switch {
	case strings.EqualFold(name, AttributeUid):
		return NewAttribute(AttributeUid, o.Uid.Value), true
	case strings.EqualFold(name, AttributeName):
		return NewAttribute(AttributeName, o.Name), true
	}
	return FindAttribute(o.Attributes, name)
}

// SearchResult is the terminal result of a search.
type SearchResult struct {
	PagedResultsCookie    string `msgpack:"paged_results_cookie,omitempty"`
	RemainingPagedResults int    `msgpack:"remaining_paged_results"`
	AllResultsReturned    bool   `msgpack:"all_results_returned"`
}

// SyncToken marks a position in a connector's change log.
type SyncToken struct {
	Value string `msgpack:"value"`
}

// SyncDeltaType describes the change carried by a SyncDelta.
type SyncDeltaType string

const (
	SyncDeltaCreateOrUpdate SyncDeltaType = "create_or_update"
	SyncDeltaCreate         SyncDeltaType = "create"
	SyncDeltaUpdate         SyncDeltaType = "update"
	SyncDeltaDelete         SyncDeltaType = "delete"
)

// SyncDelta is one change reported by a sync operation.
type SyncDelta struct {
	Token       SyncToken        `msgpack:"token"`
	DeltaType   SyncDeltaType    `msgpack:"delta_type"`
	ObjectClass ObjectClass      `msgpack:"object_class"`
	Uid         Uid              `msgpack:"uid"`
	PreviousUid *Uid             `msgpack:"previous_uid,omitempty"`
	Object      *ConnectorObject `msgpack:"object,omitempty"`
}

// UpdateType selects how update attributes are applied.
type UpdateType string

const (
	UpdateReplace      UpdateType = "replace"
	UpdateAddValues    UpdateType = "add_values"
	UpdateRemoveValues UpdateType = "remove_values"
)

// ScriptContext carries a script to be run by a connector or its resource.
type ScriptContext struct {
	Language  string         `msgpack:"language"`
	Text      string         `msgpack:"text"`
	Arguments map[string]any `msgpack:"arguments,omitempty"`
}

// Configuration holds connector configuration properties.
type Configuration map[string]any

// String returns the named property as a string.
func (c Configuration) String(name string) string {
	v, ok := c[name]
	if !ok || v == nil {
		return ""
	}
	return valueString(v)
}

// Strings returns the named property as a string slice.
func (c Configuration) Strings(name string) []string {
	switch v := c[name].(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, valueString(s))
		}
		return out
	default:
		return []string{valueString(v)}
	}
}

// Int returns the named property as an int.
func (c Configuration) Int(name string, fallback int) int {
	if n, ok := toInt(c[name]); ok {
		return n
	}
	return fallback
}

// Bool returns the named property as a bool.
func (c Configuration) Bool(name string) bool {
	b, _ := c[name].(bool)
	return b
}

// Operation option names.
const (
	OptionPageSize           = "PAGE_SIZE"
	OptionPagedResultsCookie = "PAGED_RESULTS_COOKIE"
	OptionAttributesToGet    = "ATTRS_TO_GET"
	OptionRunAsUser          = "RUN_AS_USER"

	// OptionSyncFromNow starts a sync subscription at the current end of the
	// change log instead of at the supplied token.
	OptionSyncFromNow = "SYNC_FROM_NOW"
)

// OperationOptions carries optional per-call settings.
type OperationOptions map[string]any

func (o OperationOptions) PageSize() int {
	n, _ := toInt(o[OptionPageSize])
	return n
}

func (o OperationOptions) PagedResultsCookie() string {
	s, _ := o[OptionPagedResultsCookie].(string)
	return s
}

func (o OperationOptions) AttributesToGet() []string {
	return Configuration(o).Strings(OptionAttributesToGet)
}

func (o OperationOptions) SyncFromNow() bool {
	return Configuration(o).Bool(OptionSyncFromNow)
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// toInt accepts every integer width msgpack may decode into.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
