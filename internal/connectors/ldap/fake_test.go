package ldap

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/isometry/icf-remote/internal/framework"
)

const (
	testBaseDN       = "dc=example,dc=com"
	testBindDN       = "cn=svc,dc=example,dc=com"
	testBindPassword = "svc-secret"
)

// fakeServer is an in-memory directory shared by every connection dialed
// from it.
type fakeServer struct {
	mu        sync.Mutex
	entries   map[string]*ldap.Entry
	order     []string
	passwords map[string]string

	dials     int
	binds     int
	failDials int
	// failSearches makes the next n searches fail with a network error.
	failSearches int
	conns        []*fakeConn
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		entries:   make(map[string]*ldap.Entry),
		passwords: map[string]string{strings.ToLower(testBindDN): testBindPassword},
	}
}

func (s *fakeServer) dial(_ context.Context, _ *serverInfo) (directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, &connectionError{message: "dial refused"}
	}
	c := &fakeConn{srv: s}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) openConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// put stores an entry as-is, bypassing the Add logic.
func (s *fakeServer) put(dn string, attrs map[string][]string) *ldap.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := ldap.NewEntry(dn, attrs)
	s.store(e)
	return e
}

func (s *fakeServer) store(e *ldap.Entry) {
	key := strings.ToLower(e.DN)
	if _, ok := s.entries[key]; !ok {
		s.order = append(s.order, key)
	}
	s.entries[key] = e
}

func (s *fakeServer) get(dn string) *ldap.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[strings.ToLower(dn)]
}

type fakeConn struct {
	srv    *fakeServer
	closed bool
}

func ldapErr(code uint16, msg string) error {
	return &ldap.Error{ResultCode: code, Err: errors.New(msg)}
}

func (c *fakeConn) Bind(username, password string) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	s.binds++
	want, ok := s.passwords[strings.ToLower(username)]
	if !ok || want != password {
		return ldapErr(ldap.LDAPResultInvalidCredentials, "80090308: LdapErr: DSID-0C09042A, comment: AcceptSecurityContext error, data 52e, v3839")
	}
	return nil
}

func (c *fakeConn) Add(req *ldap.AddRequest) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(req.DN)
	if _, ok := s.entries[key]; ok {
		return ldapErr(ldap.LDAPResultEntryAlreadyExists, "entry already exists")
	}

	attrs := map[string][]string{}
	for _, a := range req.Attributes {
		attrs[a.Type] = a.Vals
	}
	id := uuid.New()
	attrs["entryUUID"] = []string{id.String()}
	attrs["objectGUID"] = []string{string(swapGUIDFields(id[:]))}

	e := ldap.NewEntry(req.DN, attrs)
	s.store(e)
	s.capturePassword(e.DN, e)
	return nil
}

// capturePassword records the bind password carried by e.
func (s *fakeServer) capturePassword(dn string, e *ldap.Entry) {
	if pw := e.GetAttributeValue("userPassword"); pw != "" {
		s.passwords[strings.ToLower(dn)] = pw
	}
	if raw := e.GetAttributeValue("unicodePwd"); raw != "" {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
		if pw, err := dec.String(raw); err == nil {
			s.passwords[strings.ToLower(dn)] = strings.Trim(pw, `"`)
		}
	}
}

func (c *fakeConn) Del(req *ldap.DelRequest) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(req.DN)
	if _, ok := s.entries[key]; !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object")
	}
	delete(s.entries, key)
	s.order = slices.DeleteFunc(s.order, func(k string) bool { return k == key })
	return nil
}

func (c *fakeConn) Modify(req *ldap.ModifyRequest) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[strings.ToLower(req.DN)]
	if !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object")
	}

	for _, ch := range req.Changes {
		name, vals := ch.Modification.Type, ch.Modification.Vals
		current := e.GetEqualFoldAttributeValues(name)
		switch ch.Operation {
		case ldap.ReplaceAttribute:
			current = vals
		case ldap.AddAttribute:
			for _, v := range vals {
				if slices.Contains(current, v) {
					return ldapErr(ldap.LDAPResultAttributeOrValueExists, "value exists")
				}
			}
			current = append(slices.Clone(current), vals...)
		case ldap.DeleteAttribute:
			if len(vals) == 0 {
				current = nil
			} else {
				current = slices.DeleteFunc(slices.Clone(current), func(v string) bool { return slices.Contains(vals, v) })
			}
		}
		setAttribute(e, name, current)
	}
	s.capturePassword(e.DN, e)
	return nil
}

func setAttribute(e *ldap.Entry, name string, vals []string) {
	e.Attributes = slices.DeleteFunc(e.Attributes, func(a *ldap.EntryAttribute) bool {
		return strings.EqualFold(a.Name, name)
	})
	if len(vals) > 0 {
		e.Attributes = append(e.Attributes, ldap.NewEntryAttribute(name, vals))
	}
}

func (c *fakeConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(req.DN)
	e, ok := s.entries[key]
	if !ok {
		return ldapErr(ldap.LDAPResultNoSuchObject, "no such object")
	}
	parent, err := parentDN(req.DN)
	if err != nil {
		return ldapErr(ldap.LDAPResultInvalidDNSyntax, err.Error())
	}
	newDN := req.NewRDN + "," + parent
	if _, exists := s.entries[strings.ToLower(newDN)]; exists {
		return ldapErr(ldap.LDAPResultEntryAlreadyExists, "entry already exists")
	}

	attr, _, _ := strings.Cut(req.NewRDN, "=")
	value, _ := rdnValue(newDN)
	setAttribute(e, attr, []string{value})

	delete(s.entries, key)
	s.order = slices.DeleteFunc(s.order, func(k string) bool { return k == key })
	e.DN = newDN
	s.store(e)

	if pw, ok := s.passwords[key]; ok {
		s.passwords[strings.ToLower(newDN)] = pw
	}
	return nil
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSearches > 0 {
		s.failSearches--
		c.closed = true
		return nil, ldapErr(ldap.ErrorNetwork, "connection reset")
	}

	// Root DSE.
	if req.BaseDN == "" && req.Scope == ldap.ScopeBaseObject {
		return &ldap.SearchResult{Entries: []*ldap.Entry{
			ldap.NewEntry("", map[string][]string{"namingContexts": {testBaseDN}}),
		}}, nil
	}

	base := strings.ToLower(req.BaseDN)
	if _, ok := s.entries[base]; !ok && base != strings.ToLower(testBaseDN) {
		return nil, ldapErr(ldap.LDAPResultNoSuchObject, "no such object")
	}

	var matched []*ldap.Entry
	for _, key := range s.order {
		inScope := key == base
		if req.Scope == ldap.ScopeWholeSubtree {
			inScope = inScope || strings.HasSuffix(key, ","+base)
		}
		if !inScope {
			continue
		}
		e := s.entries[key]
		ok, err := matchFilter(req.Filter, e)
		if err != nil {
			return nil, ldapErr(ldap.LDAPResultFilterError, err.Error())
		}
		if ok {
			matched = append(matched, e)
		}
	}

	result := &ldap.SearchResult{}
	if ctrl, ok := ldap.FindControl(req.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
		offset := 0
		if len(ctrl.Cookie) > 0 {
			offset, _ = strconv.Atoi(string(ctrl.Cookie))
		}
		end := min(offset+int(ctrl.PagingSize), len(matched))
		offset = min(offset, end)

		resp := ldap.NewControlPaging(ctrl.PagingSize)
		if end < len(matched) {
			resp.SetCookie([]byte(strconv.Itoa(end)))
		}
		result.Controls = append(result.Controls, resp)
		matched = matched[offset:end]
	}

	if req.SizeLimit > 0 && len(matched) > req.SizeLimit {
		result.Entries = matched[:req.SizeLimit]
		return result, ldapErr(ldap.LDAPResultSizeLimitExceeded, "size limit exceeded")
	}
	result.Entries = matched
	return result, nil
}

func (c *fakeConn) IsClosing() bool {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.closed = true
	return nil
}

// matchFilter evaluates the subset of RFC 4515 filters the connector emits.
func matchFilter(filter string, e *ldap.Entry) (bool, error) {
	ok, rest, err := evalFilter(filter, e)
	if err != nil {
		return false, err
	}
	if rest != "" {
		return false, fmt.Errorf("trailing filter text %q", rest)
	}
	return ok, nil
}

func evalFilter(s string, e *ldap.Entry) (bool, string, error) {
	if len(s) < 3 || s[0] != '(' {
		return false, "", fmt.Errorf("malformed filter %q", s)
	}

	switch s[1] {
	case '&', '|':
		and := s[1] == '&'
		result := and
		rest := s[2:]
		for rest != "" && rest[0] == '(' {
			ok, r, err := evalFilter(rest, e)
			if err != nil {
				return false, "", err
			}
			if and {
				result = result && ok
			} else {
				result = result || ok
			}
			rest = r
		}
		if rest == "" || rest[0] != ')' {
			return false, "", fmt.Errorf("unterminated filter %q", s)
		}
		return result, rest[1:], nil

	case '!':
		ok, rest, err := evalFilter(s[2:], e)
		if err != nil {
			return false, "", err
		}
		if rest == "" || rest[0] != ')' {
			return false, "", fmt.Errorf("unterminated filter %q", s)
		}
		return !ok, rest[1:], nil
	}

	end := strings.IndexByte(s, ')')
	if end < 0 {
		return false, "", fmt.Errorf("unterminated filter %q", s)
	}
	item, rest := s[1:end], s[end+1:]

	left, right, ok := strings.Cut(item, "=")
	if !ok {
		return false, "", fmt.Errorf("malformed item %q", item)
	}

	// Extensible bitwise AND match.
	if attr, rule, ok := strings.Cut(strings.TrimSuffix(left, ":"), ":"); ok {
		if rule != bitAndRule {
			return false, "", fmt.Errorf("unsupported matching rule %s", rule)
		}
		mask, err := strconv.Atoi(right)
		if err != nil {
			return false, "", err
		}
		for _, v := range e.GetEqualFoldAttributeValues(attr) {
			if n, err := strconv.Atoi(v); err == nil && n&mask == mask {
				return true, rest, nil
			}
		}
		return false, rest, nil
	}

	values := e.GetEqualFoldRawAttributeValues(left)
	if right == "*" {
		return len(values) > 0, rest, nil
	}

	if strings.Contains(right, "*") {
		parts := strings.Split(right, "*")
		for i, p := range parts {
			parts[i] = strings.ToLower(string(unescapeFilter(p)))
		}
		for _, v := range values {
			if matchSubstring(strings.ToLower(string(v)), parts) {
				return true, rest, nil
			}
		}
		return false, rest, nil
	}

	want := unescapeFilter(right)
	for _, v := range values {
		if bytes.Equal(v, want) || strings.EqualFold(string(v), string(want)) {
			return true, rest, nil
		}
	}
	return false, rest, nil
}

func matchSubstring(v string, parts []string) bool {
	if !strings.HasPrefix(v, parts[0]) {
		return false
	}
	v = v[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(v, p)
		if i < 0 {
			return false
		}
		v = v[i+len(p):]
	}
	return strings.HasSuffix(v, last)
}

func unescapeFilter(s string) []byte {
	var out []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+2 < len(s) {
			if b, err := hex.DecodeString(s[i+1 : i+3]); err == nil {
				out = append(out, b...)
				i += 2
				continue
			}
		}
		out = append(out, s[i])
	}
	return out
}

// testProps returns a minimal valid configuration for the fake server.
func testProps(directoryType string) framework.Configuration {
	return framework.Configuration{
		PropertyURLs:           []any{"ldap://dc1.example.com"},
		PropertyBaseDN:         testBaseDN,
		PropertyDirectoryType:  directoryType,
		PropertyBindDN:         testBindDN,
		PropertyBindPassword:   testBindPassword,
		PropertyHealthCheck:    "0s",
		PropertyMaxRetries:     2,
		PropertyInitialBackoff: "1ms",
		PropertyMaxBackoff:     "5ms",
	}
}

// newTestConnector returns an initialized connector backed by srv.
func newTestConnector(t testing.TB, srv *fakeServer, directoryType string) *Connector {
	t.Helper()

	c := newConnector(srv.dial, nil)
	require.NoError(t, c.Init(context.Background(), testProps(directoryType)))
	t.Cleanup(c.Dispose)
	return c
}
