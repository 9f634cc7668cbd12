package ldap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
)

// Key identifies the LDAP connector.
var Key = framework.ConnectorKey{
	BundleName:    "org.icf.connectors.ldap",
	BundleVersion: "1.0.0",
	ConnectorName: "LdapConnector",
}

// Active Directory global security group.
const adGlobalSecurityGroup = "-2147483646"

// Connector manages accounts and groups in an LDAP directory through a pool
// of bound connections.
type Connector struct {
	dial      dialFunc
	bind      bindFunc
	lookupSRV lookupSRVFunc

	config  *Config
	profile profile
	pool    *connectionPool
}

var (
	_ framework.Connector         = (*Connector)(nil)
	_ framework.CreateOp          = (*Connector)(nil)
	_ framework.UpdateOp          = (*Connector)(nil)
	_ framework.DeleteOp          = (*Connector)(nil)
	_ framework.SearchOp          = (*Connector)(nil)
	_ framework.AuthenticateOp    = (*Connector)(nil)
	_ framework.ResolveUsernameOp = (*Connector)(nil)
	_ framework.TestOp            = (*Connector)(nil)
	_ framework.ValidateOp        = (*Connector)(nil)
)

// New returns an unconfigured connector. It is a framework.ConnectorFactory.
func New() framework.Connector {
	return &Connector{}
}

func newConnector(dial dialFunc, bind bindFunc) *Connector {
	return &Connector{dial: dial, bind: bind}
}

// Validate checks the configuration properties.
func (c *Connector) Validate(props framework.Configuration) error {
	if _, err := parseConfig(props); err != nil {
		return framework.WrapError(framework.KindConfiguration, err)
	}
	return nil
}

func (c *Connector) Init(ctx context.Context, props framework.Configuration) error {
	cfg, err := parseConfig(props)
	if err != nil {
		return framework.WrapError(framework.KindConfiguration, err)
	}

	if len(cfg.URLs) == 0 {
		urls, err := discoverServers(ctx, c.lookupSRV, cfg.Domain)
		if err != nil {
			return framework.WrapError(framework.KindConfiguration, err)
		}
		cfg.URLs = urls
	}

	// The pool outlives the init request; keep its logging fields only.
	pool, err := newConnectionPool(context.WithoutCancel(ctx), cfg, c.dial, c.bind)
	if err != nil {
		logging.LogPoolEvent(ctx, "pool_creation_failed", map[string]any{"error": err.Error()})
		return framework.WrapError(framework.KindConfiguration, err)
	}

	c.config = cfg
	c.profile = newProfile(cfg)
	c.pool = pool

	tflog.SubsystemInfo(ctx, logging.SubsystemLDAP, "LDAP connector initialized", map[string]any{
		"urls":           cfg.URLs,
		"base_dn":        cfg.BaseDN,
		"directory_type": cfg.DirectoryType,
		"auth_method":    cfg.AuthMethod().String(),
	})
	return nil
}

func (c *Connector) Dispose() {
	if c.pool != nil {
		_ = c.pool.Close()
	}
}

// Test reads the root DSE over a pooled connection.
func (c *Connector) Test(ctx context.Context) error {
	return logging.LogOperation(ctx, logging.SubsystemLDAP, "test", nil, func() error {
		return mapError("test", "", c.pool.withConn(ctx, rootDSE))
	})
}

func (c *Connector) container(oc framework.ObjectClass) string {
	switch {
	case oc == framework.ObjectClassAccount && c.config.AccountContainer != "":
		return c.config.AccountContainer
	case oc == framework.ObjectClassGroup && c.config.GroupContainer != "":
		return c.config.GroupContainer
	default:
		return c.config.BaseDN
	}
}

func checkClass(oc framework.ObjectClass) error {
	switch oc {
	case framework.ObjectClassAccount, framework.ObjectClassGroup:
		return nil
	default:
		return framework.NewError(framework.KindUnsupportedOperation, "unsupported object class %s", oc)
	}
}

func (c *Connector) Create(ctx context.Context, oc framework.ObjectClass, attrs []framework.Attribute, _ framework.OperationOptions) (framework.Uid, error) {
	if err := checkClass(oc); err != nil {
		return framework.Uid{}, err
	}

	nameAttr, ok := framework.FindAttribute(attrs, framework.AttributeName)
	if !ok || nameAttr.SingleString() == "" {
		return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "%s is required", framework.AttributeName)
	}
	name := nameAttr.SingleString()

	rdnAttr := c.profile.rdn[oc]
	rdnVal := name
	if a, ok := framework.FindAttribute(attrs, rdnAttr); ok && a.SingleString() != "" {
		rdnVal = a.SingleString()
	}
	dn := childDN(rdnAttr, rdnVal, c.container(oc))

	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", c.profile.classes[oc])
	req.Attribute(c.profile.naming[oc], []string{name})
	if rdnAttr != c.profile.naming[oc] {
		req.Attribute(rdnAttr, []string{rdnVal})
	}

	var (
		password string
		enable   *bool
	)
	for _, attr := range attrs {
		switch {
		case attr.Is(framework.AttributeName), attr.Is(rdnAttr), attr.Is(c.profile.naming[oc]):
		case attr.Is(framework.AttributeUid):
			return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "%s cannot be set on create", framework.AttributeUid)
		case attr.Is(framework.AttributePassword):
			password = attr.SingleString()
		case attr.Is(framework.AttributeEnable):
			b, err := boolValue(firstAny(attr))
			if err != nil {
				return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "%s: %v", framework.AttributeEnable, err)
			}
			enable = &b
		default:
			if values := attr.StringValues(); len(values) > 0 {
				req.Attribute(attr.Name, values)
			}
		}
	}

	if password != "" {
		encoded, err := c.profile.encodePassword(password)
		if err != nil {
			return framework.Uid{}, framework.WrapError(framework.KindInvalidAttributeValue, err)
		}
		req.Attribute(c.profile.password, []string{encoded})
	}

	if c.profile.isAD() {
		switch oc {
		case framework.ObjectClassAccount:
			// AD refuses enabled accounts without a password.
			enabled := password != ""
			if enable != nil {
				enabled = *enable
			}
			req.Attribute("userAccountControl", []string{strconv.Itoa(enableFlags(uacNormalAccount, enabled))})
		case framework.ObjectClassGroup:
			if _, ok := framework.FindAttribute(attrs, "groupType"); !ok {
				req.Attribute("groupType", []string{adGlobalSecurityGroup})
			}
		}
	} else if enable != nil {
		return framework.Uid{}, framework.NewError(framework.KindUnsupportedOperation, "%s is not supported by %s directories", framework.AttributeEnable, c.config.DirectoryType)
	}

	fields := map[string]any{"dn": dn, "object_class": string(oc)}
	err := logging.LogOperation(ctx, logging.SubsystemLDAP, "create", fields, func() error {
		return c.pool.withConn(ctx, func(dir directory) error {
			return dir.Add(req)
		})
	})
	if err != nil {
		return framework.Uid{}, mapError("add", dn, err)
	}

	entry, err := c.readDN(ctx, oc, dn)
	if err != nil {
		return framework.Uid{}, err
	}
	uid, err := c.profile.uidOf(entry)
	if err != nil {
		return framework.Uid{}, framework.WrapError(framework.KindConnectorIO, err)
	}
	return framework.Uid{Value: uid}, nil
}

func (c *Connector) Update(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, typ framework.UpdateType, attrs []framework.Attribute, _ framework.OperationOptions) (framework.Uid, error) {
	if err := checkClass(oc); err != nil {
		return framework.Uid{}, err
	}
	if typ == "" {
		typ = framework.UpdateReplace
	}

	entry, err := c.lookup(ctx, oc, uid.Value, []string{"userAccountControl"})
	if err != nil {
		return framework.Uid{}, err
	}
	dn := entry.DN

	// Renames apply first so the modify targets the new DN.
	if nameAttr, ok := framework.FindAttribute(attrs, framework.AttributeName); ok && typ == framework.UpdateReplace {
		newName := nameAttr.SingleString()
		if newName == "" {
			return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "%s cannot be empty", framework.AttributeName)
		}
		if c.profile.naming[oc] == c.profile.rdn[oc] {
			if dn, err = c.rename(ctx, dn, c.profile.rdn[oc], newName); err != nil {
				return framework.Uid{}, err
			}
		}
	}

	req := ldap.NewModifyRequest(dn, nil)
	for _, attr := range attrs {
		switch {
		case attr.Is(framework.AttributeUid):
			return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "%s cannot be updated", framework.AttributeUid)

		case attr.Is(framework.AttributeName):
			if typ != framework.UpdateReplace {
				return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "%s is single-valued", framework.AttributeName)
			}
			if c.profile.naming[oc] != c.profile.rdn[oc] {
				req.Replace(c.profile.naming[oc], []string{attr.SingleString()})
			}

		case attr.Is(framework.AttributePassword):
			encoded, err := c.profile.encodePassword(attr.SingleString())
			if err != nil {
				return framework.Uid{}, framework.WrapError(framework.KindInvalidAttributeValue, err)
			}
			req.Replace(c.profile.password, []string{encoded})

		case attr.Is(framework.AttributeEnable):
			if !c.profile.isAD() {
				return framework.Uid{}, framework.NewError(framework.KindUnsupportedOperation, "%s is not supported by %s directories", framework.AttributeEnable, c.config.DirectoryType)
			}
			enabled, err := boolValue(firstAny(attr))
			if err != nil {
				return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "%s: %v", framework.AttributeEnable, err)
			}
			current, _ := strconv.Atoi(entry.GetAttributeValue("userAccountControl"))
			req.Replace("userAccountControl", []string{strconv.Itoa(enableFlags(current, enabled))})

		default:
			values := attr.StringValues()
			switch typ {
			case framework.UpdateReplace:
				req.Replace(attr.Name, values)
			case framework.UpdateAddValues:
				req.Add(attr.Name, values)
			case framework.UpdateRemoveValues:
				req.Delete(attr.Name, values)
			default:
				return framework.Uid{}, framework.NewError(framework.KindInvalidAttributeValue, "unknown update type %q", typ)
			}
		}
	}

	if len(req.Changes) > 0 {
		fields := map[string]any{"dn": dn, "changes": len(req.Changes), "update_type": string(typ)}
		err := logging.LogOperation(ctx, logging.SubsystemLDAP, "update", fields, func() error {
			return c.pool.withConn(ctx, func(dir directory) error {
				return dir.Modify(req)
			})
		})
		if err != nil {
			return framework.Uid{}, mapError("modify", dn, err)
		}
	}

	return framework.Uid{Value: uid.Value}, nil
}

// rename moves dn to a new RDN under the same parent and returns the new DN.
func (c *Connector) rename(ctx context.Context, dn, rdnAttr, value string) (string, error) {
	current, err := rdnValue(dn)
	if err != nil {
		return "", framework.WrapError(framework.KindConnectorIO, err)
	}
	if current == value {
		return dn, nil
	}

	parent, err := parentDN(dn)
	if err != nil {
		return "", framework.WrapError(framework.KindConnectorIO, err)
	}

	newRDN := rdnAttr + "=" + escapeDNValue(value)
	req := ldap.NewModifyDNRequest(dn, newRDN, true, "")
	err = c.pool.withConn(ctx, func(dir directory) error {
		return dir.ModifyDN(req)
	})
	if err != nil {
		return "", mapError("rename", dn, err)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Entry renamed", map[string]any{
		"old_dn":  dn,
		"new_rdn": newRDN,
	})
	return newRDN + "," + parent, nil
}

func (c *Connector) Delete(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, _ framework.OperationOptions) error {
	if err := checkClass(oc); err != nil {
		return err
	}

	entry, err := c.lookup(ctx, oc, uid.Value, nil)
	if err != nil {
		return err
	}

	err = logging.LogOperation(ctx, logging.SubsystemLDAP, "delete", map[string]any{"dn": entry.DN}, func() error {
		return c.pool.withConn(ctx, func(dir directory) error {
			return dir.Del(ldap.NewDelRequest(entry.DN, nil))
		})
	})
	return mapError("delete", entry.DN, err)
}

// Search streams matching entries to handler. With a page size option only
// one page is read and its continuation cookie returned; otherwise every
// page is read.
func (c *Connector) Search(ctx context.Context, oc framework.ObjectClass, filter *framework.Filter, handler framework.ResultsHandler, opts framework.OperationOptions) (framework.SearchResult, error) {
	if err := checkClass(oc); err != nil {
		return framework.SearchResult{}, err
	}
	if err := filter.Validate(); err != nil {
		return framework.SearchResult{}, framework.WrapError(framework.KindInvalidAttributeValue, err)
	}

	expr, err := c.profile.buildFilter(oc, filter)
	if err != nil {
		return framework.SearchResult{}, err
	}

	var cookie []byte
	if s := opts.PagedResultsCookie(); s != "" {
		if cookie, err = base64.StdEncoding.DecodeString(s); err != nil {
			return framework.SearchResult{}, framework.NewError(framework.KindInvalidAttributeValue, "invalid paged results cookie: %v", err)
		}
	}

	singlePage := opts.PageSize() > 0
	pageSize := c.config.PageSize
	if singlePage {
		pageSize = opts.PageSize()
	}

	attrsToGet := opts.AttributesToGet()
	base := c.container(oc)
	paging := ldap.NewControlPaging(uint32(pageSize))
	paging.SetCookie(cookie)

	fields := map[string]any{
		"base_dn":   base,
		"filter":    expr,
		"page_size": pageSize,
	}
	tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Starting paged search", fields)

	start := time.Now()
	var (
		emitted int
		pages   int
		stopped bool
		next    []byte
		pageErr error
	)

	err = c.pool.withConn(ctx, func(dir directory) error {
		for {
			if err := ctx.Err(); err != nil {
				pageErr = err
				return nil
			}

			req := ldap.NewSearchRequest(
				base,
				ldap.ScopeWholeSubtree,
				ldap.NeverDerefAliases,
				0, int(c.config.Timeout.Seconds()), false,
				expr,
				c.profile.requestedAttributes(oc, attrsToGet),
				[]ldap.Control{paging},
			)

			result, err := dir.Search(req)
			if err != nil {
				// Pages already delivered cannot be replayed on another connection.
				if emitted > 0 {
					pageErr = err
					return nil
				}
				return err
			}
			pages++

			for _, entry := range result.Entries {
				obj, err := c.profile.toObject(oc, entry, attrsToGet)
				if err != nil {
					tflog.SubsystemWarn(ctx, logging.SubsystemLDAP, "Skipping unreadable entry", map[string]any{
						"dn":    entry.DN,
						"error": err.Error(),
					})
					continue
				}
				emitted++
				if !handler(obj) {
					stopped = true
					return nil
				}
			}

			next = nil
			if ctrl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
				next = ctrl.Cookie
			}
			if len(next) == 0 || singlePage {
				return nil
			}
			paging.SetCookie(next)
		}
	})
	if err == nil {
		err = pageErr
	}

	fields["entries"] = emitted
	fields["pages"] = pages
	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, logging.SubsystemLDAP, "Paged search failed", fields)
		return framework.SearchResult{}, mapError("search", base, err)
	}
	tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Paged search completed", fields)

	res := framework.SearchResult{RemainingPagedResults: -1}
	if singlePage && len(next) > 0 {
		res.PagedResultsCookie = base64.StdEncoding.EncodeToString(next)
	}
	res.AllResultsReturned = !stopped && res.PagedResultsCookie == ""
	return res, nil
}

func (c *Connector) Authenticate(ctx context.Context, oc framework.ObjectClass, username, password string, _ framework.OperationOptions) (framework.Uid, error) {
	if err := checkClass(oc); err != nil {
		return framework.Uid{}, err
	}
	// An empty password would be an unauthenticated bind, which succeeds.
	if password == "" {
		return framework.Uid{}, framework.NewError(framework.KindInvalidCredential, "password is required")
	}

	entry, err := c.findByName(ctx, oc, username)
	if err != nil {
		if framework.IsUnknownUid(err) {
			return framework.Uid{}, framework.NewError(framework.KindInvalidCredential, "invalid credentials for %s", username)
		}
		return framework.Uid{}, err
	}
	uid, err := c.profile.uidOf(entry)
	if err != nil {
		return framework.Uid{}, framework.WrapError(framework.KindConnectorIO, err)
	}

	logCtx := tflog.SetField(ctx, "dn", entry.DN)
	logging.LogConnectionEvent(logCtx, logging.SubsystemLDAP, "authentication_attempt", nil)

	dir, err := c.pool.open(ctx)
	if err != nil {
		return framework.Uid{}, mapError("bind", entry.DN, err)
	}
	defer func() {
		_ = dir.Close()
	}()

	if err := dir.Bind(entry.DN, password); err != nil {
		logging.LogConnectionEvent(logCtx, logging.SubsystemLDAP, "authentication_failed", map[string]any{"error": err.Error()})
		return framework.Uid{}, mapBindError(entry.DN, err)
	}

	logging.LogConnectionEvent(logCtx, logging.SubsystemLDAP, "authentication_success", nil)
	return framework.Uid{Value: uid}, nil
}

func (c *Connector) ResolveUsername(ctx context.Context, oc framework.ObjectClass, username string, _ framework.OperationOptions) (framework.Uid, error) {
	if err := checkClass(oc); err != nil {
		return framework.Uid{}, err
	}

	entry, err := c.findByName(ctx, oc, username)
	if err != nil {
		return framework.Uid{}, err
	}
	uid, err := c.profile.uidOf(entry)
	if err != nil {
		return framework.Uid{}, framework.WrapError(framework.KindConnectorIO, err)
	}
	return framework.Uid{Value: uid}, nil
}

// lookup finds the single entry of oc with the given uid.
func (c *Connector) lookup(ctx context.Context, oc framework.ObjectClass, uid string, attrs []string) (*ldap.Entry, error) {
	if uid == "" {
		return nil, framework.NewError(framework.KindInvalidAttributeValue, "%s is required", framework.AttributeUid)
	}
	expr, err := c.profile.uidFilter(uid)
	if err != nil {
		// A malformed GUID cannot name an existing entry.
		return nil, framework.NewError(framework.KindUnknownUid, "%s %s not found: %v", oc, uid, err)
	}
	return c.findOne(ctx, oc, c.container(oc), ldap.ScopeWholeSubtree, expr, attrs, uid)
}

func (c *Connector) findByName(ctx context.Context, oc framework.ObjectClass, username string) (*ldap.Entry, error) {
	if username == "" {
		return nil, framework.NewError(framework.KindInvalidAttributeValue, "username is required")
	}
	expr := "(" + c.profile.naming[oc] + "=" + ldap.EscapeFilter(username) + ")"
	return c.findOne(ctx, oc, c.container(oc), ldap.ScopeWholeSubtree, expr, nil, username)
}

// readDN reads the entry at dn.
func (c *Connector) readDN(ctx context.Context, oc framework.ObjectClass, dn string) (*ldap.Entry, error) {
	return c.findOne(ctx, oc, dn, ldap.ScopeBaseObject, "", nil, dn)
}

func (c *Connector) findOne(ctx context.Context, oc framework.ObjectClass, base string, scope int, expr string, attrs []string, label string) (*ldap.Entry, error) {
	filter := c.profile.classFilter(oc)
	if expr != "" {
		filter = "(&" + filter + expr + ")"
	}

	req := ldap.NewSearchRequest(
		base,
		scope,
		ldap.NeverDerefAliases,
		2, int(c.config.Timeout.Seconds()), false,
		filter,
		append([]string{c.profile.uidAttribute, c.profile.naming[oc]}, attrs...),
		nil,
	)

	var result *ldap.SearchResult
	err := c.pool.withConn(ctx, func(dir directory) error {
		var err error
		result, err = dir.Search(req)
		return err
	})

	var le *ldap.Error
	switch {
	case errors.As(err, &le) && le.ResultCode == ldap.LDAPResultNoSuchObject:
		return nil, framework.NewError(framework.KindUnknownUid, "%s %s not found", oc, label)
	case errors.As(err, &le) && le.ResultCode == ldap.LDAPResultSizeLimitExceeded:
		return nil, framework.NewError(framework.KindInvalidAttributeValue, "%s %s is ambiguous", oc, label)
	case err != nil:
		return nil, mapError("search", base, err)
	}

	switch len(result.Entries) {
	case 0:
		return nil, framework.NewError(framework.KindUnknownUid, "%s %s not found", oc, label)
	case 1:
		return result.Entries[0], nil
	default:
		names := make([]string, 0, len(result.Entries))
		for _, e := range result.Entries {
			names = append(names, e.DN)
		}
		return nil, framework.NewError(framework.KindInvalidAttributeValue, "%s %s is ambiguous: %s", oc, label, strings.Join(names, "; "))
	}
}

func firstAny(attr framework.Attribute) any {
	if len(attr.Values) == 0 {
		return nil
	}
	return attr.Values[0]
}

func (c *Connector) String() string {
	if c.config == nil {
		return "ldap(unconfigured)"
	}
	return fmt.Sprintf("ldap(%s %s)", c.config.DirectoryType, c.config.BaseDN)
}
