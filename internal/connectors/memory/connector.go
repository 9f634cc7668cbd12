package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/framework"
)

// Key identifies the in-memory connector.
var Key = framework.ConnectorKey{
	BundleName:    "org.icf.connectors.memory",
	BundleVersion: "1.0.0",
	ConnectorName: "MemoryConnector",
}

// Configuration property names.
const (
	PropertyAsyncBatch   = "asyncBatch"
	PropertyBatchWorkers = "batchWorkers"
)

// AttributePasswordExpired marks an account whose password must be changed
// before it can authenticate.
const AttributePasswordExpired = "__PASSWORD_EXPIRED__"

type entry struct {
	object   framework.ConnectorObject
	password string
	revision int
}

// Connector keeps objects in memory. It implements every connector operation
// and is safe for concurrent use.
type Connector struct {
	asyncBatch   bool
	batchWorkers int

	mu      sync.RWMutex
	objects map[framework.ObjectClass]map[string]*entry
	log     *changeLog
	batches map[string]*asyncBatch
}

var (
	_ framework.Connector                    = (*Connector)(nil)
	_ framework.CreateOp                     = (*Connector)(nil)
	_ framework.UpdateOp                     = (*Connector)(nil)
	_ framework.DeleteOp                     = (*Connector)(nil)
	_ framework.SearchOp                     = (*Connector)(nil)
	_ framework.SyncOp                       = (*Connector)(nil)
	_ framework.AuthenticateOp               = (*Connector)(nil)
	_ framework.ResolveUsernameOp            = (*Connector)(nil)
	_ framework.ScriptOnConnectorOp          = (*Connector)(nil)
	_ framework.ScriptOnResourceOp           = (*Connector)(nil)
	_ framework.TestOp                       = (*Connector)(nil)
	_ framework.ValidateOp                   = (*Connector)(nil)
	_ framework.BatchOp                      = (*Connector)(nil)
	_ framework.ConnectorEventSubscriptionOp = (*Connector)(nil)
	_ framework.SyncEventSubscriptionOp      = (*Connector)(nil)
)

// New returns an unconfigured connector. It is a framework.ConnectorFactory.
func New() framework.Connector {
	return &Connector{
		batchWorkers: 4,
		objects:      make(map[framework.ObjectClass]map[string]*entry),
		log:          newChangeLog(),
		batches:      make(map[string]*asyncBatch),
	}
}

// Validate checks the configuration properties.
func (c *Connector) Validate(cfg framework.Configuration) error {
	if n := cfg.Int(PropertyBatchWorkers, 4); n <= 0 {
		return framework.NewError(framework.KindConfiguration, "%s must be positive, got %d", PropertyBatchWorkers, n)
	}
	return nil
}

func (c *Connector) Init(ctx context.Context, cfg framework.Configuration) error {
	if err := c.Validate(cfg); err != nil {
		return err
	}
	c.asyncBatch = cfg.Bool(PropertyAsyncBatch)
	c.batchWorkers = cfg.Int(PropertyBatchWorkers, 4)

	tflog.Debug(ctx, "Memory connector initialized", map[string]any{
		"async_batch":   c.asyncBatch,
		"batch_workers": c.batchWorkers,
	})
	return nil
}

func (c *Connector) Dispose() {
	c.log.close()
}

func (c *Connector) Test(ctx context.Context) error {
	return ctx.Err()
}

func (c *Connector) class(oc framework.ObjectClass) map[string]*entry {
	m, ok := c.objects[oc]
	if !ok {
		m = make(map[string]*entry)
		c.objects[oc] = m
	}
	return m
}

// findByName returns the entry named name, ignoring case. Callers hold mu.
func (c *Connector) findByName(oc framework.ObjectClass, name string) *entry {
	for _, e := range c.objects[oc] {
		if strings.EqualFold(e.object.Name, name) {
			return e
		}
	}
	return nil
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

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.findByName(oc, name) != nil {
		return framework.Uid{}, framework.NewError(framework.KindAlreadyExists, "%s %q already exists", oc, name)
	}

	e := &entry{
		object: framework.ConnectorObject{
			ObjectClass: oc,
			Uid:         framework.Uid{Value: uuid.NewString()},
			Name:        name,
		},
		revision: 1,
	}
	e.object.Uid.Revision = strconv.Itoa(e.revision)

	for _, a := range attrs {
		switch {
		case a.Is(framework.AttributeName), a.Is(framework.AttributeUid):
		case a.Is(framework.AttributePassword):
			e.password = a.SingleString()
		default:
			e.object.Attributes = append(e.object.Attributes, cloneAttribute(a))
		}
	}

	c.class(oc)[e.object.Uid.Value] = e
	c.log.append(framework.SyncDeltaCreate, cloneObject(&e.object), nil)

	tflog.Trace(ctx, "Memory object created", map[string]any{
		"object_class": string(oc),
		"uid":          e.object.Uid.Value,
	})
	return e.object.Uid, nil
}

func (c *Connector) Update(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, typ framework.UpdateType, attrs []framework.Attribute, _ framework.OperationOptions) (framework.Uid, error) {
	if err := checkClass(oc); err != nil {
		return framework.Uid{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[oc][uid.Value]
	if !ok {
		return framework.Uid{}, unknownUid(oc, uid)
	}
	if uid.Revision != "" && uid.Revision != e.object.Uid.Revision {
		return framework.Uid{}, framework.NewError(framework.KindPreconditionFailed,
			"revision %s of %s is stale, current is %s", uid.Revision, uid.Value, e.object.Uid.Revision)
	}

	previous := e.object.Uid
	work := *e
	work.object = *cloneObject(&e.object)
	for _, a := range attrs {
		if err := c.apply(&work, typ, a); err != nil {
			return framework.Uid{}, err
		}
	}
	*e = work

	e.revision++
	e.object.Uid.Revision = strconv.Itoa(e.revision)
	c.log.append(framework.SyncDeltaUpdate, cloneObject(&e.object), &previous)

	tflog.Trace(ctx, "Memory object updated", map[string]any{
		"object_class": string(oc),
		"uid":          uid.Value,
		"update_type":  string(typ),
	})
	return e.object.Uid, nil
}

func (c *Connector) apply(e *entry, typ framework.UpdateType, a framework.Attribute) error {
	switch {
	case a.Is(framework.AttributeUid):
		return framework.NewError(framework.KindInvalidAttributeValue, "%s cannot be modified", framework.AttributeUid)

	case a.Is(framework.AttributeName):
		name := a.SingleString()
		if typ != framework.UpdateReplace || name == "" {
			return framework.NewError(framework.KindInvalidAttributeValue, "%s can only be replaced with a value", framework.AttributeName)
		}
		if other := c.findByName(e.object.ObjectClass, name); other != nil && other.object.Uid.Value != e.object.Uid.Value {
			return framework.NewError(framework.KindAlreadyExists, "%s %q already exists", e.object.ObjectClass, name)
		}
		e.object.Name = name
		return nil

	case a.Is(framework.AttributePassword):
		e.password = a.SingleString()
		return nil
	}

	i := slices.IndexFunc(e.object.Attributes, func(x framework.Attribute) bool { return x.Is(a.Name) })

	switch typ {
	case framework.UpdateReplace:
		switch {
		case len(a.Values) == 0 && i >= 0:
			e.object.Attributes = slices.Delete(e.object.Attributes, i, i+1)
		case len(a.Values) == 0:
		case i >= 0:
			e.object.Attributes[i] = cloneAttribute(a)
		default:
			e.object.Attributes = append(e.object.Attributes, cloneAttribute(a))
		}

	case framework.UpdateAddValues:
		if i < 0 {
			e.object.Attributes = append(e.object.Attributes, cloneAttribute(a))
			return nil
		}
		for _, v := range a.Values {
			if !containsValue(e.object.Attributes[i].Values, v) {
				e.object.Attributes[i].Values = append(e.object.Attributes[i].Values, v)
			}
		}

	case framework.UpdateRemoveValues:
		if i < 0 {
			return nil
		}
		e.object.Attributes[i].Values = slices.DeleteFunc(e.object.Attributes[i].Values, func(v any) bool {
			return containsValue(a.Values, v)
		})
		if len(e.object.Attributes[i].Values) == 0 {
			e.object.Attributes = slices.Delete(e.object.Attributes, i, i+1)
		}

	default:
		return framework.NewError(framework.KindInvalidAttributeValue, "unknown update type %q", typ)
	}
	return nil
}

func (c *Connector) Delete(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, _ framework.OperationOptions) error {
	if err := checkClass(oc); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[oc][uid.Value]
	if !ok {
		return unknownUid(oc, uid)
	}
	delete(c.objects[oc], uid.Value)

	deleted := e.object.Uid
	c.log.appendDelete(oc, deleted)

	tflog.Trace(ctx, "Memory object deleted", map[string]any{
		"object_class": string(oc),
		"uid":          uid.Value,
	})
	return nil
}

// Search returns matching objects ordered by name. With a page size the
// cookie is the offset of the next page.
func (c *Connector) Search(ctx context.Context, oc framework.ObjectClass, filter *framework.Filter, handler framework.ResultsHandler, opts framework.OperationOptions) (framework.SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return framework.SearchResult{}, framework.WrapError(framework.KindInvalidAttributeValue, err)
	}

	matches := c.snapshot(oc, filter)

	offset := 0
	if cookie := opts.PagedResultsCookie(); cookie != "" {
		n, err := strconv.Atoi(cookie)
		if err != nil || n < 0 || n > len(matches) {
			return framework.SearchResult{}, framework.NewError(framework.KindInvalidAttributeValue, "invalid paged results cookie %q", cookie)
		}
		offset = n
	}

	end := len(matches)
	if size := opts.PageSize(); size > 0 && offset+size < end {
		end = offset + size
	}

	attrsToGet := opts.AttributesToGet()
	for i := offset; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return framework.SearchResult{}, err
		}
		obj := project(matches[i], attrsToGet)
		if !handler(obj) {
			return framework.SearchResult{RemainingPagedResults: -1}, nil
		}
	}

	result := framework.SearchResult{
		RemainingPagedResults: len(matches) - end,
		AllResultsReturned:    end == len(matches),
	}
	if !result.AllResultsReturned {
		result.PagedResultsCookie = strconv.Itoa(end)
	}
	return result, nil
}

// snapshot copies the matching objects, sorted by name.
func (c *Connector) snapshot(oc framework.ObjectClass, filter *framework.Filter) []*framework.ConnectorObject {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*framework.ConnectorObject
	for class, objects := range c.objects {
		if oc != framework.ObjectClassAll && class != oc {
			continue
		}
		for _, e := range objects {
			if filter == nil || filter.Match(&e.object) {
				out = append(out, cloneObject(&e.object))
			}
		}
	}

	slices.SortFunc(out, func(a, b *framework.ConnectorObject) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			strings.Compare(a.Uid.Value, b.Uid.Value),
		)
	})
	return out
}

func (c *Connector) Authenticate(_ context.Context, oc framework.ObjectClass, username, password string, _ framework.OperationOptions) (framework.Uid, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.findByName(oc, username)
	if e == nil || e.password == "" || e.password != password {
		return framework.Uid{}, framework.NewError(framework.KindInvalidCredential, "invalid credentials for %q", username)
	}

	if a, ok := framework.FindAttribute(e.object.Attributes, framework.AttributeEnable); ok && !truthy(a) {
		return framework.Uid{}, framework.NewError(framework.KindPermissionDenied, "account %q is disabled", username)
	}

	if a, ok := framework.FindAttribute(e.object.Attributes, AttributePasswordExpired); ok && truthy(a) {
		return framework.Uid{}, framework.NewError(framework.KindPasswordExpired, "password of %q has expired", username)
	}

	return e.object.Uid, nil
}

func (c *Connector) ResolveUsername(_ context.Context, oc framework.ObjectClass, username string, _ framework.OperationOptions) (framework.Uid, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.findByName(oc, username)
	if e == nil {
		return framework.Uid{}, framework.NewError(framework.KindUnknownUid, "no %s named %q", oc, username)
	}
	return e.object.Uid, nil
}

// Count returns the number of stored objects of class oc, or of every class
// for framework.ObjectClassAll.
func (c *Connector) Count(oc framework.ObjectClass) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if oc != framework.ObjectClassAll {
		return len(c.objects[oc])
	}
	n := 0
	for _, objects := range c.objects {
		n += len(objects)
	}
	return n
}

func checkClass(oc framework.ObjectClass) error {
	if oc == "" || oc == framework.ObjectClassAll {
		return framework.NewError(framework.KindInvalidAttributeValue, "object class %q cannot be modified", oc)
	}
	return nil
}

func unknownUid(oc framework.ObjectClass, uid framework.Uid) error {
	return framework.NewError(framework.KindUnknownUid, "%s %s not found", oc, uid.Value)
}

func truthy(a framework.Attribute) bool {
	if len(a.Values) == 0 {
		return false
	}
	switch v := a.Values[0].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func containsValue(values []any, v any) bool {
	s := fmt.Sprint(v)
	return slices.ContainsFunc(values, func(x any) bool { return fmt.Sprint(x) == s })
}

func cloneAttribute(a framework.Attribute) framework.Attribute {
	return framework.Attribute{Name: a.Name, Values: slices.Clone(a.Values)}
}

func cloneObject(o *framework.ConnectorObject) *framework.ConnectorObject {
	out := *o
	out.Attributes = make([]framework.Attribute, 0, len(o.Attributes))
	for _, a := range o.Attributes {
		out.Attributes = append(out.Attributes, cloneAttribute(a))
	}
	return &out
}

// project keeps only the requested attributes. Uid and name are always kept.
func project(o *framework.ConnectorObject, names []string) *framework.ConnectorObject {
	if len(names) == 0 {
		return o
	}
	o.Attributes = slices.DeleteFunc(o.Attributes, func(a framework.Attribute) bool {
		return !slices.ContainsFunc(names, func(n string) bool { return a.Is(n) })
	})
	return o
}
