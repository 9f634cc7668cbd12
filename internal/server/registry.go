package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/wire"
)

// FacadeKey identifies a configured connector instance: a digest of the
// connector key and its configuration.
type FacadeKey [32]byte

func (k FacadeKey) String() string {
	return hex.EncodeToString(k[:8])
}

// facadeKeyInput is hashed in a fixed layout so equal configurations produce
// equal keys regardless of map order.
type facadeKeyInput struct {
	Key        framework.ConnectorKey `msgpack:"key"`
	Properties []facadeProperty       `msgpack:"properties"`
}

type facadeProperty struct {
	Name  string `msgpack:"name"`
	Value any    `msgpack:"value"`
}

// NewFacadeKey computes the facade key of target.
func NewFacadeKey(target *wire.Target) (FacadeKey, error) {
	names := make([]string, 0, len(target.Configuration))
	for name := range target.Configuration {
		names = append(names, name)
	}
	slices.Sort(names)

	input := facadeKeyInput{Key: target.ConnectorKey, Properties: make([]facadeProperty, 0, len(names))}
	for _, name := range names {
		input.Properties = append(input.Properties, facadeProperty{Name: name, Value: target.Configuration[name]})
	}

	b, err := msgpack.Marshal(&input)
	if err != nil {
		return FacadeKey{}, fmt.Errorf("encode facade key: %w", err)
	}
	return FacadeKey(blake3.Sum256(b)), nil
}

// Registry maps connector keys to factories and caches one initialized
// connector per facade key.
type Registry struct {
	logCtx context.Context

	mu        sync.RWMutex
	factories map[framework.ConnectorKey]framework.ConnectorFactory
	facades   map[FacadeKey]framework.Connector
	closed    bool

	init singleflight.Group
}

// NewRegistry creates an empty registry. ctx is used for logging.
func NewRegistry(ctx context.Context) *Registry {
	return &Registry{
		logCtx:    ctx,
		factories: make(map[framework.ConnectorKey]framework.ConnectorFactory),
		facades:   make(map[FacadeKey]framework.Connector),
	}
}

// Register makes a connector implementation available under key.
func (r *Registry) Register(key framework.ConnectorKey, factory framework.ConnectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory

	tflog.SubsystemDebug(r.logCtx, logging.SubsystemServer, "Connector registered", map[string]any{
		"connector_key": key.String(),
	})
}

// Keys returns the registered connector keys.
func (r *Registry) Keys() []framework.ConnectorKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]framework.ConnectorKey, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b framework.ConnectorKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

func (r *Registry) factory(key framework.ConnectorKey) (framework.ConnectorFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, framework.NewError(framework.KindConnector, "connector registry is closed")
	}
	f, ok := r.factories[key]
	if !ok {
		return nil, framework.NewError(framework.KindConfiguration, "no connector registered for %s", key)
	}
	return f, nil
}

// Validate checks target's configuration with a fresh, uninitialized
// connector.
func (r *Registry) Validate(target *wire.Target) error {
	f, err := r.factory(target.ConnectorKey)
	if err != nil {
		return err
	}

	c := f()
	if v, ok := c.(framework.ValidateOp); ok {
		return v.Validate(target.Configuration)
	}
	return nil
}

// Facade returns the initialized connector for target, creating it on first
// use. Concurrent first uses share one initialization.
func (r *Registry) Facade(ctx context.Context, target *wire.Target) (framework.Connector, error) {
	if target == nil {
		return nil, framework.NewError(framework.KindConfiguration, "request carries no connector target")
	}

	key, err := NewFacadeKey(target)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	c, ok := r.facades[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := r.init.Do(string(key[:]), func() (any, error) {
		return r.create(ctx, key, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(framework.Connector), nil
}

func (r *Registry) create(ctx context.Context, key FacadeKey, target *wire.Target) (framework.Connector, error) {
	r.mu.RLock()
	c, ok := r.facades[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	f, err := r.factory(target.ConnectorKey)
	if err != nil {
		return nil, err
	}

	c = f()
	if v, ok := c.(framework.ValidateOp); ok {
		if err := v.Validate(target.Configuration); err != nil {
			return nil, framework.WrapError(framework.KindConfiguration, err)
		}
	}

	err = logging.LogOperation(r.logCtx, logging.SubsystemServer, "connector_init", map[string]any{
		"connector_key": target.ConnectorKey.String(),
		"facade_key":    key.String(),
		"configuration": logging.SanitizeFields(target.Configuration),
	}, func() error {
		return c.Init(context.WithoutCancel(ctx), target.Configuration)
	})
	if err != nil {
		return nil, framework.WrapError(framework.KindConfiguration, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		c.Dispose()
		return nil, framework.NewError(framework.KindConnector, "connector registry is closed")
	}
	r.facades[key] = c
	return c, nil
}

// Close disposes every cached connector.
func (r *Registry) Close() {
	r.mu.Lock()
	facades := r.facades
	r.facades = make(map[FacadeKey]framework.Connector)
	r.closed = true
	r.mu.Unlock()

	for _, c := range facades {
		c.Dispose()
	}

	tflog.SubsystemDebug(r.logCtx, logging.SubsystemServer, "Connector registry closed", map[string]any{
		"disposed": len(facades),
	})
}
