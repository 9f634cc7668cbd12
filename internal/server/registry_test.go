package server

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/connectors/memory"
	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/wire"
)

func TestNewFacadeKey(t *testing.T) {
	base := &wire.Target{
		ConnectorKey:  memory.Key,
		Configuration: framework.Configuration{"host": "ldap.example.com", "port": 389, "tls": true},
	}

	tests := []struct {
		name   string
		target *wire.Target
		same   bool
	}{
		{
			name: "same properties built in another order",
			target: &wire.Target{
				ConnectorKey: memory.Key,
				Configuration: func() framework.Configuration {
					cfg := framework.Configuration{}
					cfg["tls"] = true
					cfg["port"] = 389
					cfg["host"] = "ldap.example.com"
					return cfg
				}(),
			},
			same: true,
		},
		{
			name: "different value",
			target: &wire.Target{
				ConnectorKey:  memory.Key,
				Configuration: framework.Configuration{"host": "ldap.example.com", "port": 636, "tls": true},
			},
		},
		{
			name: "extra property",
			target: &wire.Target{
				ConnectorKey:  memory.Key,
				Configuration: framework.Configuration{"host": "ldap.example.com", "port": 389, "tls": true, "x": ""},
			},
		},
		{
			name:   "different connector",
			target: &wire.Target{ConnectorKey: bareKey, Configuration: base.Configuration},
		},
	}

	want, err := NewFacadeKey(base)
	require.NoError(t, err)
	assert.Len(t, want.String(), 16)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFacadeKey(tt.target)
			require.NoError(t, err)
			if tt.same {
				assert.Equal(t, want, got)
			} else {
				assert.NotEqual(t, want, got)
			}
		})
	}
}

func TestRegistry_Keys(t *testing.T) {
	r, _ := newTestRegistry(t)

	keys := r.Keys()
	require.Len(t, keys, 3)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1].String(), keys[i].String())
	}
}

func TestRegistry_FacadeIsCached(t *testing.T) {
	r, n := newTestRegistry(t)
	ctx := context.Background()

	target := &wire.Target{ConnectorKey: countingKey, Configuration: framework.Configuration{"name": "a"}}

	first, err := r.Facade(ctx, target)
	require.NoError(t, err)
	second, err := r.Facade(ctx, &wire.Target{ConnectorKey: countingKey, Configuration: framework.Configuration{"name": "a"}})
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := r.Facade(ctx, &wire.Target{ConnectorKey: countingKey, Configuration: framework.Configuration{"name": "b"}})
	require.NoError(t, err)
	assert.NotSame(t, first, other)

	assert.EqualValues(t, 2, n.inits.Load())
}

func TestRegistry_ConcurrentFirstUseInitializesOnce(t *testing.T) {
	r, n := newTestRegistry(t)
	target := &wire.Target{ConnectorKey: countingKey}

	var wg sync.WaitGroup
	results := make([]framework.Connector, 16)
	for i := range results {
		wg.Go(func() {
			c, err := r.Facade(context.Background(), target)
			assert.NoError(t, err)
			results[i] = c
		})
	}
	wg.Wait()

	assert.EqualValues(t, 1, n.inits.Load())
	for _, c := range results[1:] {
		assert.Same(t, results[0], c)
	}
}

func TestRegistry_FacadeErrors(t *testing.T) {
	r, n := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		target *wire.Target
		kind   framework.ErrorKind
	}{
		{
			name:   "nil target",
			target: nil,
			kind:   framework.KindConfiguration,
		},
		{
			name:   "unknown connector",
			target: &wire.Target{ConnectorKey: framework.ConnectorKey{BundleName: "nope"}},
			kind:   framework.KindConfiguration,
		},
		{
			name:   "invalid configuration",
			target: &wire.Target{ConnectorKey: memory.Key, Configuration: framework.Configuration{memory.PropertyBatchWorkers: -1}},
			kind:   framework.KindConfiguration,
		},
		{
			name:   "init failure",
			target: &wire.Target{ConnectorKey: countingKey, Configuration: framework.Configuration{"fail": true}},
			kind:   framework.KindConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.Facade(ctx, tt.target)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.Equal(t, tt.kind, framework.GetErrorKind(err))
		})
	}

	// A failed initialization is not cached.
	_, err := r.Facade(ctx, &wire.Target{ConnectorKey: countingKey, Configuration: framework.Configuration{"fail": true}})
	require.Error(t, err)
	assert.EqualValues(t, 2, n.inits.Load())
}

func TestRegistry_Validate(t *testing.T) {
	r, n := newTestRegistry(t)

	require.NoError(t, r.Validate(&wire.Target{ConnectorKey: memory.Key}))
	require.NoError(t, r.Validate(&wire.Target{ConnectorKey: countingKey}))

	err := r.Validate(&wire.Target{ConnectorKey: memory.Key, Configuration: framework.Configuration{memory.PropertyBatchWorkers: 0}})
	require.Error(t, err)
	assert.Equal(t, framework.KindConfiguration, framework.GetErrorKind(err))

	err = r.Validate(&wire.Target{ConnectorKey: framework.ConnectorKey{BundleName: "nope"}})
	assert.Equal(t, framework.KindConfiguration, framework.GetErrorKind(err))

	assert.Zero(t, n.inits.Load(), "validation never initializes a connector")
}

func TestRegistry_Close(t *testing.T) {
	r, n := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := r.Facade(ctx, &wire.Target{ConnectorKey: countingKey, Configuration: framework.Configuration{"name": name}})
		require.NoError(t, err)
	}

	r.Close()
	assert.EqualValues(t, 2, n.disposed.Load())

	_, err := r.Facade(ctx, &wire.Target{ConnectorKey: countingKey})
	require.Error(t, err)
	assert.Equal(t, framework.KindConnector, framework.GetErrorKind(err))
}
