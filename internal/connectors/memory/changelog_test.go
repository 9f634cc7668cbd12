package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/framework"
)

func syncAll(t *testing.T, c *Connector, oc framework.ObjectClass, token *framework.SyncToken) ([]framework.SyncDelta, *framework.SyncToken) {
	t.Helper()
	var deltas []framework.SyncDelta
	next, err := c.Sync(context.Background(), oc, token, func(d *framework.SyncDelta) bool {
		deltas = append(deltas, *d)
		return true
	}, nil)
	require.NoError(t, err)
	return deltas, next
}

// write creates an account without failing the test, for use off the test
// goroutine.
func write(c *Connector, name string) {
	_, _ = c.Create(context.Background(), framework.ObjectClassAccount,
		[]framework.Attribute{framework.NewAttribute(framework.AttributeName, name)}, nil)
}

func deltaTypes(deltas []framework.SyncDelta) []framework.SyncDeltaType {
	out := make([]framework.SyncDeltaType, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, d.DeltaType)
	}
	return out
}

func TestConnector_Sync(t *testing.T) {
	c := newConnector(t, nil)

	latest, err := c.LatestSyncToken(context.Background(), framework.ObjectClassAccount)
	require.NoError(t, err)
	require.NotNil(t, latest, "an empty log still has a position")
	empty, same := syncAll(t, c, framework.ObjectClassAccount, latest)
	assert.Empty(t, empty)
	assert.Equal(t, latest, same)

	alice := createUser(t, c, "alice")
	_, err = c.Update(context.Background(), framework.ObjectClassAccount, alice, framework.UpdateReplace,
		[]framework.Attribute{framework.NewAttribute("mail", "alice@example.com")}, nil)
	require.NoError(t, err)
	_, err = c.Create(context.Background(), framework.ObjectClassGroup,
		[]framework.Attribute{framework.NewAttribute(framework.AttributeName, "admins")}, nil)
	require.NoError(t, err)

	deltas, token := syncAll(t, c, framework.ObjectClassAccount, nil)
	assert.Equal(t, []framework.SyncDeltaType{framework.SyncDeltaCreate, framework.SyncDeltaUpdate}, deltaTypes(deltas))
	require.NotNil(t, deltas[1].PreviousUid)
	assert.Equal(t, "1", deltas[1].PreviousUid.Revision)
	assert.Equal(t, "2", deltas[1].Uid.Revision)

	latest, err = c.LatestSyncToken(context.Background(), framework.ObjectClassAccount)
	require.NoError(t, err)
	assert.Equal(t, latest, token, "token advances past changes of other classes")

	require.NoError(t, c.Delete(context.Background(), framework.ObjectClassAccount, alice, nil))

	deltas, next := syncAll(t, c, framework.ObjectClassAccount, token)
	require.Len(t, deltas, 1)
	assert.Equal(t, framework.SyncDeltaDelete, deltas[0].DeltaType)
	assert.Nil(t, deltas[0].Object)
	assert.Equal(t, alice.Value, deltas[0].Uid.Value)

	deltas, again := syncAll(t, c, framework.ObjectClassAccount, next)
	assert.Empty(t, deltas)
	assert.Equal(t, next, again)

	all, _ := syncAll(t, c, framework.ObjectClassAll, nil)
	assert.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Token.Value, all[i].Token.Value)
	}
}

func TestConnector_SyncStopsAtHandler(t *testing.T) {
	c := newConnector(t, nil)
	for _, name := range []string{"alice", "bob", "carol"} {
		createUser(t, c, name)
	}

	var seen []string
	token, err := c.Sync(context.Background(), framework.ObjectClassAccount, nil, func(d *framework.SyncDelta) bool {
		seen = append(seen, d.Object.Name)
		return len(seen) < 2
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, seen)

	rest, _ := syncAll(t, c, framework.ObjectClassAccount, token)
	require.Len(t, rest, 1)
	assert.Equal(t, "carol", rest[0].Object.Name)
}

func TestConnector_SyncUnknownToken(t *testing.T) {
	c := newConnector(t, nil)

	_, err := c.Sync(context.Background(), framework.ObjectClassAccount, &framework.SyncToken{Value: "bogus"},
		func(*framework.SyncDelta) bool { return true }, nil)
	assert.Equal(t, framework.KindPreconditionFailed, framework.GetErrorKind(err))
}

func TestConnector_SubscribeSyncEvents(t *testing.T) {
	c := newConnector(t, nil)
	createUser(t, c, "before")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan framework.SyncDelta, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.SubscribeSyncEvents(ctx, framework.ObjectClassAccount, nil, func(d *framework.SyncDelta) bool {
			received <- *d
			return true
		}, framework.OperationOptions{framework.OptionSyncFromNow: true})
	}()

	// Writes made before the subscription starts are not delivered, so keep
	// writing until the first delivery.
	n := 0
	require.Eventually(t, func() bool {
		n++
		write(c, fmt.Sprintf("user-%d", n))
		return len(received) > 0
	}, 5*time.Second, 10*time.Millisecond)

	d := <-received
	assert.Equal(t, framework.SyncDeltaCreate, d.DeltaType)
	assert.NotEqual(t, "before", d.Object.Name)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestConnector_SyncAndSubscribeAgreeOnStartToken(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T, c *Connector) *framework.SyncToken
	}{
		{
			name:  "nil token",
			token: func(*testing.T, *Connector) *framework.SyncToken { return nil },
		},
		{
			name: "latest token of an empty log",
			token: func(t *testing.T, c *Connector) *framework.SyncToken {
				token, err := c.LatestSyncToken(context.Background(), framework.ObjectClassAccount)
				require.NoError(t, err)
				return token
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConnector(t, nil)
			start := tt.token(t, c)
			createUser(t, c, "first")

			synced, _ := syncAll(t, c, framework.ObjectClassAccount, start)
			require.Len(t, synced, 1)

			var subscribed []string
			err := c.SubscribeSyncEvents(context.Background(), framework.ObjectClassAccount, start, func(d *framework.SyncDelta) bool {
				subscribed = append(subscribed, d.Object.Name)
				return false
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"first"}, subscribed)
		})
	}
}

func TestConnector_SubscribeSyncEventsFromToken(t *testing.T) {
	c := newConnector(t, nil)
	createUser(t, c, "alice")
	token, err := c.LatestSyncToken(context.Background(), framework.ObjectClassAccount)
	require.NoError(t, err)
	createUser(t, c, "bob")
	createUser(t, c, "carol")

	var seen []string
	err = c.SubscribeSyncEvents(context.Background(), framework.ObjectClassAccount, token, func(d *framework.SyncDelta) bool {
		seen = append(seen, d.Object.Name)
		return len(seen) < 2
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, seen)
}

func TestConnector_SubscribeConnectorEvents(t *testing.T) {
	c := newConnector(t, nil)

	received := make(chan *framework.ConnectorObject, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.SubscribeConnectorEvents(context.Background(), framework.ObjectClassAccount,
			framework.StartsWith(framework.AttributeName, "admin"),
			func(obj *framework.ConnectorObject) bool {
				received <- obj
				return false
			}, nil)
	}()

	n := 0
	require.Eventually(t, func() bool {
		n++
		write(c, fmt.Sprintf("user-%d", n))
		write(c, fmt.Sprintf("admin-%d", n))
		return len(received) > 0
	}, 5*time.Second, 10*time.Millisecond)

	obj := <-received
	assert.Contains(t, obj.Name, "admin-")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop after the handler declined")
	}
}

func TestConnector_DisposeEndsSubscriptions(t *testing.T) {
	c := New().(*Connector)
	require.NoError(t, c.Init(context.Background(), nil))

	done := make(chan error, 1)
	go func() {
		done <- c.SubscribeSyncEvents(context.Background(), framework.ObjectClassAll, nil,
			func(*framework.SyncDelta) bool { return true }, nil)
	}()

	c.Dispose()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription outlived the connector")
	}
}
