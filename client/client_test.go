package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	originregistry "github.com/wolfeidau/origin-registry"
	"github.com/wolfeidau/origin-registry/kv"
	"github.com/wolfeidau/origin-registry/registry"
	"github.com/wolfeidau/origin-registry/server"
	"github.com/wolfeidau/origin-registry/topology"
)

// newTestAPI spins up a registry over the line topology 1 - 2 - 3 and
// returns its base URL.
func newTestAPI(t *testing.T) string {
	t.Helper()

	store, err := kv.OpenBolt(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	topo, err := topology.New([]string{"1", "2", "3"}, [][]string{{"1", "2"}, {"2", "3"}})
	require.NoError(t, err)

	srv := server.New(server.Config{}, registry.New(topo, store))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts.URL
}

func TestNew(t *testing.T) {
	base := newTestAPI(t)

	_, err := New(base, "relay2")
	require.NoError(t, err)

	_, err = New(base, "bogus")
	require.Error(t, err)

	_, err = New("://bad", "1")
	require.Error(t, err)
}

func TestSetAndGetOrigin(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()

	publisher, err := New(base, "1")
	require.NoError(t, err)
	subscriber, err := New(base, "relay2")
	require.NoError(t, err)

	require.NoError(t, publisher.SetOrigin(ctx, "bbb", originregistry.Origin{URL: "http://pub:4443/stream"}))

	origin, err := subscriber.GetOrigin(ctx, "bbb")
	require.NoError(t, err)
	require.NotNil(t, origin)
	require.Equal(t, "http://relay1:1/stream", origin.URL)
}

func TestGetOriginAbsent(t *testing.T) {
	base := newTestAPI(t)

	c, err := New(base, "2")
	require.NoError(t, err)

	origin, err := c.GetOrigin(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, origin)
}

func TestSetOriginErrors(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()

	// Relay 9 is not a topology member; the registry rejects it as a
	// publisher even though the client accepted the token.
	outsider, err := New(base, "9")
	require.NoError(t, err)
	err = outsider.SetOrigin(ctx, "bbb", originregistry.Origin{URL: "http://pub/stream"})
	require.ErrorIs(t, err, ErrRejected)

	publisher, err := New(base, "1")
	require.NoError(t, err)
	require.NoError(t, publisher.SetOrigin(ctx, "bbb", originregistry.Origin{URL: "http://pub/stream"}))

	// A different origin for the same namespace conflicts.
	err = publisher.SetOrigin(ctx, "bbb", originregistry.Origin{URL: "http://other/stream"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestDeleteOrigin(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()

	publisher, err := New(base, "1")
	require.NoError(t, err)

	require.ErrorIs(t, publisher.DeleteOrigin(ctx, "bbb"), ErrNotFound)

	require.NoError(t, publisher.SetOrigin(ctx, "bbb", originregistry.Origin{URL: "http://pub/stream"}))
	require.NoError(t, publisher.DeleteOrigin(ctx, "bbb"))

	origin, err := publisher.GetOrigin(ctx, "bbb")
	require.NoError(t, err)
	require.Nil(t, origin)
}

func TestPatchOrigin(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()

	publisher, err := New(base, "1")
	require.NoError(t, err)

	require.ErrorIs(t, publisher.PatchOrigin(ctx, "bbb", originregistry.Origin{URL: "http://pub/stream"}), ErrNotFound)

	require.NoError(t, publisher.SetOrigin(ctx, "bbb", originregistry.Origin{URL: "http://pub/stream"}))

	// Relays 2 and 3 hold different rewritten URLs, so one candidate
	// cannot match both.
	err = publisher.PatchOrigin(ctx, "bbb", originregistry.Origin{URL: "http://relay1:1/stream"})
	require.ErrorIs(t, err, ErrConflict)
}
