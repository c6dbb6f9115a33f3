package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock is an adjustable time source for TTL tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestBolt(t *testing.T) (*Bolt, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Now()}
	store, err := OpenBolt(filepath.Join(t.TempDir(), "kv.db"), WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, clock
}

func TestBoltGetAbsent(t *testing.T) {
	store, _ := newTestBolt(t)

	_, err := store.Get(context.Background(), "origin.1.bbb")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltSetNX(t *testing.T) {
	store, _ := newTestBolt(t)
	ctx := context.Background()

	set, err := store.SetNX(ctx, "origin.1.bbb", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, set)

	value, err := store.Get(ctx, "origin.1.bbb")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), value)

	// A second writer never overwrites a live key.
	set, err = store.SetNX(ctx, "origin.1.bbb", []byte("b"), time.Minute)
	require.NoError(t, err)
	require.False(t, set)

	value, err = store.Get(ctx, "origin.1.bbb")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), value)
}

func TestBoltTTLExpiry(t *testing.T) {
	store, clock := newTestBolt(t)
	ctx := context.Background()

	set, err := store.SetNX(ctx, "origin.1.bbb", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, set)

	clock.Advance(30 * time.Second)
	_, err = store.Get(ctx, "origin.1.bbb")
	require.NoError(t, err)

	// Past the deadline the entry is absent without any explicit delete.
	clock.Advance(31 * time.Second)
	_, err = store.Get(ctx, "origin.1.bbb")
	require.ErrorIs(t, err, ErrNotFound)

	// And the key can be claimed again.
	set, err = store.SetNX(ctx, "origin.1.bbb", []byte("b"), time.Minute)
	require.NoError(t, err)
	require.True(t, set)
}

func TestBoltExpireRenewal(t *testing.T) {
	store, clock := newTestBolt(t)
	ctx := context.Background()

	_, err := store.SetNX(ctx, "origin.1.bbb", []byte("a"), time.Minute)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	renewed, err := store.Expire(ctx, "origin.1.bbb", time.Minute)
	require.NoError(t, err)
	require.True(t, renewed)

	// Renewal pushed the deadline out from the renewal point.
	clock.Advance(50 * time.Second)
	_, err = store.Get(ctx, "origin.1.bbb")
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	_, err = store.Get(ctx, "origin.1.bbb")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltExpireAbsent(t *testing.T) {
	store, clock := newTestBolt(t)
	ctx := context.Background()

	renewed, err := store.Expire(ctx, "origin.1.bbb", time.Minute)
	require.NoError(t, err)
	require.False(t, renewed)

	// An already-expired key cannot be renewed either.
	_, err = store.SetNX(ctx, "origin.2.bbb", []byte("a"), time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	renewed, err = store.Expire(ctx, "origin.2.bbb", time.Minute)
	require.NoError(t, err)
	require.False(t, renewed)
}

func TestBoltDelete(t *testing.T) {
	store, _ := newTestBolt(t)
	ctx := context.Background()

	_, err := store.SetNX(ctx, "origin.1.bbb", []byte("a"), time.Minute)
	require.NoError(t, err)
	_, err = store.SetNX(ctx, "origin.2.bbb", []byte("b"), time.Minute)
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, "origin.1.bbb", "origin.2.bbb", "origin.3.bbb")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, err = store.Get(ctx, "origin.1.bbb")
	require.ErrorIs(t, err, ErrNotFound)

	deleted, err = store.Delete(ctx, "origin.1.bbb")
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestBoltSweep(t *testing.T) {
	store, clock := newTestBolt(t)
	ctx := context.Background()

	_, err := store.SetNX(ctx, "origin.1.bbb", []byte("a"), time.Minute)
	require.NoError(t, err)
	_, err = store.SetNX(ctx, "origin.2.bbb", []byte("b"), 3*time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	reclaimed, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	_, err = store.Get(ctx, "origin.2.bbb")
	require.NoError(t, err)
}
