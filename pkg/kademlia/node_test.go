// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/limitation/pkg/kvstore"
)

func newTestNode(t *testing.T, halfLife time.Duration) (*Node, *kvstore.Store) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	store, err := kvstore.New(kvstore.Config{HalfLife: halfLife})
	require.NoError(t, err)

	node := NewNode(zaptest.NewLogger(t), conn, conn.LocalAddr().String(), store, Config{
		RequestTimeout: time.Second,
	})
	t.Cleanup(func() { _ = node.Close() })
	return node, store
}

func TestJoinAndPing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	a, _ := newTestNode(t, time.Hour)
	b, _ := newTestNode(t, time.Hour)

	require.NoError(t, b.Join(ctx, []string{a.Self().Address}))

	// Both sides learned each other: b from the PONG, a from the
	// inbound PING.
	assert.Equal(t, 1, b.RoutingTable().Len())
	assert.Equal(t, 1, a.RoutingTable().Len())
}

func TestJoinSkipsSelfAndUnreachable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	a, _ := newTestNode(t, time.Hour)

	require.NoError(t, a.Join(ctx, []string{a.Self().Address}))
	assert.Equal(t, 0, a.RoutingTable().Len())

	// An unreachable seed is skipped, not fatal.
	require.NoError(t, a.Join(ctx, []string{"127.0.0.1:1"}))
	assert.Equal(t, 0, a.RoutingTable().Len())
}

func TestPutReplicatesAndGetFinds(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	a, _ := newTestNode(t, time.Hour)
	b, storeB := newTestNode(t, time.Hour)

	require.NoError(t, b.Join(ctx, []string{a.Self().Address}))

	value, err := a.Put(ctx, "k", 10)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, value, 1e-9)

	// The pair replicated to b's local store.
	replica, ok := storeB.Lookup(ctx, "k")
	require.True(t, ok)
	assert.InDelta(t, 10.0, replica.Value, 1e-9)

	// A lookup from either side sees the value; the half-life is long
	// enough that decay is negligible here.
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got, 1e-2)

	got, err = a.Get(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got, 1e-2)
}

func TestGetMissingKeyIsZero(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	a, _ := newTestNode(t, time.Hour)
	b, _ := newTestNode(t, time.Hour)

	require.NoError(t, b.Join(ctx, []string{a.Self().Address}))

	got, err := b.Get(ctx, "nobody-has-this")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestGetMergesDivergentReplicas(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	a, storeA := newTestNode(t, time.Hour)
	b, storeB := newTestNode(t, time.Hour)
	c, _ := newTestNode(t, time.Hour)

	require.NoError(t, b.Join(ctx, []string{a.Self().Address}))
	require.NoError(t, c.Join(ctx, []string{a.Self().Address, b.Self().Address}))

	// Replicas diverged: a missed some writes that b saw. The reduction
	// must take the decayed maximum, not the first answer.
	now := time.Now()
	storeA.Merge(ctx, "k", kvstore.Counter{Value: 3, LastTouched: now})
	storeB.Merge(ctx, "k", kvstore.Counter{Value: 9, LastTouched: now})

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, 9.0, got, 1e-2)
}

func TestStoreRPCReturnsMergedValue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	a, storeA := newTestNode(t, time.Hour)
	b, _ := newTestNode(t, time.Hour)

	require.NoError(t, b.Join(ctx, []string{a.Self().Address}))

	storeA.Add(ctx, "k", 5)

	// A replicated pair smaller than the local counter merges to the
	// local value.
	resp, err := b.tr.call(ctx, a.Self().Address, packet{
		Type:          msgStore,
		Key:           "k",
		Value:         2,
		LastTouchedMS: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.Equal(t, msgStored, resp.Type)
	assert.InDelta(t, 5.0, resp.Value, 1e-2)
}

func TestLookupConvergesAcrossHops(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// A chain: c only knows b, b only knows a. A value stored at a is
	// still found from c through iterative FIND_VALUE.
	a, storeA := newTestNode(t, time.Hour)
	b, _ := newTestNode(t, time.Hour)
	c, _ := newTestNode(t, time.Hour)

	require.NoError(t, b.Join(ctx, []string{a.Self().Address}))

	storeA.Add(ctx, "k", 4)

	require.NoError(t, c.Join(ctx, []string{b.Self().Address}))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, got, 1e-2)
}
