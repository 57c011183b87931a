// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package kvstore

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, halfLife time.Duration) (*Store, *testClock) {
	clk := &testClock{now: time.Unix(1700000000, 0)}
	store, err := New(Config{HalfLife: halfLife, Now: clk.Now})
	require.NoError(t, err)
	return store, clk
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{HalfLife: time.Second, MinValue: -1})
	require.Error(t, err)

	store, err := New(Config{HalfLife: time.Second})
	require.NoError(t, err)
	require.Equal(t, 0, store.Len())
}

func TestDecayLaw(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, clk := newTestStore(t, 10*time.Second)

	require.Equal(t, 16.0, store.Add(ctx, "k", 16))

	clk.Advance(10 * time.Second)
	assert.InDelta(t, 8.0, store.Value(ctx, "k"), 1e-9)

	clk.Advance(10 * time.Second)
	assert.InDelta(t, 4.0, store.Value(ctx, "k"), 1e-9)

	// Fractional half-lives decay continuously.
	clk.Advance(5 * time.Second)
	assert.InDelta(t, 4.0/1.41421356, store.Value(ctx, "k"), 1e-6)
}

func TestAddDecaysBeforeIncrement(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, clk := newTestStore(t, time.Second)

	store.Add(ctx, "k", 8)
	clk.Advance(time.Second)

	// 8 halves to 4, then 1 is added.
	assert.InDelta(t, 5.0, store.Add(ctx, "k", 1), 1e-9)

	c, ok := store.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), c.LastTouched)
}

func TestAddSameInstantIsAdditive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	a, _ := newTestStore(t, time.Second)
	b, _ := newTestStore(t, time.Second)

	a.Add(ctx, "k", 3)
	a.Add(ctx, "k", 4)
	b.Add(ctx, "k", 7)

	assert.InDelta(t, b.Value(ctx, "k"), a.Value(ctx, "k"), 1e-9)
}

func TestAddZeroIsIdempotentRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, clk := newTestStore(t, time.Second)

	store.Add(ctx, "k", 10)
	clk.Advance(time.Second)

	assert.InDelta(t, 5.0, store.Add(ctx, "k", 0), 1e-9)
	assert.InDelta(t, 5.0, store.Value(ctx, "k"), 1e-9)
}

func TestAddClampsNegativeDelta(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, _ := newTestStore(t, time.Second)

	store.Add(ctx, "k", 5)
	assert.InDelta(t, 5.0, store.Add(ctx, "k", -3), 1e-9)
}

func TestMergeTakesDecayedMax(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, clk := newTestStore(t, 10*time.Second)

	store.Add(ctx, "k", 4)

	// A replica wrote 16 one half-life ago; it decays to 8, which wins
	// over the local 4.
	remote := Counter{Value: 16, LastTouched: clk.Now().Add(-10 * time.Second)}
	assert.InDelta(t, 8.0, store.Merge(ctx, "k", remote), 1e-9)

	// A stale replica that decays below the local value loses.
	stale := Counter{Value: 16, LastTouched: clk.Now().Add(-100 * time.Second)}
	assert.InDelta(t, 8.0, store.Merge(ctx, "k", stale), 1e-9)
}

func TestMergeIntoAbsentKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, clk := newTestStore(t, 10*time.Second)

	remote := Counter{Value: 6, LastTouched: clk.Now()}
	assert.InDelta(t, 6.0, store.Merge(ctx, "k", remote), 1e-9)
	assert.Equal(t, 1, store.Len())
}

func TestMergeCommutes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clk := &testClock{now: time.Unix(1700000000, 0)}

	r1 := Counter{Value: 12, LastTouched: clk.Now().Add(-3 * time.Second)}
	r2 := Counter{Value: 9, LastTouched: clk.Now().Add(-1 * time.Second)}

	a, err := New(Config{HalfLife: 10 * time.Second, Now: clk.Now})
	require.NoError(t, err)
	b, err := New(Config{HalfLife: 10 * time.Second, Now: clk.Now})
	require.NoError(t, err)

	a.Merge(ctx, "k", r1)
	a.Merge(ctx, "k", r2)
	b.Merge(ctx, "k", r2)
	b.Merge(ctx, "k", r1)

	assert.InDelta(t, b.Value(ctx, "k"), a.Value(ctx, "k"), 1e-9)
}

func TestDeleteDecayed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, clk := newTestStore(t, time.Second)

	store.Add(ctx, "small", 1)
	store.Add(ctx, "large", 1000)
	require.Equal(t, 2, store.Len())

	// After four half-lives "small" is 0.0625 < 0.1, "large" is 62.5.
	clk.Advance(4 * time.Second)
	require.Equal(t, 1, store.DeleteDecayed(ctx))
	require.Equal(t, 1, store.Len())

	_, ok := store.Lookup(ctx, "small")
	assert.False(t, ok)
	_, ok = store.Lookup(ctx, "large")
	assert.True(t, ok)
}

func TestStoreParallel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := New(Config{HalfLife: time.Second})
	require.NoError(t, err)

	ctx.Go(func() error {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := 0; i < 1000; i++ {
			store.Add(ctx, string(rune('a'+r.Intn(16))), 1)
		}
		return nil
	})

	ctx.Go(func() error {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := 0; i < 1000; i++ {
			store.Merge(ctx, string(rune('a'+r.Intn(16))), Counter{Value: 1, LastTouched: time.Now()})
		}
		return nil
	})

	ctx.Go(func() error {
		for i := 0; i < 100; i++ {
			store.DeleteDecayed(ctx)
		}
		return nil
	})
}
