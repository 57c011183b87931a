// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContact(i int) Contact {
	return ContactFromAddress(fmt.Sprintf("127.0.0.1:%d", 10000+i))
}

func TestRoutingTableUpdate(t *testing.T) {
	self := ContactFromAddress("127.0.0.1:3050")
	rt := NewRoutingTable(self, 20)

	rt.Update(self)
	assert.Equal(t, 0, rt.Len())

	for i := 0; i < 50; i++ {
		rt.Update(testContact(i))
	}
	total := rt.Len()
	require.Greater(t, total, 0)

	// Re-seeing a contact must not grow the table.
	rt.Update(testContact(7))
	assert.Equal(t, total, rt.Len())
}

func TestRoutingTableBucketEviction(t *testing.T) {
	self := ContactFromAddress("127.0.0.1:3050")
	rt := NewRoutingTable(self, 2)

	// With K=2 every bucket keeps at most two contacts, most recently
	// seen first.
	for i := 0; i < 100; i++ {
		rt.Update(testContact(i))
	}
	for _, bucket := range rt.buckets {
		assert.LessOrEqual(t, len(bucket), 2)
	}
}

func TestRoutingTableClosest(t *testing.T) {
	self := ContactFromAddress("127.0.0.1:3050")
	rt := NewRoutingTable(self, 20)

	var contacts []Contact
	for i := 0; i < 30; i++ {
		c := testContact(i)
		contacts = append(contacts, c)
		rt.Update(c)
	}

	target := KeyID("some-key")
	closest := rt.Closest(target, 5)
	require.Len(t, closest, 5)

	for i := 1; i < len(closest); i++ {
		prev := target.Distance(closest[i-1].ID)
		cur := target.Distance(closest[i].ID)
		assert.False(t, cur.Less(prev), "closest contacts out of order at %d", i)
	}

	// The first result must be the global minimum over all inserted
	// contacts.
	best := closest[0]
	for _, c := range contacts {
		assert.False(t, target.Distance(c.ID).Less(target.Distance(best.ID)))
	}

	assert.Len(t, rt.Closest(target, 100), 30)
}
