// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"sort"
	"sync"
)

// Contact is a reachable peer: its keyspace ID and UDP address.
type Contact struct {
	ID      ID     `json:"id"`
	Address string `json:"address"`
}

// ContactFromAddress builds the canonical contact for an address.
func ContactFromAddress(address string) Contact {
	return Contact{ID: IDFromAddress(address), Address: address}
}

// RoutingTable keeps known contacts in per-distance buckets, most
// recently seen first. Buckets hold at most K contacts; when full, the
// least recently seen contact is dropped in favor of the new one.
type RoutingTable struct {
	self Contact
	k    int

	mu      sync.Mutex
	buckets [IDLength * 8][]Contact
}

// NewRoutingTable constructs a RoutingTable for the local contact.
func NewRoutingTable(self Contact, k int) *RoutingTable {
	return &RoutingTable{self: self, k: k}
}

// Self returns the local contact.
func (rt *RoutingTable) Self() Contact { return rt.self }

// Update records that a contact was seen, moving it to the front of
// its bucket. The local contact is never stored.
func (rt *RoutingTable) Update(c Contact) {
	if c.ID == rt.self.ID {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.self.ID.Distance(c.ID).BucketIndex()
	bucket := rt.buckets[idx]

	for i := range bucket {
		if bucket[i].ID == c.ID {
			copy(bucket[1:i+1], bucket[:i])
			bucket[0] = c
			return
		}
	}

	if len(bucket) >= rt.k {
		bucket = bucket[:rt.k-1]
	}
	rt.buckets[idx] = append([]Contact{c}, bucket...)
}

// Closest returns up to n known contacts ordered by XOR distance to
// target.
func (rt *RoutingTable) Closest(target ID, n int) []Contact {
	rt.mu.Lock()
	var all []Contact
	for i := range rt.buckets {
		all = append(all, rt.buckets[i]...)
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return target.Distance(all[i].ID).Less(target.Distance(all[j].ID))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Len returns the number of known contacts.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	total := 0
	for i := range rt.buckets {
		total += len(rt.buckets[i])
	}
	return total
}
