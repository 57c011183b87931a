// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kademlia implements a compact Kademlia node over UDP: XOR
// keyspace IDs, a bucketed routing table, iterative lookups, and
// STORE/FIND_VALUE RPCs whose values are decaying counters merged by
// decayed maximum.
package kademlia

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
	"storj.io/limitation/pkg/kvstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the kademlia package.
	Error = errs.Class("kademlia")
)

// Config provides options for creating a Node.
type Config struct {
	// Replication is K: bucket capacity and the number of nearest
	// contacts a value is replicated to. Zero means 20.
	Replication int `help:"number of nearest contacts values are replicated to" default:"20"`

	// Parallelism is α: the number of in-flight requests per lookup
	// round. Zero means 3.
	Parallelism int `help:"lookup parallelism" default:"3"`

	// RequestTimeout bounds a single RPC round trip. Zero means 2s.
	RequestTimeout time.Duration `help:"timeout for a single RPC round trip" default:"2s"`
}

func (c *Config) setDefaults() {
	if c.Replication <= 0 {
		c.Replication = 20
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
}

// Node is one DHT participant. It answers peer RPCs against its local
// counter store and offers Put/Get, which the rate limiter consumes
// through its DHT capability interface.
type Node struct {
	log     *zap.Logger
	store   *kvstore.Store
	routing *RoutingTable
	tr      *transport
	config  Config
}

// NewNode constructs a Node on an already-bound UDP socket and starts
// serving. advertised is the canonical "host:port" other peers dial;
// the node's identity is derived from it.
func NewNode(log *zap.Logger, conn *net.UDPConn, advertised string, store *kvstore.Store, config Config) *Node {
	config.setDefaults()

	self := ContactFromAddress(advertised)
	n := &Node{
		log:     log,
		store:   store,
		routing: NewRoutingTable(self, config.Replication),
		config:  config,
	}
	n.tr = newTransport(log, conn, self, config.RequestTimeout, n.handleRequest)
	go n.tr.readLoop()
	return n
}

// Self returns the local contact.
func (n *Node) Self() Contact { return n.routing.Self() }

// RoutingTable returns the node's routing table.
func (n *Node) RoutingTable() *RoutingTable { return n.routing }

// Close shuts down the transport. In-flight requests time out; later
// requests fail with a transport closed error.
func (n *Node) Close() error {
	return n.tr.close()
}

// Join dials each seed and then looks up the local ID to populate the
// routing table. Unreachable seeds are logged and skipped; a node with
// no reachable seeds still serves as a cluster of one.
func (n *Node) Join(ctx context.Context, seeds []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	joined := 0
	for _, seed := range seeds {
		if seed == n.Self().Address {
			continue
		}
		resp, err := n.tr.call(ctx, seed, packet{Type: msgPing})
		if err != nil {
			n.log.Debug("seed unreachable", zap.String("seed", seed), zap.Error(err))
			continue
		}
		n.routing.Update(resp.From)
		joined++
	}

	if joined > 0 {
		n.iterativeLookup(ctx, n.Self().ID, "")
	}
	n.log.Debug("joined", zap.Int("seeds", joined), zap.Int("contacts", n.routing.Len()))
	return nil
}

// Put applies delta to the local counter for key and replicates the
// stored pair to the K nearest contacts. It returns the local
// post-write value; replication failures are counted and ignored.
func (n *Node) Put(ctx context.Context, key string, delta float64) (_ float64, err error) {
	defer mon.Task()(&ctx)(&err)

	after := n.store.Add(ctx, key, delta)
	stored, ok := n.store.Lookup(ctx, key)
	if !ok {
		// Dropped on write for being below the eviction threshold;
		// nothing worth replicating.
		return after, nil
	}

	contacts, _ := n.iterativeLookup(ctx, KeyID(key), "")

	limiter := sync2.NewLimiter(n.config.Parallelism)
	for _, contact := range contacts {
		contact := contact
		if contact.ID == n.Self().ID {
			continue
		}
		limiter.Go(ctx, func() {
			_, err := n.tr.call(ctx, contact.Address, packet{
				Type:          msgStore,
				Key:           key,
				Value:         stored.Value,
				LastTouchedMS: stored.LastTouched.UnixMilli(),
			})
			if err != nil {
				mon.Counter("kademlia_replicate_error").Inc(1)
				n.log.Debug("replication failed", zap.String("to", contact.Address), zap.Error(err))
			}
		})
	}
	limiter.Wait()

	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(err)
	}
	return after, nil
}

// Get looks key up across the cluster and reduces every replica
// response, plus the local entry, by decayed maximum. It returns 0
// when nobody has the key.
func (n *Node) Get(ctx context.Context, key string) (_ float64, err error) {
	defer mon.Task()(&ctx)(&err)

	_, counters := n.iterativeLookup(ctx, KeyID(key), key)

	best := n.store.Value(ctx, key)
	for _, c := range counters {
		if v := n.store.DecayedValue(c); v > best {
			best = v
		}
	}

	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(err)
	}
	return best, nil
}

// handleRequest answers one inbound RPC. Every request refreshes the
// sender in the routing table.
func (n *Node) handleRequest(from *net.UDPAddr, req packet) *packet {
	ctx := context.Background()

	n.routing.Update(req.From)

	switch req.Type {
	case msgPing:
		return &packet{Type: msgPong}

	case msgFindNode:
		return &packet{Type: msgNodes, Contacts: n.routing.Closest(req.Target, n.config.Replication)}

	case msgStore:
		merged := n.store.Merge(ctx, req.Key, kvstore.Counter{
			Value:       req.Value,
			LastTouched: time.UnixMilli(req.LastTouchedMS),
		})
		return &packet{Type: msgStored, Key: req.Key, Value: merged}

	case msgFindValue:
		if c, ok := n.store.Lookup(ctx, req.Key); ok {
			return &packet{
				Type:          msgValue,
				Key:           req.Key,
				Value:         c.Value,
				LastTouchedMS: c.LastTouched.UnixMilli(),
				HasValue:      true,
			}
		}
		return &packet{Type: msgNodes, Contacts: n.routing.Closest(KeyID(req.Key), n.config.Replication)}
	}

	n.log.Debug("dropping unknown request", zap.String("type", req.Type), zap.Stringer("from", from))
	return nil
}

// iterativeLookup runs the α-parallel lookup toward target. With a
// non-empty key it issues FIND_VALUE and collects replica counters;
// otherwise FIND_NODE. It returns the K closest contacts seen and the
// collected counters. The loop converges once every contact in the
// current shortlist has been queried.
func (n *Node) iterativeLookup(ctx context.Context, target ID, key string) ([]Contact, []kvstore.Counter) {
	shortlist := n.routing.Closest(target, n.config.Replication)
	queried := make(map[ID]bool)

	var mu sync.Mutex
	var counters []kvstore.Counter

	for {
		var batch []Contact
		for _, c := range shortlist {
			if !queried[c.ID] {
				queried[c.ID] = true
				batch = append(batch, c)
				if len(batch) == n.config.Parallelism {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}

		var group errgroup.Group
		for _, contact := range batch {
			contact := contact
			group.Go(func() error {
				req := packet{Type: msgFindNode, Target: target}
				if key != "" {
					req = packet{Type: msgFindValue, Key: key, Target: target}
				}
				resp, err := n.tr.call(ctx, contact.Address, req)
				if err != nil {
					mon.Counter("kademlia_lookup_error").Inc(1)
					return nil
				}
				n.routing.Update(resp.From)

				mu.Lock()
				defer mu.Unlock()
				if resp.Type == msgValue && resp.HasValue {
					counters = append(counters, kvstore.Counter{
						Value:       resp.Value,
						LastTouched: time.UnixMilli(resp.LastTouchedMS),
					})
				}
				for _, c := range resp.Contacts {
					if c.ID == n.Self().ID {
						continue
					}
					n.routing.Update(c)
					shortlist = mergeShortlist(shortlist, c)
				}
				return nil
			})
		}
		_ = group.Wait()

		sortByDistance(shortlist, target)
		if len(shortlist) > n.config.Replication {
			shortlist = shortlist[:n.config.Replication]
		}

		if ctx.Err() != nil {
			break
		}
	}

	return shortlist, counters
}

func mergeShortlist(list []Contact, c Contact) []Contact {
	for _, have := range list {
		if have.ID == c.ID {
			return list
		}
	}
	return append(list, c)
}

func sortByDistance(list []Contact, target ID) {
	sort.Slice(list, func(i, j int) bool {
		return target.Distance(list[i].ID).Less(target.Distance(list[j].ID))
	})
}
