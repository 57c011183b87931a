// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ratelimit implements a distributed rate limiter whose check
// is a purely local, synchronous decision. Request counts are folded
// once per interval into a Kademlia DHT storing decaying counters; the
// normalized cluster-wide rate feeds a local block table that the hot
// path consults.
package ratelimit

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
	"storj.io/eventkit"
	"storj.io/limitation/pkg/kademlia"
	"storj.io/limitation/pkg/kvstore"
)

var (
	mon = monkit.Package()
	ek  = eventkit.Package()

	// Error is the default error class for the ratelimit package.
	Error = errs.Class("ratelimit")
)

const (
	// activeLimitWindow is how long a limit stays active for a key
	// after it was last exercised or exceeded.
	activeLimitWindow = 600 * time.Second

	// rateSafetyFactor converts a raw counter into requests per second.
	// It sits above the steady-state factor of 2 so the system leans
	// toward blocking near the limit rather than letting traffic
	// through.
	rateSafetyFactor = 2.2

	// updateConcurrency bounds the DHT fan-out per interval.
	updateConcurrency = 50
)

// DHT is the capability the limiter consumes from the routing layer.
//
// Put folds delta into the cluster-wide counter for key and returns
// the post-write value; Get returns the merged cluster-wide value, or
// 0 when no replica has the key.
type DHT interface {
	Put(ctx context.Context, key string, delta float64) (float64, error)
	Get(ctx context.Context, key string) (float64, error)
}

var _ DHT = (*kademlia.Node)(nil)

// localCounter accumulates one key's increments during the current
// interval, together with the limits callers asked about.
type localCounter struct {
	pending float64
	limits  map[float64]time.Time
}

// blockEntry marks one key whose global rate exceeded at least one
// active limit.
type blockEntry struct {
	globalRate float64
	limits     map[float64]time.Time
}

// LimitActivation is one limit on a blocked key and when it was last
// activated.
type LimitActivation struct {
	Limit         float64   `json:"limit"`
	LastActivated time.Time `json:"lastActivated"`
}

// BlockStatus describes one blocked key.
type BlockStatus struct {
	GlobalRate float64           `json:"globalRate"`
	Limits     []LimitActivation `json:"limits"`
}

// Blocks is a point-in-time snapshot of the block table, keyed by the
// caller-chosen request key.
type Blocks map[string]BlockStatus

// Limiter answers Check against a local block table and keeps that
// table converged with the cluster through a periodic DHT exchange.
type Limiter struct {
	log    *zap.Logger
	config Config
	seeds  []string
	now    func() time.Time

	store *kvstore.Store

	countersMu sync.Mutex
	counters   map[string]*localCounter

	blocksMu sync.RWMutex
	blocks   map[string]*blockEntry

	nodeMu sync.Mutex
	dht    DHT
	node   *kademlia.Node
	master bool

	ready     sync2.Fence
	evict     *sync2.Cycle
	closeOnce sync.Once

	callbackMu sync.Mutex
	callbacks  []func(Blocks)

	errCount atomic.Int64
}

// New constructs a Limiter. Malformed options surface here,
// synchronously; nothing is bound until Run.
func New(log *zap.Logger, config Config) (*Limiter, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	seeds, err := config.seedAddresses()
	if err != nil {
		return nil, err
	}

	store, err := kvstore.New(kvstore.Config{
		HalfLife: config.Interval,
		MinValue: config.MinValue,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Limiter{
		log:      log,
		config:   config,
		seeds:    seeds,
		now:      time.Now,
		store:    store,
		counters: make(map[string]*localCounter),
		blocks:   make(map[string]*blockEntry),
		evict:    sync2.NewCycle(config.Interval),
	}, nil
}

// Run bootstraps the DHT transport and then drives the global update
// loop, the master-port reconnect chore, and counter eviction until
// ctx is done. The Ready channel closes once a DHT is live on some
// port; master-port acquisition is not awaited.
func (lim *Limiter) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := lim.bootstrap(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	lim.evict.Start(ctx, group, func(ctx context.Context) error {
		lim.store.DeleteDecayed(ctx)
		return nil
	})
	group.Go(func() error { return lim.runUpdateLoop(ctx) })
	group.Go(func() error { return lim.runReconnect(ctx) })

	return errs2.IgnoreCanceled(group.Wait())
}

// Close releases the transport. It is safe to call more than once and
// whether or not Run ever succeeded.
func (lim *Limiter) Close() error {
	var err error
	lim.closeOnce.Do(func() {
		lim.evict.Close()

		lim.nodeMu.Lock()
		node := lim.node
		lim.node = nil
		lim.dht = nil
		lim.nodeMu.Unlock()

		if node != nil {
			err = Error.Wrap(node.Close())
		}
	})
	return err
}

// Ready returns a channel that is closed once a DHT is live on some
// port.
func (lim *Limiter) Ready() <-chan struct{} {
	return lim.ready.Done()
}

// Live reports whether a DHT is currently live.
func (lim *Limiter) Live() bool {
	return lim.currentDHT() != nil
}

// OnBlocks registers an observer that receives a snapshot of the block
// table after every interval. Observers run on the update loop and
// must return quickly.
func (lim *Limiter) OnBlocks(fn func(Blocks)) {
	lim.callbackMu.Lock()
	defer lim.callbackMu.Unlock()
	lim.callbacks = append(lim.callbacks, fn)
}

// Check records one request against key and reports whether the
// cluster-wide rate for key is still below limit. It performs no I/O
// and never blocks beyond two short critical sections; the answer is
// fresh to the last completed interval.
func (lim *Limiter) Check(key string, limit float64) bool {
	return lim.CheckN(key, limit, 1)
}

// CheckN is Check with an explicit increment.
func (lim *Limiter) CheckN(key string, limit, delta float64) bool {
	lim.bump(key, limit, delta)

	lim.blocksMu.RLock()
	entry, blocked := lim.blocks[key]
	var rate float64
	if blocked {
		rate = entry.globalRate
	}
	lim.blocksMu.RUnlock()

	if !blocked {
		return true
	}
	return rate < limit
}

// bump is the hot path's only write: it folds the increment into the
// current interval's counter table.
func (lim *Limiter) bump(key string, limit, delta float64) {
	now := lim.now()

	lim.countersMu.Lock()
	defer lim.countersMu.Unlock()

	counter, ok := lim.counters[key]
	if !ok {
		counter = &localCounter{limits: make(map[float64]time.Time)}
		lim.counters[key] = counter
	}
	counter.pending += delta
	if _, ok := counter.limits[limit]; !ok {
		counter.limits[limit] = now
	}
}

// drainAndReset atomically replaces the counter table with a fresh one
// and returns the previous contents. Called exactly once per interval.
func (lim *Limiter) drainAndReset() map[string]*localCounter {
	lim.countersMu.Lock()
	defer lim.countersMu.Unlock()

	drained := lim.counters
	lim.counters = make(map[string]*localCounter)
	return drained
}

// Blocks returns a snapshot of the current block table.
func (lim *Limiter) Blocks() Blocks {
	lim.blocksMu.RLock()
	defer lim.blocksMu.RUnlock()

	snapshot := make(Blocks, len(lim.blocks))
	for key, entry := range lim.blocks {
		status := BlockStatus{GlobalRate: entry.globalRate}
		for limit, ts := range entry.limits {
			status.Limits = append(status.Limits, LimitActivation{Limit: limit, LastActivated: ts})
		}
		sort.Slice(status.Limits, func(i, j int) bool {
			return status.Limits[i].Limit < status.Limits[j].Limit
		})
		snapshot[key] = status
	}
	return snapshot
}

func (lim *Limiter) currentDHT() DHT {
	lim.nodeMu.Lock()
	defer lim.nodeMu.Unlock()
	return lim.dht
}

func (lim *Limiter) isMaster() bool {
	lim.nodeMu.Lock()
	defer lim.nodeMu.Unlock()
	return lim.master
}

// ratePerSecond normalizes a raw counter, whose units are events per
// half-life, into requests per second.
func (lim *Limiter) ratePerSecond(raw float64) float64 {
	return raw / rateSafetyFactor / lim.config.Interval.Seconds()
}

// jitter spreads a duration by ±5% so peers don't tick in lockstep.
func (lim *Limiter) jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (1 + 0.1*(rand.Float64()-0.5)))
}
