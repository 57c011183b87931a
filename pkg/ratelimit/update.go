// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/eventkit"
)

// runUpdateLoop ticks the global update once per interval with ±5%
// jitter. The first tick fires after half an interval so a freshly
// started node converges quickly.
func (lim *Limiter) runUpdateLoop(ctx context.Context) error {
	if !sync2.Sleep(ctx, lim.jitter(lim.config.Interval/2)) {
		return nil
	}
	for {
		if err := lim.updateTick(ctx); err != nil {
			lim.log.Debug("update tick failed", zap.Error(err))
		}
		if !sync2.Sleep(ctx, lim.jitter(lim.config.Interval)) {
			return nil
		}
	}
}

// updateTick drains the interval's local counts into the DHT, rebuilds
// the block table from the returned cluster-wide values, and re-checks
// retained keys that saw no local traffic.
func (lim *Limiter) updateTick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	drained := lim.drainAndReset()

	dht := lim.currentDHT()
	if dht == nil {
		// Transport not up yet; try again next interval.
		return nil
	}

	now := lim.now()
	newBlocks := make(map[string]*blockEntry)
	var newMu sync.Mutex

	fanout := sync2.NewLimiter(updateConcurrency)
	for key, counter := range drained {
		key, counter := key, counter
		started := fanout.Go(ctx, func() {
			after, err := dht.Put(ctx, key, counter.pending)
			if err != nil {
				lim.errCount.Add(1)
				mon.Counter("dht_put_error").Inc(1)
				return
			}
			rate := lim.ratePerSecond(after)
			if rate > minLimit(counter.limits) {
				newMu.Lock()
				newBlocks[key] = &blockEntry{globalRate: rate, limits: counter.limits}
				newMu.Unlock()
			}
		})
		if !started {
			break
		}
	}
	fanout.Wait()

	// Carry forward still-active limits on keys blocked again this
	// interval, and mark the rest for an async re-check: a key without
	// local traffic may still be globally over its limit, and dropping
	// it early would make traffic oscillate across nodes.
	var recheck map[string]*blockEntry

	lim.blocksMu.Lock()
	for key, oldEntry := range lim.blocks {
		if newEntry, ok := newBlocks[key]; ok {
			for limit, ts := range oldEntry.limits {
				if now.Sub(ts) > activeLimitWindow {
					continue
				}
				if _, ok := newEntry.limits[limit]; !ok {
					newEntry.limits[limit] = ts
				}
			}
		} else {
			if recheck == nil {
				recheck = make(map[string]*blockEntry)
			}
			recheck[key] = oldEntry
		}
	}
	lim.blocks = newBlocks
	lim.blocksMu.Unlock()

	lim.emitBlocks(ctx)

	refetch := sync2.NewLimiter(updateConcurrency)
	for key, oldEntry := range recheck {
		key, oldEntry := key, oldEntry
		if !refetch.Go(ctx, func() { lim.recheckKey(ctx, dht, key, oldEntry) }) {
			break
		}
	}
	refetch.Wait()

	return nil
}

// recheckKey decides whether a key that saw no local traffic stays
// blocked. It reads the cluster-wide counter and keeps the key only
// while the global rate still exceeds an active limit; limits that are
// still being exceeded have their activation refreshed.
func (lim *Limiter) recheckKey(ctx context.Context, dht DHT, key string, old *blockEntry) {
	now := lim.now()

	active := make(map[float64]time.Time, len(old.limits))
	for limit, ts := range old.limits {
		if now.Sub(ts) <= activeLimitWindow {
			active[limit] = ts
		}
	}
	if len(active) == 0 {
		return
	}

	raw, err := dht.Get(ctx, key)
	if err != nil {
		lim.errCount.Add(1)
		mon.Counter("dht_get_error").Inc(1)
		// The counter is unreadable, so the safe direction is to keep
		// blocking: refresh every activation and try again next tick.
		for limit := range active {
			active[limit] = now
		}
		lim.installBlock(key, &blockEntry{globalRate: old.globalRate, limits: active})
		return
	}

	rate := lim.ratePerSecond(raw)

	exceeded := false
	for limit := range active {
		if limit <= rate {
			active[limit] = now
			exceeded = true
		}
	}
	if !exceeded {
		// The global rate dropped below every active limit; the key
		// leaves the block table until traffic returns.
		return
	}

	lim.installBlock(key, &blockEntry{globalRate: rate, limits: active})
}

func (lim *Limiter) installBlock(key string, entry *blockEntry) {
	lim.blocksMu.Lock()
	defer lim.blocksMu.Unlock()
	lim.blocks[key] = entry
}

// emitBlocks publishes the freshly installed table to observers.
func (lim *Limiter) emitBlocks(ctx context.Context) {
	snapshot := lim.Blocks()

	mon.IntVal("blocked_keys").Observe(int64(len(snapshot)))
	ek.Event("blocks", eventkit.Int64("keys", int64(len(snapshot))))
	lim.log.Debug("blocks installed", zap.Int("keys", len(snapshot)))

	lim.callbackMu.Lock()
	callbacks := append([]func(Blocks){}, lim.callbacks...)
	lim.callbackMu.Unlock()

	for _, fn := range callbacks {
		fn(snapshot)
	}
}

func minLimit(limits map[float64]time.Time) float64 {
	min := math.Inf(1)
	for limit := range limits {
		if limit < min {
			min = limit
		}
	}
	return min
}
