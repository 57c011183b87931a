// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kvstore implements the decaying counter store that backs the
// DHT's value storage. Each value is a non-negative accumulation whose
// logical value halves every half-life, so replicas can be reduced with
// a decayed-max merge without per-event state.
package kvstore

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the kvstore package.
	Error = errs.Class("kvstore")
)

// DefaultMinValue is the decayed value below which entries may be dropped.
const DefaultMinValue = 0.1

// Counter is a stored value: an exponentially decaying accumulation
// together with the time of its last write.
type Counter struct {
	Value       float64
	LastTouched time.Time
}

// DecayedAt returns the counter's logical value at time t, applying the
// exponential decay with the given half-life. Times before LastTouched
// return the raw value; decay never increases a counter.
func (c Counter) DecayedAt(t time.Time, halfLife time.Duration) float64 {
	if c.Value == 0 {
		return 0
	}
	elapsed := t.Sub(c.LastTouched)
	if elapsed <= 0 {
		return c.Value
	}
	return c.Value * math.Exp2(-float64(elapsed)/float64(halfLife))
}

// Config provides options for creating a Store.
type Config struct {
	// HalfLife is the period over which a stored value halves. It is
	// the same duration as the limiter's aggregation interval.
	HalfLife time.Duration

	// MinValue is the decayed value below which an entry may be
	// evicted. Zero means DefaultMinValue.
	MinValue float64

	// Now is the time source. Zero means time.Now. Tests inject a
	// deterministic clock here.
	Now func() time.Time
}

// Store is an in-memory map of key to decaying Counter.
//
// All methods are safe for concurrent use. The store holds only a
// float and a timestamp per key; memory is bounded by eviction of
// entries that decayed below MinValue.
type Store struct {
	halfLife time.Duration
	minValue float64
	now      func() time.Time

	mu       sync.Mutex
	counters map[string]Counter
}

// New constructs a Store. It returns an error if the half-life is not
// positive or MinValue is negative.
func New(config Config) (*Store, error) {
	if config.HalfLife <= 0 {
		return nil, Error.New("HalfLife must be positive")
	}
	if config.MinValue < 0 {
		return nil, Error.New("MinValue cannot be negative")
	}
	if config.MinValue == 0 {
		config.MinValue = DefaultMinValue
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Store{
		halfLife: config.HalfLife,
		minValue: config.MinValue,
		now:      config.Now,
		counters: make(map[string]Counter),
	}, nil
}

// Add decays the counter for key to now, adds delta, and returns the
// new value. A missing key is treated as a zero counter. delta must be
// non-negative; negative deltas are clamped to zero.
func (s *Store) Add(ctx context.Context, key string, delta float64) (value float64) {
	defer mon.Task()(&ctx)(nil)

	if delta < 0 {
		delta = 0
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	decayed := s.counters[key].DecayedAt(now, s.halfLife)
	value = decayed + delta
	s.set(key, Counter{Value: value, LastTouched: now})
	return value
}

// Merge reduces a replicated counter into the local entry for key by
// taking the decayed maximum of the two, and returns the post-merge
// value. Merge is commutative, so replication and read repair agree no
// matter the order replicas are seen in.
func (s *Store) Merge(ctx context.Context, key string, remote Counter) (value float64) {
	defer mon.Task()(&ctx)(nil)

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.counters[key].DecayedAt(now, s.halfLife)
	value = math.Max(local, remote.DecayedAt(now, s.halfLife))
	s.set(key, Counter{Value: value, LastTouched: now})
	return value
}

// Lookup returns the stored counter for key. The boolean reports
// whether the key is present; callers read absent keys as zero.
func (s *Store) Lookup(ctx context.Context, key string) (Counter, bool) {
	defer mon.Task()(&ctx)(nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	return c, ok
}

// Value returns the decayed value for key at now, or 0 when absent.
func (s *Store) Value(ctx context.Context, key string) float64 {
	defer mon.Task()(&ctx)(nil)

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counters[key].DecayedAt(now, s.halfLife)
}

// DecayedValue returns a counter's logical value at now under the
// store's half-life. It lets callers reduce replica counters with the
// same decay the store itself applies.
func (s *Store) DecayedValue(c Counter) float64 {
	return c.DecayedAt(s.now(), s.halfLife)
}

// Len returns the number of stored counters.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.counters)
}

// DeleteDecayed drops every entry whose decayed value fell below
// MinValue and returns how many were removed. The limiter runs this as
// a chore once per half-life.
func (s *Store) DeleteDecayed(ctx context.Context) (count int) {
	defer mon.Task()(&ctx)(nil)

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, c := range s.counters {
		if c.DecayedAt(now, s.halfLife) < s.minValue {
			delete(s.counters, key)
			count++
		}
	}
	mon.IntVal("kvstore_evicted").Observe(int64(count))
	return count
}

// set stores the counter, dropping it immediately when already below
// the eviction threshold.
func (s *Store) set(key string, c Counter) {
	if c.Value < s.minValue {
		delete(s.counters, key)
		return
	}
	s.counters[key] = c
}
