// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store implements the fixed-capacity, least-recently-used tables
// shared by the interception hooks.
//
// A Store is split into independently locked shards. Every touch of an entry
// is stamped from a single atomic clock, so each shard's recency list is
// ordered by stamp and the globally oldest entry is always the tail of one
// of the shards. Capacity is enforced across shards with an atomic
// reservation counter: an insert that finds the table full evicts the oldest
// tail before it proceeds, so Put always succeeds and Len never exceeds Cap.
package store

import (
	"hash/maphash"
	"math"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"grimm.is/meshredirect/internal/errors"
)

const (
	// DefaultCapacity matches the kernel origin map size.
	DefaultCapacity = 65535
	// DefaultShards is the default shard count. Must be a power of two.
	DefaultShards = 64
)

// Config sizes a Store.
type Config struct {
	Capacity int `json:"capacity"`
	Shards   int `json:"shards"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		Shards:   DefaultShards,
	}
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Inserts   uint64 `json:"inserts"`
	Updates   uint64 `json:"updates"`
	Evictions uint64 `json:"evictions"`
}

type entry[V any] struct {
	value V
	stamp uint64
}

type shard[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, entry[V]]
}

// Store is a concurrent LRU table. The zero value is not usable; call New.
type Store[K comparable, V any] struct {
	shards   []shard[K, V]
	mask     uint64
	seed     maphash.Seed
	capacity int64
	onEvict  func(K, V)

	count atomic.Int64
	clock atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	updates   atomic.Uint64
	evictions atomic.Uint64
}

// New creates a Store. onEvict, if non-nil, is called after an entry is
// evicted for capacity; it runs on the inserting goroutine and must not
// block or call back into the store.
func New[K comparable, V any](cfg Config, onEvict func(K, V)) (*Store[K, V], error) {
	if cfg.Capacity < 1 {
		return nil, errors.Attr(errors.New(errors.KindValidation, "store capacity must be positive"), "capacity", cfg.Capacity)
	}
	if cfg.Shards == 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Shards < 0 || bits.OnesCount(uint(cfg.Shards)) != 1 {
		return nil, errors.Attr(errors.New(errors.KindValidation, "store shards must be a power of two"), "shards", cfg.Shards)
	}

	s := &Store[K, V]{
		shards:   make([]shard[K, V], cfg.Shards),
		mask:     uint64(cfg.Shards - 1),
		seed:     maphash.MakeSeed(),
		capacity: int64(cfg.Capacity),
		onEvict:  onEvict,
	}
	for i := range s.shards {
		// Shards never evict on their own; the global reservation keeps the
		// total below capacity.
		lru, err := simplelru.NewLRU[K, entry[V]](cfg.Capacity, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to create shard")
		}
		s.shards[i].lru = lru
	}
	return s, nil
}

func (s *Store[K, V]) shardFor(key K) *shard[K, V] {
	return &s.shards[maphash.Comparable(s.seed, key)&s.mask]
}

// Put inserts or overwrites key. It never fails: a full store evicts its
// least-recently-used entry first.
func (s *Store[K, V]) Put(key K, value V) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	if sh.lru.Contains(key) {
		sh.lru.Add(key, entry[V]{value: value, stamp: s.clock.Add(1)})
		sh.mu.Unlock()
		s.updates.Add(1)
		return
	}
	sh.mu.Unlock()

	s.reserve()

	sh.mu.Lock()
	if sh.lru.Contains(key) {
		// Another writer inserted the same key while we reserved a slot.
		sh.lru.Add(key, entry[V]{value: value, stamp: s.clock.Add(1)})
		sh.mu.Unlock()
		s.count.Add(-1)
		s.updates.Add(1)
		return
	}
	sh.lru.Add(key, entry[V]{value: value, stamp: s.clock.Add(1)})
	sh.mu.Unlock()
	s.inserts.Add(1)
}

// Get returns the value for key and marks it recently used.
func (s *Store[K, V]) Get(key K) (V, bool) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.lru.Peek(key)
	if ok {
		e.stamp = s.clock.Add(1)
		sh.lru.Add(key, e)
	}
	sh.mu.Unlock()

	if !ok {
		s.misses.Add(1)
		var zero V
		return zero, false
	}
	s.hits.Add(1)
	return e.value, true
}

// Peek returns the value for key without touching its recency.
func (s *Store[K, V]) Peek(key K) (V, bool) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.lru.Peek(key)
	sh.mu.Unlock()

	return e.value, ok
}

// Len returns the number of entries, including slots reserved by inserts in
// flight.
func (s *Store[K, V]) Len() int {
	return int(s.count.Load())
}

// Cap returns the configured capacity.
func (s *Store[K, V]) Cap() int {
	return int(s.capacity)
}

// Range calls fn for a snapshot of each shard until fn returns false. It
// does not touch recency.
func (s *Store[K, V]) Range(fn func(K, V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.Lock()
		keys := sh.lru.Keys()
		vals := make([]V, len(keys))
		for j, k := range keys {
			e, _ := sh.lru.Peek(k)
			vals[j] = e.value
		}
		sh.mu.Unlock()

		for j, k := range keys {
			if !fn(k, vals[j]) {
				return
			}
		}
	}
}

// Purge drops every entry. Counters are kept.
func (s *Store[K, V]) Purge() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n := sh.lru.Len()
		sh.lru.Purge()
		s.count.Add(int64(-n))
		sh.mu.Unlock()
	}
}

// Stats returns a snapshot of the store counters.
func (s *Store[K, V]) Stats() Stats {
	return Stats{
		Entries:   s.Len(),
		Capacity:  s.Cap(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Inserts:   s.inserts.Load(),
		Updates:   s.updates.Load(),
		Evictions: s.evictions.Load(),
	}
}

// reserve claims one slot of capacity, evicting as needed.
func (s *Store[K, V]) reserve() {
	for {
		n := s.count.Load()
		if n < s.capacity {
			if s.count.CompareAndSwap(n, n+1) {
				return
			}
			continue
		}
		s.evictOldest()
	}
}

// evictOldest removes the entry with the smallest stamp across all shard
// tails. Shards are locked one at a time.
func (s *Store[K, V]) evictOldest() {
	var (
		victim *shard[K, V]
		oldest uint64 = math.MaxUint64
	)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		_, e, ok := sh.lru.GetOldest()
		sh.mu.Unlock()
		if ok && e.stamp < oldest {
			oldest = e.stamp
			victim = sh
		}
	}
	if victim == nil {
		// Every slot is reserved by an insert that has not landed yet.
		runtime.Gosched()
		return
	}

	victim.mu.Lock()
	k, e, ok := victim.lru.GetOldest()
	if !ok || e.stamp != oldest {
		// Tail was touched or evicted concurrently; caller rescans.
		victim.mu.Unlock()
		return
	}
	victim.lru.RemoveOldest()
	victim.mu.Unlock()

	s.count.Add(-1)
	s.evictions.Add(1)
	if s.onEvict != nil {
		s.onEvict(k, e.value)
	}
}
