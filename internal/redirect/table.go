// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package redirect implements the socket-message half of the datapath: the
// flow-redirect table of established sockets, the Binder that registers them,
// and the Redirector that forwards messages between the two ends of a local
// connection.
package redirect

import (
	"hash/maphash"
	"math/bits"
	"sync"
	"sync/atomic"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/store"
)

var (
	// ErrNoSocket is returned by Redirect when no socket is registered under
	// the key.
	ErrNoSocket = errors.New(errors.KindNotFound, "no socket registered for flow")
	// ErrTableFull is returned by Update when the table is at capacity.
	ErrTableFull = errors.New(errors.KindExhausted, "flow table full")
)

// Socket is a redirect target.
type Socket interface {
	// Cookie returns the socket cookie, or 0 if unknown.
	Cookie() uint64
	// Deliver queues msg on the socket, into its receive path when ingress
	// is set and its send path otherwise. It must not block.
	Deliver(msg []byte, ingress bool) error
}

type tableShard struct {
	mu sync.RWMutex
	m  map[types.FlowKey]Socket
}

// Table maps flows to established sockets. It has a fixed capacity: inserts
// into a full table fail and updates of existing keys replace the socket.
type Table struct {
	shards   []tableShard
	mask     uint64
	seed     maphash.Seed
	capacity int64
	count    atomic.Int64
}

// NewTable creates a Table sized by cfg.
func NewTable(cfg store.Config) (*Table, error) {
	if cfg.Capacity < 1 {
		return nil, errors.Attr(errors.New(errors.KindValidation, "flow table capacity must be positive"), "capacity", cfg.Capacity)
	}
	if cfg.Shards == 0 {
		cfg.Shards = store.DefaultShards
	}
	if cfg.Shards < 0 || bits.OnesCount(uint(cfg.Shards)) != 1 {
		return nil, errors.Attr(errors.New(errors.KindValidation, "flow table shards must be a power of two"), "shards", cfg.Shards)
	}

	t := &Table{
		shards:   make([]tableShard, cfg.Shards),
		mask:     uint64(cfg.Shards - 1),
		seed:     maphash.MakeSeed(),
		capacity: int64(cfg.Capacity),
	}
	for i := range t.shards {
		t.shards[i].m = make(map[types.FlowKey]Socket)
	}
	return t, nil
}

func (t *Table) shardFor(key types.FlowKey) *tableShard {
	return &t.shards[maphash.Comparable(t.seed, key)&t.mask]
}

// Update registers sock under key, replacing any previous socket.
func (t *Table) Update(key types.FlowKey, sock Socket) error {
	sh := t.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.m[key]; ok {
		sh.m[key] = sock
		return nil
	}
	for {
		n := t.count.Load()
		if n >= t.capacity {
			return errors.Attr(errors.Wrap(ErrTableFull, errors.KindExhausted, "cannot register socket"), "flow", key.String())
		}
		if t.count.CompareAndSwap(n, n+1) {
			break
		}
	}
	sh.m[key] = sock
	return nil
}

// Delete removes key. It reports whether an entry was removed.
func (t *Table) Delete(key types.FlowKey) bool {
	sh := t.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.m[key]; !ok {
		return false
	}
	delete(sh.m, key)
	t.count.Add(-1)
	return true
}

// Lookup returns the socket registered under key.
func (t *Table) Lookup(key types.FlowKey) (Socket, bool) {
	sh := t.shardFor(key)

	sh.mu.RLock()
	sock, ok := sh.m[key]
	sh.mu.RUnlock()

	return sock, ok
}

// Redirect delivers msg to the socket registered under key.
func (t *Table) Redirect(key types.FlowKey, msg []byte, ingress bool) error {
	sock, ok := t.Lookup(key)
	if !ok {
		return ErrNoSocket
	}
	if err := sock.Deliver(msg, ingress); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "redirect delivery failed"), "flow", key.String())
	}
	return nil
}

// Len returns the number of registered sockets.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Cap returns the table capacity.
func (t *Table) Cap() int {
	return int(t.capacity)
}

// Keys returns a snapshot of the registered flows.
func (t *Table) Keys() []types.FlowKey {
	out := make([]types.FlowKey, 0, t.Len())
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for k := range sh.m {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	return out
}
