// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
)

func connKey(i int) types.ConnectionKey {
	return types.ConnectionKey{
		SrcIP:   netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}),
		DstIP:   netip.AddrFrom4([4]byte{93, 184, 216, 34}),
		DstPort: 443,
		Family:  types.FamilyIPv4,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New[int, int](Config{Capacity: 0, Shards: 4}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = New[int, int](Config{Capacity: 10, Shards: 3}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	s, err := New[int, int](Config{Capacity: 10}, nil)
	require.NoError(t, err)
	assert.Len(t, s.shards, DefaultShards)
}

func TestStore_PutGet(t *testing.T) {
	s, err := New[types.ConnectionKey, types.OriginInfo](DefaultConfig(), nil)
	require.NoError(t, err)

	key := connKey(1)
	origin := types.OriginInfo{IP: netip.MustParseAddr("93.184.216.34"), Port: 443}

	_, ok := s.Get(key)
	assert.False(t, ok)

	s.Put(key, origin)
	got, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, origin, got)

	updated := types.OriginInfo{IP: netip.MustParseAddr("93.184.216.35"), Port: 8443}
	s.Put(key, updated)
	got, ok = s.Get(key)
	require.True(t, ok)
	assert.Equal(t, updated, got)

	st := s.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.Inserts)
	assert.Equal(t, uint64(1), st.Updates)
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []int
	s, err := New[int, string](Config{Capacity: 3, Shards: 2}, func(k int, _ string) {
		evicted = append(evicted, k)
	})
	require.NoError(t, err)

	s.Put(1, "a")
	s.Put(2, "b")
	s.Put(3, "c")

	// Touch 1 so 2 becomes the oldest.
	_, ok := s.Get(1)
	require.True(t, ok)

	s.Put(4, "d")
	assert.Equal(t, []int{2}, evicted)
	assert.Equal(t, 3, s.Len())

	_, ok = s.Peek(2)
	assert.False(t, ok)
	for _, k := range []int{1, 3, 4} {
		_, ok := s.Peek(k)
		assert.True(t, ok, "key %d should survive", k)
	}
}

func TestStore_PeekDoesNotTouch(t *testing.T) {
	var evicted []int
	s, err := New[int, int](Config{Capacity: 2, Shards: 1}, func(k, _ int) {
		evicted = append(evicted, k)
	})
	require.NoError(t, err)

	s.Put(1, 1)
	s.Put(2, 2)
	_, ok := s.Peek(1)
	require.True(t, ok)

	s.Put(3, 3)
	assert.Equal(t, []int{1}, evicted)
}

// A full table of 65535 entries takes one more insert by evicting exactly
// the oldest entry.
func TestStore_OverflowByOne(t *testing.T) {
	var (
		evictions int
		victim    types.ConnectionKey
	)
	s, err := New[types.ConnectionKey, types.OriginInfo](DefaultConfig(), func(k types.ConnectionKey, _ types.OriginInfo) {
		evictions++
		victim = k
	})
	require.NoError(t, err)

	origin := types.OriginInfo{IP: netip.MustParseAddr("93.184.216.34"), Port: 443}
	for i := 0; i < DefaultCapacity; i++ {
		s.Put(connKey(i), origin)
	}
	require.Equal(t, DefaultCapacity, s.Len())
	require.Zero(t, evictions)

	s.Put(connKey(DefaultCapacity), origin)

	assert.Equal(t, 1, evictions)
	assert.Equal(t, connKey(0), victim)
	assert.Equal(t, DefaultCapacity, s.Len())

	_, ok := s.Peek(connKey(0))
	assert.False(t, ok)
	_, ok = s.Peek(connKey(DefaultCapacity))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Evictions)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	const (
		capacity = 1024
		workers  = 8
		perG     = 4096
	)
	s, err := New[int, int](Config{Capacity: capacity, Shards: 16}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				k := w*perG + i
				s.Put(k, k)
				if v, ok := s.Get(k - 1); ok {
					assert.Equal(t, k-1, v)
				}
				assert.LessOrEqual(t, s.Len(), capacity)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, capacity, s.Len())

	seen := 0
	s.Range(func(k, v int) bool {
		assert.Equal(t, k, v)
		seen++
		return true
	})
	assert.Equal(t, capacity, seen)

	st := s.Stats()
	assert.Equal(t, st.Inserts-st.Evictions, uint64(capacity))
}

func TestStore_Purge(t *testing.T) {
	s, err := New[int, int](Config{Capacity: 8, Shards: 4}, nil)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		s.Put(i, i)
	}
	s.Purge()
	assert.Zero(t, s.Len())

	s.Put(100, 100)
	assert.Equal(t, 1, s.Len())
}
