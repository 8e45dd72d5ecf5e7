// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"github.com/cilium/ebpf"

	"grimm.is/meshredirect/internal/ebpf/types"
)

// SockHash is the kernel flow-redirect table. Sockets in a SOCKHASH cannot
// be read back from user space, so membership is answered from the flow
// cookie index the sock_ops program maintains next to it.
type SockHash struct {
	table *ManagedMap
	index *ManagedMap
}

// NewSockHash wraps the sockhash and its flow cookie index.
func (m *Manager) NewSockHash(table, index string) (*SockHash, error) {
	t, err := m.GetMap(table)
	if err != nil {
		return nil, err
	}
	if err := t.check(ebpf.SockHash, sockKeySize, 0); err != nil {
		return nil, err
	}
	idx, err := m.GetMap(index)
	if err != nil {
		return nil, err
	}
	if err := idx.check(ebpf.Hash, sockKeySize, 8); err != nil {
		return nil, err
	}
	return &SockHash{table: t, index: idx}, nil
}

// FD returns the sockhash descriptor that sk_msg programs attach to.
func (s *SockHash) FD() int { return s.table.Map.FD() }

// Map returns the underlying sockhash.
func (s *SockHash) Map() *ebpf.Map { return s.table.Map }

// Cap returns the table capacity.
func (s *SockHash) Cap() int { return int(s.table.MaxEntries) }

// Len counts the registered sockets.
func (s *SockHash) Len() (int, error) {
	var (
		k      types.SockKey
		cookie uint64
	)
	return s.index.Count(&k, &cookie)
}

// Cookie returns the cookie of the socket registered under key.
func (s *SockHash) Cookie(key types.FlowKey) (uint64, bool) {
	k, err := types.NewFlowSockKey(key)
	if err != nil {
		return 0, false
	}
	var cookie uint64
	if err := s.index.Map.Lookup(&k, &cookie); err != nil {
		return 0, false
	}
	return cookie, true
}

// Keys returns the flow keys of the registered sockets.
func (s *SockHash) Keys() ([]types.FlowKey, error) {
	var (
		k      types.SockKey
		cookie uint64
		keys   []types.FlowKey
	)
	iter := s.index.Map.Iterate()
	for iter.Next(&k, &cookie) {
		keys = append(keys, k.FlowKey())
	}
	return keys, iter.Err()
}
