// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"github.com/cilium/ebpf"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
)

const (
	sockKeySize = 16
	originSize  = 8
)

// OriginMap is the kernel origin store: an LRU hash from the connect-time
// key to the original destination. The kernel evicts on its own, so a miss
// is a normal result.
type OriginMap struct {
	*ManagedMap
}

// NewOriginMap wraps the named map as an origin store.
func (m *Manager) NewOriginMap(name string) (*OriginMap, error) {
	mm, err := m.GetMap(name)
	if err != nil {
		return nil, err
	}
	if err := mm.check(ebpf.LRUHash, sockKeySize, originSize); err != nil {
		return nil, err
	}
	return &OriginMap{ManagedMap: mm}, nil
}

// Put records an origin. Only IPv4 keys can be stored.
func (om *OriginMap) Put(key types.ConnectionKey, origin types.OriginInfo) error {
	k, err := types.NewSockKey(key)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid origin key")
	}
	v, err := types.NewOriginValue(origin)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid origin")
	}
	if err := om.Map.Update(&k, &v, ebpf.UpdateAny); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to store origin"), "key", key.String())
	}
	return nil
}

// Get looks up the origin for key.
func (om *OriginMap) Get(key types.ConnectionKey) (types.OriginInfo, bool, error) {
	k, err := types.NewSockKey(key)
	if err != nil {
		// Nothing outside IPv4 is ever stored.
		return types.OriginInfo{}, false, nil
	}
	var v types.OriginValue
	if err := om.Map.Lookup(&k, &v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return types.OriginInfo{}, false, nil
		}
		return types.OriginInfo{}, false, errors.Attr(errors.Wrap(err, errors.KindInternal, "origin lookup failed"), "key", key.String())
	}
	return v.OriginInfo(), true, nil
}

// Len counts the stored origins.
func (om *OriginMap) Len() (int, error) {
	var (
		k types.SockKey
		v types.OriginValue
	)
	return om.Count(&k, &v)
}

// Range calls fn for every stored origin until fn returns false.
func (om *OriginMap) Range(fn func(types.ConnectionKey, types.OriginInfo) bool) error {
	var (
		k types.SockKey
		v types.OriginValue
	)
	iter := om.Map.Iterate()
	for iter.Next(&k, &v) {
		if !fn(k.ConnectionKey(), v.OriginInfo()) {
			return nil
		}
	}
	return iter.Err()
}

// FlowOriginMap holds origins promoted to the established 4-tuple by the
// sock_ops program.
type FlowOriginMap struct {
	*ManagedMap
}

// NewFlowOriginMap wraps the named map as a flow origin index.
func (m *Manager) NewFlowOriginMap(name string) (*FlowOriginMap, error) {
	mm, err := m.GetMap(name)
	if err != nil {
		return nil, err
	}
	if err := mm.check(ebpf.LRUHash, sockKeySize, originSize); err != nil {
		return nil, err
	}
	return &FlowOriginMap{ManagedMap: mm}, nil
}

// Get returns the origin of the flow registered under key.
func (fm *FlowOriginMap) Get(key types.FlowKey) (types.OriginInfo, bool, error) {
	k, err := types.NewFlowSockKey(key)
	if err != nil {
		return types.OriginInfo{}, false, nil
	}
	var v types.OriginValue
	if err := fm.Map.Lookup(&k, &v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return types.OriginInfo{}, false, nil
		}
		return types.OriginInfo{}, false, errors.Attr(errors.Wrap(err, errors.KindInternal, "flow origin lookup failed"), "flow", key.String())
	}
	return v.OriginInfo(), true, nil
}

// Len counts the promoted origins.
func (fm *FlowOriginMap) Len() (int, error) {
	var (
		k types.SockKey
		v types.OriginValue
	)
	return fm.Count(&k, &v)
}
