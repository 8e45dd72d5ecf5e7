// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package maps gives typed access to the kernel datapath maps.
package maps

import (
	"sync"
	"time"

	"github.com/cilium/ebpf"

	"grimm.is/meshredirect/internal/errors"
)

// Manager manages eBPF maps and provides type-safe operations
type Manager struct {
	maps  map[string]*ManagedMap
	mutex sync.RWMutex
}

// ManagedMap wraps an eBPF map with additional metadata and operations
type ManagedMap struct {
	Name       string
	Map        *ebpf.Map
	Type       ebpf.MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	CreatedAt  time.Time
}

// NewManager creates a new map manager
func NewManager() *Manager {
	return &Manager{
		maps: make(map[string]*ManagedMap),
	}
}

// RegisterMap registers a map with the manager
func (m *Manager) RegisterMap(name string, mapObj *ebpf.Map) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.maps[name]; exists {
		return errors.Errorf(errors.KindConflict, "map %s already registered", name)
	}

	m.maps[name] = &ManagedMap{
		Name:       name,
		Map:        mapObj,
		Type:       mapObj.Type(),
		KeySize:    mapObj.KeySize(),
		ValueSize:  mapObj.ValueSize(),
		MaxEntries: mapObj.MaxEntries(),
		CreatedAt:  time.Now(),
	}
	return nil
}

// GetMap returns a managed map by name
func (m *Manager) GetMap(name string) (*ManagedMap, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	managedMap, exists := m.maps[name]
	if !exists {
		return nil, errors.Errorf(errors.KindNotFound, "map %s not found", name)
	}
	return managedMap, nil
}

// Names returns the registered map names.
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.maps))
	for name := range m.maps {
		names = append(names, name)
	}
	return names
}

// check validates the map shape before a typed wrapper is built on it.
func (mm *ManagedMap) check(typ ebpf.MapType, keySize, valueSize uint32) error {
	if mm.Type != typ {
		return errors.Errorf(errors.KindValidation, "map %s must be %s, got %s", mm.Name, typ, mm.Type)
	}
	if mm.KeySize != keySize {
		return errors.Errorf(errors.KindValidation, "map %s key size must be %d bytes, got %d", mm.Name, keySize, mm.KeySize)
	}
	if valueSize != 0 && mm.ValueSize != valueSize {
		return errors.Errorf(errors.KindValidation, "map %s value size must be %d bytes, got %d", mm.Name, valueSize, mm.ValueSize)
	}
	return nil
}

// Count walks the map and returns the number of keys. Key and value are
// scratch buffers of the map's encoding.
func (mm *ManagedMap) Count(key, value any) (int, error) {
	n := 0
	iter := mm.Map.Iterate()
	for iter.Next(key, value) {
		n++
	}
	if err := iter.Err(); err != nil {
		return n, errors.Attr(errors.Wrap(err, errors.KindInternal, "map iteration failed"), "map", mm.Name)
	}
	return n, nil
}
