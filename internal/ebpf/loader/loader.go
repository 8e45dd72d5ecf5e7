// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package loader loads the mesh_redirect object into the kernel and seeds
// its configuration maps.
package loader

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"grimm.is/meshredirect/internal/ebpf/programs"
	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/logging"
)

// Options locate and size the kernel object.
type Options struct {
	ObjectPath string
	// PinPath is a bpffs directory for pinned maps; empty disables pinning.
	PinPath string
	// Capacity overrides max_entries of the flow-sized maps when non-zero.
	Capacity int
}

// Loader handles loading and managing eBPF programs
type Loader struct {
	opts       Options
	logger     *logging.Logger
	collection *ebpf.Collection
	programs   map[string]*ebpf.Program
	maps       map[string]*ebpf.Map
	loaded     bool
	mutex      sync.Mutex
}

// NewLoader creates a new eBPF loader
func NewLoader(opts Options, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loader{
		opts:     opts,
		logger:   logger.WithComponent("loader"),
		programs: make(map[string]*ebpf.Program),
		maps:     make(map[string]*ebpf.Map),
	}
}

// LoadSpec reads the collection spec from the object file and checks that it
// carries every program and map the datapath uses.
func (l *Loader) LoadSpec() (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(l.opts.ObjectPath)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindNotFound, "failed to load collection spec"), "object", l.opts.ObjectPath)
	}
	if err := programs.Verify(spec); err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "unexpected object layout"), "object", l.opts.ObjectPath)
	}
	return spec, nil
}

// Load reads, tunes and loads the collection.
func (l *Loader) Load() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.loaded {
		return errors.New(errors.KindConflict, "collection already loaded")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return errors.Wrap(err, errors.KindPermission, "failed to remove memlock limit")
	}

	spec, err := l.LoadSpec()
	if err != nil {
		return err
	}
	programs.Tune(spec, l.opts.Capacity, l.opts.PinPath)

	var collOpts ebpf.CollectionOptions
	if l.opts.PinPath != "" {
		if err := os.MkdirAll(l.opts.PinPath, 0o700); err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindPermission, "failed to create pin directory"), "path", l.opts.PinPath)
		}
		collOpts.Maps.PinPath = l.opts.PinPath
	}

	collection, err := ebpf.NewCollectionWithOptions(spec, collOpts)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to create collection")
	}

	l.collection = collection
	for name, program := range collection.Programs {
		l.programs[name] = program
	}
	for name, m := range collection.Maps {
		l.maps[name] = m
	}
	l.loaded = true

	l.logger.Info("collection loaded",
		"object", l.opts.ObjectPath,
		"programs", len(l.programs),
		"maps", len(l.maps),
		"pin_path", l.opts.PinPath)
	return nil
}

// Configure writes the proxy target, loopback exemption and intercepted
// ports into the kernel. Ports not in the new set are removed.
func (l *Loader) Configure(proxy netip.AddrPort, loopback netip.Addr, ports []uint16) error {
	cfgMap, err := l.GetMap(programs.MapConfig)
	if err != nil {
		return err
	}
	portMap, err := l.GetMap(programs.MapInterceptPorts)
	if err != nil {
		return err
	}

	mc, err := types.NewMeshConfig(proxy, loopback)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid kernel configuration")
	}
	if err := cfgMap.Put(uint32(0), mc); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to write mesh config")
	}

	want := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		want[p] = struct{}{}
		if err := portMap.Put(p, uint8(1)); err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to write intercept port"), "port", p)
		}
	}

	var (
		port  uint16
		flag  uint8
		stale []uint16
	)
	iter := portMap.Iterate()
	for iter.Next(&port, &flag) {
		if _, ok := want[port]; !ok {
			stale = append(stale, port)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to iterate intercept ports")
	}
	for _, p := range stale {
		if err := portMap.Delete(p); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to remove intercept port"), "port", p)
		}
	}

	l.logger.Info("kernel datapath configured",
		"proxy", proxy.String(),
		"loopback", loopback.String(),
		"ports", ports)
	return nil
}

// GetProgram returns a loaded program
func (l *Loader) GetProgram(name string) (*ebpf.Program, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	prog, exists := l.programs[name]
	if !exists {
		return nil, errors.Errorf(errors.KindNotFound, "program %s not found", name)
	}
	return prog, nil
}

// GetMap returns a loaded eBPF map
func (l *Loader) GetMap(name string) (*ebpf.Map, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	m, exists := l.maps[name]
	if !exists {
		return nil, errors.Errorf(errors.KindNotFound, "map %s not found", name)
	}
	return m, nil
}

// MapInfo describes a loaded map.
type MapInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	KeySize    uint32 `json:"key_size"`
	ValueSize  uint32 `json:"value_size"`
	MaxEntries uint32 `json:"max_entries"`
	Pinned     bool   `json:"pinned"`
}

// GetMapInfo returns information about a map
func (l *Loader) GetMapInfo(name string) (MapInfo, error) {
	m, err := l.GetMap(name)
	if err != nil {
		return MapInfo{}, err
	}
	return MapInfo{
		Name:       name,
		Type:       m.Type().String(),
		KeySize:    m.KeySize(),
		ValueSize:  m.ValueSize(),
		MaxEntries: m.MaxEntries(),
		Pinned:     m.IsPinned(),
	}, nil
}

// IsLoaded returns true if the collection is loaded
func (l *Loader) IsLoaded() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.loaded
}

// Close releases all programs and maps. Pinned maps stay in bpffs.
func (l *Loader) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.collection != nil {
		l.collection.Close()
		l.collection = nil
	}
	l.loaded = false
	l.programs = make(map[string]*ebpf.Program)
	l.maps = make(map[string]*ebpf.Map)
	return nil
}

// Unpin removes the pinned maps so the next load starts empty.
func (l *Loader) Unpin() error {
	if l.opts.PinPath == "" {
		return nil
	}
	var firstErr error
	for _, spec := range programs.Maps {
		if !spec.Pinned {
			continue
		}
		path := filepath.Join(l.opts.PinPath, spec.Name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
