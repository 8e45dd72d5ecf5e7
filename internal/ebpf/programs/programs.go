// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package programs describes the mesh_redirect object: the programs and maps
// it must contain and how its spec is tuned before loading.
package programs

import (
	"fmt"
	"sort"

	"github.com/cilium/ebpf"

	"grimm.is/meshredirect/internal/ebpf/types"
)

//go:generate clang -O2 -g -Wall -target bpf -c c/mesh_redirect.c -o mesh_redirect.o

// Program names in mesh_redirect.o.
const (
	ProgConnect4 = "mesh_connect4"
	ProgSockOps  = "mesh_sockops"
	ProgSkMsg    = "mesh_sk_msg"
)

// Map names in mesh_redirect.o.
const (
	MapOrigins        = "origin_dst_map"
	MapCookies        = "cookie_key_map"
	MapFlowOrigins    = "flow_origin_map"
	MapSockHash       = "sock_hash_map"
	MapFlowCookies    = "flow_cookie_map"
	MapInterceptPorts = "intercept_ports"
	MapConfig         = "mesh_config"
	MapEvents         = "mesh_events"
)

// ProgramSpec is the expected shape of a program in the object.
type ProgramSpec struct {
	Name       string
	Type       ebpf.ProgramType
	AttachType ebpf.AttachType
	HookType   types.ProgramType
}

// MapSpec is the expected shape of a map in the object. Zero sizes are not
// checked.
type MapSpec struct {
	Name      string
	Type      ebpf.MapType
	KeySize   uint32
	ValueSize uint32
	// Sized maps follow the configured table capacity.
	Sized bool
	// Pinned maps outlive the agent so that restarts keep state.
	Pinned bool
}

// Programs lists the programs the agent loads, in attach order. A socket
// picks up the sk_msg verdict when it enters the sockhash, so sk_msg goes
// first; connect4 goes last so nothing is intercepted before it can be
// redirected.
var Programs = []ProgramSpec{
	{Name: ProgSkMsg, Type: ebpf.SkMsg, AttachType: ebpf.AttachSkMsgVerdict, HookType: types.ProgramTypeSkMsg},
	{Name: ProgSockOps, Type: ebpf.SockOps, AttachType: ebpf.AttachCGroupSockOps, HookType: types.ProgramTypeSockOps},
	{Name: ProgConnect4, Type: ebpf.CGroupSockAddr, AttachType: ebpf.AttachCGroupInet4Connect, HookType: types.ProgramTypeCgroupConnect4},
}

const (
	sockKeySize    = 16
	originSize     = 8
	meshConfigSize = 12
)

// Maps lists the maps the agent expects to find.
var Maps = []MapSpec{
	{Name: MapOrigins, Type: ebpf.LRUHash, KeySize: sockKeySize, ValueSize: originSize, Sized: true, Pinned: true},
	{Name: MapCookies, Type: ebpf.LRUHash, KeySize: 8, ValueSize: sockKeySize, Sized: true, Pinned: true},
	{Name: MapFlowOrigins, Type: ebpf.LRUHash, KeySize: sockKeySize, ValueSize: originSize, Sized: true, Pinned: true},
	{Name: MapSockHash, Type: ebpf.SockHash, KeySize: sockKeySize, Sized: true},
	{Name: MapFlowCookies, Type: ebpf.Hash, KeySize: sockKeySize, ValueSize: 8, Sized: true},
	{Name: MapInterceptPorts, Type: ebpf.Hash, KeySize: 2, ValueSize: 1},
	{Name: MapConfig, Type: ebpf.Array, KeySize: 4, ValueSize: meshConfigSize},
	{Name: MapEvents, Type: ebpf.RingBuf},
}

// Verify checks that spec contains every expected program and map with the
// expected types and sizes.
func Verify(spec *ebpf.CollectionSpec) error {
	var problems []string
	for _, want := range Programs {
		p, ok := spec.Programs[want.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("program %s missing", want.Name))
			continue
		}
		if p.Type != want.Type {
			problems = append(problems, fmt.Sprintf("program %s has type %s, want %s", want.Name, p.Type, want.Type))
		}
	}
	for _, want := range Maps {
		m, ok := spec.Maps[want.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("map %s missing", want.Name))
			continue
		}
		if m.Type != want.Type {
			problems = append(problems, fmt.Sprintf("map %s has type %s, want %s", want.Name, m.Type, want.Type))
		}
		if want.KeySize != 0 && m.KeySize != want.KeySize {
			problems = append(problems, fmt.Sprintf("map %s key size %d, want %d", want.Name, m.KeySize, want.KeySize))
		}
		if want.ValueSize != 0 && m.ValueSize != want.ValueSize {
			problems = append(problems, fmt.Sprintf("map %s value size %d, want %d", want.Name, m.ValueSize, want.ValueSize))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("object does not match the datapath: %v", problems)
}

// Tune sets capacities and pinning on spec before it is loaded. A capacity
// of zero keeps the sizes compiled into the object; an empty pinPath
// disables pinning.
func Tune(spec *ebpf.CollectionSpec, capacity int, pinPath string) {
	for _, want := range Maps {
		m, ok := spec.Maps[want.Name]
		if !ok {
			continue
		}
		if want.Sized && capacity > 0 {
			m.MaxEntries = uint32(capacity)
		}
		if want.Pinned && pinPath != "" {
			m.Pinning = ebpf.PinByName
		} else {
			m.Pinning = ebpf.PinNone
		}
	}
}
