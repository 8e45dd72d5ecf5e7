// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Kernel map encodings. IPv4 addresses are kept as raw network-order bytes,
// ports in host order; the C programs convert with bpf_ntohs before writing.

// SockKey matches struct sock_key in mesh_redirect.c.
type SockKey struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
	Family  uint32
}

// OriginValue matches struct origin_info in mesh_redirect.c.
type OriginValue struct {
	IP   [4]byte
	Port uint16
	_    uint16
}

// MeshConfig matches struct mesh_config, stored at index 0 of mesh_config.
type MeshConfig struct {
	ProxyIP    [4]byte
	ProxyPort  uint16
	_          uint16
	LoopbackIP [4]byte
}

// Kernel event kinds emitted into the mesh_events ring buffer.
const (
	KernelEventIntercepted    uint8 = 1
	KernelEventRedirectFailed uint8 = 2
)

// MeshEvent matches struct mesh_event.
//
//	struct mesh_event {
//	    __u64 timestamp; // 0
//	    __u64 cookie;    // 8
//	    __u32 sip;       // 16, network order
//	    __u32 dip;       // 20, network order
//	    __u16 dport;     // 24
//	    __u8  kind;      // 26
//	    __u8  pad;       // 27
//	    __s32 err;       // 28
//	};
type MeshEvent struct {
	Timestamp uint64
	Cookie    uint64
	SrcIP     [4]byte
	DstIP     [4]byte
	DstPort   uint16
	Kind      uint8
	_         uint8
	Err       int32
}

// MeshEventSize is the encoded size of MeshEvent.
const MeshEventSize = 32

// DecodeMeshEvent parses a raw ring buffer sample.
func DecodeMeshEvent(data []byte) (MeshEvent, error) {
	var ev MeshEvent
	if len(data) < MeshEventSize {
		return ev, fmt.Errorf("event too short: %d bytes", len(data))
	}
	if err := binary.Read(bytes.NewReader(data[:MeshEventSize]), binary.NativeEndian, &ev); err != nil {
		return ev, fmt.Errorf("decode mesh event: %w", err)
	}
	return ev, nil
}

// Source returns the event's source address.
func (e MeshEvent) Source() netip.Addr { return netip.AddrFrom4(e.SrcIP) }

// Destination returns the event's destination address and port.
func (e MeshEvent) Destination() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(e.DstIP), e.DstPort)
}

func ipv4Bytes(addr netip.Addr) ([4]byte, error) {
	a := addr.Unmap()
	if !a.Is4() {
		return [4]byte{}, fmt.Errorf("kernel datapath supports IPv4 only, got %s", addr)
	}
	return a.As4(), nil
}

// NewSockKey encodes a connection key for the kernel origin map.
func NewSockKey(k ConnectionKey) (SockKey, error) {
	src, err := ipv4Bytes(k.SrcIP)
	if err != nil {
		return SockKey{}, err
	}
	dst, err := ipv4Bytes(k.DstIP)
	if err != nil {
		return SockKey{}, err
	}
	return SockKey{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: k.SrcPort,
		DstPort: k.DstPort,
		Family:  uint32(FamilyIPv4),
	}, nil
}

// ConnectionKey decodes the kernel key.
func (s SockKey) ConnectionKey() ConnectionKey {
	return ConnectionKey{
		SrcIP:   netip.AddrFrom4(s.SrcIP),
		DstIP:   netip.AddrFrom4(s.DstIP),
		SrcPort: s.SrcPort,
		DstPort: s.DstPort,
		Family:  Family(s.Family),
	}
}

// NewOriginValue encodes an origin for the kernel origin map.
func NewOriginValue(o OriginInfo) (OriginValue, error) {
	ip, err := ipv4Bytes(o.IP)
	if err != nil {
		return OriginValue{}, err
	}
	return OriginValue{IP: ip, Port: o.Port}, nil
}

// OriginInfo decodes the kernel value.
func (v OriginValue) OriginInfo() OriginInfo {
	return OriginInfo{IP: netip.AddrFrom4(v.IP), Port: v.Port}
}

// NewMeshConfig encodes the proxy target and loopback exemption.
func NewMeshConfig(proxy netip.AddrPort, loopback netip.Addr) (MeshConfig, error) {
	pip, err := ipv4Bytes(proxy.Addr())
	if err != nil {
		return MeshConfig{}, err
	}
	lip, err := ipv4Bytes(loopback)
	if err != nil {
		return MeshConfig{}, err
	}
	return MeshConfig{ProxyIP: pip, ProxyPort: proxy.Port(), LoopbackIP: lip}, nil
}

// NewFlowSockKey encodes an established flow for the sockhash and flow maps.
func NewFlowSockKey(k FlowKey) (SockKey, error) {
	src, err := ipv4Bytes(k.SrcIP)
	if err != nil {
		return SockKey{}, err
	}
	dst, err := ipv4Bytes(k.DstIP)
	if err != nil {
		return SockKey{}, err
	}
	return SockKey{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: k.SrcPort,
		DstPort: k.DstPort,
		Family:  uint32(FamilyIPv4),
	}, nil
}

// FlowKey decodes the kernel key as an established flow.
func (s SockKey) FlowKey() FlowKey {
	return FlowKey{
		SrcIP:   netip.AddrFrom4(s.SrcIP),
		DstIP:   netip.AddrFrom4(s.DstIP),
		SrcPort: s.SrcPort,
		DstPort: s.DstPort,
		Family:  Family(s.Family),
	}
}
