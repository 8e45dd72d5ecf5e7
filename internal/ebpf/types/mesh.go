// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package types

import (
	"fmt"
	"net/netip"
)

// Family is a socket address family, numbered as in the kernel.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyIPv4   Family = 2  // AF_INET
	FamilyIPv6   Family = 10 // AF_INET6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unspec"
	}
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as IPv4.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyUnspec
	case addr.Unmap().Is4():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// ConnectionKey identifies an intercepted connection attempt in the origin
// store. SrcPort is zero when recorded at connect time because the transport
// has not bound a local port yet.
type ConnectionKey struct {
	SrcIP   netip.Addr `json:"src_ip"`
	DstIP   netip.Addr `json:"dst_ip"`
	SrcPort uint16     `json:"src_port"`
	DstPort uint16     `json:"dst_port"`
	Family  Family     `json:"family"`
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s->%s %s",
		netip.AddrPortFrom(k.SrcIP, k.SrcPort),
		netip.AddrPortFrom(k.DstIP, k.DstPort),
		k.Family)
}

// OriginInfo is the destination the application originally asked for.
type OriginInfo struct {
	IP   netip.Addr `json:"ip"`
	Port uint16     `json:"port"`
}

// AddrPort returns the origin as a netip.AddrPort.
func (o OriginInfo) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(o.IP, o.Port)
}

func (o OriginInfo) String() string {
	return o.AddrPort().String()
}

// FlowKey identifies an established socket by its own view of the flow:
// Src is the socket's local end and Dst its remote end.
type FlowKey struct {
	SrcIP   netip.Addr `json:"src_ip"`
	DstIP   netip.Addr `json:"dst_ip"`
	SrcPort uint16     `json:"src_port"`
	DstPort uint16     `json:"dst_port"`
	Family  Family     `json:"family"`
}

// NewFlowKey builds the key a socket is registered under.
func NewFlowKey(local, remote netip.AddrPort) FlowKey {
	return FlowKey{
		SrcIP:   local.Addr().Unmap(),
		DstIP:   remote.Addr().Unmap(),
		SrcPort: local.Port(),
		DstPort: remote.Port(),
		Family:  FamilyOf(local.Addr()),
	}
}

// Peer returns the key of the socket at the other end of the same local
// connection.
func (k FlowKey) Peer() FlowKey {
	return FlowKey{
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
		Family:  k.Family,
	}
}

// Local returns the local end of the flow.
func (k FlowKey) Local() netip.AddrPort { return netip.AddrPortFrom(k.SrcIP, k.SrcPort) }

// Remote returns the remote end of the flow.
func (k FlowKey) Remote() netip.AddrPort { return netip.AddrPortFrom(k.DstIP, k.DstPort) }

func (k FlowKey) String() string {
	return fmt.Sprintf("%s->%s %s", k.Local(), k.Remote(), k.Family)
}

// Verdict is the connect-hook return code. Values match the cgroup sock_addr
// program return codes.
type Verdict uint8

const (
	VerdictDeny  Verdict = 0
	VerdictAllow Verdict = 1
)

func (v Verdict) String() string {
	if v == VerdictAllow {
		return "allow"
	}
	return "deny"
}

// MsgVerdict is the message-hook outcome.
type MsgVerdict uint8

const (
	MsgDrop MsgVerdict = iota
	MsgPass
	MsgRedirect
)

func (v MsgVerdict) String() string {
	switch v {
	case MsgPass:
		return "pass"
	case MsgRedirect:
		return "redirect"
	default:
		return "drop"
	}
}

// ConnectAttempt is the mutable context handed to the connect hook. The hook
// may rewrite DstIP and DstPort in place.
type ConnectAttempt struct {
	// Cookie is the socket cookie, 0 when the caller cannot provide one.
	Cookie  uint64
	SrcIP   netip.Addr
	DstIP   netip.Addr
	DstPort uint16
	Family  Family

	// Redirected is set when the destination was rewritten.
	Redirected bool
}

// Destination returns the current destination of the attempt.
func (c *ConnectAttempt) Destination() netip.AddrPort {
	return netip.AddrPortFrom(c.DstIP, c.DstPort)
}

// MessageMeta is the read-only metadata handed to the message hook.
type MessageMeta struct {
	RemoteIP   netip.Addr
	RemotePort uint16
	LocalIP    netip.Addr
	LocalPort  uint16
	Family     Family
}

// FlowKey returns the key the sending socket is registered under. Family
// is taken from the unmapped local address, as NewFlowKey does, so a mapped
// or unset family still matches the registered socket.
func (m *MessageMeta) FlowKey() FlowKey {
	return NewFlowKey(
		netip.AddrPortFrom(m.LocalIP, m.LocalPort),
		netip.AddrPortFrom(m.RemoteIP, m.RemotePort))
}
