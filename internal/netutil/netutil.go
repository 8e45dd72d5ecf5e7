// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netutil holds small helpers for addresses and sockets.
package netutil

import (
	"net"
	"net/netip"
	"slices"
)

// MergeAddrs returns the union of the given address lists, unmapped, sorted
// and without duplicates. Invalid addresses are dropped.
func MergeAddrs(lists ...[]netip.Addr) []netip.Addr {
	var out []netip.Addr
	for _, l := range lists {
		for _, a := range l {
			if a.IsValid() {
				out = append(out, a.Unmap())
			}
		}
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(out)
}

// AddrFromIP converts a net.IP, returning the zero Addr for invalid input.
func AddrFromIP(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}

// AddrPortOf returns the address and port of a TCP or UDP net.Addr.
func AddrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort(), true
	case *net.UDPAddr:
		return a.AddrPort(), true
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		return ap, err == nil
	}
}
