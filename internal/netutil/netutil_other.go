// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package netutil

import (
	"errors"
	"net/netip"
	"syscall"
)

var errUnsupported = errors.New("not supported on this platform")

// LoopbackAddrs returns the well-known loopback addresses.
func LoopbackAddrs() ([]netip.Addr, error) {
	return []netip.Addr{netip.IPv6Loopback(), netip.MustParseAddr("127.0.0.1")}, nil
}

// SocketCookie is only available on linux.
func SocketCookie(syscall.Conn) (uint64, error) {
	return 0, errUnsupported
}
