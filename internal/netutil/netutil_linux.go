// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package netutil

import (
	"fmt"
	"net/netip"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// LoopbackAddrs returns every address assigned to the loopback interface.
func LoopbackAddrs() ([]netip.Addr, error) {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return nil, fmt.Errorf("failed to find loopback link: %w", err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("failed to list loopback addresses: %w", err)
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip := AddrFromIP(a.IPNet.IP); ip.IsValid() {
			out = append(out, ip)
		}
	}
	return MergeAddrs(out), nil
}

// SocketCookie returns the kernel socket cookie of conn, the same value the
// kernel programs see from bpf_get_socket_cookie.
func SocketCookie(conn syscall.Conn) (uint64, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		cookie uint64
		opErr  error
	)
	err = raw.Control(func(fd uintptr) {
		cookie, opErr = unix.GetsockoptUint64(int(fd), unix.SOL_SOCKET, unix.SO_COOKIE)
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, fmt.Errorf("getsockopt SO_COOKIE: %w", opErr)
	}
	return cookie, nil
}
