// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net"
	"net/netip"
	"syscall"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/netutil"
	"grimm.is/meshredirect/internal/redirect"
)

// connEnds returns the unmapped local and remote ends of a TCP connection.
func connEnds(conn net.Conn) (local, remote netip.AddrPort, err error) {
	var ok bool
	if local, ok = netutil.AddrPortOf(conn.LocalAddr()); !ok {
		return local, remote, errors.Attr(errors.New(errors.KindValidation, "connection has no IP local address"), "local", conn.LocalAddr().String())
	}
	if remote, ok = netutil.AddrPortOf(conn.RemoteAddr()); !ok {
		return local, remote, errors.Attr(errors.New(errors.KindValidation, "connection has no IP remote address"), "remote", conn.RemoteAddr().String())
	}
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	return local, remote, nil
}

// EstablishedConn registers an established connection in the flow table
// under a new QueueSocket holding depth messages per direction. The socket
// cookie is read from conn when the platform exposes it, so an origin
// recorded for that cookie at connect time is promoted to the connection.
func (d *Datapath) EstablishedConn(conn net.Conn, depth int) (*redirect.QueueSocket, error) {
	local, remote, err := connEnds(conn)
	if err != nil {
		return nil, err
	}

	var cookie uint64
	if sc, ok := conn.(syscall.Conn); ok {
		// Without a cookie the flow is still registered; it just carries no origin.
		cookie, _ = netutil.SocketCookie(sc)
	}

	sock := redirect.NewQueueSocket(cookie, depth)
	if err := d.Binder.Established(sock, local, remote); err != nil {
		return nil, err
	}
	return sock, nil
}

// ClosedConn removes conn from the flow table.
func (d *Datapath) ClosedConn(conn net.Conn) error {
	local, remote, err := connEnds(conn)
	if err != nil {
		return err
	}
	d.Binder.Closed(local, remote)
	return nil
}

// OriginOfConn returns the original destination of a connection the proxy
// accepted.
func (d *Datapath) OriginOfConn(conn net.Conn) (types.OriginInfo, bool) {
	local, remote, err := connEnds(conn)
	if err != nil {
		return types.OriginInfo{}, false
	}
	return d.Binder.OriginOf(remote, local)
}
