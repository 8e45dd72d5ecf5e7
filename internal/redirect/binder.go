// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package redirect

import (
	"net/netip"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/logging"
)

// CookieLookup resolves a socket cookie to the key the connect hook recorded.
type CookieLookup interface {
	Get(cookie uint64) (types.ConnectionKey, bool)
}

// OriginLookup resolves a connection key to its original destination.
type OriginLookup interface {
	Get(key types.ConnectionKey) (types.OriginInfo, bool)
}

// FlowOrigins indexes original destinations by full flow 4-tuple.
type FlowOrigins interface {
	Put(key types.FlowKey, origin types.OriginInfo)
	Get(key types.FlowKey) (types.OriginInfo, bool)
}

// Binder registers established sockets in the flow table. When a socket
// carries a cookie the connect hook saw, its original destination is copied
// into the flow origin index under the socket's now complete 4-tuple.
type Binder struct {
	table   *Table
	cookies CookieLookup
	origins OriginLookup
	flows   FlowOrigins
	logger  *logging.Logger
}

// NewBinder creates a Binder. cookies, origins and flows may be nil, in
// which case origin promotion is skipped.
func NewBinder(table *Table, cookies CookieLookup, origins OriginLookup, flows FlowOrigins, logger *logging.Logger) *Binder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Binder{
		table:   table,
		cookies: cookies,
		origins: origins,
		flows:   flows,
		logger:  logger.WithComponent("binder"),
	}
}

// Established registers sock, whose local and remote ends are given. A full
// table leaves the socket unmanaged and its traffic passes through.
func (b *Binder) Established(sock Socket, local, remote netip.AddrPort) error {
	key := types.NewFlowKey(local, remote)
	if err := b.table.Update(key, sock); err != nil {
		return err
	}

	if b.cookies == nil || b.origins == nil || b.flows == nil {
		return nil
	}
	cookie := sock.Cookie()
	if cookie == 0 {
		return nil
	}
	ck, ok := b.cookies.Get(cookie)
	if !ok {
		return nil
	}
	origin, ok := b.origins.Get(ck)
	if !ok {
		return nil
	}
	b.flows.Put(key, origin)

	if b.logger.Enabled(logging.LevelDebug) {
		b.logger.Debug("flow bound", "flow", key.String(), "origin", origin.String(), "cookie", cookie)
	}
	return nil
}

// Closed unregisters the socket with the given ends.
func (b *Binder) Closed(local, remote netip.AddrPort) {
	b.table.Delete(types.NewFlowKey(local, remote))
}

// OriginOf returns the original destination of the connection whose peer
// sees it from remote to local. A proxy calls it with the addresses of an
// accepted connection.
func (b *Binder) OriginOf(remote, local netip.AddrPort) (types.OriginInfo, bool) {
	if b.flows == nil {
		return types.OriginInfo{}, false
	}
	return b.flows.Get(types.NewFlowKey(remote, local))
}
