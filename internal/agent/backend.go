// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net/netip"

	"grimm.is/meshredirect/internal/api"
	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/metrics"
	"grimm.is/meshredirect/internal/store"
)

// Stats returns a snapshot of the datapath.
func (a *Agent) Stats() api.Stats {
	s := api.Stats{
		Mode:   a.cfg.Mode,
		Proxy:  a.proxy.String(),
		Ports:  a.ports,
		Stores: make(map[string]store.Stats),
		Trace: api.TraceStats{
			Session: a.tracer.Session().String(),
			Emitted: a.tracer.Emitted(),
			Dropped: a.tracer.Dropped(),
		},
	}

	if a.kernel != nil {
		a.kernel.stats(&s)
		return s
	}

	s.Stores[metrics.StoreOrigins] = a.origins.Stats()
	s.Stores[metrics.StoreCookies] = a.cookies.Stats()
	s.Stores[metrics.StoreFlowOrigins] = a.flowOrigins.Stats()
	s.FlowTable = store.Stats{
		Entries:  a.datapath.Table.Len(),
		Capacity: a.datapath.Table.Cap(),
	}
	return s
}

// Origin looks up a connect-time origin without touching its recency.
func (a *Agent) Origin(key types.ConnectionKey) (types.OriginInfo, bool, error) {
	if a.kernel != nil {
		return a.kernel.origin(key)
	}
	o, ok := a.origins.Peek(key)
	return o, ok, nil
}

// FlowOrigin resolves an accepted connection, seen from the proxy as
// remote -> local, to the destination its client originally asked for.
func (a *Agent) FlowOrigin(remote, local netip.AddrPort) (types.OriginInfo, bool, error) {
	if a.kernel != nil {
		return a.kernel.flowOrigin(remote, local)
	}
	o, ok := a.flowOrigins.Peek(types.NewFlowKey(remote, local))
	return o, ok, nil
}

// Healthy reports whether the datapath is serving.
func (a *Agent) Healthy() error {
	if !a.serving.Load() {
		return errors.New(errors.KindUnavailable, "datapath not started")
	}
	if a.kernel != nil {
		return a.kernel.healthy()
	}
	return nil
}
