// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package redirect

import (
	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/metrics"
	"grimm.is/meshredirect/internal/trace"
)

// Redirector is the message-layer hook. Message is safe for concurrent use
// and never blocks.
type Redirector struct {
	table   *Table
	tracer  *trace.Tracer
	metrics *metrics.Metrics
}

// NewRedirector creates a Redirector over table. tracer and m may be nil.
func NewRedirector(table *Table, tracer *trace.Tracer, m *metrics.Metrics) *Redirector {
	return &Redirector{table: table, tracer: tracer, metrics: m}
}

// Message decides where a message sent on the socket described by meta
// goes. If the socket at the other end of the same local connection is
// registered, msg is delivered into its receive path. Any failure passes the
// message through unmodified.
func (r *Redirector) Message(meta *types.MessageMeta, msg []byte) types.MsgVerdict {
	key := meta.FlowKey().Peer()

	err := r.table.Redirect(key, msg, true)
	switch {
	case err == nil:
		r.metrics.ObserveMessage(metrics.MessageRedirected)
		return types.MsgRedirect
	case errors.Is(err, ErrNoSocket):
		r.metrics.ObserveMessage(metrics.MessagePassthrough)
		return types.MsgPass
	default:
		r.metrics.ObserveMessage(metrics.MessageRedirectFailed)
		r.tracer.Emit(trace.Record{
			Kind: trace.KindRedirectFailed,
			Flow: key,
			Err:  err,
		})
		return types.MsgPass
	}
}
