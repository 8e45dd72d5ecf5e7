// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events turns samples from the kernel mesh_events ring buffer into
// trace records.
package events

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/logging"
	"grimm.is/meshredirect/internal/metrics"
	"grimm.is/meshredirect/internal/trace"
)

// Emitter receives decoded records.
type Emitter interface {
	Emit(trace.Record)
}

// Reader drains the kernel event ring buffer.
type Reader struct {
	events  *ebpf.Map
	tracer  Emitter
	metrics *metrics.Metrics
	logger  *logging.Logger
	proxy   netip.AddrPort

	// now returns the monotonic clock in nanoseconds; replaced in tests.
	now func() uint64
}

// NewReader creates a reader for the ring buffer map. proxy is reported as
// the rewrite target of intercepted connections.
func NewReader(events *ebpf.Map, tracer Emitter, m *metrics.Metrics, proxy netip.AddrPort, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reader{
		events:  events,
		tracer:  tracer,
		metrics: m,
		logger:  logger.WithComponent("events"),
		proxy:   proxy,
		now:     ktime,
	}
}

// Run reads events until ctx is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	rd, err := ringbuf.NewReader(r.events)
	if err != nil {
		return fmt.Errorf("failed to create ring buffer reader: %w", err)
	}
	defer rd.Close()

	go func() {
		<-ctx.Done()
		rd.Close()
	}()

	r.logger.Info("started kernel event reader")

	for {
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				r.logger.Debug("ring buffer reader closed")
				return nil
			}
			r.logger.Debug("ring buffer read error", "error", err)
			continue
		}
		if err := r.Handle(record.RawSample); err != nil {
			r.logger.Debug("failed to handle kernel event", "error", err)
		}
	}
}

// Handle decodes one raw sample and forwards it.
func (r *Reader) Handle(raw []byte) error {
	ev, err := types.DecodeMeshEvent(raw)
	if err != nil {
		r.metrics.ObserveKernelEvent("malformed")
		return err
	}
	rec := r.record(ev)
	r.metrics.ObserveKernelEvent(kindLabel(ev.Kind))
	if r.tracer != nil {
		r.tracer.Emit(rec)
	}
	return nil
}

func (r *Reader) record(ev types.MeshEvent) trace.Record {
	rec := trace.Record{
		Time:   r.wallTime(ev.Timestamp),
		Cookie: ev.Cookie,
	}
	switch ev.Kind {
	case types.KernelEventIntercepted:
		rec.Kind = trace.KindIntercepted
		rec.Key = types.ConnectionKey{
			SrcIP:   ev.Source(),
			DstIP:   ev.Destination().Addr(),
			DstPort: ev.DstPort,
			Family:  types.FamilyIPv4,
		}
		rec.Origin = types.OriginInfo{IP: ev.Destination().Addr(), Port: ev.DstPort}
		rec.Proxy = r.proxy
	case types.KernelEventRedirectFailed:
		rec.Kind = trace.KindRedirectFailed
		rec.Flow = types.FlowKey{
			SrcIP:   ev.Source(),
			DstIP:   ev.Destination().Addr(),
			DstPort: ev.DstPort,
			Family:  types.FamilyIPv4,
		}
		rec.Err = fmt.Errorf("kernel redirect failed (code %d)", ev.Err)
	default:
		rec.Kind = trace.KindKernelEvent
		rec.Err = fmt.Errorf("unknown kernel event kind %d", ev.Kind)
	}
	return rec
}

// wallTime converts a bpf_ktime_get_ns stamp to wall-clock time.
func (r *Reader) wallTime(ts uint64) time.Time {
	now := time.Now()
	mono := r.now()
	if ts == 0 || ts > mono {
		return now
	}
	return now.Add(-time.Duration(mono - ts))
}

func kindLabel(kind uint8) string {
	switch kind {
	case types.KernelEventIntercepted:
		return "intercepted"
	case types.KernelEventRedirectFailed:
		return "redirect_failed"
	default:
		return "unknown"
	}
}
