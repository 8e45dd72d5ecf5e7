// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connect hook outcomes.
const (
	ConnectIntercepted = "intercepted"
	ConnectLoopback    = "loopback"
	ConnectPortSkipped = "port_skipped"
)

// Message hook outcomes.
const (
	MessageRedirected     = "redirected"
	MessagePassthrough    = "passthrough"
	MessageRedirectFailed = "redirect_failed"
)

// Store names used as the "store" label.
const (
	StoreOrigins     = "origins"
	StoreCookies     = "cookies"
	StoreFlowOrigins = "flow_origins"
)

// Metrics holds all datapath Prometheus metrics
type Metrics struct {
	// Hook outcome metrics
	Connects *prometheus.CounterVec
	Messages *prometheus.CounterVec

	// Table metrics
	StoreEvictions   *prometheus.CounterVec
	StoreEntries     *prometheus.GaugeVec
	FlowTableEntries prometheus.Gauge

	// Kernel hook metrics
	HookAttached *prometheus.GaugeVec
	HookErrors   *prometheus.CounterVec
	KernelEvents *prometheus.CounterVec

	traceDropped *prometheus.Desc

	// Pre-resolved children for the hook fast path.
	connIntercepted prometheus.Counter
	connLoopback    prometheus.Counter
	connPortSkipped prometheus.Counter
	msgRedirected   prometheus.Counter
	msgPassthrough  prometheus.Counter
	msgFailed       prometheus.Counter

	mu            sync.RWMutex
	storeSizes    map[string]func() int
	flowTableSize func() int
	traceDrops    func() uint64
}

// NewMetrics creates a new Prometheus metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshredirect_connect_total",
			Help: "Total number of outbound connection attempts seen by the connect hook",
		}, []string{"outcome"}),

		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshredirect_message_total",
			Help: "Total number of socket messages seen by the message hook",
		}, []string{"outcome"}),

		StoreEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshredirect_store_evictions_total",
			Help: "Total number of entries evicted for capacity",
		}, []string{"store"}),

		StoreEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshredirect_store_entries",
			Help: "Number of entries in each store",
		}, []string{"store"}),

		FlowTableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshredirect_flow_table_entries",
			Help: "Number of sockets registered in the flow-redirect table",
		}),

		HookAttached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshredirect_hook_attached",
			Help: "Whether a kernel hook is attached (1 for attached, 0 for detached)",
		}, []string{"hook_type", "attach_point"}),

		HookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshredirect_hook_errors_total",
			Help: "Total number of kernel hook errors",
		}, []string{"hook_type", "error_type"}),

		KernelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshredirect_kernel_events_total",
			Help: "Total number of events read from the kernel ring buffer",
		}, []string{"kind"}),

		traceDropped: prometheus.NewDesc(
			"meshredirect_trace_dropped_total",
			"Total number of trace records dropped because the buffer was full",
			nil, nil),

		storeSizes: make(map[string]func() int),
	}

	m.connIntercepted = m.Connects.WithLabelValues(ConnectIntercepted)
	m.connLoopback = m.Connects.WithLabelValues(ConnectLoopback)
	m.connPortSkipped = m.Connects.WithLabelValues(ConnectPortSkipped)
	m.msgRedirected = m.Messages.WithLabelValues(MessageRedirected)
	m.msgPassthrough = m.Messages.WithLabelValues(MessagePassthrough)
	m.msgFailed = m.Messages.WithLabelValues(MessageRedirectFailed)

	return m
}

// ObserveConnect counts a connect hook outcome. Safe on a nil receiver.
func (m *Metrics) ObserveConnect(outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case ConnectIntercepted:
		m.connIntercepted.Inc()
	case ConnectLoopback:
		m.connLoopback.Inc()
	case ConnectPortSkipped:
		m.connPortSkipped.Inc()
	default:
		m.Connects.WithLabelValues(outcome).Inc()
	}
}

// ObserveMessage counts a message hook outcome. Safe on a nil receiver.
func (m *Metrics) ObserveMessage(outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case MessageRedirected:
		m.msgRedirected.Inc()
	case MessagePassthrough:
		m.msgPassthrough.Inc()
	case MessageRedirectFailed:
		m.msgFailed.Inc()
	default:
		m.Messages.WithLabelValues(outcome).Inc()
	}
}

// ObserveEviction counts an eviction from the named store. Safe on a nil
// receiver.
func (m *Metrics) ObserveEviction(store string) {
	if m == nil {
		return
	}
	m.StoreEvictions.WithLabelValues(store).Inc()
}

// ObserveHook records whether a kernel hook is attached. Safe on a nil
// receiver.
func (m *Metrics) ObserveHook(hookType, attachPoint string, attached bool) {
	if m == nil {
		return
	}
	v := 0.0
	if attached {
		v = 1
	}
	m.HookAttached.WithLabelValues(hookType, attachPoint).Set(v)
}

// ObserveHookError counts a failed attach or detach. Safe on a nil receiver.
func (m *Metrics) ObserveHookError(hookType, errorType string) {
	if m == nil {
		return
	}
	m.HookErrors.WithLabelValues(hookType, errorType).Inc()
}

// ObserveKernelEvent counts a ring buffer event by kind. Safe on a nil
// receiver.
func (m *Metrics) ObserveKernelEvent(kind string) {
	if m == nil {
		return
	}
	m.KernelEvents.WithLabelValues(kind).Inc()
}

// TrackStore reports size() as the entry count of the named store at scrape
// time.
func (m *Metrics) TrackStore(name string, size func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeSizes[name] = size
}

// TrackFlowTable reports size() as the flow-redirect table entry count.
func (m *Metrics) TrackFlowTable(size func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowTableSize = size
}

// TrackTraceDrops reports dropped() as the trace drop counter.
func (m *Metrics) TrackTraceDrops(dropped func() uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traceDrops = dropped
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	// Hook outcome metrics
	m.Connects.Describe(ch)
	m.Messages.Describe(ch)

	// Table metrics
	m.StoreEvictions.Describe(ch)
	m.StoreEntries.Describe(ch)
	m.FlowTableEntries.Describe(ch)

	// Kernel hook metrics
	m.HookAttached.Describe(ch)
	m.HookErrors.Describe(ch)
	m.KernelEvents.Describe(ch)

	ch <- m.traceDropped
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.refresh()

	// Hook outcome metrics
	m.Connects.Collect(ch)
	m.Messages.Collect(ch)

	// Table metrics
	m.StoreEvictions.Collect(ch)
	m.StoreEntries.Collect(ch)
	m.FlowTableEntries.Collect(ch)

	// Kernel hook metrics
	m.HookAttached.Collect(ch)
	m.HookErrors.Collect(ch)
	m.KernelEvents.Collect(ch)

	m.mu.RLock()
	drops := m.traceDrops
	m.mu.RUnlock()
	var dropped float64
	if drops != nil {
		dropped = float64(drops())
	}
	ch <- prometheus.MustNewConstMetric(m.traceDropped, prometheus.CounterValue, dropped)
}

func (m *Metrics) refresh() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, size := range m.storeSizes {
		m.StoreEntries.WithLabelValues(name).Set(float64(size()))
	}
	if m.flowTableSize != nil {
		m.FlowTableEntries.Set(float64(m.flowTableSize()))
	}
}

// NewRegistry returns a registry holding m and the Go runtime collectors.
func (m *Metrics) NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
