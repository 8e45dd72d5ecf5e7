// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agent assembles the mesh datapath from configuration and runs it
// together with the admin API.
package agent

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"grimm.is/meshredirect/internal/api"
	"grimm.is/meshredirect/internal/config"
	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/intercept"
	"grimm.is/meshredirect/internal/logging"
	"grimm.is/meshredirect/internal/metrics"
	"grimm.is/meshredirect/internal/netutil"
	"grimm.is/meshredirect/internal/redirect"
	"grimm.is/meshredirect/internal/store"
	"grimm.is/meshredirect/internal/trace"
)

// recentEvents is how many trace records the admin API can show.
const recentEvents = 256

// Datapath is the user-space datapath. An embedding proxy or simulator
// drives the three hooks directly.
type Datapath struct {
	Interceptor *intercept.Interceptor
	Binder      *redirect.Binder
	Redirector  *redirect.Redirector
	Table       *redirect.Table
}

// Agent owns the datapath, its tracer and metrics, and the admin API.
type Agent struct {
	cfg    *config.Config
	logger *logging.Logger

	metrics  *metrics.Metrics
	registry *prometheus.Registry
	tracer   *trace.Tracer
	recorder *trace.Recorder

	proxy    netip.AddrPort
	ports    []uint16
	loopback []netip.Addr

	origins     *store.Store[types.ConnectionKey, types.OriginInfo]
	cookies     *store.Store[uint64, types.ConnectionKey]
	flowOrigins *store.Store[types.FlowKey, types.OriginInfo]
	datapath    *Datapath

	kernel *kernelDatapath
	api    *api.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	serving atomic.Bool
}

// New builds an agent from a validated configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := cfg.Validate().Err(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger.WithComponent("agent"),
		metrics:  metrics.NewMetrics(),
		recorder: trace.NewRecorder(recentEvents),
		ports:    cfg.InterceptPorts(),
	}
	a.registry = a.metrics.NewRegistry()
	a.tracer = trace.New(cfg.TraceConfig(), logger, trace.NewLogSink(logger), a.recorder)
	a.metrics.TrackTraceDrops(a.tracer.Dropped)

	proxy, err := cfg.ProxyAddrPort()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid proxy")
	}
	a.proxy = proxy

	a.loopback = cfg.LoopbackAddrs()
	if cfg.Intercept.DiscoverLoopback {
		found, err := netutil.LoopbackAddrs()
		if err != nil {
			a.logger.Warn("loopback discovery failed, using configured addresses", "error", err)
		} else {
			a.loopback = netutil.MergeAddrs(a.loopback, found)
		}
	}

	switch cfg.Mode {
	case config.ModeKernel:
		a.kernel = newKernelDatapath(a)
	default:
		if err := a.buildUserspace(); err != nil {
			return nil, err
		}
	}

	if cfg.APIEnabled() {
		a.api = api.NewServer(a,
			api.WithEvents(a.recorder),
			api.WithMetrics(metrics.Handler(a.registry)),
			api.WithLogger(logger))
	}
	return a, nil
}

func (a *Agent) buildUserspace() error {
	var err error
	a.origins, err = store.New(a.cfg.StoreConfig(), a.evicted(metrics.StoreOrigins))
	if err != nil {
		return err
	}
	a.cookies, err = store.New(a.cfg.StoreConfig(), func(cookie uint64, key types.ConnectionKey) {
		a.metrics.ObserveEviction(metrics.StoreCookies)
	})
	if err != nil {
		return err
	}
	a.flowOrigins, err = store.New(a.cfg.FlowTableConfig(), func(key types.FlowKey, origin types.OriginInfo) {
		a.metrics.ObserveEviction(metrics.StoreFlowOrigins)
	})
	if err != nil {
		return err
	}

	table, err := redirect.NewTable(a.cfg.FlowTableConfig())
	if err != nil {
		return err
	}

	proxy6, err := a.cfg.Proxy6AddrPort()
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid proxy address6")
	}
	interceptor, err := intercept.New(intercept.Config{
		Proxy:    a.proxy,
		Proxy6:   proxy6,
		Ports:    a.ports,
		Loopback: a.loopback,
	}, a.origins,
		intercept.WithCookieIndex(a.cookies),
		intercept.WithTracer(a.tracer),
		intercept.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	a.datapath = &Datapath{
		Interceptor: interceptor,
		Binder:      redirect.NewBinder(table, a.cookies, a.origins, a.flowOrigins, a.logger),
		Redirector:  redirect.NewRedirector(table, a.tracer, a.metrics),
		Table:       table,
	}

	a.metrics.TrackStore(metrics.StoreOrigins, a.origins.Len)
	a.metrics.TrackStore(metrics.StoreCookies, a.cookies.Len)
	a.metrics.TrackStore(metrics.StoreFlowOrigins, a.flowOrigins.Len)
	a.metrics.TrackFlowTable(table.Len)
	return nil
}

// evicted reports origin evictions to metrics and the trace channel.
func (a *Agent) evicted(name string) func(types.ConnectionKey, types.OriginInfo) {
	return func(key types.ConnectionKey, origin types.OriginInfo) {
		a.metrics.ObserveEviction(name)
		a.tracer.Emit(trace.Record{
			Kind:   trace.KindEvicted,
			Time:   time.Now(),
			Key:    key,
			Origin: origin,
		})
	}
}

// Datapath returns the user-space hooks, or nil in kernel mode.
func (a *Agent) Datapath() *Datapath {
	return a.datapath
}

// Registry returns the agent's Prometheus registry.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// Recorder returns the recent trace records kept for the admin API.
func (a *Agent) Recorder() *trace.Recorder {
	return a.recorder
}

// Start brings the datapath up and launches the background workers. It
// returns once the datapath is serving. An agent starts at most once.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.group != nil {
		return errors.New(errors.KindConflict, "agent already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	a.tracer.Start(gctx)

	if a.kernel != nil {
		if err := a.kernel.start(); err != nil {
			cancel()
			a.tracer.Stop()
			return err
		}
		g.Go(func() error { return a.kernel.events.Run(gctx) })
	}

	if a.api != nil {
		listen := a.cfg.API.Listen
		g.Go(func() error { return a.api.ListenAndServe(listen) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return a.api.Shutdown(shutdownCtx)
		})
	}

	a.cancel = cancel
	a.group = g
	a.started = true
	a.serving.Store(true)

	a.logger.Info("mesh datapath started",
		"mode", a.cfg.Mode,
		"proxy", a.proxy.String(),
		"ports", a.ports,
		"session", a.tracer.Session().String())
	return nil
}

// Wait blocks until the background workers exit and returns the first
// worker error.
func (a *Agent) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop tears the datapath down. It is safe to call more than once.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.serving.Store(false)
	cancel, g := a.cancel, a.group
	a.mu.Unlock()

	cancel()

	var firstErr error
	if a.kernel != nil {
		firstErr = a.kernel.stop()
	}
	if err := g.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.tracer.Stop()

	a.logger.Info("mesh datapath stopped")
	return firstErr
}

// Run starts the agent and blocks until ctx is cancelled or a worker fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()

	werr := make(chan error, 1)
	go func() { werr <- g.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-werr:
	}
	if err := a.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
