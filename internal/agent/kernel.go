// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net/netip"

	"grimm.is/meshredirect/internal/api"
	"grimm.is/meshredirect/internal/ebpf/events"
	"grimm.is/meshredirect/internal/ebpf/hooks"
	"grimm.is/meshredirect/internal/ebpf/loader"
	"grimm.is/meshredirect/internal/ebpf/maps"
	"grimm.is/meshredirect/internal/ebpf/programs"
	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/host"
	"grimm.is/meshredirect/internal/logging"
	"grimm.is/meshredirect/internal/metrics"
	"grimm.is/meshredirect/internal/store"
)

// kernelDatapath runs the hooks as eBPF programs attached to a cgroup.
type kernelDatapath struct {
	agent  *Agent
	logger *logging.Logger

	loader      *loader.Loader
	hooks       *hooks.Manager
	origins     *maps.OriginMap
	flowOrigins *maps.FlowOriginMap
	sockhash    *maps.SockHash
	events      *events.Reader
}

func newKernelDatapath(a *Agent) *kernelDatapath {
	return &kernelDatapath{
		agent:  a,
		logger: a.logger.WithComponent("kernel"),
	}
}

// Preflight checks that the host can run the kernel datapath and logs every
// non-fatal finding.
func Preflight(ebpf EBPFPaths, logger *logging.Logger) error {
	issues := host.VerifyBPFSupport(host.Requirements{
		CgroupPath: ebpf.CgroupPath,
		PinPath:    ebpf.PinPath,
	})
	for _, issue := range issues {
		if !issue.Fatal {
			logger.Warn("kernel requirement", "feature", issue.Feature, "message", issue.Message)
		}
	}
	return host.FatalError(issues)
}

// EBPFPaths locates the kernel resources.
type EBPFPaths struct {
	ObjectPath string
	CgroupPath string
	PinPath    string
}

func (k *kernelDatapath) paths() EBPFPaths {
	cfg := k.agent.cfg.EBPF
	return EBPFPaths{ObjectPath: cfg.ObjectPath, CgroupPath: cfg.CgroupPath, PinPath: cfg.PinPath}
}

func (k *kernelDatapath) start() error {
	paths := k.paths()
	if err := Preflight(paths, k.logger); err != nil {
		return err
	}

	k.loader = loader.NewLoader(loader.Options{
		ObjectPath: paths.ObjectPath,
		PinPath:    paths.PinPath,
		Capacity:   k.agent.cfg.Store.Capacity,
	}, k.logger)
	if err := k.loader.Load(); err != nil {
		return err
	}

	if err := k.setup(paths); err != nil {
		k.stop()
		return err
	}
	return nil
}

func (k *kernelDatapath) setup(paths EBPFPaths) error {
	a := k.agent

	if err := k.loader.Configure(a.proxy, kernelLoopback(a.loopback), a.ports); err != nil {
		return err
	}

	mm := maps.NewManager()
	for _, spec := range programs.Maps {
		m, err := k.loader.GetMap(spec.Name)
		if err != nil {
			return err
		}
		if err := mm.RegisterMap(spec.Name, m); err != nil {
			return err
		}
	}

	var err error
	if k.origins, err = mm.NewOriginMap(programs.MapOrigins); err != nil {
		return err
	}
	if k.flowOrigins, err = mm.NewFlowOriginMap(programs.MapFlowOrigins); err != nil {
		return err
	}
	if k.sockhash, err = mm.NewSockHash(programs.MapSockHash, programs.MapFlowCookies); err != nil {
		return err
	}

	eventsMap, err := k.loader.GetMap(programs.MapEvents)
	if err != nil {
		return err
	}
	k.events = events.NewReader(eventsMap, a.tracer, a.metrics, a.proxy, k.logger)

	k.hooks = hooks.NewManager(k.logger, a.metrics)
	k.hooks.RegisterMap(programs.MapSockHash, k.sockhash.Map())
	for _, spec := range programs.Programs {
		prog, err := k.loader.GetProgram(spec.Name)
		if err != nil {
			return err
		}
		k.hooks.RegisterProgram(spec.Name, prog)

		attachPoint := paths.CgroupPath
		if spec.HookType == types.ProgramTypeSkMsg {
			attachPoint = programs.MapSockHash
		}
		if err := k.hooks.Attach(&types.HookConfig{
			ProgramName: spec.Name,
			ProgramType: spec.HookType,
			AttachPoint: attachPoint,
			AutoReplace: true,
		}); err != nil {
			return err
		}
	}

	a.metrics.TrackStore(metrics.StoreOrigins, countOf(k.origins.Len))
	a.metrics.TrackStore(metrics.StoreFlowOrigins, countOf(k.flowOrigins.Len))
	a.metrics.TrackFlowTable(countOf(k.sockhash.Len))
	return nil
}

// kernelLoopback picks the single IPv4 exemption the kernel program holds.
func kernelLoopback(addrs []netip.Addr) netip.Addr {
	for _, addr := range addrs {
		if a := addr.Unmap(); a.Is4() {
			return a
		}
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

func countOf(f func() (int, error)) func() int {
	return func() int {
		n, _ := f()
		return n
	}
}

func (k *kernelDatapath) stop() error {
	var firstErr error
	if k.hooks != nil {
		firstErr = k.hooks.DetachAll()
	}
	if k.loader != nil {
		if err := k.loader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (k *kernelDatapath) stats(s *api.Stats) {
	if k.origins != nil {
		n, _ := k.origins.Len()
		s.Stores[metrics.StoreOrigins] = store.Stats{Entries: n, Capacity: int(k.origins.MaxEntries)}
	}
	if k.flowOrigins != nil {
		n, _ := k.flowOrigins.Len()
		s.Stores[metrics.StoreFlowOrigins] = store.Stats{Entries: n, Capacity: int(k.flowOrigins.MaxEntries)}
	}
	if k.sockhash != nil {
		n, _ := k.sockhash.Len()
		s.FlowTable = store.Stats{Entries: n, Capacity: k.sockhash.Cap()}
	}
	if k.hooks != nil {
		s.Hooks = k.hooks.GetHookStats()
	}
}

func (k *kernelDatapath) origin(key types.ConnectionKey) (types.OriginInfo, bool, error) {
	if k.origins == nil {
		return types.OriginInfo{}, false, errors.New(errors.KindUnavailable, "kernel datapath not loaded")
	}
	return k.origins.Get(key)
}

func (k *kernelDatapath) flowOrigin(remote, local netip.AddrPort) (types.OriginInfo, bool, error) {
	if k.flowOrigins == nil {
		return types.OriginInfo{}, false, errors.New(errors.KindUnavailable, "kernel datapath not loaded")
	}
	return k.flowOrigins.Get(types.NewFlowKey(remote, local))
}

func (k *kernelDatapath) healthy() error {
	for _, spec := range programs.Programs {
		if !k.hooks.IsAttached(spec.Name) {
			return errors.Errorf(errors.KindUnavailable, "hook %s is not attached", spec.Name)
		}
	}
	return nil
}
