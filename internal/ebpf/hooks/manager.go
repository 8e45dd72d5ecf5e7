// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hooks attaches the mesh programs to their kernel hook points.
package hooks

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/logging"
	"grimm.is/meshredirect/internal/metrics"
)

// Manager manages eBPF program attachments (hooks)
type Manager struct {
	links    map[string]*AttachedHook
	programs map[string]*ebpf.Program
	maps     map[string]*ebpf.Map
	logger   *logging.Logger
	metrics  *metrics.Metrics
	mutex    sync.RWMutex

	// attach is replaced in tests.
	attach func(program *ebpf.Program, config *types.HookConfig, target *ebpf.Map) (io.Closer, error)
}

// AttachedHook represents an attached eBPF program
type AttachedHook struct {
	Name        string
	Program     *ebpf.Program
	Link        io.Closer
	Type        types.ProgramType
	AttachPoint string
	AttachedAt  int64
	Active      bool
	mutex       sync.Mutex
}

// NewManager creates a new hook manager
func NewManager(logger *logging.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		links:    make(map[string]*AttachedHook),
		programs: make(map[string]*ebpf.Program),
		maps:     make(map[string]*ebpf.Map),
		logger:   logger.WithComponent("hooks"),
		metrics:  m,
		attach:   attachProgram,
	}
}

// RegisterProgram registers a program with the hook manager
func (hm *Manager) RegisterProgram(name string, program *ebpf.Program) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.programs[name] = program
}

// RegisterMap registers a map that sk_msg programs can attach to.
func (hm *Manager) RegisterMap(name string, m *ebpf.Map) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.maps[name] = m
}

// Attach attaches an eBPF program to a hook point
func (hm *Manager) Attach(config *types.HookConfig) error {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	program, exists := hm.programs[config.ProgramName]
	if !exists {
		return errors.Errorf(errors.KindNotFound, "program %s not registered", config.ProgramName)
	}

	if hook, exists := hm.links[config.ProgramName]; exists && hook.Active {
		if !config.AutoReplace {
			return errors.Errorf(errors.KindConflict, "program %s already attached", config.ProgramName)
		}
		if err := hm.detachHook(hook); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to detach existing hook")
		}
	}

	var target *ebpf.Map
	switch config.ProgramType {
	case types.ProgramTypeCgroupConnect4, types.ProgramTypeSockOps:
	case types.ProgramTypeSkMsg:
		target = hm.maps[config.AttachPoint]
		if target == nil {
			return errors.Errorf(errors.KindNotFound, "sockhash %s not registered", config.AttachPoint)
		}
	default:
		return errors.Errorf(errors.KindValidation, "unsupported program type: %v", config.ProgramType)
	}

	lnk, err := hm.attach(program, config, target)
	if err != nil {
		hm.metrics.ObserveHookError(config.ProgramType.String(), "attach")
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to attach program"), "program", config.ProgramName)
	}

	hm.links[config.ProgramName] = &AttachedHook{
		Name:        config.ProgramName,
		Program:     program,
		Link:        lnk,
		Type:        config.ProgramType,
		AttachPoint: config.AttachPoint,
		AttachedAt:  time.Now().Unix(),
		Active:      true,
	}
	hm.metrics.ObserveHook(config.ProgramType.String(), config.AttachPoint, true)
	hm.logger.Info("hook attached",
		"program", config.ProgramName,
		"type", config.ProgramType.String(),
		"attach_point", config.AttachPoint)
	return nil
}

func attachProgram(program *ebpf.Program, config *types.HookConfig, target *ebpf.Map) (io.Closer, error) {
	switch config.ProgramType {
	case types.ProgramTypeCgroupConnect4:
		return attachCgroup(program, config.AttachPoint, ebpf.AttachCGroupInet4Connect)
	case types.ProgramTypeSockOps:
		return attachCgroup(program, config.AttachPoint, ebpf.AttachCGroupSockOps)
	case types.ProgramTypeSkMsg:
		return attachSkMsg(program, target)
	default:
		return nil, fmt.Errorf("unsupported program type: %v", config.ProgramType)
	}
}

// attachCgroup attaches a cgroup program to the cgroup v2 directory at path.
func attachCgroup(program *ebpf.Program, path string, attach ebpf.AttachType) (io.Closer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cgroup %s: %w", path, err)
	}
	return link.AttachCgroup(link.CgroupOptions{
		Path:    path,
		Attach:  attach,
		Program: program,
	})
}

// skMsgAttachment is the attachment of an sk_msg verdict program to a
// sockhash. It has no bpf_link and is removed with a raw detach.
type skMsgAttachment struct {
	program *ebpf.Program
	target  *ebpf.Map
}

func attachSkMsg(program *ebpf.Program, target *ebpf.Map) (io.Closer, error) {
	err := link.RawAttachProgram(link.RawAttachProgramOptions{
		Target:  target.FD(),
		Program: program,
		Attach:  ebpf.AttachSkMsgVerdict,
	})
	if err != nil {
		return nil, err
	}
	return &skMsgAttachment{program: program, target: target}, nil
}

func (a *skMsgAttachment) Close() error {
	return link.RawDetachProgram(link.RawDetachProgramOptions{
		Target:  a.target.FD(),
		Program: a.program,
		Attach:  ebpf.AttachSkMsgVerdict,
	})
}

// Detach detaches an eBPF program
func (hm *Manager) Detach(programName string) error {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hook, exists := hm.links[programName]
	if !exists {
		return errors.Errorf(errors.KindNotFound, "program %s not attached", programName)
	}
	return hm.detachHook(hook)
}

// detachHook detaches a hook (internal method, assumes lock held)
func (hm *Manager) detachHook(hook *AttachedHook) error {
	hook.mutex.Lock()
	defer hook.mutex.Unlock()

	if !hook.Active {
		return nil
	}

	if err := hook.Link.Close(); err != nil {
		hm.metrics.ObserveHookError(hook.Type.String(), "detach")
		return fmt.Errorf("failed to close link: %w", err)
	}

	hook.Active = false
	hm.metrics.ObserveHook(hook.Type.String(), hook.AttachPoint, false)
	hm.logger.Info("hook detached", "program", hook.Name)
	return nil
}

// ListAttached returns the names of all attached hooks
func (hm *Manager) ListAttached() []string {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	var names []string
	for name, hook := range hm.links {
		if hook.Active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DetachAll detaches all hooks. sk_msg verdicts go first so no message is
// steered to a socket whose sock_ops registration is gone.
func (hm *Manager) DetachAll() error {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hooks := make([]*AttachedHook, 0, len(hm.links))
	for _, hook := range hm.links {
		hooks = append(hooks, hook)
	}
	sort.Slice(hooks, func(i, j int) bool {
		return detachOrder(hooks[i].Type) < detachOrder(hooks[j].Type)
	})

	var firstErr error
	for _, hook := range hooks {
		if err := hm.detachHook(hook); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to detach %s: %w", hook.Name, err)
		}
	}

	hm.links = make(map[string]*AttachedHook)
	return firstErr
}

func detachOrder(t types.ProgramType) int {
	switch t {
	case types.ProgramTypeSkMsg:
		return 0
	case types.ProgramTypeSockOps:
		return 1
	default:
		return 2
	}
}

// Close closes the hook manager and detaches all hooks
func (hm *Manager) Close() error {
	return hm.DetachAll()
}

// GetHookStats returns statistics about attached hooks
func (hm *Manager) GetHookStats() map[string]types.HookStats {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	stats := make(map[string]types.HookStats)
	for name, hook := range hm.links {
		if !hook.Active {
			continue
		}
		stats[name] = types.HookStats{
			Name:        name,
			Type:        hook.Type.String(),
			AttachPoint: hook.AttachPoint,
			AttachedAt:  hook.AttachedAt,
		}
	}
	return stats
}

// IsAttached returns true if a program is attached
func (hm *Manager) IsAttached(programName string) bool {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	hook, exists := hm.links[programName]
	return exists && hook.Active
}
