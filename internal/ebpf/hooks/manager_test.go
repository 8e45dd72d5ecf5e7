// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hooks

import (
	"fmt"
	"io"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/metrics"
	testhelpers "grimm.is/meshredirect/internal/testutil"
)

type fakeLink struct {
	name   string
	closed *[]string
	err    error
}

func (f *fakeLink) Close() error {
	if f.err != nil {
		return f.err
	}
	*f.closed = append(*f.closed, f.name)
	return nil
}

func newTestManager(t *testing.T, failAttach bool) (*Manager, *metrics.Metrics, *[]string) {
	t.Helper()
	m := metrics.NewMetrics()
	hm := NewManager(testhelpers.QuietLogger(), m)
	closed := &[]string{}
	hm.attach = func(program *ebpf.Program, config *types.HookConfig, target *ebpf.Map) (io.Closer, error) {
		if failAttach {
			return nil, fmt.Errorf("attach refused")
		}
		return &fakeLink{name: config.ProgramName, closed: closed}, nil
	}
	for _, name := range []string{"mesh_connect4", "mesh_sockops", "mesh_sk_msg"} {
		hm.RegisterProgram(name, &ebpf.Program{})
	}
	hm.RegisterMap("sock_hash_map", &ebpf.Map{})
	return hm, m, closed
}

func attachAll(t *testing.T, hm *Manager) {
	t.Helper()
	require.NoError(t, hm.Attach(&types.HookConfig{ProgramName: "mesh_connect4", ProgramType: types.ProgramTypeCgroupConnect4, AttachPoint: "/sys/fs/cgroup"}))
	require.NoError(t, hm.Attach(&types.HookConfig{ProgramName: "mesh_sockops", ProgramType: types.ProgramTypeSockOps, AttachPoint: "/sys/fs/cgroup"}))
	require.NoError(t, hm.Attach(&types.HookConfig{ProgramName: "mesh_sk_msg", ProgramType: types.ProgramTypeSkMsg, AttachPoint: "sock_hash_map"}))
}

func TestAttach(t *testing.T) {
	hm, m, _ := newTestManager(t, false)
	attachAll(t, hm)

	assert.Equal(t, []string{"mesh_connect4", "mesh_sk_msg", "mesh_sockops"}, hm.ListAttached())
	assert.True(t, hm.IsAttached("mesh_sk_msg"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookAttached.WithLabelValues("sk_msg", "sock_hash_map")))

	stats := hm.GetHookStats()
	require.Contains(t, stats, "mesh_connect4")
	assert.Equal(t, "cgroup_connect4", stats["mesh_connect4"].Type)
	assert.Equal(t, "/sys/fs/cgroup", stats["mesh_connect4"].AttachPoint)
}

func TestAttach_Errors(t *testing.T) {
	hm, _, _ := newTestManager(t, false)

	err := hm.Attach(&types.HookConfig{ProgramName: "missing", ProgramType: types.ProgramTypeSockOps})
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	err = hm.Attach(&types.HookConfig{ProgramName: "mesh_sk_msg", ProgramType: types.ProgramTypeSkMsg, AttachPoint: "other"})
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	err = hm.Attach(&types.HookConfig{ProgramName: "mesh_sockops", ProgramType: types.ProgramTypeUnspec})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	cfg := &types.HookConfig{ProgramName: "mesh_sockops", ProgramType: types.ProgramTypeSockOps, AttachPoint: "/sys/fs/cgroup"}
	require.NoError(t, hm.Attach(cfg))
	assert.Equal(t, errors.KindConflict, errors.GetKind(hm.Attach(cfg)))

	cfg.AutoReplace = true
	assert.NoError(t, hm.Attach(cfg))
}

func TestAttach_FailureCounted(t *testing.T) {
	hm, m, _ := newTestManager(t, true)

	err := hm.Attach(&types.HookConfig{ProgramName: "mesh_connect4", ProgramType: types.ProgramTypeCgroupConnect4, AttachPoint: "/sys/fs/cgroup"})
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	assert.False(t, hm.IsAttached("mesh_connect4"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookErrors.WithLabelValues("cgroup_connect4", "attach")))
}

func TestDetachAll_Order(t *testing.T) {
	hm, m, closed := newTestManager(t, false)
	attachAll(t, hm)

	require.NoError(t, hm.DetachAll())
	assert.Equal(t, []string{"mesh_sk_msg", "mesh_sockops", "mesh_connect4"}, *closed)
	assert.Empty(t, hm.ListAttached())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HookAttached.WithLabelValues("sk_msg", "sock_hash_map")))

	assert.NoError(t, hm.Close())
	assert.Equal(t, errors.KindNotFound, errors.GetKind(hm.Detach("mesh_sk_msg")))
}
