// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"net/netip"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/testutil"
)

func newMap(t *testing.T, spec *ebpf.MapSpec) *ebpf.Map {
	t.Helper()
	m, err := ebpf.NewMap(spec)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_Missing(t *testing.T) {
	m := NewManager()
	_, err := m.NewOriginMap("origin_dst_map")
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	assert.Empty(t, m.Names())
}

func TestOriginMap_Kernel(t *testing.T) {
	testutil.RequireKernel(t)

	m := NewManager()
	require.NoError(t, m.RegisterMap("origins", newMap(t, &ebpf.MapSpec{
		Type: ebpf.LRUHash, KeySize: 16, ValueSize: 8, MaxEntries: 16,
	})))
	require.Error(t, m.RegisterMap("origins", nil))

	om, err := m.NewOriginMap("origins")
	require.NoError(t, err)

	key := types.ConnectionKey{
		SrcIP:   netip.MustParseAddr("10.0.0.5"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		DstPort: 443,
		Family:  types.FamilyIPv4,
	}
	origin := types.OriginInfo{IP: key.DstIP, Port: 443}

	_, ok, err := om.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, om.Put(key, origin))
	got, ok, err := om.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, origin, got)

	n, err := om.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var seen []types.ConnectionKey
	require.NoError(t, om.Range(func(k types.ConnectionKey, o types.OriginInfo) bool {
		seen = append(seen, k)
		assert.Equal(t, origin, o)
		return true
	}))
	assert.Equal(t, []types.ConnectionKey{key}, seen)

	v6 := key
	v6.SrcIP = netip.MustParseAddr("fd00::1")
	assert.Equal(t, errors.KindValidation, errors.GetKind(om.Put(v6, origin)))
}

func TestNewOriginMap_WrongShape(t *testing.T) {
	testutil.RequireKernel(t)

	m := NewManager()
	require.NoError(t, m.RegisterMap("plain", newMap(t, &ebpf.MapSpec{
		Type: ebpf.Hash, KeySize: 16, ValueSize: 8, MaxEntries: 16,
	})))
	_, err := m.NewOriginMap("plain")
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestSockHash_Kernel(t *testing.T) {
	testutil.RequireKernel(t)

	m := NewManager()
	require.NoError(t, m.RegisterMap("sock_hash", newMap(t, &ebpf.MapSpec{
		Type: ebpf.SockHash, KeySize: 16, ValueSize: 4, MaxEntries: 8,
	})))
	index := newMap(t, &ebpf.MapSpec{Type: ebpf.Hash, KeySize: 16, ValueSize: 8, MaxEntries: 8})
	require.NoError(t, m.RegisterMap("flow_cookies", index))

	sh, err := m.NewSockHash("sock_hash", "flow_cookies")
	require.NoError(t, err)
	assert.Equal(t, 8, sh.Cap())
	assert.Positive(t, sh.FD())

	flow := types.NewFlowKey(netip.MustParseAddrPort("10.0.0.5:40000"), netip.MustParseAddrPort("127.0.0.1:15001"))
	_, ok := sh.Cookie(flow)
	assert.False(t, ok)

	// The sock_ops program writes the index; emulate it.
	k, err := types.NewFlowSockKey(flow)
	require.NoError(t, err)
	cookie := uint64(0xabc)
	require.NoError(t, index.Update(&k, &cookie, ebpf.UpdateAny))

	n, err := sh.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := sh.Cookie(flow)
	require.True(t, ok)
	assert.Equal(t, cookie, got)

	keys, err := sh.Keys()
	require.NoError(t, err)
	assert.Equal(t, []types.FlowKey{flow}, keys)

	_, err = m.NewSockHash("flow_cookies", "sock_hash")
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
