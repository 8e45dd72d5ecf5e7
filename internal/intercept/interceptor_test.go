// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package intercept

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/logging"
	"grimm.is/meshredirect/internal/metrics"
	"grimm.is/meshredirect/internal/store"
	"grimm.is/meshredirect/internal/trace"
)

var proxy = netip.MustParseAddrPort("127.0.0.1:15001")

type fixture struct {
	ic      *Interceptor
	origins *store.Store[types.ConnectionKey, types.OriginInfo]
	cookies *store.Store[uint64, types.ConnectionKey]
	metrics *metrics.Metrics
	tracer  *trace.Tracer
	rec     *trace.Recorder
}

func newFixture(t *testing.T, cfg store.Config) *fixture {
	t.Helper()
	origins, err := store.New[types.ConnectionKey, types.OriginInfo](cfg, nil)
	require.NoError(t, err)
	cookies, err := store.New[uint64, types.ConnectionKey](cfg, nil)
	require.NoError(t, err)

	rec := trace.NewRecorder(16)
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
	tr := trace.New(trace.Config{Enabled: true, Buffer: 16}, logger, rec)
	m := metrics.NewMetrics()

	ic, err := New(Config{
		Proxy:    proxy,
		Ports:    []uint16{80, 443},
		Loopback: []netip.Addr{netip.MustParseAddr("127.0.0.1")},
	}, origins, WithCookieIndex(cookies), WithTracer(tr), WithMetrics(m))
	require.NoError(t, err)

	return &fixture{ic: ic, origins: origins, cookies: cookies, metrics: m, tracer: tr, rec: rec}
}

func attempt(src, dst string, port uint16) *types.ConnectAttempt {
	d := netip.MustParseAddr(dst)
	return &types.ConnectAttempt{
		SrcIP:   netip.MustParseAddr(src),
		DstIP:   d,
		DstPort: port,
		Family:  types.FamilyOf(d),
	}
}

func TestConnect_InterceptsManagedPort(t *testing.T) {
	f := newFixture(t, store.DefaultConfig())

	a := attempt("10.0.0.5", "93.184.216.34", 443)
	a.Cookie = 99
	v := f.ic.Connect(a)

	assert.Equal(t, types.VerdictAllow, v)
	assert.True(t, a.Redirected)
	assert.Equal(t, proxy, a.Destination())

	key := types.ConnectionKey{
		SrcIP:   netip.MustParseAddr("10.0.0.5"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		SrcPort: 0,
		DstPort: 443,
		Family:  types.FamilyIPv4,
	}
	origin, ok := f.origins.Get(key)
	require.True(t, ok)
	assert.Equal(t, types.OriginInfo{IP: netip.MustParseAddr("93.184.216.34"), Port: 443}, origin)
	assert.Equal(t, 1, f.origins.Len())

	byCookie, ok := f.cookies.Get(99)
	require.True(t, ok)
	assert.Equal(t, key, byCookie)

	f.tracer.Start(context.Background())
	f.tracer.Stop()
	recs := f.rec.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, trace.KindIntercepted, recs[0].Kind)
	assert.Equal(t, key, recs[0].Key)
	assert.Equal(t, proxy, recs[0].Proxy)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Connects.WithLabelValues(metrics.ConnectIntercepted)))
}

func TestConnect_LoopbackUntouched(t *testing.T) {
	f := newFixture(t, store.DefaultConfig())

	for _, dst := range []string{"127.0.0.1", "127.0.0.53", "::1", "::ffff:127.0.0.1"} {
		a := attempt("10.0.0.5", dst, 443)
		before := *a
		assert.Equal(t, types.VerdictAllow, f.ic.Connect(a), dst)
		assert.Equal(t, before, *a, dst)
	}

	a := attempt("10.0.0.5", "127.0.0.1", 8080)
	f.ic.Connect(a)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:8080"), a.Destination())

	assert.Zero(t, f.origins.Len())
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.Connects.WithLabelValues(metrics.ConnectLoopback)))
}

func TestConnect_ConfiguredExemption(t *testing.T) {
	f := newFixture(t, store.DefaultConfig())
	f.ic.SetLoopback([]netip.Addr{netip.MustParseAddr("10.255.0.1")})

	a := attempt("10.0.0.5", "10.255.0.1", 80)
	f.ic.Connect(a)
	assert.False(t, a.Redirected)
	assert.Zero(t, f.origins.Len())
}

func TestConnect_UnmanagedPortUntouched(t *testing.T) {
	f := newFixture(t, store.DefaultConfig())

	a := attempt("10.0.0.5", "10.0.0.9", 22)
	assert.Equal(t, types.VerdictAllow, f.ic.Connect(a))
	assert.False(t, a.Redirected)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.9:22"), a.Destination())
	assert.Zero(t, f.origins.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Connects.WithLabelValues(metrics.ConnectPortSkipped)))
}

func TestConnect_IPv6UsesMappedProxy(t *testing.T) {
	f := newFixture(t, store.DefaultConfig())

	a := attempt("fd00::5", "2606:2800:220:1::1", 80)
	f.ic.Connect(a)

	require.True(t, a.Redirected)
	assert.Equal(t, netip.MustParseAddr("::ffff:127.0.0.1"), a.DstIP)
	assert.Equal(t, uint16(15001), a.DstPort)

	_, ok := f.origins.Get(types.ConnectionKey{
		SrcIP:   netip.MustParseAddr("fd00::5"),
		DstIP:   netip.MustParseAddr("2606:2800:220:1::1"),
		DstPort: 80,
		Family:  types.FamilyIPv6,
	})
	assert.True(t, ok)
}

func TestConnect_MappedAddressesStoredAsIPv4(t *testing.T) {
	for _, family := range []types.Family{types.FamilyUnspec, types.FamilyIPv6} {
		t.Run(family.String(), func(t *testing.T) {
			f := newFixture(t, store.DefaultConfig())

			a := &types.ConnectAttempt{
				SrcIP:   netip.MustParseAddr("::ffff:10.0.0.5"),
				DstIP:   netip.MustParseAddr("::ffff:93.184.216.34"),
				DstPort: 443,
				Family:  family,
			}
			f.ic.Connect(a)

			// The socket is AF_INET6, so it is sent to the mapped proxy.
			require.True(t, a.Redirected)
			assert.Equal(t, netip.MustParseAddrPort("[::ffff:127.0.0.1]:15001"), a.Destination())

			origin, ok := f.origins.Get(types.ConnectionKey{
				SrcIP:   netip.MustParseAddr("10.0.0.5"),
				DstIP:   netip.MustParseAddr("93.184.216.34"),
				DstPort: 443,
				Family:  types.FamilyIPv4,
			})
			require.True(t, ok)
			assert.Equal(t, netip.MustParseAddrPort("93.184.216.34:443"), origin.AddrPort())
			assert.True(t, origin.IP.Is4())
		})
	}
}

func TestConnect_SetPorts(t *testing.T) {
	f := newFixture(t, store.DefaultConfig())
	f.ic.SetPorts([]uint16{8080, 22})
	assert.Equal(t, []uint16{22, 8080}, f.ic.Ports())

	a := attempt("10.0.0.5", "10.0.0.9", 22)
	f.ic.Connect(a)
	assert.True(t, a.Redirected)

	b := attempt("10.0.0.5", "10.0.0.9", 443)
	f.ic.Connect(b)
	assert.False(t, b.Redirected)
}

func TestConnect_CapacityBound(t *testing.T) {
	f := newFixture(t, store.Config{Capacity: 4, Shards: 2})

	first := attempt("10.0.0.1", "93.184.216.34", 443)
	f.ic.Connect(first)
	for i := 2; i <= 5; i++ {
		a := attempt(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}).String(), "93.184.216.34", 443)
		f.ic.Connect(a)
		assert.LessOrEqual(t, f.origins.Len(), 4)
	}

	_, ok := f.origins.Get(types.ConnectionKey{
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		DstPort: 443,
		Family:  types.FamilyIPv4,
	})
	assert.False(t, ok, "oldest entry should be evicted")
}

func TestConnect_Concurrent(t *testing.T) {
	f := newFixture(t, store.DefaultConfig())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				a := attempt(netip.AddrFrom4([4]byte{10, byte(w), 0, byte(i)}).String(), "93.184.216.34", 443)
				f.ic.Connect(a)
				assert.Equal(t, proxy, a.Destination())
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 8*256, f.origins.Len())
}

func TestNew_Validation(t *testing.T) {
	origins, err := store.New[types.ConnectionKey, types.OriginInfo](store.DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = New(Config{Ports: []uint16{80}}, origins)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = New(Config{Proxy: proxy, Ports: []uint16{0}}, origins)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = New(Config{Proxy: proxy}, nil)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestPortSet(t *testing.T) {
	p := NewPortSet(0, 1, 63, 64, 443, 65535)
	for _, port := range []uint16{0, 1, 63, 64, 443, 65535} {
		assert.True(t, p.Contains(port), "port %d", port)
	}
	assert.False(t, p.Contains(80))
	assert.Equal(t, 6, p.Len())
	assert.Equal(t, []uint16{0, 1, 63, 64, 443, 65535}, p.Ports())
}
