// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Outcomes(t *testing.T) {
	m := NewMetrics()

	m.ObserveConnect(ConnectIntercepted)
	m.ObserveConnect(ConnectIntercepted)
	m.ObserveConnect(ConnectLoopback)
	m.ObserveMessage(MessagePassthrough)
	m.ObserveMessage(MessageRedirectFailed)
	m.ObserveEviction(StoreOrigins)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Connects.WithLabelValues(ConnectIntercepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connects.WithLabelValues(ConnectLoopback)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connects.WithLabelValues(ConnectPortSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues(MessageRedirectFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreEvictions.WithLabelValues(StoreOrigins)))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveConnect(ConnectIntercepted)
		m.ObserveMessage(MessageRedirected)
		m.ObserveEviction(StoreOrigins)
		m.ObserveHook("sk_msg", "sock_hash_map", true)
		m.ObserveHookError("sk_msg", "attach")
		m.ObserveKernelEvent("intercepted")
	})
}

func TestMetrics_Hooks(t *testing.T) {
	m := NewMetrics()

	m.ObserveHook("cgroup_connect4", "/sys/fs/cgroup", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookAttached.WithLabelValues("cgroup_connect4", "/sys/fs/cgroup")))
	m.ObserveHook("cgroup_connect4", "/sys/fs/cgroup", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HookAttached.WithLabelValues("cgroup_connect4", "/sys/fs/cgroup")))

	m.ObserveHookError("sk_msg", "attach")
	m.ObserveKernelEvent("redirect_failed")
	m.ObserveKernelEvent("redirect_failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookErrors.WithLabelValues("sk_msg", "attach")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KernelEvents.WithLabelValues("redirect_failed")))
}

func TestMetrics_ScrapeTimeSources(t *testing.T) {
	m := NewMetrics()
	m.TrackStore(StoreOrigins, func() int { return 42 })
	m.TrackFlowTable(func() int { return 3 })
	m.TrackTraceDrops(func() uint64 { return 5 })

	srv := httptest.NewServer(Handler(m.NewRegistry()))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, `meshredirect_store_entries{store="origins"} 42`), out)
	assert.True(t, strings.Contains(out, "meshredirect_flow_table_entries 3"), out)
	assert.True(t, strings.Contains(out, "meshredirect_trace_dropped_total 5"), out)
}
