// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/meshredirect/internal/api"
	"grimm.is/meshredirect/internal/ebpf/programs"
	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/store"
)

type stubBackend struct{}

func (stubBackend) Stats() api.Stats {
	return api.Stats{Mode: "userspace", Stores: map[string]store.Stats{}}
}

func (stubBackend) Origin(key types.ConnectionKey) (types.OriginInfo, bool, error) {
	if key.DstPort == 443 {
		return types.OriginInfo{IP: key.DstIP, Port: 443}, true, nil
	}
	return types.OriginInfo{}, false, nil
}

func (stubBackend) FlowOrigin(remote, local netip.AddrPort) (types.OriginInfo, bool, error) {
	return types.OriginInfo{IP: netip.MustParseAddr("93.184.216.34"), Port: 443}, true, nil
}

func (stubBackend) Healthy() error { return nil }

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func apiAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "meshredirect dev")
}

func TestConfigDefaultAndValidate(t *testing.T) {
	out, err := execute(t, "config", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "proxy {")

	path := filepath.Join(t.TempDir(), "mesh.hcl")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	out, err = execute(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(bad, []byte("intercept {\n  ports = [0]\n}\n"), 0o644))
	_, err = execute(t, "config", "validate", bad)
	assert.Error(t, err)
}

func TestLookupAndFlow(t *testing.T) {
	srv := httptest.NewServer(api.NewServer(stubBackend{}).Handler())
	defer srv.Close()

	out, err := execute(t, "lookup", "--api", apiAddr(srv), "--src", "10.0.0.5", "--dst", "93.184.216.34", "--port", "443")
	require.NoError(t, err)
	assert.Contains(t, out, `"port": 443`)

	_, err = execute(t, "lookup", "--api", apiAddr(srv), "--src", "10.0.0.5", "--dst", "93.184.216.34", "--port", "80")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	out, err = execute(t, "flow", "--api", apiAddr(srv), "10.0.0.5:40000", "127.0.0.1:15001")
	require.NoError(t, err)
	assert.Contains(t, out, "93.184.216.34")

	out, err = execute(t, "stats", "--api", apiAddr(srv))
	require.NoError(t, err)
	assert.Contains(t, out, `"mode": "userspace"`)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := apiAddr(srv)
	srv.Close()

	_, err := execute(t, "stats", "--api", addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestUnpin(t *testing.T) {
	pins := t.TempDir()
	for _, spec := range programs.Maps {
		require.NoError(t, os.WriteFile(filepath.Join(pins, spec.Name), nil, 0o600))
	}
	cfgPath := filepath.Join(t.TempDir(), "mesh.hcl")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ebpf {\n  pin_path = \""+pins+"\"\n}\n"), 0o644))

	out, err := execute(t, "unpin", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, pins)

	for _, spec := range programs.Maps {
		_, err := os.Stat(filepath.Join(pins, spec.Name))
		if spec.Pinned {
			assert.True(t, os.IsNotExist(err), spec.Name)
		} else {
			assert.NoError(t, err, spec.Name)
		}
	}

	// Already gone is not an error.
	_, err = execute(t, "unpin", "--config", cfgPath)
	assert.NoError(t, err)
}
