// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/meshredirect/internal/errors"
)

func fakeProc(t *testing.T, files map[string]string) {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	prev := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = prev })
}

func TestGetMemoryInfo(t *testing.T) {
	fakeProc(t, map[string]string{
		"meminfo": "MemTotal:        2048000 kB\nMemFree:          512000 kB\nMemAvailable:    1024000 kB\n",
	})

	mem, err := GetMemoryInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(2048000*1024), mem.TotalBytes)
	assert.Equal(t, uint64(512000*1024), mem.FreeBytes)
	assert.Equal(t, uint64(1024000*1024), mem.AvailableBytes)
}

func TestGetMemoryInfo_AvailableFallback(t *testing.T) {
	fakeProc(t, map[string]string{
		"meminfo": "MemTotal: 100 kB\nMemFree: 40 kB\n",
	})

	mem, err := GetMemoryInfo()
	require.NoError(t, err)
	assert.Equal(t, mem.FreeBytes, mem.AvailableBytes)
}

func TestCheckBPFJIT(t *testing.T) {
	fakeProc(t, map[string]string{"sys/net/core/bpf_jit_enable": "1\n"})
	on, err := CheckBPFJIT()
	require.NoError(t, err)
	assert.True(t, on)

	fakeProc(t, map[string]string{"sys/net/core/bpf_jit_enable": "0\n"})
	on, err = CheckBPFJIT()
	require.NoError(t, err)
	assert.False(t, on)
}

func TestParseKernelRelease(t *testing.T) {
	cases := map[string][2]int{
		"6.1.0-18-amd64":    {6, 1},
		"5.15.0-91-generic": {5, 15},
		"5.8":               {5, 8},
		"6.18rc1":           {6, 18},
	}
	for in, want := range cases {
		major, minor, err := parseKernelRelease(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, [2]int{major, minor}, in)
	}

	_, _, err := parseKernelRelease("garbage")
	assert.Error(t, err)
}

func TestFatalError(t *testing.T) {
	assert.NoError(t, FatalError(nil))
	assert.NoError(t, FatalError([]SystemRequirementError{{Feature: "JIT", Message: "off"}}))

	err := FatalError([]SystemRequirementError{
		{Feature: "JIT", Message: "off"},
		{Feature: "cgroup2", Message: "/sys/fs/cgroup is not a cgroup v2 mount", Fatal: true},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	assert.Contains(t, err.Error(), "cgroup2")
	assert.NotContains(t, err.Error(), "JIT")
}
