// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package host checks that the running kernel can host the mesh datapath.
package host

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grimm.is/meshredirect/internal/errors"
)

// procRoot is overridden in tests.
var procRoot = "/proc"

// MemoryInfo holds system memory statistics.
type MemoryInfo struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
}

// GetMemoryInfo reads and parses /proc/meminfo.
func GetMemoryInfo() (*MemoryInfo, error) {
	file, err := os.Open(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info := &MemoryInfo{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		// Field format: "Key: VALUE kB"
		val, _ := strconv.ParseUint(fields[1], 10, 64)
		valBytes := val * 1024

		switch fields[0] {
		case "MemTotal:":
			info.TotalBytes = valBytes
		case "MemFree:":
			info.FreeBytes = valBytes
		case "MemAvailable:":
			info.AvailableBytes = valBytes
		}
	}

	// Fallback for Available if not present (older kernels)
	if info.AvailableBytes == 0 {
		info.AvailableBytes = info.FreeBytes
	}

	return info, scanner.Err()
}

// CheckBPFJIT checks if eBPF JIT is enabled.
func CheckBPFJIT() (bool, error) {
	jitEnabled, err := os.ReadFile(filepath.Join(procRoot, "sys/net/core/bpf_jit_enable"))
	if err != nil {
		return false, err
	}
	v := strings.TrimSpace(string(jitEnabled))
	return v == "1" || v == "2", nil
}

// SystemRequirementError represents a missing system requirement.
type SystemRequirementError struct {
	Feature string
	Message string
	Fatal   bool
}

func (e *SystemRequirementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Feature, e.Message)
}

// Requirements locates the kernel resources the datapath attaches to.
type Requirements struct {
	// CgroupPath is the cgroup the connect and sock_ops programs attach to.
	CgroupPath string
	// PinPath is where maps are pinned; its filesystem must be bpffs.
	PinPath string
}

// Minimum kernel for ring buffers, sockhash redirect and cgroup connect4.
const (
	minKernelMajor = 5
	minKernelMinor = 8
)

// VerifyBPFSupport checks if the system meets requirements for the kernel
// datapath. Only entries with Fatal set prevent loading.
func VerifyBPFSupport(req Requirements) []SystemRequirementError {
	var errs []SystemRequirementError

	// 1. Kernel version
	major, minor, err := kernelVersion()
	switch {
	case err != nil:
		errs = append(errs, SystemRequirementError{
			Feature: "Kernel",
			Message: fmt.Sprintf("cannot determine kernel version: %v", err),
		})
	case major < minKernelMajor || (major == minKernelMajor && minor < minKernelMinor):
		errs = append(errs, SystemRequirementError{
			Feature: "Kernel",
			Message: fmt.Sprintf("kernel %d.%d is too old (need >= %d.%d)", major, minor, minKernelMajor, minKernelMinor),
			Fatal:   true,
		})
		return errs
	}

	// 2. JIT
	if _, err := os.Stat(filepath.Join(procRoot, "sys/net/core/bpf_jit_enable")); os.IsNotExist(err) {
		errs = append(errs, SystemRequirementError{
			Feature: "eBPF",
			Message: "Kernel does not support eBPF JIT",
			Fatal:   true,
		})
		return errs
	}
	if enabled, err := CheckBPFJIT(); err != nil || !enabled {
		errs = append(errs, SystemRequirementError{
			Feature: "JIT",
			Message: "eBPF JIT is not enabled",
		})
	}

	// 3. cgroup v2 at the attach point
	if req.CgroupPath != "" {
		ok, err := isCgroup2(req.CgroupPath)
		if err != nil || !ok {
			msg := fmt.Sprintf("%s is not a cgroup v2 mount", req.CgroupPath)
			if err != nil {
				msg = fmt.Sprintf("cannot stat %s: %v", req.CgroupPath, err)
			}
			errs = append(errs, SystemRequirementError{
				Feature: "cgroup2",
				Message: msg,
				Fatal:   true,
			})
		}
	}

	// 4. bpffs for pinning
	if req.PinPath != "" {
		dir := filepath.Dir(filepath.Clean(req.PinPath))
		if ok, err := isBPFFS(dir); err != nil || !ok {
			errs = append(errs, SystemRequirementError{
				Feature: "bpffs",
				Message: fmt.Sprintf("%s is not a bpf filesystem; maps will not be pinned", dir),
			})
		}
	}

	// 5. Privileges
	if os.Geteuid() != 0 {
		errs = append(errs, SystemRequirementError{
			Feature: "Privileges",
			Message: "not running as root; loading requires CAP_BPF and CAP_NET_ADMIN",
		})
	}

	// 6. Memory
	if mem, err := GetMemoryInfo(); err == nil && mem.AvailableBytes < 64*1024*1024 {
		errs = append(errs, SystemRequirementError{
			Feature: "Memory",
			Message: fmt.Sprintf("Low available memory (%d MB, recommended >= 64 MB)", mem.AvailableBytes/1024/1024),
		})
	}

	return errs
}

// FatalError returns a KindUnavailable error listing the fatal entries of
// errs, or nil when there are none.
func FatalError(errs []SystemRequirementError) error {
	var msgs []string
	for i := range errs {
		if errs[i].Fatal {
			msgs = append(msgs, errs[i].Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.Errorf(errors.KindUnavailable, "kernel datapath unavailable: %s", strings.Join(msgs, "; "))
}

// parseKernelRelease extracts major and minor from a release string such as
// "6.1.0-18-amd64".
func parseKernelRelease(release string) (int, int, error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected kernel release %q", release)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected kernel release %q", release)
	}
	minorStr := parts[1]
	if i := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minorStr = minorStr[:i]
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected kernel release %q", release)
	}
	return major, minor, nil
}
