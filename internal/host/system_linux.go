// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package host

import (
	"golang.org/x/sys/unix"
)

func kernelVersion() (int, int, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0, 0, err
	}
	return parseKernelRelease(unix.ByteSliceToString(uts.Release[:]))
}

// Filesystem magic numbers are 32-bit; Statfs_t.Type width varies by arch.
func fsMagic(path string) (uint32, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint32(st.Type), nil
}

func isCgroup2(path string) (bool, error) {
	magic, err := fsMagic(path)
	if err != nil {
		return false, err
	}
	return magic == unix.CGROUP2_SUPER_MAGIC, nil
}

func isBPFFS(path string) (bool, error) {
	magic, err := fsMagic(path)
	if err != nil {
		return false, err
	}
	return magic == unix.BPF_FS_MAGIC, nil
}
