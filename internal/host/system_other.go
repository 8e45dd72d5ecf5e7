// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package host

import "errors"

var errNotLinux = errors.New("kernel datapath requires linux")

func kernelVersion() (int, int, error) { return 0, 0, errNotLinux }

func isCgroup2(string) (bool, error) { return false, errNotLinux }

func isBPFFS(string) (bool, error) { return false, errNotLinux }
