// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"bytes"
	"os"
	"testing"

	"grimm.is/meshredirect/internal/logging"
)

// RequireKernel skips the test unless MESHREDIRECT_KERNEL_TEST is set and the
// test runs as root. Tests that load programs or create maps need both.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv("MESHREDIRECT_KERNEL_TEST") == "" {
		t.Skip("Skipping test: requires MESHREDIRECT_KERNEL_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// QuietLogger returns a logger that discards everything below error.
func QuietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
}
