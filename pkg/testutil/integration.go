// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package testutil gates integration tests on host properties.
package testutil

import (
	"os"
	"runtime"
	"testing"

	"github.com/antimetal/iodiag/pkg/ebpf/core"
	"github.com/antimetal/iodiag/pkg/kernel"
	"github.com/antimetal/iodiag/pkg/performance/capabilities"
)

// RequireLinux skips the test if not running on Linux.
func RequireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("Test requires Linux")
	}
}

// RequireRoot skips the test unless running as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	RequireLinux(t)

	if os.Geteuid() != 0 {
		t.Skip("Test requires root privileges")
	}
}

// RequireTracing skips the test unless the process may load BPF programs and
// attach kprobes.
func RequireTracing(t *testing.T) {
	t.Helper()
	RequireLinux(t)

	caps, err := capabilities.Effective()
	if err != nil {
		t.Skipf("Failed to read capabilities: %v", err)
	}
	if err := capabilities.CheckTracing(caps); err != nil {
		t.Skipf("Test requires tracing privileges: %v", err)
	}
}

// RequireKernelVersion skips the test on kernels older than major.minor.
func RequireKernelVersion(t *testing.T, major, minor int) {
	t.Helper()
	RequireLinux(t)

	v, err := kernel.CurrentVersion()
	if err != nil {
		t.Skipf("Failed to get kernel version: %v", err)
	}
	if !v.AtLeast(major, minor) {
		t.Skipf("Test requires kernel %d.%d or higher, current is %s", major, minor, v)
	}
}

// RequireBTF skips the test unless the kernel exposes its BTF.
func RequireBTF(t *testing.T) {
	t.Helper()
	RequireLinux(t)

	if _, err := os.Stat(core.VmlinuxBTFPath); err != nil {
		t.Skipf("Test requires BTF support (missing %s): %v", core.VmlinuxBTFPath, err)
	}
}

// RequireFile skips the test when path does not exist, e.g. a compiled BPF object.
func RequireFile(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); err != nil {
		t.Skipf("Test requires %s: %v", path, err)
	}
}

// RequireCgroup skips the test unless the given cgroup version is mounted.
// Version 0 accepts either.
func RequireCgroup(t *testing.T, version int) {
	t.Helper()
	RequireLinux(t)

	const (
		v1Path = "/sys/fs/cgroup/blkio"
		v2Path = "/sys/fs/cgroup/cgroup.controllers"
	)

	_, v1Err := os.Stat(v1Path)
	_, v2Err := os.Stat(v2Path)

	switch version {
	case 1:
		if v1Err != nil {
			t.Skipf("Test requires cgroup v1 blkio controller (missing %s)", v1Path)
		}
	case 2:
		if v2Err != nil {
			t.Skipf("Test requires cgroup v2 (missing %s)", v2Path)
		}
	default:
		if v1Err != nil && v2Err != nil {
			t.Skip("Test requires a cgroup filesystem")
		}
	}
}
