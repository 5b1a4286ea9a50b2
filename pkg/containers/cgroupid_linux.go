// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package containers

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// CgroupID returns the kernel id of the cgroup directory at path. On cgroupfs
// the file handle of a cgroup directory is its 64-bit inode-based id, the same
// value the BPF helper bpf_get_current_cgroup_id reports.
func CgroupID(path string) (uint64, error) {
	handle, _, err := unix.NameToHandleAt(unix.AT_FDCWD, path, 0)
	if err != nil {
		return 0, fmt.Errorf("name_to_handle_at %s: %w", path, err)
	}
	b := handle.Bytes()
	if len(b) != 8 {
		return 0, fmt.Errorf("unexpected cgroup handle size %d for %s", len(b), path)
	}
	return binary.NativeEndian.Uint64(b), nil
}
