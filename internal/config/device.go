// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/antimetal/iodiag/pkg/blkio"
)

var ErrInvalidDevice = errors.New("invalid device")

// devDir is where bare device names are looked up.
var devDir = "/dev"

// ResolveDevice turns MAJ:MIN, a device name or a /dev path into a device number.
func ResolveDevice(spec string) (blkio.DeviceNumber, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return blkio.DeviceNumber{}, fmt.Errorf("%w: empty", ErrInvalidDevice)
	}

	if majStr, minStr, ok := strings.Cut(spec, ":"); ok {
		major, err1 := strconv.ParseUint(majStr, 10, 12)
		minor, err2 := strconv.ParseUint(minStr, 10, 20)
		if err1 != nil || err2 != nil {
			return blkio.DeviceNumber{}, fmt.Errorf("%w: %q is not MAJ:MIN", ErrInvalidDevice, spec)
		}
		return blkio.DeviceNumber{Major: uint32(major), Minor: uint32(minor)}, nil
	}

	path := spec
	if !strings.Contains(spec, "/") {
		path = filepath.Join(devDir, spec)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return blkio.DeviceNumber{}, fmt.Errorf("%w: %s: %w", ErrInvalidDevice, path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return blkio.DeviceNumber{}, fmt.Errorf("%w: %s is not a block device", ErrInvalidDevice, path)
	}
	rdev := uint64(st.Rdev)
	return blkio.DeviceNumber{Major: unix.Major(rdev), Minor: unix.Minor(rdev)}, nil
}
